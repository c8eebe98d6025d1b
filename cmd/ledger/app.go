package main

import (
	"context"
	"os"

	"github.com/rxtech-lab/argo-ledger/internal/allocation"
	"github.com/rxtech-lab/argo-ledger/internal/config"
	"github.com/rxtech-lab/argo-ledger/internal/eventstore"
	"github.com/rxtech-lab/argo-ledger/internal/ledger"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/performance"
	"github.com/rxtech-lab/argo-ledger/internal/pricing"
	"github.com/rxtech-lab/argo-ledger/internal/reconcile"
	"github.com/rxtech-lab/argo-ledger/internal/telemetry"
	"github.com/rxtech-lab/argo-ledger/internal/version"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.uber.org/zap"
)

// app holds the collaborators every command shares. Commands open it, use it and close it.
type app struct {
	config config.Config
	logger *logger.Logger
	tracer *telemetry.Tracer
	events *eventstore.DuckDBStore
	ledger *ledger.SQLStore
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	log, err := logger.NewLoggerWithConfig(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}

	tracer := telemetry.NewNoopTracer()
	if cfg.Tracing.Enabled {
		tracer, err = telemetry.NewStdoutTracer(os.Stderr, version.GetVersion())
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to start tracing", err)
		}
	}

	events, err := eventstore.NewDuckDBStore(cfg.EventStore.DSN, log.Named("eventstore"))
	if err != nil {
		return nil, err
	}

	if err := events.Initialize(ctx); err != nil {
		events.Close()

		return nil, err
	}

	dialect, err := ledger.ParseDialect(cfg.Ledger.Driver)
	if err != nil {
		events.Close()

		return nil, err
	}

	store, err := ledger.Open(ctx, dialect, cfg.Ledger.DSN, log.Named("ledger"))
	if err != nil {
		events.Close()

		return nil, err
	}

	return &app{config: cfg, logger: log, tracer: tracer, events: events, ledger: store}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("Failed to close ledger", zap.Error(err))
	}

	if err := a.events.Close(); err != nil {
		a.logger.Warn("Failed to close event store", zap.Error(err))
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("Failed to flush traces", zap.Error(err))
	}

	_ = a.logger.Sync()
}

func (a *app) service(opts ...allocation.ServiceOption) *allocation.Service {
	opts = append([]allocation.ServiceOption{
		allocation.WithWorkers(a.config.Workers),
		allocation.WithTracer(a.tracer),
	}, opts...)

	return allocation.NewService(
		allocation.NewEngine(a.logger.Named("allocation"), a.config.Fees()),
		a.events,
		a.ledger,
		a.logger.Named("allocation"),
		opts...,
	)
}

func (a *app) aggregator() (*performance.Aggregator, error) {
	policy, err := reconcile.NewPolicy(a.config.Source())
	if err != nil {
		return nil, err
	}

	return performance.NewAggregator(a.ledger, a.events, policy, a.logger.Named("performance"),
		performance.WithTracer(a.tracer),
	), nil
}

// newPriceSource builds the configured price source. The none provider returns nil, which leaves
// every instrument with open lots price-unknown.
func newPriceSource(cfg config.PriceFeedConfig, log *logger.Logger) (pricing.Source, error) {
	switch cfg.Provider {
	case "binance":
		return pricing.NewBinanceSource(pricing.BinanceConfig{
			BaseURL:    cfg.BaseURL,
			UseTestnet: cfg.UseTestnet,
			Symbols:    cfg.SymbolMap(),
		}, log), nil
	case "static":
		prices, err := cfg.StaticPrices()
		if err != nil {
			return nil, err
		}

		return pricing.NewStaticSource(prices), nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnsupportedPriceFeed, "unsupported price feed %q", cfg.Provider)
	}
}
