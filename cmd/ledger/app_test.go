package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/config"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/performance"
	"github.com/rxtech-lab/argo-ledger/internal/pricing"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type AppTestSuite struct {
	suite.Suite
}

func TestAppSuite(t *testing.T) {
	suite.Run(t, new(AppTestSuite))
}

func (suite *AppTestSuite) TestNewPriceSource() {
	log := logger.NewNopLogger()

	binance, err := newPriceSource(config.PriceFeedConfig{Provider: "binance"}, log)
	suite.Require().NoError(err)
	suite.IsType(&pricing.BinanceSource{}, binance)

	static, err := newPriceSource(config.PriceFeedConfig{
		Provider: "static",
		Static:   []config.StaticPrice{{Instrument: "BTC/USDT", Price: "50000"}},
	}, log)
	suite.Require().NoError(err)

	prices, err := static.Prices(context.Background(), []string{"BTC/USDT"})
	suite.Require().NoError(err)
	suite.True(decimal.NewFromInt(50000).Equal(prices["BTC/USDT"]))

	none, err := newPriceSource(config.PriceFeedConfig{Provider: "none"}, log)
	suite.Require().NoError(err)
	suite.Nil(none)

	_, err = newPriceSource(config.PriceFeedConfig{Provider: "polygon"}, log)
	suite.True(errors.HasCode(err, errors.ErrCodeUnsupportedPriceFeed))
}

func (suite *AppTestSuite) TestOpenAppRunsEndToEnd() {
	dir := suite.T().TempDir()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Ledger.DSN = filepath.Join(dir, "ledger.duckdb")
	cfg.EventStore.DSN = filepath.Join(dir, "events.duckdb")
	cfg.Log.Level = "error"
	cfg.Workers = 2
	suite.Require().NoError(cfg.Validate())

	a, err := openApp(ctx, cfg)
	suite.Require().NoError(err)
	defer a.Close(ctx)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []types.TradeEvent{
		{ID: "b1", Instrument: "BTC/USDT", Side: types.SideBuy, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Fee: decimal.Zero, ExecutedAt: at, Status: types.EventStatusFilled},
		{ID: "s1", Instrument: "BTC/USDT", Side: types.SideSell, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(125), Fee: decimal.Zero, ExecutedAt: at.Add(time.Minute), Status: types.EventStatusFilled},
	}
	suite.Require().NoError(a.events.Append(ctx, events...))

	report, err := a.service().Reallocate(ctx, cfg.AllocationVersion, nil)
	suite.Require().NoError(err)
	suite.Empty(report.Failed())

	aggregator, err := a.aggregator()
	suite.Require().NoError(err)

	snapshot, err := aggregator.Compute(ctx, performance.Request{Version: cfg.AllocationVersion})
	suite.Require().NoError(err)
	suite.Equal("25", snapshot.Metrics.RealizedPnL.String())
}
