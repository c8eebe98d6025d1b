package performance

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/eventstore"
	"github.com/rxtech-lab/argo-ledger/internal/id"
	"github.com/rxtech-lab/argo-ledger/internal/ledger"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/pricing"
	"github.com/rxtech-lab/argo-ledger/internal/reconcile"
	"github.com/rxtech-lab/argo-ledger/internal/telemetry"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Filter narrows a report. Empty lists match everything; the window applies to sell time.
type Filter struct {
	Instruments []string
	Triggers    []string
	From        time.Time
	To          time.Time
}

func (f Filter) Window() types.Window {
	return types.Window{From: f.From, To: f.To}
}

type Request struct {
	Version int
	Filter  Filter
	// Prices is the one snapshot used for the whole computation.
	Prices pricing.Snapshot
}

type Option func(*Aggregator)

func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

func WithIDGenerator(ids *id.Generator) Option {
	return func(a *Aggregator) {
		a.ids = ids
	}
}

func WithTracer(tracer *telemetry.Tracer) Option {
	return func(a *Aggregator) {
		a.tracer = tracer
	}
}

// Aggregator derives performance snapshots from one allocation version and one price snapshot.
// It only reads from the ledger and the event store, apart from Record.
type Aggregator struct {
	ledger ledger.Ledger
	events eventstore.Store
	policy reconcile.Policy
	logger *logger.Logger
	tracer *telemetry.Tracer
	clock  func() time.Time
	ids    *id.Generator
}

func NewAggregator(l ledger.Ledger, events eventstore.Store, policy reconcile.Policy, log *logger.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		ledger: l,
		events: events,
		policy: policy,
		logger: log,
		tracer: telemetry.NewNoopTracer(),
		clock:  time.Now,
		ids:    nil,
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.ids == nil {
		a.ids = id.NewGenerator()
	}

	return a
}

// Policy returns the PnL source policy every snapshot of this aggregator uses.
func (a *Aggregator) Policy() reconcile.Policy {
	return a.policy
}

// Compute builds the snapshot for req. The result has no ID or GeneratedAt; both are assigned by
// Record. Computing never writes anything.
func (a *Aggregator) Compute(ctx context.Context, req Request) (types.PerformanceSnapshot, error) {
	if a.policy == nil {
		return types.PerformanceSnapshot{}, errors.New(errors.ErrCodeInvalidPnLSource, "no pnl source policy configured")
	}

	if req.Version < 1 {
		return types.PerformanceSnapshot{}, errors.Newf(errors.ErrCodeInvalidVersion, "allocation version must be positive, got %d", req.Version)
	}

	window := req.Filter.Window()
	if !window.From.IsZero() && !window.To.IsZero() && !window.From.Before(window.To) {
		return types.PerformanceSnapshot{}, errors.Newf(errors.ErrCodeInvalidParameter, "window start %s is not before its end %s",
			window.From.Format(time.RFC3339), window.To.Format(time.RFC3339))
	}

	ctx, span := a.tracer.Start(ctx, "performance.compute",
		attribute.Int("allocation_version", req.Version),
		attribute.String("pnl_source", string(a.policy.Source())),
	)
	defer span.End()

	dataset, err := a.load(ctx, req.Version, req.Filter.Instruments, window)
	if err != nil {
		return types.PerformanceSnapshot{}, err
	}

	sells, err := a.sells(ctx, req.Filter, window)
	if err != nil {
		return types.PerformanceSnapshot{}, err
	}

	triggers := newSet(req.Filter.Triggers)
	input := reconcile.Input{Sells: sells}

	if a.policy.UsesLedger() {
		for _, r := range dataset.Records {
			if triggers.matches(r.Trigger) {
				input.Records = append(input.Records, r)
			}
		}
	}

	anomalies := []types.Anomaly{}

	for _, anomaly := range dataset.Anomalies {
		if triggers.matches(anomaly.Trigger) {
			anomalies = append(anomalies, anomaly)
		}
	}

	input.Anomalies = anomalies
	resolution := a.policy.Resolve(input)

	snapshot := a.build(req, dataset.OpenLots, input.Records, resolution)
	snapshot.AnomalyCount = len(anomalies)

	span.SetAttributes(
		attribute.Int("trades", snapshot.Metrics.TotalTrades),
		attribute.Int("unreconciled", snapshot.UnreconciledCount),
		attribute.Int("price_unknown", snapshot.PriceUnknownCount),
	)

	if snapshot.PriceUnknownCount > 0 {
		a.logger.Warn("Open lots excluded from unrealized pnl",
			zap.Error(errors.Newf(errors.ErrCodeMissingPrice, "no current price for %s", strings.Join(snapshot.PriceUnknownInstruments, ", "))),
		)
	}

	if snapshot.MissingSourceCount > 0 {
		a.logger.Warn("Sells excluded from realized pnl",
			zap.Error(errors.Newf(errors.ErrCodeMissingLegacyPnL, "%d sells have no %s figure", snapshot.MissingSourceCount, a.policy.Source())),
		)
	}

	a.logger.Info("Performance snapshot computed",
		append([]zap.Field{
			zap.Int("allocation_version", req.Version),
			zap.String("pnl_source", string(a.policy.Source())),
			zap.Int("trades", snapshot.Metrics.TotalTrades),
			zap.String("realized_pnl", snapshot.Metrics.RealizedPnL.String()),
			zap.Strings("disclosures", snapshot.Disclosures()),
		}, telemetry.LogFields(ctx)...)...,
	)

	return snapshot, nil
}

// Record stamps the snapshot with an id and generation time and persists it.
func (a *Aggregator) Record(ctx context.Context, snapshot types.PerformanceSnapshot) (types.PerformanceSnapshot, error) {
	now := a.clock().UTC()

	if snapshot.ID == "" {
		snapshotID, err := a.ids.New(now)
		if err != nil {
			return types.PerformanceSnapshot{}, err
		}

		snapshot.ID = snapshotID
	}

	snapshot.GeneratedAt = now

	if err := a.ledger.RecordSnapshot(ctx, snapshot); err != nil {
		return types.PerformanceSnapshot{}, err
	}

	a.logger.Debug("Performance snapshot recorded", zap.String("snapshot_id", snapshot.ID))

	return snapshot, nil
}

// load reads the pinned version. Policies that read allocation records fail on a version
// with no data at all; the legacy policy only uses it for open lots.
func (a *Aggregator) load(ctx context.Context, version int, instruments []string, window types.Window) (ledger.Dataset, error) {
	dataset, err := a.ledger.Load(ctx, ledger.Query{Version: version, Instruments: instruments, Window: window})
	if err != nil {
		return ledger.Dataset{}, err
	}

	if dataset.HasData() || !a.policy.UsesLedger() {
		return dataset, nil
	}

	commits, err := a.ledger.Versions(ctx, "")
	if err != nil {
		return ledger.Dataset{}, err
	}

	for _, commit := range commits {
		if commit.AllocationVersion == version {
			return dataset, nil
		}
	}

	return ledger.Dataset{}, errors.Newf(errors.ErrCodeVersionNotFound, "allocation version %d has no data", version)
}

func (a *Aggregator) sells(ctx context.Context, filter Filter, window types.Window) ([]types.TradeEvent, error) {
	if a.events == nil {
		return nil, nil
	}

	instruments := filter.Instruments
	if len(instruments) == 0 {
		all, err := a.events.Instruments(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to list instruments", err)
		}

		instruments = all
	}

	triggers := newSet(filter.Triggers)
	sells := []types.TradeEvent{}

	for _, instrument := range instruments {
		events, err := a.events.Events(ctx, instrument)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to load events of %s", instrument)
		}

		for _, e := range events {
			if e.IsSell() && window.Contains(e.ExecutedAt) && triggers.matches(e.Trigger) {
				sells = append(sells, e)
			}
		}
	}

	return sells, nil
}

func (a *Aggregator) build(req Request, openLots []types.OpenLot, records []types.AllocationRecord, resolution reconcile.Resolution) types.PerformanceSnapshot {
	total := newAccumulator()
	byInstrument := map[string]*accumulator{}
	byTrigger := map[string]*accumulator{}
	lotCount := map[string]int{}
	unreconciledByInstrument := map[string]int{}
	unreconciledByTrigger := map[string]int{}

	instrumentAcc := func(instrument string) *accumulator {
		if _, ok := byInstrument[instrument]; !ok {
			byInstrument[instrument] = newAccumulator()
		}

		return byInstrument[instrument]
	}

	triggerAcc := func(trigger string) *accumulator {
		if _, ok := byTrigger[trigger]; !ok {
			byTrigger[trigger] = newAccumulator()
		}

		return byTrigger[trigger]
	}

	for _, outcome := range resolution.Outcomes {
		total.add(outcome)
		instrumentAcc(outcome.Instrument).add(outcome)
		triggerAcc(outcome.Trigger).add(outcome)
	}

	triggerOf := map[reconcile.SellKey]string{}
	for _, r := range records {
		triggerOf[reconcile.SellKey{Instrument: r.Instrument, SellEventID: r.SellEventID}] = r.Trigger
	}

	for _, key := range resolution.Unreconciled {
		trigger := types.TriggerOrUntagged(triggerOf[key])

		unreconciledByInstrument[key.Instrument]++
		unreconciledByTrigger[trigger]++
		instrumentAcc(key.Instrument)
		triggerAcc(trigger)
	}

	priceUnknown := map[string]bool{}

	for _, lot := range openLots {
		lotCount[lot.Instrument]++
		acc := instrumentAcc(lot.Instrument)

		price := req.Prices.Price(lot.Instrument)
		if price.IsNone() {
			priceUnknown[lot.Instrument] = true

			continue
		}

		pnl := price.Unwrap().Sub(lot.UnitCost).Mul(lot.RemainingQty)
		acc.addUnrealized(pnl)
		total.addUnrealized(pnl)
	}

	snapshot := types.PerformanceSnapshot{
		ID:                      "",
		AllocationVersion:       req.Version,
		PnLSource:               a.policy.Source(),
		Window:                  req.Filter.Window(),
		Instruments:             sortedCopy(req.Filter.Instruments),
		Triggers:                sortedCopy(req.Filter.Triggers),
		GeneratedAt:             time.Time{},
		Metrics:                 total.metrics(),
		PerInstrument:           []types.InstrumentBreakdown{},
		PerTrigger:              []types.TriggerBreakdown{},
		UnreconciledCount:       len(resolution.Unreconciled),
		AnomalyCount:            0,
		PriceUnknownCount:       len(priceUnknown),
		PriceUnknownInstruments: sortedKeys(priceUnknown),
		MissingSourceCount:      resolution.Missing,
	}

	for _, instrument := range sortedKeys(byInstrument) {
		snapshot.PerInstrument = append(snapshot.PerInstrument, types.InstrumentBreakdown{
			Instrument:        instrument,
			Metrics:           byInstrument[instrument].metrics(),
			PriceKnown:        req.Prices.Price(instrument).IsSome(),
			OpenLots:          lotCount[instrument],
			UnreconciledCount: unreconciledByInstrument[instrument],
		})
	}

	for _, trigger := range sortedKeys(byTrigger) {
		snapshot.PerTrigger = append(snapshot.PerTrigger, types.TriggerBreakdown{
			Trigger:           trigger,
			Metrics:           byTrigger[trigger].metrics(),
			UnreconciledCount: unreconciledByTrigger[trigger],
		})
	}

	return snapshot
}

// set matches trigger tags. Untagged values compare as types.TriggerUntagged.
type set map[string]bool

func newSet(values []string) set {
	s := set{}
	for _, v := range values {
		s[v] = true
	}

	return s
}

func (s set) matches(trigger string) bool {
	return len(s) == 0 || s[types.TriggerOrUntagged(trigger)]
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	out := append([]string{}, values...)
	sort.Strings(out)

	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
