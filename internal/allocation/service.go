package allocation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/eventstore"
	"github.com/rxtech-lab/argo-ledger/internal/ledger"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/telemetry"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InstrumentReport is the outcome of one instrument within a Reallocate or Extend call.
type InstrumentReport struct {
	Instrument string
	Records    int
	Anomalies  int
	OpenLots   int
	CommitID   string
	Segment    int
	// Unchanged is true when the ledger already held this exact result.
	Unchanged bool
	// Err is set when the instrument run or its commit failed. Other instruments are not affected.
	Err error
}

type RunReport struct {
	Version     int
	Instruments []InstrumentReport
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Failed returns the reports of instruments that did not commit.
func (r RunReport) Failed() []InstrumentReport {
	failed := []InstrumentReport{}

	for _, report := range r.Instruments {
		if report.Err != nil {
			failed = append(failed, report)
		}
	}

	return failed
}

// ProgressFunc is called after each instrument finishes.
type ProgressFunc func(report InstrumentReport)

type ServiceOption func(*Service)

func WithWorkers(workers int) ServiceOption {
	return func(s *Service) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithTracer(tracer *telemetry.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func WithProgress(progress ProgressFunc) ServiceOption {
	return func(s *Service) {
		s.progress = progress
	}
}

// Service runs the engine over the event store and commits each instrument to the ledger.
type Service struct {
	engine   *Engine
	events   eventstore.Store
	ledger   ledger.Ledger
	logger   *logger.Logger
	tracer   *telemetry.Tracer
	workers  int
	clock    func() time.Time
	progress ProgressFunc
}

func NewService(engine *Engine, events eventstore.Store, l ledger.Ledger, log *logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		engine:  engine,
		events:  events,
		ledger:  l,
		logger:  log,
		tracer:  telemetry.NewNoopTracer(),
		workers: 4,
		clock:   time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Reallocate runs the full history of each instrument under version and commits it. With no
// instruments given, every instrument in the event store is run.
func (s *Service) Reallocate(ctx context.Context, version int, instruments []string) (RunReport, error) {
	return s.runAll(ctx, "allocation.reallocate", version, instruments, s.reallocate)
}

// Extend appends the events that arrived since the last commit of each instrument under version.
// Instruments without a commit under version get a full run.
func (s *Service) Extend(ctx context.Context, version int, instruments []string) (RunReport, error) {
	return s.runAll(ctx, "allocation.extend", version, instruments, s.extend)
}

type instrumentRun func(ctx context.Context, version int, instrument string) InstrumentReport

func (s *Service) runAll(ctx context.Context, spanName string, version int, instruments []string, runOne instrumentRun) (RunReport, error) {
	if version < 1 {
		return RunReport{}, errors.Newf(errors.ErrCodeInvalidVersion, "allocation version must be positive, got %d", version)
	}

	ctx, span := s.tracer.Start(ctx, spanName, attribute.Int("allocation_version", version))
	defer span.End()

	if len(instruments) == 0 {
		all, err := s.events.Instruments(ctx)
		if err != nil {
			return RunReport{}, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to list instruments", err)
		}

		instruments = all
	}

	report := RunReport{Version: version, StartedAt: s.clock()}
	reports := make([]InstrumentReport, len(instruments))

	var progressMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)

	for i, instrument := range instruments {
		group.Go(func() error {
			reports[i] = runOne(groupCtx, version, instrument)

			if s.progress != nil {
				progressMu.Lock()
				s.progress(reports[i])
				progressMu.Unlock()
			}

			return nil
		})
	}

	// Instrument failures are carried in their reports, so Wait has no error to return.
	_ = group.Wait()

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Instrument < reports[j].Instrument
	})

	report.Instruments = reports
	report.FinishedAt = s.clock()

	failed := len(report.Failed())
	span.SetAttributes(attribute.Int("instruments", len(reports)), attribute.Int("failed", failed))

	s.logger.Info("Allocation finished",
		append([]zap.Field{
			zap.Int("allocation_version", version),
			zap.Int("instruments", len(reports)),
			zap.Int("failed", failed),
			zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		}, telemetry.LogFields(ctx)...)...,
	)

	return report, nil
}

func (s *Service) reallocate(ctx context.Context, version int, instrument string) InstrumentReport {
	ctx, span := s.tracer.Start(ctx, "allocation.instrument", attribute.String("instrument", instrument))
	defer span.End()

	report := InstrumentReport{Instrument: instrument}

	events, err := s.events.Events(ctx, instrument)
	if err != nil {
		return s.fail(report, version, errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to load events of %s", instrument))
	}

	result, err := s.engine.Allocate(instrument, version, events)
	if err != nil {
		return s.fail(report, version, err)
	}

	return s.commit(ctx, report, result, 0)
}

func (s *Service) extend(ctx context.Context, version int, instrument string) InstrumentReport {
	ctx, span := s.tracer.Start(ctx, "allocation.instrument.extend", attribute.String("instrument", instrument))
	defer span.End()

	report := InstrumentReport{Instrument: instrument}

	head, err := s.ledger.Head(ctx, version, instrument)
	if err != nil {
		return s.fail(report, version, err)
	}

	if head.IsNone() {
		return s.reallocate(ctx, version, instrument)
	}

	current := head.Unwrap()

	dataset, err := s.ledger.Load(ctx, ledger.Query{Version: version, Instruments: []string{instrument}})
	if err != nil {
		return s.fail(report, version, err)
	}

	events, err := s.events.Events(ctx, instrument)
	if err != nil {
		return s.fail(report, version, errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to load events of %s", instrument))
	}

	checkpoint := CheckpointFromDataset(instrument, current, dataset)
	watermark := types.TradeEvent{ID: current.WatermarkID, ExecutedAt: current.Watermark}
	seen := make(map[string]struct{}, len(checkpoint.SeenIDs))

	for _, id := range checkpoint.SeenIDs {
		seen[id] = struct{}{}
	}

	fresh := make([]types.TradeEvent, 0)

	for _, e := range events {
		// Events at or before the watermark that the ledger already accounts for were applied by an earlier segment.
		if _, ok := seen[e.ID]; ok && !types.LessEvent(watermark, e) {
			continue
		}

		fresh = append(fresh, e)
	}

	result, err := s.engine.Resume(checkpoint, version, fresh)
	if err != nil {
		return s.fail(report, version, err)
	}

	return s.commit(ctx, report, result, current.Segment)
}

func (s *Service) commit(ctx context.Context, report InstrumentReport, result Result, parent int) InstrumentReport {
	committed, err := s.ledger.Commit(ctx, ledger.Commit{
		Version:     result.Version,
		Instrument:  result.Instrument,
		Records:     result.Records,
		Anomalies:   result.Anomalies,
		OpenLots:    result.OpenLots,
		Watermark:   result.Checkpoint.Watermark,
		WatermarkID: result.Checkpoint.WatermarkID,
		NextSeq:     result.Checkpoint.NextSeq,
		Parent:      parent,
	})
	if err != nil {
		return s.fail(report, result.Version, err)
	}

	report.Records = len(result.Records)
	report.Anomalies = len(result.Anomalies)
	report.OpenLots = len(result.OpenLots)
	report.CommitID = committed.CommitID
	report.Segment = committed.Segment
	report.Unchanged = committed.Unchanged

	return report
}

func (s *Service) fail(report InstrumentReport, version int, err error) InstrumentReport {
	report.Err = err

	s.logger.Error("Instrument allocation failed",
		zap.String("instrument", report.Instrument),
		zap.Int("allocation_version", version),
		zap.Int("error_code", int(errors.GetCode(err))),
		zap.Error(err),
	)

	return report
}

// CheckpointFromDataset rebuilds the checkpoint of an instrument from what the ledger holds for
// it: the open lots of the head segment and every event id that produced a record, an anomaly
// or a lot.
func CheckpointFromDataset(instrument string, head ledger.CommitInfo, dataset ledger.Dataset) Checkpoint {
	seen := map[string]struct{}{}
	openLots := []types.OpenLot{}

	for _, r := range dataset.Records {
		if r.Instrument != instrument {
			continue
		}

		seen[r.SellEventID] = struct{}{}
		if r.BuyEventID.IsSome() {
			seen[r.BuyEventID.Unwrap()] = struct{}{}
		}
	}

	for _, a := range dataset.Anomalies {
		if a.Instrument == instrument && a.EventID != "" {
			seen[a.EventID] = struct{}{}
		}
	}

	for _, l := range dataset.OpenLots {
		if l.Instrument == instrument {
			seen[l.BuyEventID] = struct{}{}
			openLots = append(openLots, l)
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return Checkpoint{
		Instrument:  instrument,
		OpenLots:    openLots,
		SeenIDs:     ids,
		Watermark:   head.Watermark,
		WatermarkID: head.WatermarkID,
		NextSeq:     head.NextSeq,
	}
}
