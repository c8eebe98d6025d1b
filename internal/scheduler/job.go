package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/allocation"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/performance"
	"github.com/rxtech-lab/argo-ledger/internal/pricing"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.uber.org/zap"
)

// JobConfig describes one recomputation.
type JobConfig struct {
	Version int
	// Instruments limits the run and the report. Empty means every instrument in the event store.
	Instruments []string
	// Incremental extends the ledger instead of re-running every history.
	Incremental  bool
	PriceTimeout time.Duration
	// SnapshotDir receives <snapshot id>.yaml for every recorded snapshot when set.
	SnapshotDir string
}

// Job allocates, prices, computes and records one performance snapshot.
type Job struct {
	service    *allocation.Service
	aggregator *performance.Aggregator
	prices     pricing.Source
	config     JobConfig
	logger     *logger.Logger
}

// NewJob creates a job. prices may be nil, in which case every open instrument is price-unknown.
func NewJob(service *allocation.Service, aggregator *performance.Aggregator, prices pricing.Source, config JobConfig, log *logger.Logger) *Job {
	return &Job{
		service:    service,
		aggregator: aggregator,
		prices:     prices,
		config:     config,
		logger:     log,
	}
}

// RunOnce runs the job and returns the recorded snapshot. Instruments that fail to allocate are
// logged and left out of the ledger update; the snapshot is still computed from what the ledger
// holds for them.
func (j *Job) RunOnce(ctx context.Context) (types.PerformanceSnapshot, error) {
	run := j.service.Reallocate
	if j.config.Incremental {
		run = j.service.Extend
	}

	report, err := run(ctx, j.config.Version, j.config.Instruments)
	if err != nil {
		return types.PerformanceSnapshot{}, err
	}

	instruments := make([]string, 0, len(report.Instruments))
	for _, instrument := range report.Instruments {
		instruments = append(instruments, instrument.Instrument)
	}

	for _, failed := range report.Failed() {
		j.logger.Warn("Instrument was not allocated in scheduled run",
			zap.String("instrument", failed.Instrument),
			zap.Int("allocation_version", j.config.Version),
			zap.Error(failed.Err),
		)
	}

	prices := pricing.Fetch(ctx, j.prices, instruments, j.config.PriceTimeout, j.logger)

	snapshot, err := j.aggregator.Compute(ctx, performance.Request{
		Version: j.config.Version,
		Filter:  performance.Filter{Instruments: j.config.Instruments},
		Prices:  prices,
	})
	if err != nil {
		return types.PerformanceSnapshot{}, err
	}

	recorded, err := j.aggregator.Record(ctx, snapshot)
	if err != nil {
		return types.PerformanceSnapshot{}, err
	}

	if j.config.SnapshotDir != "" {
		if err := j.writeSnapshot(recorded); err != nil {
			return recorded, err
		}
	}

	j.logger.Info("Scheduled run finished",
		zap.String("snapshot_id", recorded.ID),
		zap.Int("allocation_version", recorded.AllocationVersion),
		zap.Int("instruments", len(instruments)),
		zap.Int("failed_instruments", len(report.Failed())),
		zap.String("realized_pnl", recorded.Metrics.RealizedPnL.String()),
		zap.String("unrealized_pnl", recorded.Metrics.UnrealizedPnL.String()),
	)

	return recorded, nil
}

func (j *Job) writeSnapshot(snapshot types.PerformanceSnapshot) error {
	if err := os.MkdirAll(j.config.SnapshotDir, 0755); err != nil {
		return errors.Wrapf(errors.ErrCodeExportFailed, err, "failed to create snapshot directory %s", j.config.SnapshotDir)
	}

	path := filepath.Join(j.config.SnapshotDir, snapshot.ID+".yaml")
	if err := types.WriteSnapshotYAML(path, snapshot); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, "failed to write snapshot", err)
	}

	return nil
}
