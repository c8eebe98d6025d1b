package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.uber.org/zap"
)

// Runner is one unit of scheduled work. *Job is the production Runner.
type Runner interface {
	RunOnce(ctx context.Context) (types.PerformanceSnapshot, error)
}

// Scheduler runs a Runner on a cron schedule. A run that is still going when the next one is due
// causes that one to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  *logger.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New parses spec (standard five field cron or a descriptor such as "@every 15m") and prepares
// the schedule. Nothing runs until Start.
func New(ctx context.Context, spec string, runner Runner, log *logger.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidSchedule, err, "invalid cron expression %q", spec)
	}

	cronLog := cronLogger{log: log}
	baseCtx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		runner:  runner,
		logger:  log,
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	s.cron.Schedule(schedule, cron.FuncJob(s.run))

	return s, nil
}

func (s *Scheduler) run() {
	snapshot, err := s.runner.RunOnce(s.baseCtx)
	if err != nil {
		s.logger.Error("Scheduled run failed", zap.Error(err))

		return
	}

	for _, line := range snapshot.Disclosures() {
		s.logger.Info("Snapshot disclosure", zap.String("snapshot_id", snapshot.ID), zap.String("disclosure", line))
	}
}

func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started")
	s.cron.Start()
}

// Stop cancels the running job, if any, and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
