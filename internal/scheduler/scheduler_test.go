package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type countingRunner struct {
	runs atomic.Int32
	err  error
}

func (r *countingRunner) RunOnce(_ context.Context) (types.PerformanceSnapshot, error) {
	r.runs.Add(1)

	return types.PerformanceSnapshot{ID: "snap", UnreconciledCount: 1}, r.err
}

type SchedulerTestSuite struct {
	suite.Suite
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (suite *SchedulerTestSuite) TestInvalidSpec() {
	_, err := New(context.Background(), "sometimes", &countingRunner{}, logger.NewNopLogger())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidSchedule))
}

func (suite *SchedulerTestSuite) TestRunsOnSchedule() {
	runner := &countingRunner{}

	s, err := New(context.Background(), "@every 1s", runner, logger.NewNopLogger())
	suite.Require().NoError(err)

	s.Start()
	defer s.Stop()

	suite.Eventually(func() bool { return runner.runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func (suite *SchedulerTestSuite) TestFailingRunKeepsSchedule() {
	runner := &countingRunner{err: errors.New(errors.ErrCodeQueryFailed, "ledger unavailable")}

	s, err := New(context.Background(), "@every 1s", runner, logger.NewNopLogger())
	suite.Require().NoError(err)

	s.Start()
	defer s.Stop()

	suite.Eventually(func() bool { return runner.runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}
