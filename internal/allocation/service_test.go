package allocation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/eventstore"
	"github.com/rxtech-lab/argo-ledger/internal/ledger"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/mocks"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

const otherInstrument = "ETH/USDT"

type ServiceTestSuite struct {
	suite.Suite
	ctx    context.Context
	events *eventstore.MemoryStore
	ledger *ledger.MemoryStore
	engine *Engine
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (suite *ServiceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.events = eventstore.NewMemoryStore(
		buy("b1", "1", "100", 0),
		buy("b2", "1", "110", 1),
		sell("s1", "1.5", "120", 2),
		on(buy("e1", "10", "2000", 0), otherInstrument),
		on(sell("e2", "4", "2100", 5), otherInstrument),
	)

	n := 0
	suite.ledger = ledger.NewMemoryStore(ledger.WithCommitIDs(func() string {
		n++

		return fmt.Sprintf("commit-%d", n)
	}))

	suite.engine = NewEngine(logger.NewNopLogger(), types.FeeConventionProRata)
}

func on(e types.TradeEvent, instrument string) types.TradeEvent {
	e.Instrument = instrument

	return e
}

func (suite *ServiceTestSuite) newService(opts ...ServiceOption) *Service {
	return NewService(suite.engine, suite.events, suite.ledger, logger.NewNopLogger(), opts...)
}

func (suite *ServiceTestSuite) TestReallocateAllInstruments() {
	report, err := suite.newService(WithWorkers(2)).Reallocate(suite.ctx, 1, nil)
	suite.Require().NoError(err)
	suite.Empty(report.Failed())
	suite.Require().Len(report.Instruments, 2)

	btc := report.Instruments[0]
	suite.Equal(instrument, btc.Instrument)
	suite.Equal(2, btc.Records)
	suite.Equal(1, btc.OpenLots)
	suite.Equal(1, btc.Segment)
	suite.False(btc.Unchanged)

	eth := report.Instruments[1]
	suite.Equal(otherInstrument, eth.Instrument)
	suite.Equal(1, eth.Records)

	dataset, err := suite.ledger.Load(suite.ctx, ledger.Query{Version: 1})
	suite.Require().NoError(err)
	suite.Len(dataset.Records, 3)
	suite.Len(dataset.OpenLots, 2)
}

func (suite *ServiceTestSuite) TestReallocateTwiceIsUnchanged() {
	service := suite.newService()

	_, err := service.Reallocate(suite.ctx, 1, nil)
	suite.Require().NoError(err)

	report, err := service.Reallocate(suite.ctx, 1, nil)
	suite.Require().NoError(err)

	for _, r := range report.Instruments {
		suite.NoError(r.Err)
		suite.True(r.Unchanged, r.Instrument)
	}

	versions, err := suite.ledger.Versions(suite.ctx, "")
	suite.Require().NoError(err)
	suite.Len(versions, 2)
}

func (suite *ServiceTestSuite) TestReallocateDifferentHistoryConflicts() {
	service := suite.newService()

	_, err := service.Reallocate(suite.ctx, 1, []string{instrument})
	suite.Require().NoError(err)

	// A backdated buy changes which lots the sell consumes.
	suite.events.Append(buy("b0", "1", "50", -1))

	report, err := service.Reallocate(suite.ctx, 1, []string{instrument})
	suite.Require().NoError(err)
	suite.Require().Len(report.Failed(), 1)
	suite.True(errors.HasCode(report.Failed()[0].Err, errors.ErrCodeVersionConflict))

	report, err = service.Reallocate(suite.ctx, 2, []string{instrument})
	suite.Require().NoError(err)
	suite.Empty(report.Failed())
}

func (suite *ServiceTestSuite) TestExtendAppendsSegment() {
	service := suite.newService()

	_, err := service.Reallocate(suite.ctx, 1, nil)
	suite.Require().NoError(err)

	suite.events.Append(
		buy("b3", "2", "130", 10),
		sell("s2", "1", "140", 11),
	)

	report, err := service.Extend(suite.ctx, 1, nil)
	suite.Require().NoError(err)
	suite.Empty(report.Failed())

	btc := report.Instruments[0]
	suite.Equal(2, btc.Segment)
	suite.Equal(2, btc.Records)
	suite.False(btc.Unchanged)

	eth := report.Instruments[1]
	suite.Equal(1, eth.Segment)
	suite.True(eth.Unchanged)

	dataset, err := suite.ledger.Load(suite.ctx, ledger.Query{Version: 1, Instruments: []string{instrument}})
	suite.Require().NoError(err)
	suite.Len(dataset.Records, 4)
	suite.Require().Len(dataset.OpenLots, 1)
	suite.Equal("b3", dataset.OpenLots[0].BuyEventID)
	suite.Equal("1.5", dataset.OpenLots[0].RemainingQty.String())

	// A full run over the same history reproduces the cumulative segments.
	full, err := service.Reallocate(suite.ctx, 1, []string{instrument})
	suite.Require().NoError(err)
	suite.Require().Empty(full.Failed())
	suite.True(full.Instruments[0].Unchanged)
}

func (suite *ServiceTestSuite) TestExtendWithoutCommitRunsFull() {
	report, err := suite.newService().Extend(suite.ctx, 3, []string{instrument})
	suite.Require().NoError(err)
	suite.Require().Len(report.Instruments, 1)
	suite.NoError(report.Instruments[0].Err)
	suite.Equal(1, report.Instruments[0].Segment)
	suite.Equal(2, report.Instruments[0].Records)
}

func (suite *ServiceTestSuite) TestExtendQuarantinesLateEvent() {
	service := suite.newService()

	_, err := service.Reallocate(suite.ctx, 1, []string{instrument})
	suite.Require().NoError(err)

	suite.events.Append(buy("late", "1", "90", 1))

	report, err := service.Extend(suite.ctx, 1, []string{instrument})
	suite.Require().NoError(err)
	suite.Require().Empty(report.Failed())
	suite.Equal(1, report.Instruments[0].Anomalies)

	dataset, err := suite.ledger.Load(suite.ctx, ledger.Query{Version: 1})
	suite.Require().NoError(err)
	suite.Equal(1, countKind(dataset.Anomalies, types.AnomalyOutOfOrder))
}

func (suite *ServiceTestSuite) TestUnreadableEventIsQuarantined() {
	const sol = "SOL/USDT"

	unreadable := on(buy("c2", "0", "100", 1), sol)
	unreadable.Unreadable = `unreadable quantity "nan"`

	suite.events.Append(
		on(buy("c1", "1", "100", 0), sol),
		unreadable,
		on(sell("c3", "1", "110", 2), sol),
	)

	report, err := suite.newService().Reallocate(suite.ctx, 1, []string{sol})
	suite.Require().NoError(err)
	suite.Require().Empty(report.Failed())
	suite.Equal(1, report.Instruments[0].Records)
	suite.Equal(1, report.Instruments[0].Anomalies)

	dataset, err := suite.ledger.Load(suite.ctx, ledger.Query{Version: 1, Instruments: []string{sol}})
	suite.Require().NoError(err)
	suite.Require().Len(dataset.Records, 1)
	suite.Equal("c3", dataset.Records[0].SellEventID)
	suite.Equal("c1", dataset.Records[0].BuyEventID.Unwrap())
	suite.Equal("10", dataset.Records[0].NetRealizedPnL.String())

	suite.Require().Len(dataset.Anomalies, 1)
	suite.Equal("c2", dataset.Anomalies[0].EventID)
	suite.Equal(types.AnomalyInvalidEvent, dataset.Anomalies[0].Kind)
	suite.Contains(dataset.Anomalies[0].Detail, "nan")
}

func (suite *ServiceTestSuite) TestCommitFailureIsolatedPerInstrument() {
	ctrl := gomock.NewController(suite.T())
	defer ctrl.Finish()

	mockLedger := mocks.NewMockLedger(ctrl)
	mockLedger.EXPECT().
		Commit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, commit ledger.Commit) (ledger.CommitResult, error) {
			if commit.Instrument == otherInstrument {
				return ledger.CommitResult{}, errors.New(errors.ErrCodeLedgerWriteFailed, "disk full")
			}

			return ledger.CommitResult{CommitID: "c1", Segment: 1}, nil
		}).
		Times(2)

	service := NewService(suite.engine, suite.events, mockLedger, logger.NewNopLogger())

	report, err := service.Reallocate(suite.ctx, 1, nil)
	suite.Require().NoError(err)
	suite.Require().Len(report.Instruments, 2)
	suite.NoError(report.Instruments[0].Err)
	suite.Equal("c1", report.Instruments[0].CommitID)

	failed := report.Failed()
	suite.Require().Len(failed, 1)
	suite.Equal(otherInstrument, failed[0].Instrument)
	suite.True(errors.HasCode(failed[0].Err, errors.ErrCodeLedgerWriteFailed))
}

func (suite *ServiceTestSuite) TestEventStoreFailures() {
	ctrl := gomock.NewController(suite.T())
	defer ctrl.Finish()

	store := mocks.NewMockStore(ctrl)
	service := NewService(suite.engine, store, suite.ledger, logger.NewNopLogger())

	suite.Run("listing instruments fails", func() {
		store.EXPECT().Instruments(gomock.Any()).Return(nil, fmt.Errorf("connection reset"))

		_, err := service.Reallocate(suite.ctx, 1, nil)
		suite.True(errors.HasCode(err, errors.ErrCodeEventStoreFailed))
	})

	suite.Run("loading events fails", func() {
		store.EXPECT().Events(gomock.Any(), instrument).Return(nil, fmt.Errorf("connection reset"))

		report, err := service.Reallocate(suite.ctx, 1, []string{instrument})
		suite.Require().NoError(err)
		suite.Require().Len(report.Failed(), 1)
		suite.True(errors.HasCode(report.Failed()[0].Err, errors.ErrCodeEventStoreFailed))
	})
}

func (suite *ServiceTestSuite) TestInvalidVersion() {
	_, err := suite.newService().Reallocate(suite.ctx, 0, nil)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidVersion))
}

func (suite *ServiceTestSuite) TestProgressAndClock() {
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seen := []string{}

	service := suite.newService(
		WithWorkers(1),
		WithClock(func() time.Time { return clock }),
		WithProgress(func(r InstrumentReport) { seen = append(seen, r.Instrument) }),
	)

	report, err := service.Reallocate(suite.ctx, 1, nil)
	suite.Require().NoError(err)
	suite.ElementsMatch([]string{instrument, otherInstrument}, seen)
	suite.Equal(clock, report.StartedAt)
	suite.Equal(clock, report.FinishedAt)
}

func (suite *ServiceTestSuite) TestCheckpointFromDataset() {
	service := suite.newService()

	_, err := service.Reallocate(suite.ctx, 1, []string{instrument})
	suite.Require().NoError(err)

	head, err := suite.ledger.Head(suite.ctx, 1, instrument)
	suite.Require().NoError(err)
	suite.Require().True(head.IsSome())

	dataset, err := suite.ledger.Load(suite.ctx, ledger.Query{Version: 1})
	suite.Require().NoError(err)

	checkpoint := CheckpointFromDataset(instrument, head.Unwrap(), dataset)
	suite.Equal([]string{"b1", "b2", "s1"}, checkpoint.SeenIDs)
	suite.Equal("s1", checkpoint.WatermarkID)
	suite.True(baseTime.Add(2 * time.Minute).Equal(checkpoint.Watermark))
	suite.Equal(3, checkpoint.NextSeq)
	suite.Require().Len(checkpoint.OpenLots, 1)
	suite.Equal("b2", checkpoint.OpenLots[0].BuyEventID)
}
