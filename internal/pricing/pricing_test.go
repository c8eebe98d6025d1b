package pricing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

type FetchTestSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	source *mocks.MockSource
	logger *logger.Logger
}

func TestFetchSuite(t *testing.T) {
	suite.Run(t, new(FetchTestSuite))
}

func (suite *FetchTestSuite) SetupTest() {
	suite.ctrl = gomock.NewController(suite.T())
	suite.source = mocks.NewMockSource(suite.ctrl)
	suite.logger = logger.NewNopLogger()
}

func (suite *FetchTestSuite) TearDownTest() {
	suite.ctrl.Finish()
}

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func (suite *FetchTestSuite) TestFetch() {
	tests := []struct {
		name      string
		prices    map[string]decimal.Decimal
		err       error
		wantKnown []string
	}{
		{
			name:      "all prices known",
			prices:    map[string]decimal.Decimal{"BTC/USDT": d("42000"), "ETH/USDT": d("2200")},
			wantKnown: []string{"BTC/USDT", "ETH/USDT"},
		},
		{
			name:      "partial answer with error keeps what arrived",
			prices:    map[string]decimal.Decimal{"BTC/USDT": d("42000")},
			err:       fmt.Errorf("ETHUSDT: invalid symbol"),
			wantKnown: []string{"BTC/USDT"},
		},
		{
			name:      "failure without prices is empty",
			err:       fmt.Errorf("connection refused"),
			wantKnown: []string{},
		},
		{
			name:      "non-positive prices are unknown",
			prices:    map[string]decimal.Decimal{"BTC/USDT": d("0"), "ETH/USDT": d("-1")},
			wantKnown: []string{},
		},
		{
			name:      "unrequested instruments are dropped",
			prices:    map[string]decimal.Decimal{"BTC/USDT": d("42000"), "SOL/USDT": d("100")},
			wantKnown: []string{"BTC/USDT"},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.source.EXPECT().
				Prices(gomock.Any(), []string{"BTC/USDT", "ETH/USDT"}).
				Return(tt.prices, tt.err).
				Times(1)

			snapshot := Fetch(context.Background(), suite.source, []string{"BTC/USDT", "ETH/USDT"}, time.Second, suite.logger)
			suite.Equal(tt.wantKnown, snapshot.Instruments())
		})
	}
}

func (suite *FetchTestSuite) TestFetchTimesOut() {
	suite.source.EXPECT().
		Prices(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []string) (map[string]decimal.Decimal, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		}).
		Times(1)

	started := time.Now()
	snapshot := Fetch(context.Background(), suite.source, []string{"BTC/USDT"}, 20*time.Millisecond, suite.logger)

	suite.Less(time.Since(started), 5*time.Second)
	suite.True(snapshot.Price("BTC/USDT").IsNone())
	suite.Empty(snapshot.Instruments())
}

func (suite *FetchTestSuite) TestFetchWithoutSource() {
	snapshot := Fetch(context.Background(), nil, []string{"BTC/USDT"}, time.Second, suite.logger)
	suite.True(snapshot.Price("BTC/USDT").IsNone())

	snapshot = Fetch(context.Background(), suite.source, nil, time.Second, suite.logger)
	suite.Empty(snapshot.Instruments())
}

type SnapshotTestSuite struct {
	suite.Suite
}

func TestSnapshotSuite(t *testing.T) {
	suite.Run(t, new(SnapshotTestSuite))
}

func (suite *SnapshotTestSuite) TestSnapshotIsImmutable() {
	prices := map[string]decimal.Decimal{"BTC/USDT": d("42000")}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	snapshot := NewSnapshot(prices, at)
	prices["BTC/USDT"] = d("1")
	prices["ETH/USDT"] = d("2")

	suite.Equal("42000", snapshot.Price("BTC/USDT").Unwrap().String())
	suite.True(snapshot.Price("ETH/USDT").IsNone())
	suite.Equal(at, snapshot.FetchedAt())
}

func (suite *SnapshotTestSuite) TestEmptySnapshot() {
	snapshot := EmptySnapshot()
	suite.True(snapshot.Price("BTC/USDT").IsNone())
	suite.Empty(snapshot.Instruments())
}

func (suite *SnapshotTestSuite) TestStaticSource() {
	source := NewStaticSource(map[string]decimal.Decimal{"BTC/USDT": d("42000"), "ETH/USDT": d("2200")})

	prices, err := source.Prices(context.Background(), []string{"BTC/USDT", "DOGE/USDT"})
	suite.Require().NoError(err)
	suite.Len(prices, 1)
	suite.Equal("42000", prices["BTC/USDT"].String())
}
