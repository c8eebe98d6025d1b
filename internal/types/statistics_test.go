package types

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type StatisticsTestSuite struct {
	suite.Suite
}

func TestStatisticsSuite(t *testing.T) {
	suite.Run(t, new(StatisticsTestSuite))
}

func (suite *StatisticsTestSuite) TestDisclosures() {
	tests := []struct {
		name     string
		snapshot PerformanceSnapshot
		expected []string
	}{
		{
			name:     "clean snapshot has no disclosures",
			snapshot: PerformanceSnapshot{},
			expected: []string{},
		},
		{
			name: "all counters",
			snapshot: PerformanceSnapshot{
				PnLSource:          PnLSourceLedger,
				UnreconciledCount:  2,
				AnomalyCount:       3,
				PriceUnknownCount:  1,
				MissingSourceCount: 4,
			},
			expected: []string{
				"2 unreconciled trades",
				"3 anomalies",
				"1 price-unknown instruments",
				"4 trades without ledger pnl",
			},
		},
		{
			name:     "only anomalies",
			snapshot: PerformanceSnapshot{AnomalyCount: 1},
			expected: []string{"1 anomalies"},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.Equal(tt.expected, tt.snapshot.Disclosures())
		})
	}
}

func (suite *StatisticsTestSuite) TestWindowContains() {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	suite.True(Window{}.Contains(from))
	suite.True(Window{From: from, To: to}.Contains(from))
	suite.False(Window{From: from, To: to}.Contains(to))
	suite.False(Window{From: from}.Contains(from.Add(-time.Nanosecond)))
	suite.True(Window{To: to}.Contains(to.Add(-time.Nanosecond)))
}

func (suite *StatisticsTestSuite) TestSnapshotYAMLKeepsUndefinedRatios() {
	snapshot := PerformanceSnapshot{
		ID:                "01HZX",
		AllocationVersion: 2,
		PnLSource:         PnLSourceLedger,
		GeneratedAt:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Metrics: Metrics{
			RealizedPnL:  decimal.RequireFromString("12.5"),
			TotalTrades:  1,
			Wins:         1,
			WinRate:      optional.Some(decimal.NewFromInt(100)),
			ProfitFactor: optional.None[decimal.Decimal](),
			Expectancy:   optional.Some(decimal.RequireFromString("12.5")),
		},
		PriceUnknownInstruments: []string{"ETH/USDT"},
	}

	data, err := MarshalSnapshot(snapshot)
	suite.Require().NoError(err)
	suite.Contains(string(data), "profit_factor: null")

	decoded, err := UnmarshalSnapshot(data)
	suite.Require().NoError(err)
	suite.Equal(snapshot.ID, decoded.ID)
	suite.Equal(2, decoded.AllocationVersion)
	suite.True(decoded.GeneratedAt.Equal(snapshot.GeneratedAt))
	suite.True(decoded.Metrics.RealizedPnL.Equal(decimal.RequireFromString("12.5")))
	suite.True(decoded.Metrics.ProfitFactor.IsNone())
	suite.True(decoded.Metrics.MaxDrawdownPct.IsNone())
	suite.True(decoded.Metrics.WinRate.IsSome())
	suite.True(decoded.Metrics.WinRate.Unwrap().Equal(decimal.NewFromInt(100)))
	suite.Equal([]string{"ETH/USDT"}, decoded.PriceUnknownInstruments)
}

func (suite *StatisticsTestSuite) TestWriteSnapshotYAML() {
	path := filepath.Join(suite.T().TempDir(), "snapshot.yaml")

	err := WriteSnapshotYAML(path, PerformanceSnapshot{AllocationVersion: 1})
	suite.Require().NoError(err)

	data, err := os.ReadFile(path)
	suite.Require().NoError(err)
	suite.Contains(string(data), "allocation_version: 1")
}
