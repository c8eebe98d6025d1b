package types

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type AllocationTestSuite struct {
	suite.Suite
}

func TestAllocationSuite(t *testing.T) {
	suite.Run(t, new(AllocationTestSuite))
}

func (suite *AllocationTestSuite) record() AllocationRecord {
	return AllocationRecord{
		Seq:               1,
		SellEventID:       "sell-1",
		BuyEventID:        optional.Some("buy-1"),
		Instrument:        "BTC/USDT",
		AllocatedQty:      decimal.RequireFromString("0.5"),
		UnitCostBasis:     decimal.RequireFromString("40000"),
		UnitProceeds:      decimal.RequireFromString("42000"),
		GrossRealizedPnL:  decimal.RequireFromString("1000"),
		NetRealizedPnL:    decimal.RequireFromString("1000"),
		AllocationVersion: 1,
		SellTime:          time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		BuyTime:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (suite *AllocationTestSuite) TestKeyIgnoresCreatedAtAndScale() {
	a := suite.record()
	b := suite.record()
	b.CreatedAt = time.Now()
	b.AllocatedQty = decimal.RequireFromString("0.50")
	b.SellTime = a.SellTime.In(time.FixedZone("CET", 3600))

	suite.Equal(a.Key(), b.Key())
}

func (suite *AllocationTestSuite) TestKeyDiffersOnValues() {
	a := suite.record()
	b := suite.record()
	b.NetRealizedPnL = decimal.RequireFromString("999")

	suite.NotEqual(a.Key(), b.Key())
}

func (suite *AllocationTestSuite) TestUnmatchedMarker() {
	marker := suite.record()
	marker.BuyEventID = optional.None[string]()

	suite.True(marker.IsUnmatched())
	suite.False(suite.record().IsUnmatched())
	suite.Equal("sell-1/", marker.PairKey())
	suite.Equal("sell-1/buy-1", suite.record().PairKey())
	suite.Contains(marker.Key(), "|-|")
}

func (suite *AllocationTestSuite) TestAnomalyCodes() {
	tests := []struct {
		kind AnomalyKind
		code errors.ErrorCode
	}{
		{AnomalyUnmatchedSell, errors.ErrCodeUnmatchedSell},
		{AnomalyNonPositiveQuantity, errors.ErrCodeNonPositiveQuantity},
		{AnomalyInvalidPrice, errors.ErrCodeInvalidPrice},
		{AnomalyNegativeFee, errors.ErrCodeNegativeFee},
		{AnomalyDuplicateEvent, errors.ErrCodeDuplicateEvent},
		{AnomalyNotFilled, errors.ErrCodeEventNotFilled},
		{AnomalyInstrumentMismatch, errors.ErrCodeInstrumentMismatch},
		{AnomalyOutOfOrder, errors.ErrCodeEventOutOfOrder},
		{AnomalyInvalidEvent, errors.ErrCodeInvalidEvent},
	}

	for _, tt := range tests {
		suite.Run(string(tt.kind), func() {
			suite.Equal(tt.code, tt.kind.Code())

			err := Anomaly{EventID: "s1", Instrument: "BTC/USDT", Kind: tt.kind, Detail: "detail"}.Err()
			suite.True(errors.HasCode(err, tt.code))
			suite.True(errors.IsDataAnomaly(err))
			suite.Contains(err.Error(), "s1")
		})
	}

	suite.Equal(errors.ErrCodeUnknown, AnomalyKind("mystery").Code())
}
