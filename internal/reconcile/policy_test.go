package reconcile

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type PolicyTestSuite struct {
	suite.Suite
}

func TestPolicySuite(t *testing.T) {
	suite.Run(t, new(PolicyTestSuite))
}

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func sellEvent(id string, minute int, legacy string) types.TradeEvent {
	e := types.TradeEvent{
		ID:         id,
		Instrument: "BTC/USDT",
		Side:       types.SideSell,
		Quantity:   d("1"),
		Price:      d("100"),
		Fee:        decimal.Zero,
		ExecutedAt: baseTime.Add(time.Duration(minute) * time.Minute),
		Status:     types.EventStatusFilled,
		Trigger:    types.TriggerStrategy,
	}

	if legacy != "" {
		e.LegacyPnL = optional.Some(d(legacy))
	}

	return e
}

func record(sell, buy string, minute int, qty, net string) types.AllocationRecord {
	r := types.AllocationRecord{
		SellEventID:       sell,
		Instrument:        "BTC/USDT",
		AllocatedQty:      d(qty),
		GrossRealizedPnL:  d(net),
		NetRealizedPnL:    d(net),
		AllocationVersion: 1,
		SellTime:          baseTime.Add(time.Duration(minute) * time.Minute),
		Trigger:           types.TriggerStrategy,
	}

	if buy != "" {
		r.BuyEventID = optional.Some(buy)
	}

	return r
}

func btcSell(id string) SellKey {
	return SellKey{Instrument: "BTC/USDT", SellEventID: id}
}

func onInstrument(instrument string, r types.AllocationRecord) types.AllocationRecord {
	r.Instrument = instrument

	return r
}

func (suite *PolicyTestSuite) TestNewPolicy() {
	tests := []struct {
		name       string
		source     types.PnLSource
		usesLedger bool
		expectErr  bool
	}{
		{name: "legacy", source: types.PnLSourceLegacy},
		{name: "ledger", source: types.PnLSourceLedger, usesLedger: true},
		{name: "fallback", source: types.PnLSourceLedgerWithFallback, usesLedger: true},
		{name: "unknown", source: "guess", expectErr: true},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			policy, err := NewPolicy(tt.source)
			if tt.expectErr {
				suite.Error(err)
				suite.True(errors.IsConfigurationError(err))

				return
			}

			suite.Require().NoError(err)
			suite.Equal(tt.source, policy.Source())
			suite.Equal(tt.usesLedger, policy.UsesLedger())
		})
	}
}

func (suite *PolicyTestSuite) TestParsePolicy() {
	policy, err := ParsePolicy(" Ledger_With_Fallback ")
	suite.Require().NoError(err)
	suite.Equal(types.PnLSourceLedgerWithFallback, policy.Source())

	_, err = ParsePolicy("both")
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidPnLSource))
}

func (suite *PolicyTestSuite) TestLegacy() {
	policy, err := NewPolicy(types.PnLSourceLegacy)
	suite.Require().NoError(err)

	resolution := policy.Resolve(Input{
		Sells: []types.TradeEvent{
			sellEvent("s2", 2, "-5"),
			sellEvent("s1", 1, "10"),
			sellEvent("s3", 3, ""),
			sellEvent("s1", 1, "10"),
		},
		Records: []types.AllocationRecord{record("s3", "b1", 3, "1", "99")},
	})

	suite.Require().Len(resolution.Outcomes, 2)
	suite.Equal("s1", resolution.Outcomes[0].SellEventID)
	suite.Equal("10", resolution.Outcomes[0].NetPnL.String())
	suite.Equal(types.PnLSourceLegacy, resolution.Outcomes[0].Source)
	suite.Equal("s2", resolution.Outcomes[1].SellEventID)
	suite.Equal(1, resolution.Missing)
	suite.Empty(resolution.Unreconciled)
}

func (suite *PolicyTestSuite) TestLedger() {
	policy, err := NewPolicy(types.PnLSourceLedger)
	suite.Require().NoError(err)

	resolution := policy.Resolve(Input{
		Sells: []types.TradeEvent{
			sellEvent("s1", 1, "999"),
			sellEvent("s2", 2, "5"),
			sellEvent("s3", 3, ""),
			sellEvent("s4", 4, "7"),
			sellEvent("bad", 5, "1"),
		},
		Records: []types.AllocationRecord{
			record("s1", "b1", 1, "0.4", "4"),
			record("s1", "b2", 1, "0.6", "-1"),
			// s3 is partially unmatched, s4 fully unmatched.
			record("s3", "b2", 3, "0.5", "2"),
			record("s3", "", 3, "0.5", "0"),
			record("s4", "", 4, "1", "0"),
		},
		Anomalies: []types.Anomaly{{EventID: "bad", Instrument: "BTC/USDT", Kind: types.AnomalyInvalidPrice}},
	})

	suite.Require().Len(resolution.Outcomes, 2)

	s1 := resolution.Outcomes[0]
	suite.Equal("s1", s1.SellEventID)
	suite.Equal("3", s1.NetPnL.String())
	suite.Equal("1", s1.MatchedQty.String())
	suite.Equal(types.PnLSourceLedger, s1.Source)
	suite.False(s1.Unreconciled)

	s3 := resolution.Outcomes[1]
	suite.Equal("s3", s3.SellEventID)
	suite.True(s3.Unreconciled)
	suite.Equal("0.5", s3.MatchedQty.String())

	suite.Equal([]SellKey{btcSell("s3"), btcSell("s4")}, resolution.Unreconciled)
	// s2 has no records and was not quarantined; legacy figures are ignored.
	suite.Equal(1, resolution.Missing)
}

func (suite *PolicyTestSuite) TestLedgerWithFallback() {
	policy, err := NewPolicy(types.PnLSourceLedgerWithFallback)
	suite.Require().NoError(err)

	resolution := policy.Resolve(Input{
		Sells: []types.TradeEvent{
			sellEvent("s1", 1, "999"),
			sellEvent("s2", 2, "5"),
			sellEvent("s3", 3, ""),
			sellEvent("s4", 4, "8"),
		},
		Records: []types.AllocationRecord{
			record("s1", "b1", 1, "1", "4"),
			record("s4", "", 4, "1", "0"),
		},
	})

	suite.Require().Len(resolution.Outcomes, 2)
	suite.Equal("4", resolution.Outcomes[0].NetPnL.String())
	suite.Equal(types.PnLSourceLedger, resolution.Outcomes[0].Source)
	suite.Equal("s2", resolution.Outcomes[1].SellEventID)
	suite.Equal("5", resolution.Outcomes[1].NetPnL.String())
	suite.Equal(types.PnLSourceLegacy, resolution.Outcomes[1].Source)
	// The ledger knows s4 is unmatched, so its legacy figure is not used.
	suite.Equal([]SellKey{btcSell("s4")}, resolution.Unreconciled)
	suite.Equal(1, resolution.Missing)
}

func (suite *PolicyTestSuite) TestOrderingIsDeterministic() {
	policy, err := NewPolicy(types.PnLSourceLedger)
	suite.Require().NoError(err)

	input := Input{Records: []types.AllocationRecord{
		record("sb", "b1", 1, "1", "1"),
		record("sa", "b2", 1, "1", "2"),
		record("s0", "b3", 0, "1", "3"),
	}}

	for i := 0; i < 5; i++ {
		resolution := policy.Resolve(input)
		suite.Require().Len(resolution.Outcomes, 3)
		suite.Equal("s0", resolution.Outcomes[0].SellEventID)
		suite.Equal("sa", resolution.Outcomes[1].SellEventID)
		suite.Equal("sb", resolution.Outcomes[2].SellEventID)
	}
}

func (suite *PolicyTestSuite) TestSellIDsAreScopedByInstrument() {
	policy, err := NewPolicy(types.PnLSourceLedgerWithFallback)
	suite.Require().NoError(err)

	ethSell := sellEvent("s1", 1, "")
	ethSell.Instrument = "ETH/USDT"

	solSell := sellEvent("s1", 2, "7")
	solSell.Instrument = "SOL/USDT"

	resolution := policy.Resolve(Input{
		Sells: []types.TradeEvent{sellEvent("s1", 1, ""), ethSell, solSell},
		Records: []types.AllocationRecord{
			record("s1", "b1", 1, "1", "10"),
			onInstrument("ETH/USDT", record("s1", "e1", 1, "1", "-4")),
			onInstrument("ETH/USDT", record("s1", "", 1, "1", "0")),
		},
	})

	suite.Require().Len(resolution.Outcomes, 3)

	btc := resolution.Outcomes[0]
	suite.Equal("BTC/USDT", btc.Instrument)
	suite.Equal("10", btc.NetPnL.String())
	suite.False(btc.Unreconciled)

	eth := resolution.Outcomes[1]
	suite.Equal("ETH/USDT", eth.Instrument)
	suite.Equal("-4", eth.NetPnL.String())
	suite.True(eth.Unreconciled)

	// The SOL sell shares the id but has no records of its own, so it falls back to legacy.
	sol := resolution.Outcomes[2]
	suite.Equal("SOL/USDT", sol.Instrument)
	suite.Equal(types.PnLSourceLegacy, sol.Source)
	suite.Equal("7", sol.NetPnL.String())

	suite.Equal([]SellKey{{Instrument: "ETH/USDT", SellEventID: "s1"}}, resolution.Unreconciled)
	suite.Zero(resolution.Missing)
}

func (suite *PolicyTestSuite) TestQuarantineIsScopedByInstrument() {
	policy, err := NewPolicy(types.PnLSourceLedger)
	suite.Require().NoError(err)

	ethSell := sellEvent("s1", 1, "")
	ethSell.Instrument = "ETH/USDT"

	resolution := policy.Resolve(Input{
		Sells:     []types.TradeEvent{sellEvent("s1", 1, ""), ethSell},
		Anomalies: []types.Anomaly{{EventID: "s1", Instrument: "ETH/USDT", Kind: types.AnomalyNegativeFee}},
	})

	// Only the ETH sell was quarantined. The BTC sell with the same id is still missing.
	suite.Empty(resolution.Outcomes)
	suite.Equal(1, resolution.Missing)
}
