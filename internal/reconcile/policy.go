package reconcile

import (
	"sort"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// Outcome is the PnL figure of one sell event under a policy.
type Outcome struct {
	SellEventID string
	Instrument  string
	Trigger     string
	SellTime    time.Time
	NetPnL      decimal.Decimal
	GrossPnL    decimal.Decimal
	// Source is where the figure came from: the ledger or the legacy inline field.
	Source     types.PnLSource
	MatchedQty decimal.Decimal
	// Unreconciled is set when part of the sell had no inventory to match.
	Unreconciled bool
}

// Input is what a policy resolves. Sells are the filled sell events in scope; Records and
// Anomalies come from the pinned allocation version and are ignored by the legacy policy.
type Input struct {
	Sells     []types.TradeEvent
	Records   []types.AllocationRecord
	Anomalies []types.Anomaly
}

// SellKey identifies a sell. Event ids are only unique within an instrument.
type SellKey struct {
	Instrument  string
	SellEventID string
}

func (k SellKey) less(other SellKey) bool {
	if k.Instrument != other.Instrument {
		return k.Instrument < other.Instrument
	}

	return k.SellEventID < other.SellEventID
}

type Resolution struct {
	// Outcomes holds one entry per classifiable sell, ordered by sell time, sell id, instrument.
	Outcomes []Outcome
	// Unreconciled lists sells carrying an unmatched marker, fully unmatched ones included,
	// ordered by instrument then sell id.
	Unreconciled []SellKey
	// Missing counts sells that have no figure under the policy and were excluded.
	Missing int
}

// Policy decides which PnL figure is authoritative. One policy is built from configuration and
// handed to every consumer.
type Policy interface {
	Source() types.PnLSource
	// UsesLedger reports whether the policy reads allocation records.
	UsesLedger() bool
	Resolve(input Input) Resolution
}

// NewPolicy returns the policy for source.
func NewPolicy(source types.PnLSource) (Policy, error) {
	switch source {
	case types.PnLSourceLegacy:
		return legacyPolicy{}, nil
	case types.PnLSourceLedger:
		return ledgerPolicy{}, nil
	case types.PnLSourceLedgerWithFallback:
		return fallbackPolicy{}, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidPnLSource, "invalid pnl source %q", source)
	}
}

// ParsePolicy parses a configured source name and builds its policy.
func ParsePolicy(value string) (Policy, error) {
	source, err := types.ParsePnLSource(value)
	if err != nil {
		return nil, err
	}

	return NewPolicy(source)
}

type legacyPolicy struct{}

func (legacyPolicy) Source() types.PnLSource {
	return types.PnLSourceLegacy
}

func (legacyPolicy) UsesLedger() bool {
	return false
}

func (legacyPolicy) Resolve(input Input) Resolution {
	resolution := Resolution{}

	for _, sell := range uniqueSells(input.Sells) {
		if outcome, ok := fromLegacy(sell); ok {
			resolution.Outcomes = append(resolution.Outcomes, outcome)
		} else {
			resolution.Missing++
		}
	}

	sortOutcomes(resolution.Outcomes)

	return resolution
}

type ledgerPolicy struct{}

func (ledgerPolicy) Source() types.PnLSource {
	return types.PnLSourceLedger
}

func (ledgerPolicy) UsesLedger() bool {
	return true
}

func (ledgerPolicy) Resolve(input Input) Resolution {
	return resolveLedger(input, false)
}

type fallbackPolicy struct{}

func (fallbackPolicy) Source() types.PnLSource {
	return types.PnLSourceLedgerWithFallback
}

func (fallbackPolicy) UsesLedger() bool {
	return true
}

func (fallbackPolicy) Resolve(input Input) Resolution {
	return resolveLedger(input, true)
}

// resolveLedger sums the records of each sell. Sells without records are missing unless they
// were quarantined, in which case the anomaly already accounts for them. With fallback, a sell
// without records takes its legacy figure when it has one.
func resolveLedger(input Input, fallback bool) Resolution {
	resolution := Resolution{}
	bySell := map[SellKey]*Outcome{}
	matched := map[SellKey]bool{}
	unreconciled := map[SellKey]bool{}

	for _, r := range input.Records {
		key := SellKey{Instrument: r.Instrument, SellEventID: r.SellEventID}

		outcome, ok := bySell[key]
		if !ok {
			outcome = &Outcome{
				SellEventID: r.SellEventID,
				Instrument:  r.Instrument,
				Trigger:     types.TriggerOrUntagged(r.Trigger),
				SellTime:    r.SellTime,
				NetPnL:      decimal.Zero,
				GrossPnL:    decimal.Zero,
				Source:      types.PnLSourceLedger,
				MatchedQty:  decimal.Zero,
			}
			bySell[key] = outcome
		}

		if r.IsUnmatched() {
			outcome.Unreconciled = true
			unreconciled[key] = true

			continue
		}

		matched[key] = true
		outcome.NetPnL = outcome.NetPnL.Add(r.NetRealizedPnL)
		outcome.GrossPnL = outcome.GrossPnL.Add(r.GrossRealizedPnL)
		outcome.MatchedQty = outcome.MatchedQty.Add(r.AllocatedQty)
	}

	for key, outcome := range bySell {
		// A fully unmatched sell has no realized figure to classify.
		if matched[key] {
			resolution.Outcomes = append(resolution.Outcomes, *outcome)
		}
	}

	for key := range unreconciled {
		resolution.Unreconciled = append(resolution.Unreconciled, key)
	}

	sort.Slice(resolution.Unreconciled, func(i, j int) bool {
		return resolution.Unreconciled[i].less(resolution.Unreconciled[j])
	})

	quarantined := map[SellKey]bool{}
	for _, a := range input.Anomalies {
		quarantined[SellKey{Instrument: a.Instrument, SellEventID: a.EventID}] = true
	}

	for _, sell := range uniqueSells(input.Sells) {
		key := sellKey(sell)
		if _, ok := bySell[key]; ok || quarantined[key] {
			continue
		}

		if fallback {
			if outcome, ok := fromLegacy(sell); ok {
				resolution.Outcomes = append(resolution.Outcomes, outcome)

				continue
			}
		}

		resolution.Missing++
	}

	sortOutcomes(resolution.Outcomes)

	return resolution
}

func fromLegacy(sell types.TradeEvent) (Outcome, bool) {
	if sell.LegacyPnL.IsNone() {
		return Outcome{}, false
	}

	pnl := sell.LegacyPnL.Unwrap()

	return Outcome{
		SellEventID: sell.ID,
		Instrument:  sell.Instrument,
		Trigger:     sell.TriggerTag(),
		SellTime:    sell.ExecutedAt,
		NetPnL:      pnl,
		GrossPnL:    pnl,
		Source:      types.PnLSourceLegacy,
		MatchedQty:  sell.Quantity,
	}, true
}

func sellKey(sell types.TradeEvent) SellKey {
	return SellKey{Instrument: sell.Instrument, SellEventID: sell.ID}
}

// uniqueSells keeps the first occurrence of each filled sell per instrument.
func uniqueSells(events []types.TradeEvent) []types.TradeEvent {
	seen := map[SellKey]bool{}
	sells := make([]types.TradeEvent, 0, len(events))

	for _, e := range events {
		if !e.IsSell() || e.Status != types.EventStatusFilled || seen[sellKey(e)] {
			continue
		}

		seen[sellKey(e)] = true
		sells = append(sells, e)
	}

	return sells
}

func sortOutcomes(outcomes []Outcome) {
	sort.Slice(outcomes, func(i, j int) bool {
		if !outcomes[i].SellTime.Equal(outcomes[j].SellTime) {
			return outcomes[i].SellTime.Before(outcomes[j].SellTime)
		}

		if outcomes[i].SellEventID != outcomes[j].SellEventID {
			return outcomes[i].SellEventID < outcomes[j].SellEventID
		}

		return outcomes[i].Instrument < outcomes[j].Instrument
	})
}
