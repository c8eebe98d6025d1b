package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// AllocationRecord links a quantity of one sell to the buy lot it consumed under one allocation version.
// A record without a buy event id is the unmatched-sell marker for quantity that found no inventory.
type AllocationRecord struct {
	// Seq is the ordinal of the record within its instrument run.
	Seq               int                     `yaml:"seq" json:"seq"`
	SellEventID       string                  `yaml:"sell_event_id" json:"sell_event_id"`
	BuyEventID        optional.Option[string] `yaml:"-" json:"-"`
	Instrument        string                  `yaml:"instrument" json:"instrument"`
	AllocatedQty      decimal.Decimal         `yaml:"allocated_qty" json:"allocated_qty"`
	UnitCostBasis     decimal.Decimal         `yaml:"unit_cost_basis" json:"unit_cost_basis"`
	UnitProceeds      decimal.Decimal         `yaml:"unit_proceeds" json:"unit_proceeds"`
	GrossRealizedPnL  decimal.Decimal         `yaml:"gross_realized_pnl" json:"gross_realized_pnl"`
	NetRealizedPnL    decimal.Decimal         `yaml:"net_realized_pnl" json:"net_realized_pnl"`
	BuyFeeShare       decimal.Decimal         `yaml:"buy_fee_share" json:"buy_fee_share"`
	SellFeeShare      decimal.Decimal         `yaml:"sell_fee_share" json:"sell_fee_share"`
	AllocationVersion int                     `yaml:"allocation_version" json:"allocation_version"`
	SellTime          time.Time               `yaml:"sell_time" json:"sell_time"`
	// BuyTime is zero for unmatched markers.
	BuyTime time.Time `yaml:"buy_time" json:"buy_time"`
	Trigger string    `yaml:"trigger" json:"trigger"`
	// CreatedAt is stamped by the ledger at commit time and is not part of the record identity.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

func (r AllocationRecord) IsUnmatched() bool {
	return r.BuyEventID.IsNone()
}

// PairKey identifies the sell/buy pair of the record. Unmatched markers share the pair key of their sell.
func (r AllocationRecord) PairKey() string {
	return r.SellEventID + "/" + r.BuyEventID.TakeOr("")
}

// Key is the canonical identity of the record. Two runs over the same history under the same
// version produce records with equal keys.
func (r AllocationRecord) Key() string {
	buyTime := ""
	if !r.BuyTime.IsZero() {
		buyTime = fmt.Sprint(r.BuyTime.UTC().UnixMicro())
	}

	return strings.Join([]string{
		fmt.Sprint(r.AllocationVersion),
		r.Instrument,
		fmt.Sprint(r.Seq),
		r.SellEventID,
		r.BuyEventID.TakeOr("-"),
		r.AllocatedQty.String(),
		r.UnitCostBasis.String(),
		r.UnitProceeds.String(),
		r.GrossRealizedPnL.String(),
		r.NetRealizedPnL.String(),
		r.BuyFeeShare.String(),
		r.SellFeeShare.String(),
		fmt.Sprint(r.SellTime.UTC().UnixMicro()),
		buyTime,
		r.Trigger,
	}, "|")
}

// OpenLot is the part of a buy that is still unsold at the end of an allocation run.
type OpenLot struct {
	AllocationVersion int             `yaml:"allocation_version" json:"allocation_version"`
	Instrument        string          `yaml:"instrument" json:"instrument"`
	BuyEventID        string          `yaml:"buy_event_id" json:"buy_event_id"`
	RemainingQty      decimal.Decimal `yaml:"remaining_qty" json:"remaining_qty"`
	OriginalQty       decimal.Decimal `yaml:"original_qty" json:"original_qty"`
	UnitCost          decimal.Decimal `yaml:"unit_cost" json:"unit_cost"`
	// Fee is the full fee of the buy event.
	Fee decimal.Decimal `yaml:"fee" json:"fee"`
	// FeeRemaining is the part of the buy fee not yet apportioned to a sell.
	FeeRemaining decimal.Decimal `yaml:"fee_remaining" json:"fee_remaining"`
	OpenedAt     time.Time       `yaml:"opened_at" json:"opened_at"`
}

func (l OpenLot) Key() string {
	return strings.Join([]string{
		fmt.Sprint(l.AllocationVersion),
		l.Instrument,
		l.BuyEventID,
		l.RemainingQty.String(),
		l.OriginalQty.String(),
		l.UnitCost.String(),
		l.Fee.String(),
		l.FeeRemaining.String(),
		fmt.Sprint(l.OpenedAt.UTC().UnixMicro()),
	}, "|")
}

type AnomalyKind string

const (
	AnomalyUnmatchedSell       AnomalyKind = "unmatched_sell"
	AnomalyNonPositiveQuantity AnomalyKind = "non_positive_quantity"
	AnomalyInvalidPrice        AnomalyKind = "invalid_price"
	AnomalyNegativeFee         AnomalyKind = "negative_fee"
	AnomalyDuplicateEvent      AnomalyKind = "duplicate_event"
	AnomalyNotFilled           AnomalyKind = "not_filled"
	AnomalyInstrumentMismatch  AnomalyKind = "instrument_mismatch"
	AnomalyOutOfOrder          AnomalyKind = "out_of_order"
	AnomalyInvalidEvent        AnomalyKind = "invalid_event"
)

var anomalyCodes = map[AnomalyKind]errors.ErrorCode{
	AnomalyUnmatchedSell:       errors.ErrCodeUnmatchedSell,
	AnomalyNonPositiveQuantity: errors.ErrCodeNonPositiveQuantity,
	AnomalyInvalidPrice:        errors.ErrCodeInvalidPrice,
	AnomalyNegativeFee:         errors.ErrCodeNegativeFee,
	AnomalyDuplicateEvent:      errors.ErrCodeDuplicateEvent,
	AnomalyNotFilled:           errors.ErrCodeEventNotFilled,
	AnomalyInstrumentMismatch:  errors.ErrCodeInstrumentMismatch,
	AnomalyOutOfOrder:          errors.ErrCodeEventOutOfOrder,
	AnomalyInvalidEvent:        errors.ErrCodeInvalidEvent,
}

// Code returns the data anomaly error code of the kind, or ErrCodeUnknown for an unknown kind.
func (k AnomalyKind) Code() errors.ErrorCode {
	if code, ok := anomalyCodes[k]; ok {
		return code
	}

	return errors.ErrCodeUnknown
}

// Anomaly is an event that was quarantined during an allocation run and excluded from PnL.
type Anomaly struct {
	EventID           string      `yaml:"event_id" json:"event_id"`
	Instrument        string      `yaml:"instrument" json:"instrument"`
	Kind              AnomalyKind `yaml:"kind" json:"kind"`
	Detail            string      `yaml:"detail" json:"detail"`
	AllocationVersion int         `yaml:"allocation_version" json:"allocation_version"`
	EventTime         time.Time   `yaml:"event_time" json:"event_time"`
	Trigger           string      `yaml:"trigger" json:"trigger"`
}

// Err describes the anomaly as a coded error.
func (a Anomaly) Err() error {
	return errors.Newf(a.Kind.Code(), "event %s of %s quarantined as %s: %s", a.EventID, a.Instrument, a.Kind, a.Detail)
}

func (a Anomaly) Key() string {
	return strings.Join([]string{
		fmt.Sprint(a.AllocationVersion),
		a.Instrument,
		a.EventID,
		string(a.Kind),
		a.Detail,
		fmt.Sprint(a.EventTime.UTC().UnixMicro()),
		a.Trigger,
	}, "|")
}
