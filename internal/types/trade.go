package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

type Side string

type EventStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	EventStatusFilled    EventStatus = "FILLED"
	EventStatusPending   EventStatus = "PENDING"
	EventStatusCancelled EventStatus = "CANCELLED"
)

const (
	TriggerStrategy   string = "strategy"
	TriggerStopLoss   string = "stop_loss"
	TriggerTakeProfit string = "take_profit"
	TriggerManual     string = "manual"
	// TriggerUntagged is reported for events that carry no trigger tag.
	TriggerUntagged string = "untagged"
)

// TradeEvent is an immutable filled buy or sell supplied by the order-execution subsystem.
type TradeEvent struct {
	ID         string          `yaml:"id" json:"id" csv:"event_id" validate:"required"`
	Instrument string          `yaml:"instrument" json:"instrument" csv:"instrument" validate:"required"`
	Side       Side            `yaml:"side" json:"side" csv:"side" validate:"required,oneof=BUY SELL"`
	Quantity   decimal.Decimal `yaml:"quantity" json:"quantity" csv:"quantity"`
	Price      decimal.Decimal `yaml:"price" json:"price" csv:"price"`
	Fee        decimal.Decimal `yaml:"fee" json:"fee" csv:"fee"`
	ExecutedAt time.Time       `yaml:"executed_at" json:"executed_at" csv:"executed_at" validate:"required"`
	Status     EventStatus     `yaml:"status" json:"status" csv:"status" validate:"required"`
	// Trigger is the source tag of the order, e.g. strategy or stop_loss.
	Trigger string `yaml:"trigger" json:"trigger" csv:"trigger"`
	// LegacyPnL is the inline PnL the execution subsystem wrote on sells before the ledger existed.
	LegacyPnL optional.Option[decimal.Decimal] `yaml:"-" json:"-" csv:"legacy_pnl"`
	// Unreadable names the stored amounts that could not be parsed. Such an event keeps its
	// identity but its amounts are zero, and allocation quarantines it.
	Unreadable string `yaml:"-" json:"-" csv:"-"`
}

var eventValidator = validator.New()

// Validate checks the structural fields of the event. Numeric rules are applied by the allocation
// engine so that each violation can be quarantined with its own anomaly kind.
func (e TradeEvent) Validate() error {
	if err := eventValidator.Struct(e); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidEvent, "invalid trade event", err)
	}

	return nil
}

// TriggerTag returns the trigger, or TriggerUntagged when none was recorded.
func (e TradeEvent) TriggerTag() string {
	return TriggerOrUntagged(e.Trigger)
}

func (e TradeEvent) IsBuy() bool {
	return e.Side == SideBuy
}

func (e TradeEvent) IsSell() bool {
	return e.Side == SideSell
}

func TriggerOrUntagged(trigger string) string {
	if trigger == "" {
		return TriggerUntagged
	}

	return trigger
}

// LessEvent orders events by execution time, ties broken by event id.
func LessEvent(a, b TradeEvent) bool {
	if !a.ExecutedAt.Equal(b.ExecutedAt) {
		return a.ExecutedAt.Before(b.ExecutedAt)
	}

	return a.ID < b.ID
}
