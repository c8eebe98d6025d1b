package allocation

import (
	"fmt"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Checkpoint is the state an instrument run needs to continue where a previous run stopped.
type Checkpoint struct {
	Instrument string
	OpenLots   []types.OpenLot
	// SeenIDs are the event ids already applied or quarantined.
	SeenIDs []string
	// Watermark is the execution time of the last applied event. Events ordered before it are
	// quarantined as out of order.
	Watermark   time.Time
	WatermarkID string
	NextSeq     int
}

// Result is the output of one instrument run.
type Result struct {
	Instrument string
	Version    int
	Records    []types.AllocationRecord
	Anomalies  []types.Anomaly
	OpenLots   []types.OpenLot
	Checkpoint Checkpoint
}

// run holds the lot queue of one instrument. It is owned by a single goroutine.
type run struct {
	instrument string
	version    int
	fees       FeePolicy
	logger     *logger.Logger

	queue        lotQueue
	seen         map[string]struct{}
	pairs        map[string]struct{}
	watermark    time.Time
	watermarkID  string
	hasWatermark bool
	nextSeq      int

	records   []types.AllocationRecord
	anomalies []types.Anomaly
}

func newRun(instrument string, version int, fees FeePolicy, log *logger.Logger) *run {
	return &run{
		instrument: instrument,
		version:    version,
		fees:       fees,
		logger:     log,
		seen:       make(map[string]struct{}),
		pairs:      make(map[string]struct{}),
		nextSeq:    1,
	}
}

func (r *run) restore(checkpoint Checkpoint) {
	for _, open := range checkpoint.OpenLots {
		r.queue.push(lotFromOpen(open))
	}

	for _, id := range checkpoint.SeenIDs {
		r.seen[id] = struct{}{}
	}

	if !checkpoint.Watermark.IsZero() {
		r.watermark = checkpoint.Watermark
		r.watermarkID = checkpoint.WatermarkID
		r.hasWatermark = true
	}

	if checkpoint.NextSeq > 0 {
		r.nextSeq = checkpoint.NextSeq
	}
}

// apply processes one event. Bad events are quarantined and a nil error is returned. A non-nil
// error is a consistency violation and ends the run.
func (r *run) apply(event types.TradeEvent) error {
	if err := event.Validate(); err != nil {
		r.quarantine(event, types.AnomalyInvalidEvent, err.Error())

		return nil
	}

	if _, ok := r.seen[event.ID]; ok {
		r.quarantine(event, types.AnomalyDuplicateEvent, "event id already processed")

		return nil
	}

	r.seen[event.ID] = struct{}{}

	if kind, detail, ok := r.check(event); !ok {
		r.quarantine(event, kind, detail)

		return nil
	}

	r.watermark = event.ExecutedAt
	r.watermarkID = event.ID
	r.hasWatermark = true

	if event.IsBuy() {
		r.queue.push(lot{
			buyEventID:   event.ID,
			remainingQty: event.Quantity,
			originalQty:  event.Quantity,
			unitCost:     event.Price,
			fee:          event.Fee,
			feeRemaining: event.Fee,
			openedAt:     event.ExecutedAt,
		})

		return nil
	}

	return r.sell(event)
}

func (r *run) check(event types.TradeEvent) (types.AnomalyKind, string, bool) {
	switch {
	case event.Unreadable != "":
		return types.AnomalyInvalidEvent, event.Unreadable, false
	case event.Instrument != r.instrument:
		return types.AnomalyInstrumentMismatch, fmt.Sprintf("event instrument %s in run for %s", event.Instrument, r.instrument), false
	case event.Status != types.EventStatusFilled:
		return types.AnomalyNotFilled, fmt.Sprintf("status %s", event.Status), false
	case !event.Quantity.IsPositive():
		return types.AnomalyNonPositiveQuantity, fmt.Sprintf("quantity %s", event.Quantity), false
	case !event.Price.IsPositive():
		return types.AnomalyInvalidPrice, fmt.Sprintf("price %s", event.Price), false
	case event.Fee.IsNegative():
		return types.AnomalyNegativeFee, fmt.Sprintf("fee %s", event.Fee), false
	case r.hasWatermark && types.LessEvent(event, types.TradeEvent{ID: r.watermarkID, ExecutedAt: r.watermark}):
		return types.AnomalyOutOfOrder, fmt.Sprintf("executed at %s before watermark %s", event.ExecutedAt.UTC().Format(time.RFC3339Nano), r.watermark.UTC().Format(time.RFC3339Nano)), false
	}

	return "", "", true
}

func (r *run) sell(event types.TradeEvent) error {
	remaining := event.Quantity
	sellFeeRemaining := event.Fee
	allocated := decimal.Zero

	for remaining.IsPositive() && r.queue.len() > 0 {
		open := r.queue.front()
		if !open.remainingQty.IsPositive() {
			return errors.Newf(errors.ErrCodeNegativeLot, "lot %s of %s has remaining quantity %s", open.buyEventID, r.instrument, open.remainingQty)
		}

		qty := decimal.Min(open.remainingQty, remaining)

		buyShare := feeShare(open.fee, qty, open.originalQty)
		if qty.Equal(open.remainingQty) {
			buyShare = open.feeRemaining
		}

		sellShare := feeShare(event.Fee, qty, event.Quantity)
		if qty.Equal(remaining) {
			sellShare = sellFeeRemaining
		}

		gross := event.Price.Sub(open.unitCost).Mul(qty)
		record := types.AllocationRecord{
			Seq:               r.nextSeq,
			SellEventID:       event.ID,
			BuyEventID:        optional.Some(open.buyEventID),
			Instrument:        r.instrument,
			AllocatedQty:      qty,
			UnitCostBasis:     open.unitCost,
			UnitProceeds:      event.Price,
			GrossRealizedPnL:  gross,
			NetRealizedPnL:    r.fees.Net(gross, buyShare, sellShare),
			BuyFeeShare:       buyShare,
			SellFeeShare:      sellShare,
			AllocationVersion: r.version,
			SellTime:          event.ExecutedAt,
			BuyTime:           open.openedAt,
			Trigger:           event.Trigger,
		}

		if err := r.emit(record); err != nil {
			return err
		}

		open.remainingQty = open.remainingQty.Sub(qty)
		open.feeRemaining = open.feeRemaining.Sub(buyShare)
		remaining = remaining.Sub(qty)
		sellFeeRemaining = sellFeeRemaining.Sub(sellShare)
		allocated = allocated.Add(qty)

		if open.remainingQty.IsNegative() || open.feeRemaining.IsNegative() {
			return errors.Newf(errors.ErrCodeNegativeLot, "lot %s of %s went negative: quantity %s fee %s", open.buyEventID, r.instrument, open.remainingQty, open.feeRemaining)
		}

		if sellFeeRemaining.IsNegative() {
			return errors.Newf(errors.ErrCodeFeeOverApportioned, "sell %s apportioned more than its fee %s", event.ID, event.Fee)
		}

		if open.remainingQty.IsZero() {
			r.queue.pop()
		}
	}

	if remaining.IsPositive() {
		marker := types.AllocationRecord{
			Seq:               r.nextSeq,
			SellEventID:       event.ID,
			BuyEventID:        optional.None[string](),
			Instrument:        r.instrument,
			AllocatedQty:      remaining,
			UnitCostBasis:     decimal.Zero,
			UnitProceeds:      event.Price,
			GrossRealizedPnL:  decimal.Zero,
			NetRealizedPnL:    decimal.Zero,
			BuyFeeShare:       decimal.Zero,
			SellFeeShare:      sellFeeRemaining,
			AllocationVersion: r.version,
			SellTime:          event.ExecutedAt,
			Trigger:           event.Trigger,
		}

		if err := r.emit(marker); err != nil {
			return err
		}

		allocated = allocated.Add(remaining)
		r.quarantine(event, types.AnomalyUnmatchedSell, fmt.Sprintf("%s of %s had no open inventory", remaining, event.Quantity))
	}

	if !allocated.Equal(event.Quantity) {
		return errors.Newf(errors.ErrCodeOverAllocated, "sell %s allocated %s of quantity %s", event.ID, allocated, event.Quantity)
	}

	return nil
}

func (r *run) emit(record types.AllocationRecord) error {
	key := record.PairKey()
	if _, ok := r.pairs[key]; ok {
		return errors.Newf(errors.ErrCodeDuplicateAllocation, "duplicate allocation for sell %s and buy %s in version %d", record.SellEventID, record.BuyEventID.TakeOr("<unmatched>"), r.version)
	}

	r.pairs[key] = struct{}{}
	r.records = append(r.records, record)
	r.nextSeq++

	return nil
}

func (r *run) quarantine(event types.TradeEvent, kind types.AnomalyKind, detail string) {
	anomaly := types.Anomaly{
		EventID:           event.ID,
		Instrument:        r.instrument,
		Kind:              kind,
		Detail:            detail,
		AllocationVersion: r.version,
		EventTime:         event.ExecutedAt,
		Trigger:           event.Trigger,
	}

	r.anomalies = append(r.anomalies, anomaly)

	r.logger.Warn("Quarantined trade event",
		zap.String("instrument", r.instrument),
		zap.Int("allocation_version", r.version),
		zap.String("event_id", event.ID),
		zap.String("kind", string(kind)),
		zap.Int("code", int(kind.Code())),
		zap.Error(anomaly.Err()),
	)
}

func (r *run) result() Result {
	seen := make([]string, 0, len(r.seen))
	for id := range r.seen {
		seen = append(seen, id)
	}

	sort.Strings(seen)

	openLots := r.queue.open(r.instrument, r.version)

	return Result{
		Instrument: r.instrument,
		Version:    r.version,
		Records:    r.records,
		Anomalies:  r.anomalies,
		OpenLots:   openLots,
		Checkpoint: Checkpoint{
			Instrument:  r.instrument,
			OpenLots:    openLots,
			SeenIDs:     seen,
			Watermark:   r.watermark,
			WatermarkID: r.watermarkID,
			NextSeq:     r.nextSeq,
		},
	}
}
