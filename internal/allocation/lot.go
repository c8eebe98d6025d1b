package allocation

import (
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// lot is the open remainder of one buy event.
type lot struct {
	buyEventID   string
	remainingQty decimal.Decimal
	originalQty  decimal.Decimal
	unitCost     decimal.Decimal
	fee          decimal.Decimal
	feeRemaining decimal.Decimal
	openedAt     time.Time
}

// lotQueue is a FIFO arena of lots. Popped lots stay in the backing slice until the head
// passes half of it, then the live tail is compacted to the front.
type lotQueue struct {
	lots []lot
	head int
}

func (q *lotQueue) push(l lot) {
	q.lots = append(q.lots, l)
}

func (q *lotQueue) len() int {
	return len(q.lots) - q.head
}

// front returns the oldest open lot. The queue must not be empty.
func (q *lotQueue) front() *lot {
	return &q.lots[q.head]
}

func (q *lotQueue) pop() {
	q.lots[q.head] = lot{}
	q.head++

	if q.head == len(q.lots) {
		q.lots = q.lots[:0]
		q.head = 0

		return
	}

	if q.head > len(q.lots)/2 {
		n := copy(q.lots, q.lots[q.head:])
		q.lots = q.lots[:n]
		q.head = 0
	}
}

// open returns the lots still in the queue, oldest first.
func (q *lotQueue) open(instrument string, version int) []types.OpenLot {
	result := make([]types.OpenLot, 0, q.len())

	for _, l := range q.lots[q.head:] {
		result = append(result, types.OpenLot{
			AllocationVersion: version,
			Instrument:        instrument,
			BuyEventID:        l.buyEventID,
			RemainingQty:      l.remainingQty,
			OriginalQty:       l.originalQty,
			UnitCost:          l.unitCost,
			Fee:               l.fee,
			FeeRemaining:      l.feeRemaining,
			OpenedAt:          l.openedAt,
		})
	}

	return result
}

func lotFromOpen(open types.OpenLot) lot {
	return lot{
		buyEventID:   open.BuyEventID,
		remainingQty: open.RemainingQty,
		originalQty:  open.OriginalQty,
		unitCost:     open.UnitCost,
		fee:          open.Fee,
		feeRemaining: open.FeeRemaining,
		openedAt:     open.OpenedAt,
	}
}
