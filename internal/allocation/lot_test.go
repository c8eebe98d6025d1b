package allocation

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type LotQueueTestSuite struct {
	suite.Suite
}

func TestLotQueueSuite(t *testing.T) {
	suite.Run(t, new(LotQueueTestSuite))
}

func newLot(id string) lot {
	return lot{
		buyEventID:   id,
		remainingQty: decimal.NewFromInt(1),
		originalQty:  decimal.NewFromInt(1),
		unitCost:     decimal.NewFromInt(10),
		fee:          decimal.Zero,
		feeRemaining: decimal.Zero,
		openedAt:     baseTime,
	}
}

func (suite *LotQueueTestSuite) TestFIFOOrder() {
	q := &lotQueue{}

	for i := 0; i < 10; i++ {
		q.push(newLot(fmt.Sprintf("b%d", i)))
	}

	for i := 0; i < 10; i++ {
		suite.Require().Equal(10-i, q.len())
		suite.Equal(fmt.Sprintf("b%d", i), q.front().buyEventID)
		q.pop()
	}

	suite.Equal(0, q.len())
	suite.Empty(q.lots)
}

func (suite *LotQueueTestSuite) TestCompactionKeepsOrder() {
	q := &lotQueue{}

	for i := 0; i < 6; i++ {
		q.push(newLot(fmt.Sprintf("b%d", i)))
	}

	// Popping past half of the backing slice moves the live tail to the front.
	for i := 0; i < 4; i++ {
		q.pop()
	}

	suite.Equal(0, q.head)
	suite.Len(q.lots, 2)

	q.push(newLot("b6"))

	open := q.open(instrument, 1)
	suite.Require().Len(open, 3)
	suite.Equal("b4", open[0].BuyEventID)
	suite.Equal("b5", open[1].BuyEventID)
	suite.Equal("b6", open[2].BuyEventID)
}

func (suite *LotQueueTestSuite) TestFrontIsMutable() {
	q := &lotQueue{}
	q.push(newLot("b1"))

	q.front().remainingQty = decimal.RequireFromString("0.25")

	open := q.open(instrument, 2)
	suite.Require().Len(open, 1)
	suite.Equal("0.25", open[0].RemainingQty.String())
	suite.Equal(2, open[0].AllocationVersion)
	suite.Equal(instrument, open[0].Instrument)
}

func (suite *LotQueueTestSuite) TestRoundTripThroughOpenLot() {
	original := newLot("b1")
	original.feeRemaining = decimal.RequireFromString("0.5")

	q := &lotQueue{}
	q.push(original)

	restored := lotFromOpen(q.open(instrument, 1)[0])
	suite.Equal(original.buyEventID, restored.buyEventID)
	suite.True(original.feeRemaining.Equal(restored.feeRemaining))
	suite.True(original.unitCost.Equal(restored.unitCost))
	suite.True(original.openedAt.Equal(restored.openedAt))
}
