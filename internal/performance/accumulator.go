package performance

import (
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/reconcile"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// accumulator holds running statistics over outcomes fed in sell-time order.
type accumulator struct {
	realized    decimal.Decimal
	gross       decimal.Decimal
	unrealized  decimal.Decimal
	trades      int
	wins        int
	losses      int
	breakeven   int
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal
	largestWin  decimal.Decimal
	largestLoss decimal.Decimal
	// The cumulative realized curve starts at zero.
	peak        decimal.Decimal
	maxDrawdown decimal.Decimal
	// drawdownPeak is the peak the max drawdown was measured from.
	drawdownPeak decimal.Decimal
}

func newAccumulator() *accumulator {
	return &accumulator{
		realized:     decimal.Zero,
		gross:        decimal.Zero,
		unrealized:   decimal.Zero,
		grossProfit:  decimal.Zero,
		grossLoss:    decimal.Zero,
		largestWin:   decimal.Zero,
		largestLoss:  decimal.Zero,
		peak:         decimal.Zero,
		maxDrawdown:  decimal.Zero,
		drawdownPeak: decimal.Zero,
	}
}

func (acc *accumulator) add(outcome reconcile.Outcome) {
	pnl := outcome.NetPnL

	acc.trades++
	acc.realized = acc.realized.Add(pnl)
	acc.gross = acc.gross.Add(outcome.GrossPnL)

	switch pnl.Sign() {
	case 1:
		acc.wins++
		acc.grossProfit = acc.grossProfit.Add(pnl)

		if pnl.GreaterThan(acc.largestWin) {
			acc.largestWin = pnl
		}
	case -1:
		acc.losses++
		acc.grossLoss = acc.grossLoss.Add(pnl.Neg())

		if pnl.LessThan(acc.largestLoss) {
			acc.largestLoss = pnl
		}
	default:
		acc.breakeven++
	}

	if acc.realized.GreaterThan(acc.peak) {
		acc.peak = acc.realized
	}

	drawdown := acc.peak.Sub(acc.realized)
	if drawdown.GreaterThan(acc.maxDrawdown) {
		acc.maxDrawdown = drawdown
		acc.drawdownPeak = acc.peak
	}
}

func (acc *accumulator) addUnrealized(pnl decimal.Decimal) {
	acc.unrealized = acc.unrealized.Add(pnl)
}

func (acc *accumulator) metrics() types.Metrics {
	m := types.Metrics{
		RealizedPnL:      acc.realized,
		GrossRealizedPnL: acc.gross,
		UnrealizedPnL:    acc.unrealized,
		TotalPnL:         acc.realized.Add(acc.unrealized),
		TotalTrades:      acc.trades,
		Wins:             acc.wins,
		Losses:           acc.losses,
		Breakeven:        acc.breakeven,
		WinRate:          optional.None[decimal.Decimal](),
		AvgWin:           decimal.Zero,
		AvgLoss:          decimal.Zero,
		GrossProfit:      acc.grossProfit,
		GrossLoss:        acc.grossLoss,
		ProfitFactor:     optional.None[decimal.Decimal](),
		Expectancy:       optional.None[decimal.Decimal](),
		MaxDrawdown:      acc.maxDrawdown,
		MaxDrawdownPct:   optional.None[decimal.Decimal](),
		LargestWin:       acc.largestWin,
		LargestLoss:      acc.largestLoss,
	}

	// Breakeven sells count as trades but not in the win rate.
	if decided := acc.wins + acc.losses; decided > 0 {
		m.WinRate = optional.Some(decimal.NewFromInt(int64(acc.wins)).Mul(hundred).Div(decimal.NewFromInt(int64(decided))))
	}

	if acc.wins > 0 {
		m.AvgWin = acc.grossProfit.Div(decimal.NewFromInt(int64(acc.wins)))
	}

	if acc.losses > 0 {
		m.AvgLoss = acc.grossLoss.Div(decimal.NewFromInt(int64(acc.losses)))
	}

	if acc.grossLoss.IsPositive() {
		m.ProfitFactor = optional.Some(acc.grossProfit.Div(acc.grossLoss))
	}

	if acc.trades > 0 {
		m.Expectancy = optional.Some(acc.realized.Div(decimal.NewFromInt(int64(acc.trades))))
	}

	if acc.drawdownPeak.IsPositive() {
		m.MaxDrawdownPct = optional.Some(acc.maxDrawdown.Mul(hundred).Div(acc.drawdownPeak))
	} else if acc.maxDrawdown.IsZero() && acc.peak.IsPositive() {
		m.MaxDrawdownPct = optional.Some(decimal.Zero)
	}

	return m
}
