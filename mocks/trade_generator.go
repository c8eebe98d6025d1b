package mocks

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// TradeGenerator generates reproducible trade histories for tests and benchmarks.
type TradeGenerator struct {
	rng *rand.Rand
}

// NewTradeGenerator creates a new TradeGenerator with the given seed.
// Use a fixed seed for reproducible results in tests.
func NewTradeGenerator(seed int64) *TradeGenerator {
	return &TradeGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how trade events are generated.
type GeneratorConfig struct {
	// Instrument is the traded instrument (e.g., "BTC/USDT")
	Instrument string
	// StartTime is the execution time of the first event
	StartTime time.Time
	// Interval is the duration between consecutive events
	Interval time.Duration
	// Count is the number of events to generate
	Count int
	// InitialPrice is the starting price
	InitialPrice float64
	// Volatility controls price movement between events
	Volatility float64
	// SellRatio is the probability that an event is a sell (0.0 to 1.0)
	SellRatio float64
	// MaxQuantity bounds the quantity of a single event
	MaxQuantity float64
	// FeeRate is the fee charged as a fraction of notional
	FeeRate float64
	// Scatter draws execution times at random from the covered range instead of spacing them
	// evenly, producing ties and out-of-order input.
	Scatter bool
	// Triggers are cycled through to tag sells. Empty leaves sells untagged.
	Triggers []string
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Instrument:   "BTC/USDT",
		StartTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:     time.Minute,
		Count:        1000,
		InitialPrice: 40000.0,
		Volatility:   0.002,
		SellRatio:    0.45,
		MaxQuantity:  5.0,
		FeeRate:      0.001,
		Triggers:     []string{types.TriggerStrategy, types.TriggerStopLoss, types.TriggerTakeProfit},
	}
}

// Generate creates a slice of filled TradeEvents based on the configuration.
// Prices follow a geometric random walk; quantities carry 8 decimals and prices 6.
func (g *TradeGenerator) Generate(config GeneratorConfig) []types.TradeEvent {
	events := make([]types.TradeEvent, config.Count)
	currentPrice := config.InitialPrice
	sells := 0

	for i := 0; i < config.Count; i++ {
		// Box-Muller transform for normal distribution
		u1 := 1 - g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		next := currentPrice * (1 + config.Volatility*z)
		if next <= 0 {
			next = currentPrice * 0.99
		}

		currentPrice = next

		qty := decimal.New(g.rng.Int63n(int64(config.MaxQuantity*1e8))+1, -8)
		price := decimal.NewFromFloat(currentPrice).Round(6)
		if !price.IsPositive() {
			price = decimal.New(1, -6)
		}

		fee := qty.Mul(price).Mul(decimal.NewFromFloat(config.FeeRate)).Round(6)

		executedAt := config.StartTime.Add(time.Duration(i) * config.Interval)
		if config.Scatter {
			executedAt = config.StartTime.Add(time.Duration(g.rng.Intn(config.Count*2)) * config.Interval)
		}

		event := types.TradeEvent{
			ID:         fmt.Sprintf("%s-%06d", config.Instrument, i),
			Instrument: config.Instrument,
			Side:       types.SideBuy,
			Quantity:   qty,
			Price:      price,
			Fee:        fee,
			ExecutedAt: executedAt,
			Status:     types.EventStatusFilled,
		}

		if g.rng.Float64() < config.SellRatio {
			event.Side = types.SideSell
			if len(config.Triggers) > 0 {
				event.Trigger = config.Triggers[sells%len(config.Triggers)]
			}

			sells++
		}

		events[i] = event
	}

	return events
}

// GenerateMultiInstrument generates a history for each instrument.
func (g *TradeGenerator) GenerateMultiInstrument(instruments []string, baseConfig GeneratorConfig) []types.TradeEvent {
	var all []types.TradeEvent

	for _, instrument := range instruments {
		config := baseConfig
		config.Instrument = instrument
		// Vary initial price and volatility slightly per instrument
		config.InitialPrice = baseConfig.InitialPrice * (0.8 + g.rng.Float64()*0.4)
		config.Volatility = baseConfig.Volatility * (0.8 + g.rng.Float64()*0.4)

		all = append(all, g.Generate(config)...)
	}

	return all
}

// Generate10K is a convenience function to generate 10,000 events
// with default settings for benchmarking.
func Generate10K(instrument string) []types.TradeEvent {
	gen := NewTradeGenerator(42)
	config := DefaultConfig()
	config.Instrument = instrument
	config.Count = 10000

	return gen.Generate(config)
}
