package pricing

import (
	"context"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source quotes current prices for instruments. Instruments it cannot price are left out of the
// returned map.
type Source interface {
	Prices(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error)
}

// Snapshot is an immutable set of prices taken at one point in time.
type Snapshot struct {
	prices    map[string]decimal.Decimal
	fetchedAt time.Time
}

// NewSnapshot copies prices into a snapshot. Non-positive prices are treated as unknown.
func NewSnapshot(prices map[string]decimal.Decimal, fetchedAt time.Time) Snapshot {
	copied := make(map[string]decimal.Decimal, len(prices))

	for instrument, price := range prices {
		if price.IsPositive() {
			copied[instrument] = price
		}
	}

	return Snapshot{prices: copied, fetchedAt: fetchedAt}
}

// EmptySnapshot knows no prices.
func EmptySnapshot() Snapshot {
	return Snapshot{}
}

func (s Snapshot) Price(instrument string) optional.Option[decimal.Decimal] {
	price, ok := s.prices[instrument]
	if !ok {
		return optional.None[decimal.Decimal]()
	}

	return optional.Some(price)
}

// Instruments lists the instruments with a known price, sorted.
func (s Snapshot) Instruments() []string {
	instruments := make([]string, 0, len(s.prices))
	for instrument := range s.prices {
		instruments = append(instruments, instrument)
	}

	sort.Strings(instruments)

	return instruments
}

func (s Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Fetch asks source for the prices of instruments and waits at most timeout for the answer.
// It never fails: a timeout yields an empty snapshot and a source error keeps whatever prices
// came back with it.
func Fetch(ctx context.Context, source Source, instruments []string, timeout time.Duration, log *logger.Logger) Snapshot {
	if source == nil || len(instruments) == 0 {
		return EmptySnapshot()
	}

	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type fetched struct {
		prices map[string]decimal.Decimal
		err    error
	}

	// Buffered: the source may answer after Fetch has returned.
	done := make(chan fetched, 1)

	go func() {
		prices, err := source.Prices(fetchCtx, instruments)
		done <- fetched{prices: prices, err: err}
	}()

	select {
	case <-fetchCtx.Done():
		log.Warn("Price fetch timed out, every instrument is price-unknown",
			zap.Strings("instruments", instruments),
			zap.Duration("timeout", timeout),
		)

		return EmptySnapshot()
	case result := <-done:
		if result.err != nil {
			log.Warn("Price fetch failed, using partial prices",
				zap.Int("received", len(result.prices)),
				zap.Error(result.err),
			)
		}

		requested := make(map[string]decimal.Decimal, len(instruments))

		for _, instrument := range instruments {
			price, ok := result.prices[instrument]
			if !ok {
				continue
			}

			if !price.IsPositive() {
				log.Warn("Ignoring non-positive price", zap.String("instrument", instrument), zap.String("price", price.String()))

				continue
			}

			requested[instrument] = price
		}

		return NewSnapshot(requested, time.Now())
	}
}

// StaticSource serves fixed prices, typically from configuration.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	copied := make(map[string]decimal.Decimal, len(prices))
	for instrument, price := range prices {
		copied[instrument] = price
	}

	return &StaticSource{prices: copied}
}

func (s *StaticSource) Prices(_ context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(instruments))

	for _, instrument := range instruments {
		if price, ok := s.prices[instrument]; ok {
			prices[instrument] = price
		}
	}

	return prices, nil
}
