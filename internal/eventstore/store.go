package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/rxtech-lab/argo-ledger/internal/types"
)

// Store is the read side of the append-only trade event log.
type Store interface {
	// Instruments lists every instrument with at least one event, sorted.
	Instruments(ctx context.Context) ([]string, error)
	// Events returns the events of one instrument ordered by execution time, ties by event id.
	Events(ctx context.Context, instrument string) ([]types.TradeEvent, error)
}

// MemoryStore keeps events in process.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]types.TradeEvent
}

func NewMemoryStore(events ...types.TradeEvent) *MemoryStore {
	store := &MemoryStore{events: make(map[string][]types.TradeEvent)}
	store.Append(events...)

	return store
}

func (m *MemoryStore) Append(events ...types.TradeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range events {
		m.events[e.Instrument] = append(m.events[e.Instrument], e)
	}
}

func (m *MemoryStore) Instruments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instruments := make([]string, 0, len(m.events))
	for instrument := range m.events {
		instruments = append(instruments, instrument)
	}

	sort.Strings(instruments)

	return instruments, nil
}

func (m *MemoryStore) Events(_ context.Context, instrument string) ([]types.TradeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := append([]types.TradeEvent(nil), m.events[instrument]...)
	sort.SliceStable(events, func(i, j int) bool {
		return types.LessEvent(events[i], events[j])
	})

	return events, nil
}
