package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
)

type pairKey struct {
	version    int
	instrument string
}

// pairState is never mutated after it is published. A commit builds a new state and swaps it in.
type pairState struct {
	commits   []CommitInfo
	records   []types.AllocationRecord
	anomalies []types.Anomaly
	openLots  []types.OpenLot
}

// MemoryStore is an in-process Ledger.
type MemoryStore struct {
	mu        sync.RWMutex
	pairs     map[pairKey]*pairState
	snapshots map[string]types.PerformanceSnapshot
	opts      options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		pairs:     make(map[pairKey]*pairState),
		snapshots: make(map[string]types.PerformanceSnapshot),
		opts:      buildOptions(opts),
	}
}

func (m *MemoryStore) Commit(_ context.Context, commit Commit) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{version: commit.Version, instrument: commit.Instrument}
	state := m.pairs[key]

	head := optional.None[CommitInfo]()
	if state != nil && len(state.commits) > 0 {
		head = optional.Some(state.commits[len(state.commits)-1])
	}

	plan, err := planCommit(commit, head, func() ([]types.AllocationRecord, []types.Anomaly, error) {
		return append([]types.AllocationRecord(nil), state.records...), append([]types.Anomaly(nil), state.anomalies...), nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	if plan.unchanged {
		current := head.Unwrap()

		return CommitResult{CommitID: current.CommitID, Segment: current.Segment, Fingerprint: current.Fingerprint, Unchanged: true, CommittedAt: current.CommittedAt}, nil
	}

	committedAt := m.opts.clock().UTC()
	info := CommitInfo{
		CommitID:          m.opts.commitIDs(),
		AllocationVersion: commit.Version,
		Instrument:        commit.Instrument,
		Segment:           plan.segment,
		RecordCount:       len(commit.Records),
		AnomalyCount:      len(commit.Anomalies),
		OpenLotCount:      len(commit.OpenLots),
		Fingerprint:       plan.fingerprint,
		Watermark:         commit.Watermark.UTC(),
		WatermarkID:       commit.WatermarkID,
		NextSeq:           plan.nextSeq,
		CommittedAt:       committedAt,
	}

	next := &pairState{}
	if state != nil {
		next.commits = append(next.commits, state.commits...)
		next.records = append(next.records, state.records...)
		next.anomalies = append(next.anomalies, state.anomalies...)
	}

	next.commits = append(next.commits, info)

	for _, r := range commit.Records {
		r.CreatedAt = committedAt
		next.records = append(next.records, r)
	}

	next.anomalies = append(next.anomalies, commit.Anomalies...)
	next.openLots = append([]types.OpenLot(nil), commit.OpenLots...)

	m.pairs[key] = next

	return CommitResult{CommitID: info.CommitID, Segment: info.Segment, Fingerprint: info.Fingerprint, CommittedAt: committedAt}, nil
}

func (m *MemoryStore) Load(_ context.Context, query Query) (Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dataset := Dataset{Version: query.Version}

	for key, state := range m.pairs {
		if key.version != query.Version || !query.includes(key.instrument) {
			continue
		}

		dataset.Heads = append(dataset.Heads, state.commits[len(state.commits)-1])

		for _, r := range state.records {
			if query.Window.Contains(r.SellTime) {
				dataset.Records = append(dataset.Records, r)
			}
		}

		for _, a := range state.anomalies {
			if query.Window.Contains(a.EventTime) {
				dataset.Anomalies = append(dataset.Anomalies, a)
			}
		}

		dataset.OpenLots = append(dataset.OpenLots, state.openLots...)
	}

	sort.Slice(dataset.Heads, func(i, j int) bool {
		return dataset.Heads[i].Instrument < dataset.Heads[j].Instrument
	})
	sortRecords(dataset.Records)
	sort.SliceStable(dataset.Anomalies, func(i, j int) bool {
		return dataset.Anomalies[i].Instrument < dataset.Anomalies[j].Instrument
	})
	sortOpenLots(dataset.OpenLots)

	return dataset, nil
}

func (m *MemoryStore) Head(_ context.Context, version int, instrument string) (optional.Option[CommitInfo], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := m.pairs[pairKey{version: version, instrument: instrument}]
	if state == nil || len(state.commits) == 0 {
		return optional.None[CommitInfo](), nil
	}

	return optional.Some(state.commits[len(state.commits)-1]), nil
}

func (m *MemoryStore) Versions(_ context.Context, instrument string) ([]CommitInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	commits := []CommitInfo{}

	for key, state := range m.pairs {
		if instrument != "" && key.instrument != instrument {
			continue
		}

		commits = append(commits, state.commits...)
	}

	sortCommits(commits)

	return commits, nil
}

func (m *MemoryStore) RecordSnapshot(_ context.Context, snapshot types.PerformanceSnapshot) error {
	if snapshot.ID == "" {
		return errors.New(errors.ErrCodeMissingParameter, "snapshot id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[snapshot.ID]; ok {
		return errors.Newf(errors.ErrCodeLedgerWriteFailed, "snapshot %s already recorded", snapshot.ID)
	}

	m.snapshots[snapshot.ID] = snapshot

	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context, id string) (types.PerformanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, ok := m.snapshots[id]
	if !ok {
		return types.PerformanceSnapshot{}, errors.Newf(errors.ErrCodeDataNotFound, "snapshot %s not found", id)
	}

	return snapshot, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortCommits(commits []CommitInfo) {
	sort.Slice(commits, func(i, j int) bool {
		a, b := commits[i], commits[j]
		if a.AllocationVersion != b.AllocationVersion {
			return a.AllocationVersion < b.AllocationVersion
		}

		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}

		return a.Segment < b.Segment
	})
}
