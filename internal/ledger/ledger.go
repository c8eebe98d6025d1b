package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/types"
)

// Ledger is the versioned, insert-only store of allocation output. A commit for one
// (version, instrument) becomes visible to readers all at once or not at all.
type Ledger interface {
	// Commit writes the output of one instrument run. A full run (Parent == 0) for a pair that
	// already holds an identical result is a no-op; a different result is a version conflict.
	// Parent > 0 appends an incremental segment on top of that segment.
	Commit(ctx context.Context, commit Commit) (CommitResult, error)
	// Load reads one version in a single consistent read.
	Load(ctx context.Context, query Query) (Dataset, error)
	// Head returns the latest segment committed for the pair.
	Head(ctx context.Context, version int, instrument string) (optional.Option[CommitInfo], error)
	// Versions lists every commit, optionally for one instrument, ordered by version, instrument, segment.
	Versions(ctx context.Context, instrument string) ([]CommitInfo, error)
	// RecordSnapshot persists a snapshot. Snapshots are never replaced.
	RecordSnapshot(ctx context.Context, snapshot types.PerformanceSnapshot) error
	Snapshot(ctx context.Context, id string) (types.PerformanceSnapshot, error)
	Close() error
}

type Commit struct {
	Version    int
	Instrument string
	Records    []types.AllocationRecord
	Anomalies  []types.Anomaly
	OpenLots   []types.OpenLot
	// Watermark and WatermarkID identify the last event applied by the run.
	Watermark   time.Time
	WatermarkID string
	NextSeq     int
	// Parent is the segment this commit extends. Zero for a full run.
	Parent int
}

type CommitResult struct {
	CommitID    string
	Segment     int
	Fingerprint string
	// Unchanged is true when the commit matched what the ledger already held and nothing was written.
	Unchanged   bool
	CommittedAt time.Time
}

type CommitInfo struct {
	CommitID          string    `yaml:"commit_id"`
	AllocationVersion int       `yaml:"allocation_version"`
	Instrument        string    `yaml:"instrument"`
	Segment           int       `yaml:"segment"`
	RecordCount       int       `yaml:"record_count"`
	AnomalyCount      int       `yaml:"anomaly_count"`
	OpenLotCount      int       `yaml:"open_lot_count"`
	Fingerprint       string    `yaml:"fingerprint"`
	Watermark         time.Time `yaml:"watermark"`
	WatermarkID       string    `yaml:"watermark_id"`
	NextSeq           int       `yaml:"next_seq"`
	CommittedAt       time.Time `yaml:"committed_at"`
}

// Query selects part of one version. The window filters records by sell time and anomalies by
// event time. Open lots are never filtered by time.
type Query struct {
	Version     int
	Instruments []string
	Window      types.Window
}

func (q Query) includes(instrument string) bool {
	if len(q.Instruments) == 0 {
		return true
	}

	for _, i := range q.Instruments {
		if i == instrument {
			return true
		}
	}

	return false
}

// Dataset is a consistent read of one version.
type Dataset struct {
	Version   int
	Records   []types.AllocationRecord
	Anomalies []types.Anomaly
	OpenLots  []types.OpenLot
	// Heads has the latest commit of every instrument in scope.
	Heads []CommitInfo
}

// HasData reports whether any instrument in scope was committed under the version.
func (d Dataset) HasData() bool {
	return len(d.Heads) > 0
}

// Fingerprint is the order-independent identity of an instrument's result under one version.
// Commit timestamps are not part of it.
func Fingerprint(records []types.AllocationRecord, anomalies []types.Anomaly, openLots []types.OpenLot) string {
	keys := func(n int, key func(i int) string) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = key(i)
		}

		sort.Strings(out)

		return out
	}

	h := sha256.New()

	write := func(section string, lines []string) {
		h.Write([]byte(section))
		h.Write([]byte{'\n'})

		for _, line := range lines {
			h.Write([]byte(line))
			h.Write([]byte{'\n'})
		}
	}

	write("records", keys(len(records), func(i int) string { return records[i].Key() }))
	write("anomalies", keys(len(anomalies), func(i int) string { return anomalies[i].Key() }))
	write("open_lots", keys(len(openLots), func(i int) string { return openLots[i].Key() }))

	return hex.EncodeToString(h.Sum(nil))
}

func nextSeq(records []types.AllocationRecord) int {
	next := 1
	for _, r := range records {
		if r.Seq >= next {
			next = r.Seq + 1
		}
	}

	return next
}

func sortRecords(records []types.AllocationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Instrument != records[j].Instrument {
			return records[i].Instrument < records[j].Instrument
		}

		return records[i].Seq < records[j].Seq
	})
}

func sortOpenLots(lots []types.OpenLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].Instrument != lots[j].Instrument {
			return lots[i].Instrument < lots[j].Instrument
		}

		if !lots[i].OpenedAt.Equal(lots[j].OpenedAt) {
			return lots[i].OpenedAt.Before(lots[j].OpenedAt)
		}

		return lots[i].BuyEventID < lots[j].BuyEventID
	})
}
