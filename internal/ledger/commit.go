package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
)

type Option func(*options)

type options struct {
	clock     func() time.Time
	commitIDs func() string
}

// WithClock sets the clock that stamps commits and record CreatedAt.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithCommitIDs sets the commit id generator.
func WithCommitIDs(next func() string) Option {
	return func(o *options) {
		o.commitIDs = next
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:     time.Now,
		commitIDs: uuid.NewString,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// commitPlan is what a commit will write once checked against the head of its pair.
type commitPlan struct {
	segment     int
	fingerprint string
	nextSeq     int
	unchanged   bool
}

func validateCommit(commit Commit) error {
	if commit.Version < 1 {
		return errors.Newf(errors.ErrCodeInvalidVersion, "allocation version must be positive, got %d", commit.Version)
	}

	if commit.Instrument == "" {
		return errors.New(errors.ErrCodeMissingParameter, "commit instrument is required")
	}

	for _, r := range commit.Records {
		if r.AllocationVersion != commit.Version || r.Instrument != commit.Instrument {
			return errors.Newf(errors.ErrCodeInvalidParameter, "record %d of sell %s belongs to version %d instrument %s, not version %d instrument %s",
				r.Seq, r.SellEventID, r.AllocationVersion, r.Instrument, commit.Version, commit.Instrument)
		}
	}

	for _, a := range commit.Anomalies {
		if a.AllocationVersion != commit.Version || a.Instrument != commit.Instrument {
			return errors.Newf(errors.ErrCodeInvalidParameter, "anomaly for event %s belongs to version %d instrument %s", a.EventID, a.AllocationVersion, a.Instrument)
		}
	}

	for _, l := range commit.OpenLots {
		if l.AllocationVersion != commit.Version || l.Instrument != commit.Instrument {
			return errors.Newf(errors.ErrCodeInvalidParameter, "open lot %s belongs to version %d instrument %s", l.BuyEventID, l.AllocationVersion, l.Instrument)
		}
	}

	return nil
}

// planCommit checks commit against head. existing loads the records and anomalies already held
// for the pair and is only called for incremental commits.
func planCommit(
	commit Commit,
	head optional.Option[CommitInfo],
	existing func() ([]types.AllocationRecord, []types.Anomaly, error),
) (commitPlan, error) {
	if err := validateCommit(commit); err != nil {
		return commitPlan{}, err
	}

	if commit.Parent == 0 {
		fingerprint := Fingerprint(commit.Records, commit.Anomalies, commit.OpenLots)

		if head.IsNone() {
			return commitPlan{segment: 1, fingerprint: fingerprint, nextSeq: seqAfter(commit.NextSeq, commit.Records)}, nil
		}

		current := head.Unwrap()
		if current.Fingerprint == fingerprint {
			return commitPlan{segment: current.Segment, fingerprint: fingerprint, nextSeq: current.NextSeq, unchanged: true}, nil
		}

		return commitPlan{}, errors.Newf(errors.ErrCodeVersionConflict,
			"version %d of %s already holds a different allocation (fingerprint %s), commit it under a new version",
			commit.Version, commit.Instrument, current.Fingerprint)
	}

	if head.IsNone() || head.Unwrap().Segment != commit.Parent {
		return commitPlan{}, errors.Newf(errors.ErrCodeVersionConflict,
			"segment %d is not the head of version %d of %s", commit.Parent, commit.Version, commit.Instrument)
	}

	current := head.Unwrap()

	if len(commit.Records) == 0 && len(commit.Anomalies) == 0 &&
		commit.Watermark.Equal(current.Watermark) && commit.WatermarkID == current.WatermarkID {
		return commitPlan{segment: current.Segment, fingerprint: current.Fingerprint, nextSeq: current.NextSeq, unchanged: true}, nil
	}

	for _, r := range commit.Records {
		if r.Seq < current.NextSeq {
			return commitPlan{}, errors.Newf(errors.ErrCodeVersionConflict,
				"record seq %d of %s is below the next seq %d of segment %d", r.Seq, commit.Instrument, current.NextSeq, current.Segment)
		}
	}

	records, anomalies, err := existing()
	if err != nil {
		return commitPlan{}, err
	}

	records = append(records, commit.Records...)
	anomalies = append(anomalies, commit.Anomalies...)

	return commitPlan{
		segment:     current.Segment + 1,
		fingerprint: Fingerprint(records, anomalies, commit.OpenLots),
		nextSeq:     seqAfter(commit.NextSeq, records),
	}, nil
}

func seqAfter(declared int, records []types.AllocationRecord) int {
	if computed := nextSeq(records); computed > declared {
		return computed
	}

	return declared
}
