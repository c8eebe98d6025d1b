package allocation

import (
	"sort"

	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.uber.org/zap"
)

// Engine matches sells against the oldest open buys of the same instrument. It holds no
// state between calls, so one Engine may serve many instruments concurrently.
type Engine struct {
	logger *logger.Logger
	fees   FeePolicy
}

func NewEngine(log *logger.Logger, convention types.FeeConvention) *Engine {
	return &Engine{
		logger: log,
		fees:   GetFeePolicy(convention),
	}
}

func (e *Engine) FeeConvention() types.FeeConvention {
	return e.fees.Convention()
}

// Allocate runs the full event history of one instrument under version.
func (e *Engine) Allocate(instrument string, version int, events []types.TradeEvent) (Result, error) {
	return e.Resume(Checkpoint{Instrument: instrument}, version, events)
}

// Resume continues an instrument run from checkpoint with events that arrived after it.
// Events ordered before the checkpoint watermark are quarantined as out of order.
func (e *Engine) Resume(checkpoint Checkpoint, version int, events []types.TradeEvent) (Result, error) {
	if checkpoint.Instrument == "" {
		return Result{}, errors.New(errors.ErrCodeMissingParameter, "instrument is required")
	}

	if version < 1 {
		return Result{}, errors.Newf(errors.ErrCodeInvalidVersion, "allocation version must be positive, got %d", version)
	}

	ordered := make([]types.TradeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return types.LessEvent(ordered[i], ordered[j])
	})

	r := newRun(checkpoint.Instrument, version, e.fees, e.logger)
	r.restore(checkpoint)

	for _, event := range ordered {
		if err := r.apply(event); err != nil {
			e.logger.Error("Allocation run aborted by consistency violation",
				zap.String("instrument", checkpoint.Instrument),
				zap.Int("allocation_version", version),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)

			return Result{}, err
		}
	}

	result := r.result()

	e.logger.Debug("Allocation run finished",
		zap.String("instrument", checkpoint.Instrument),
		zap.Int("allocation_version", version),
		zap.Int("events", len(ordered)),
		zap.Int("records", len(result.Records)),
		zap.Int("anomalies", len(result.Anomalies)),
		zap.Int("open_lots", len(result.OpenLots)),
	)

	return result, nil
}
