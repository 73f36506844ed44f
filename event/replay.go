package event

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomrun/loom/types"
)

// Replayer rebuilds folded state from (checkpoint, events after it).
// The result is a pure function of that input; any divergence from recorded
// state hashes is a fatal integrity violation, never silently ignored.
type Replayer struct {
	log         Log
	checkpoints CheckpointStore
	reducer     Reducer
	logger      *zap.Logger
}

// NewReplayer creates a replay engine over the given log and checkpoint store.
func NewReplayer(log Log, checkpoints CheckpointStore, reducer Reducer, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reducer == nil {
		reducer = StateReducer{}
	}
	return &Replayer{
		log:         log,
		checkpoints: checkpoints,
		reducer:     reducer,
		logger:      logger.With(zap.String("component", "replayer")),
	}
}

// Replay folds the full run: latest checkpoint as base, then every event with
// seq > checkpoint.AtSeq in ascending order.
func (r *Replayer) Replay(ctx context.Context, runID string) (State, error) {
	return r.ReplayFrom(ctx, runID, 0)
}

// ReplayFrom folds the run up to and including toSeq (0 means the whole log),
// starting from the newest checkpoint at or before that position.
func (r *Replayer) ReplayFrom(ctx context.Context, runID string, toSeq uint64) (State, error) {
	base := NewState()
	var from uint64 = 1

	var cp *Checkpoint
	var err error
	if r.checkpoints != nil {
		if toSeq == 0 {
			cp, err = r.checkpoints.LatestCheckpoint(ctx, runID)
		} else {
			cp, err = r.checkpoints.LatestCheckpointBefore(ctx, runID, toSeq)
		}
		if err != nil {
			return State{}, fmt.Errorf("load checkpoint for %s: %w", runID, err)
		}
	}
	if cp != nil {
		base = cp.State.Clone()
		base.LastSeq = cp.AtSeq
		from = cp.AtSeq + 1
	}

	events, err := r.log.Scan(ctx, runID, from)
	if err != nil {
		return State{}, fmt.Errorf("scan events for %s: %w", runID, err)
	}

	state := base
	folded := 0
	for _, ev := range events {
		if toSeq != 0 && ev.Seq > toSeq {
			break
		}
		state, err = r.reducer.Apply(state, ev)
		if err != nil {
			return State{}, types.Errorf(types.ErrReplayDivergence,
				"fold failed at seq %d for run %s", ev.Seq, runID).WithCause(err)
		}
		if ev.StateHash != "" && ev.StateHash != state.Hash() {
			return State{}, types.Errorf(types.ErrReplayDivergence,
				"state hash mismatch at seq %d for run %s", ev.Seq, runID)
		}
		folded++
	}

	r.logger.Debug("replay complete",
		zap.String("run_id", runID),
		zap.Uint64("from_seq", from),
		zap.Uint64("last_seq", state.LastSeq),
		zap.Int("folded", folded),
	)
	return state, nil
}

// Verify replays the run and compares the result against the recorded final
// state hash, when one exists. Returns the replayed state.
func (r *Replayer) Verify(ctx context.Context, runID string) (State, error) {
	state, err := r.Replay(ctx, runID)
	if err != nil {
		return State{}, err
	}

	events, err := r.log.Scan(ctx, runID, 1)
	if err != nil {
		return State{}, fmt.Errorf("scan events for verify %s: %w", runID, err)
	}
	var lastHash string
	for _, ev := range events {
		if ev.StateHash != "" {
			lastHash = ev.StateHash
		}
	}
	if lastHash != "" && lastHash != state.Hash() {
		return State{}, types.Errorf(types.ErrReplayDivergence,
			"replayed state diverges from recorded hash for run %s", runID)
	}
	return state, nil
}
