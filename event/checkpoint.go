package event

import (
	"context"
	"time"
)

// Checkpoint is a snapshot of folded state at a log position. It only bounds
// replay cost; it is never authoritative on its own and is always combined
// with events where seq > AtSeq.
type Checkpoint struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	AttemptID string    `json:"attempt_id"`
	AtSeq     uint64    `json:"at_seq"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointStore persists checkpoints for replay bounding.
type CheckpointStore interface {
	// SaveCheckpoint persists a snapshot.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the checkpoint with the highest AtSeq for the
	// run, or nil when none exists.
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// LatestCheckpointBefore returns the newest checkpoint with AtSeq <= seq,
	// or nil. Used by replay-from-position.
	LatestCheckpointBefore(ctx context.Context, runID string, seq uint64) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints for the run ordered by AtSeq.
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)
}
