package event

import "context"

// Log is the append-only, per-run sequenced record of execution facts.
// It is the single source of truth; every other entity is either derived
// from it or an index over it.
//
// Append assigns contiguous sequence numbers starting at 1 and commits all
// records of one call atomically. Cross-run appends are independent; appends
// for one run are linearized by the active lease holder.
type Log interface {
	// Append commits records in order and returns them with assigned
	// sequence numbers.
	Append(ctx context.Context, runID string, records ...Record) ([]Sequenced, error)

	// AppendDeduped commits a record unless an event with the same dedupe
	// token already exists for the run. The second return is false when the
	// append was suppressed; the previously committed event is returned.
	AppendDeduped(ctx context.Context, runID string, record Record) (Sequenced, bool, error)

	// Scan returns events with seq >= from in ascending sequence order.
	Scan(ctx context.Context, runID string, from uint64) ([]Sequenced, error)

	// LatestSeq returns the highest committed sequence for the run, or 0.
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}
