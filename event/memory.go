package event

import (
	"context"
	"sync"
	"time"

	"github.com/loomrun/loom/types"
)

// MemoryLog is an in-memory Log for tests and single-process embedding.
// Appends for one run are serialized under the log mutex, matching the
// single-writer-per-run contract of the durable backends.
type MemoryLog struct {
	mu     sync.RWMutex
	runs   map[string][]Sequenced
	tokens map[string]map[string]uint64 // runID -> dedupe token -> seq
	clock  func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		runs:   make(map[string][]Sequenced),
		tokens: make(map[string]map[string]uint64),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, runID string, records ...Record) ([]Sequenced, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(runID, records...)
}

// AppendDeduped implements Log.
func (l *MemoryLog) AppendDeduped(ctx context.Context, runID string, record Record) (Sequenced, bool, error) {
	if record.DedupeToken == "" {
		return Sequenced{}, false, types.NewError(types.ErrInvalidArgument, "dedupe token is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if seqs, ok := l.tokens[runID]; ok {
		if seq, dup := seqs[record.DedupeToken]; dup {
			return l.runs[runID][seq-1], false, nil
		}
	}
	out, err := l.appendLocked(runID, record)
	if err != nil {
		return Sequenced{}, false, err
	}
	if l.tokens[runID] == nil {
		l.tokens[runID] = make(map[string]uint64)
	}
	l.tokens[runID][record.DedupeToken] = out[0].Seq
	return out[0], true, nil
}

func (l *MemoryLog) appendLocked(runID string, records ...Record) ([]Sequenced, error) {
	if len(records) == 0 {
		return nil, nil
	}
	now := l.clock()
	existing := l.runs[runID]
	next := uint64(len(existing)) + 1

	out := make([]Sequenced, 0, len(records))
	for i, rec := range records {
		if rec.Payload == nil {
			return nil, types.NewError(types.ErrInvalidArgument, "event payload is required")
		}
		out = append(out, Sequenced{
			RunID:     runID,
			Seq:       next + uint64(i),
			AttemptID: rec.AttemptID,
			Kind:      rec.Payload.Kind(),
			Payload:   rec.Payload,
			StateHash: rec.StateHash,
			CreatedAt: now,
		})
	}
	l.runs[runID] = append(existing, out...)
	return out, nil
}

// Scan implements Log.
func (l *MemoryLog) Scan(ctx context.Context, runID string, from uint64) ([]Sequenced, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.runs[runID]
	if from <= 1 {
		return append([]Sequenced(nil), events...), nil
	}
	if from > uint64(len(events)) {
		return nil, nil
	}
	return append([]Sequenced(nil), events[from-1:]...), nil
}

// LatestSeq implements Log.
func (l *MemoryLog) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.runs[runID])), nil
}

// MemoryCheckpointStore is an in-memory CheckpointStore for tests.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	runs map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{runs: make(map[string][]*Checkpoint)}
}

// SaveCheckpoint implements CheckpointStore.
func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return types.NewError(types.ErrInvalidArgument, "checkpoint run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cp
	clone.State = cp.State.Clone()
	s.runs[cp.RunID] = append(s.runs[cp.RunID], &clone)
	return nil
}

// LatestCheckpoint implements CheckpointStore.
func (s *MemoryCheckpointStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	return s.LatestCheckpointBefore(ctx, runID, 0)
}

// LatestCheckpointBefore implements CheckpointStore.
func (s *MemoryCheckpointStore) LatestCheckpointBefore(ctx context.Context, runID string, seq uint64) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Checkpoint
	for _, cp := range s.runs[runID] {
		if seq != 0 && cp.AtSeq > seq {
			continue
		}
		if best == nil || cp.AtSeq > best.AtSeq {
			best = cp
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	clone.State = best.State.Clone()
	return &clone, nil
}

// ListCheckpoints implements CheckpointStore.
func (s *MemoryCheckpointStore) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(s.runs[runID]))
	for _, cp := range s.runs[runID] {
		clone := *cp
		clone.State = cp.State.Clone()
		out = append(out, &clone)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].AtSeq > out[j].AtSeq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}
