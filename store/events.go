package store

import (
	"context"
	"encoding/json"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/types"
)

// Append implements event.Log. Sequence numbers are assigned inside the
// transaction from the current maximum; the composite (run_id, seq) key turns
// a lost race into a unique violation instead of a gap or duplicate.
func (s *Store) Append(ctx context.Context, runID string, records ...event.Record) ([]event.Sequenced, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var out []event.Sequenced
	err := s.Transaction(ctx, func(tx *Store) error {
		var err error
		out, err = tx.appendTx(runID, records...)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"concurrent append detected for run %s", runID).WithCause(err)
		}
		if types.GetErrorCode(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrInternal, "append events").WithCause(err)
	}
	return out, nil
}

// appendTx appends within an open transaction. Used by the combined verbs
// (interrupt raise, report-step) that must commit event and entity writes
// together.
func (s *Store) appendTx(runID string, records ...event.Record) ([]event.Sequenced, error) {
	var last struct{ Seq uint64 }
	err := s.db.Model(&EventRow{}).
		Select("COALESCE(MAX(seq), 0) as seq").
		Where("run_id = ?", runID).
		Scan(&last).Error
	if err != nil {
		return nil, err
	}

	now := s.clock()
	out := make([]event.Sequenced, 0, len(records))
	rows := make([]EventRow, 0, len(records))
	for i, rec := range records {
		if rec.Payload == nil {
			return nil, types.NewError(types.ErrInvalidArgument, "event payload is required")
		}
		raw, err := event.MarshalPayload(rec.Payload)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidArgument, "encode event payload").WithCause(err)
		}
		seq := last.Seq + uint64(i) + 1
		sequenced := event.Sequenced{
			RunID:     runID,
			Seq:       seq,
			AttemptID: rec.AttemptID,
			Kind:      rec.Payload.Kind(),
			Payload:   rec.Payload,
			StateHash: rec.StateHash,
			CreatedAt: now,
		}
		row := EventRow{
			RunID:     runID,
			Seq:       seq,
			AttemptID: rec.AttemptID,
			Kind:      sequenced.Kind,
			StepID:    sequenced.StepID(),
			Payload:   raw,
			StateHash: rec.StateHash,
			CreatedAt: now,
		}
		if rec.DedupeToken != "" {
			token := rec.DedupeToken
			row.DedupeToken = &token
		}
		rows = append(rows, row)
		out = append(out, sequenced)
	}
	if err := s.db.Create(&rows).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AppendDeduped implements event.Log. A token that already exists for the run
// suppresses the append and returns the committed event, making report-step
// retries idempotent.
func (s *Store) AppendDeduped(ctx context.Context, runID string, record event.Record) (event.Sequenced, bool, error) {
	if record.DedupeToken == "" {
		return event.Sequenced{}, false, types.NewError(types.ErrInvalidArgument, "dedupe token is required")
	}

	lookup := func() (event.Sequenced, bool, error) {
		var row EventRow
		err := s.db.WithContext(ctx).
			First(&row, "run_id = ? AND dedupe_token = ?", runID, record.DedupeToken).Error
		if err != nil {
			if notFound(err) {
				return event.Sequenced{}, false, nil
			}
			return event.Sequenced{}, false, types.NewError(types.ErrInternal, "lookup dedupe token").WithCause(err)
		}
		ev, derr := row.Decode()
		if derr != nil {
			return event.Sequenced{}, false, types.NewError(types.ErrInternal, "decode deduped event").WithCause(derr)
		}
		return ev, true, nil
	}

	if ev, found, err := lookup(); err != nil || found {
		return ev, false, err
	}

	out, err := s.Append(ctx, runID, record)
	if err == nil {
		return out[0], true, nil
	}
	if types.IsConflict(err) {
		// concurrent duplicate: the winner committed our token
		if ev, found, lerr := lookup(); lerr == nil && found {
			return ev, false, nil
		}
	}
	return event.Sequenced{}, false, err
}

// Scan implements event.Log.
func (s *Store) Scan(ctx context.Context, runID string, from uint64) ([]event.Sequenced, error) {
	var rows []EventRow
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND seq >= ?", runID, from).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "scan events").WithCause(err)
	}
	out := make([]event.Sequenced, 0, len(rows))
	for _, row := range rows {
		ev, derr := row.Decode()
		if derr != nil {
			return nil, types.NewError(types.ErrInternal, "decode event").WithCause(derr)
		}
		out = append(out, ev)
	}
	return out, nil
}

// LatestSeq implements event.Log.
func (s *Store) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var last struct{ Seq uint64 }
	err := s.db.WithContext(ctx).Model(&EventRow{}).
		Select("COALESCE(MAX(seq), 0) as seq").
		Where("run_id = ?", runID).
		Scan(&last).Error
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "latest seq").WithCause(err)
	}
	return last.Seq, nil
}

// SaveCheckpoint implements event.CheckpointStore.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *event.Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.ID == "" {
		return types.NewError(types.ErrInvalidArgument, "checkpoint id and run id are required")
	}
	payload, err := json.Marshal(cp.State)
	if err != nil {
		return types.NewError(types.ErrInvalidArgument, "encode checkpoint state").WithCause(err)
	}
	row := CheckpointRow{
		CheckpointID: cp.ID,
		RunID:        cp.RunID,
		AttemptID:    cp.AttemptID,
		AtSeq:        cp.AtSeq,
		Payload:      payload,
		CreatedAt:    s.clock(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return types.Errorf(types.ErrConflict, "checkpoint %s already exists", cp.ID).WithCause(err)
		}
		return types.NewError(types.ErrInternal, "save checkpoint").WithCause(err)
	}
	return nil
}

// LatestCheckpoint implements event.CheckpointStore.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*event.Checkpoint, error) {
	return s.LatestCheckpointBefore(ctx, runID, 0)
}

// LatestCheckpointBefore implements event.CheckpointStore.
func (s *Store) LatestCheckpointBefore(ctx context.Context, runID string, seq uint64) (*event.Checkpoint, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if seq > 0 {
		q = q.Where("at_seq <= ?", seq)
	}
	var row CheckpointRow
	if err := q.Order("at_seq DESC").First(&row).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrInternal, "load checkpoint").WithCause(err)
	}
	return row.decode()
}

// ListCheckpoints implements event.CheckpointStore.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]*event.Checkpoint, error) {
	var rows []CheckpointRow
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("at_seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "list checkpoints").WithCause(err)
	}
	out := make([]*event.Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp, derr := row.decode()
		if derr != nil {
			return nil, derr
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r CheckpointRow) decode() (*event.Checkpoint, error) {
	state := event.NewState()
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &state); err != nil {
			return nil, types.NewError(types.ErrInternal, "decode checkpoint state").WithCause(err)
		}
	}
	if state.Steps == nil {
		state.Steps = make(map[string]json.RawMessage)
	}
	if state.Resumes == nil {
		state.Resumes = make(map[string]json.RawMessage)
	}
	return &event.Checkpoint{
		ID:        r.CheckpointID,
		RunID:     r.RunID,
		AttemptID: r.AttemptID,
		AtSeq:     r.AtSeq,
		State:     state,
		CreatedAt: r.CreatedAt,
	}, nil
}
