package store

import (
	"context"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/types"
)

// activeStatuses are the attempt statuses a worker can legally report from.
var activeStatuses = []JobStatus{
	JobStatusLeasedToWorker, JobStatusRunning,
	JobStatusCheckpointed, JobStatusResumed,
}

// RaiseInterrupt persists the interrupt record, appends the InterruptRaised
// event, and flips attempt and job to blocked_interrupt in one transaction.
// A run is never observably blocked without its persisted record.
func (s *Store) RaiseInterrupt(ctx context.Context, intr *Interrupt, stepID, dedupeToken string) (*event.Sequenced, error) {
	if intr == nil || intr.InterruptID == "" || intr.RunID == "" || intr.AttemptID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "interrupt id, run id and attempt id are required")
	}

	// replayed report: interrupt already persisted
	if existing, err := s.getInterrupt(ctx, intr.InterruptID); err == nil {
		if existing.RunID != intr.RunID {
			return nil, types.Errorf(types.ErrConflict,
				"interrupt %s belongs to run %s", intr.InterruptID, existing.RunID)
		}
		return nil, nil
	} else if !types.IsNotFound(err) {
		return nil, err
	}

	now := s.clock()
	intr.Status = InterruptStatusPending
	intr.CreatedAt = now

	var raised event.Sequenced
	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Create(intr).Error; err != nil {
			return err
		}
		out, err := tx.appendTx(intr.RunID, event.Record{
			AttemptID:   intr.AttemptID,
			DedupeToken: dedupeToken,
			Payload: event.InterruptRaised{
				InterruptID: intr.InterruptID,
				StepID:      stepID,
				Request:     intr.Request,
			},
		})
		if err != nil {
			return err
		}
		raised = out[0]

		res := tx.db.Model(&Attempt{}).
			Where("attempt_id = ?", intr.AttemptID).
			Where("status IN ?", activeStatuses).
			Updates(map[string]any{"status": JobStatusBlockedInterrupt, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.Errorf(types.ErrConflict,
				"attempt %s is not executing, cannot block", intr.AttemptID)
		}
		return tx.db.Model(&Job{}).
			Where("run_id = ?", intr.RunID).
			Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
			Updates(map[string]any{"status": JobStatusBlockedInterrupt, "updated_at": now}).Error
	})
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return nil, err
		}
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"interrupt %s already exists", intr.InterruptID).WithCause(err)
		}
		return nil, types.NewError(types.ErrInternal, "raise interrupt").WithCause(err)
	}
	return &raised, nil
}

// ResolveResult is the outcome of an interrupt resolution.
type ResolveResult struct {
	Interrupt *Interrupt
	// Applied is false when the interrupt was already resolved and the stored
	// result is being returned instead of re-applying the decision.
	Applied bool
}

// ResolveInterrupt applies a resume decision at most once. The winning call
// appends ResumeApplied and moves attempt and job blocked_interrupt -> resumed
// atomically; a duplicate call returns the stored result without any state
// transition.
func (s *Store) ResolveInterrupt(ctx context.Context, interruptID string, value, result []byte) (*ResolveResult, error) {
	intr, err := s.getInterrupt(ctx, interruptID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var applied bool
	err = s.Transaction(ctx, func(tx *Store) error {
		res := tx.db.Model(&Interrupt{}).
			Where("interrupt_id = ? AND status = ?", interruptID, InterruptStatusPending).
			Updates(map[string]any{
				"status":         InterruptStatusResumed,
				"resume_payload": value,
				"result_payload": result,
				"resolved_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// resolved by an earlier call; settled below
			return nil
		}
		applied = true

		out, err := tx.appendTx(intr.RunID, event.Record{
			AttemptID: intr.AttemptID,
			Payload:   event.ResumeApplied{InterruptID: interruptID, Value: value},
		})
		if err != nil {
			return err
		}
		if err := tx.db.Model(&Interrupt{}).
			Where("interrupt_id = ?", interruptID).
			Update("resolved_by_seq", out[0].Seq).Error; err != nil {
			return err
		}

		res = tx.db.Model(&Attempt{}).
			Where("attempt_id = ?", intr.AttemptID).
			Where("status = ?", JobStatusBlockedInterrupt).
			Updates(map[string]any{"status": JobStatusResumed, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.Errorf(types.ErrConflict,
				"attempt %s is not blocked on an interrupt", intr.AttemptID)
		}
		return tx.db.Model(&Job{}).
			Where("run_id = ? AND status = ?", intr.RunID, JobStatusBlockedInterrupt).
			Updates(map[string]any{"status": JobStatusResumed, "updated_at": now}).Error
	})
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrInternal, "resolve interrupt").WithCause(err)
	}

	final, err := s.getInterrupt(ctx, interruptID)
	if err != nil {
		return nil, err
	}
	if !applied && final.Status == InterruptStatusRejected {
		return nil, types.Errorf(types.ErrConflict,
			"interrupt %s was rejected", interruptID)
	}
	return &ResolveResult{Interrupt: final, Applied: applied}, nil
}

// RejectInterrupt marks the interrupt rejected and cancels the owning run:
// terminal event, attempt and job cancelled, lease released, all in one
// transaction. Repeated rejects are conflicts against the resolved record.
func (s *Store) RejectInterrupt(ctx context.Context, interruptID string, reason string) (*Interrupt, error) {
	intr, err := s.getInterrupt(ctx, interruptID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	err = s.Transaction(ctx, func(tx *Store) error {
		res := tx.db.Model(&Interrupt{}).
			Where("interrupt_id = ? AND status = ?", interruptID, InterruptStatusPending).
			Updates(map[string]any{"status": InterruptStatusRejected, "resolved_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			existing, gerr := tx.getInterrupt(ctx, interruptID)
			if gerr != nil {
				return gerr
			}
			return types.Errorf(types.ErrConflict,
				"interrupt %s is already %s", interruptID, existing.Status)
		}

		if _, err := tx.appendTx(intr.RunID, event.Record{
			AttemptID: intr.AttemptID,
			Payload:   event.AttemptCancelled{Reason: reason},
		}); err != nil {
			return err
		}
		if err := tx.db.Model(&Attempt{}).
			Where("attempt_id = ?", intr.AttemptID).
			Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
			Updates(map[string]any{
				"status":     JobStatusCancelled,
				"ended_at":   now,
				"last_error": reason,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		if err := tx.db.Model(&Job{}).
			Where("run_id = ?", intr.RunID).
			Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
			Updates(map[string]any{"status": JobStatusCancelled, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.db.Where("attempt_id = ?", intr.AttemptID).Delete(&Lease{}).Error
	})
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrInternal, "reject interrupt").WithCause(err)
	}
	return s.getInterrupt(ctx, interruptID)
}

// GetInterrupt loads an interrupt by id.
func (s *Store) GetInterrupt(ctx context.Context, interruptID string) (*Interrupt, error) {
	return s.getInterrupt(ctx, interruptID)
}

func (s *Store) getInterrupt(ctx context.Context, interruptID string) (*Interrupt, error) {
	var intr Interrupt
	if err := s.db.WithContext(ctx).First(&intr, "interrupt_id = ?", interruptID).Error; err != nil {
		if notFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "interrupt %s not found", interruptID)
		}
		return nil, types.NewError(types.ErrInternal, "load interrupt").WithCause(err)
	}
	return &intr, nil
}

// InterruptFilter narrows ListInterrupts.
type InterruptFilter struct {
	RunID  string
	Status InterruptStatus
	Limit  int
}

// ListInterrupts returns interrupts oldest first (the pending queue order).
func (s *Store) ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error) {
	q := s.db.WithContext(ctx).Model(&Interrupt{}).Order("created_at ASC, interrupt_id ASC")
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []*Interrupt
	if err := q.Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrInternal, "list interrupts").WithCause(err)
	}
	return out, nil
}

// PendingInterruptForRun returns the unresolved interrupt of a run, or nil.
func (s *Store) PendingInterruptForRun(ctx context.Context, runID string) (*Interrupt, error) {
	var intr Interrupt
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, InterruptStatusPending).
		Order("created_at ASC").
		First(&intr).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrInternal, "load pending interrupt").WithCause(err)
	}
	return &intr, nil
}
