package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/loomrun/loom/types"
)

// Transaction runs fn against a transactional view of the store. All verbs
// on the derived store commit or roll back together.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		return fn(&Store{db: txdb, logger: s.logger, clock: s.clock})
	})
}

// CreateJob inserts a job and its first attempt atomically.
func (s *Store) CreateJob(ctx context.Context, job *Job, attempt *Attempt) error {
	now := s.clock()
	job.CreatedAt, job.UpdatedAt = now, now
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	if attempt.Version == 0 {
		attempt.Version = 1
	}

	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Create(job).Error; err != nil {
			return err
		}
		return tx.db.Create(attempt).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return types.Errorf(types.ErrConflict, "run %s already exists", job.RunID).WithCause(err)
		}
		return types.NewError(types.ErrInternal, "create job").WithCause(err)
	}
	return nil
}

// SubmitResult is the outcome of an idempotent submission.
type SubmitResult struct {
	RunID            string
	IdempotentReplay bool
}

// SubmitIdempotent creates a job under an idempotency key. The same key with
// an identical payload hash returns the stored run flagged as a replay; the
// same key with a different payload is a conflict, never silently executed
// twice.
func (s *Store) SubmitIdempotent(ctx context.Context, key, payloadHash string, job *Job, attempt *Attempt) (*SubmitResult, error) {
	if key == "" {
		if err := s.CreateJob(ctx, job, attempt); err != nil {
			return nil, err
		}
		return &SubmitResult{RunID: job.RunID}, nil
	}

	check := func(rec IdempotencyRecord) (*SubmitResult, error) {
		if rec.PayloadHash != payloadHash {
			return nil, types.Errorf(types.ErrConflict,
				"idempotency key %q was used with a different payload", key)
		}
		return &SubmitResult{RunID: rec.RunID, IdempotentReplay: true}, nil
	}

	var existing IdempotencyRecord
	err := s.db.WithContext(ctx).First(&existing, "idem_key = ?", key).Error
	if err == nil {
		return check(existing)
	}
	if !notFound(err) {
		return nil, types.NewError(types.ErrInternal, "lookup idempotency key").WithCause(err)
	}

	now := s.clock()
	job.IdempotencyKey = &key
	job.CreatedAt, job.UpdatedAt = now, now
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	if attempt.Version == 0 {
		attempt.Version = 1
	}

	err = s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Create(&IdempotencyRecord{
			Key:         key,
			PayloadHash: payloadHash,
			RunID:       job.RunID,
			CreatedAt:   now,
		}).Error; err != nil {
			return err
		}
		if err := tx.db.Create(job).Error; err != nil {
			return err
		}
		return tx.db.Create(attempt).Error
	})
	if err == nil {
		return &SubmitResult{RunID: job.RunID}, nil
	}
	if !isUniqueViolation(err) {
		return nil, types.NewError(types.ErrInternal, "create job").WithCause(err)
	}

	// lost the race to a concurrent submitter with the same key
	if rerr := s.db.WithContext(ctx).First(&existing, "idem_key = ?", key).Error; rerr == nil {
		return check(existing)
	}
	return nil, types.Errorf(types.ErrConflict, "run %s already exists", job.RunID).WithCause(err)
}

// GetJob loads a job by run id.
func (s *Store) GetJob(ctx context.Context, runID string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "run_id = ?", runID).Error; err != nil {
		if notFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "run %s not found", runID)
		}
		return nil, types.NewError(types.ErrInternal, "load job").WithCause(err)
	}
	return &job, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status   []JobStatus
	Workflow string
	Limit    int
	Offset   int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	q := s.db.WithContext(ctx).Model(&Job{}).Order("created_at DESC, run_id DESC")
	if len(filter.Status) > 0 {
		q = q.Where("status IN ?", filter.Status)
	}
	if filter.Workflow != "" {
		q = q.Where("workflow = ?", filter.Workflow)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var jobs []*Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, types.NewError(types.ErrInternal, "list jobs").WithCause(err)
	}
	return jobs, nil
}

// UpdateJobStatus transitions a job, guarded by the allowed source statuses.
// Writes against a terminal job fail with conflict.
func (s *Store) UpdateJobStatus(ctx context.Context, runID string, to JobStatus, from ...JobStatus) error {
	q := s.db.WithContext(ctx).Model(&Job{}).
		Where("run_id = ?", runID).
		Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled})
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Updates(map[string]any{"status": to, "updated_at": s.clock()})
	if res.Error != nil {
		return types.NewError(types.ErrInternal, "update job status").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(ctx, runID)
		if err != nil {
			return err
		}
		return types.Errorf(types.ErrConflict,
			"run %s cannot move from %s to %s", runID, job.Status, to)
	}
	return nil
}

// ReviveJob moves a terminal job back to queued. Attempts are immutable once
// terminal; the job status is a derived cache, and the explicit replay path
// is the one place allowed to reopen it. The caller must have created the
// fresh attempt first.
func (s *Store) ReviveJob(ctx context.Context, runID string) error {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("run_id = ?", runID).
		Where("status IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
		Updates(map[string]any{"status": JobStatusQueued, "updated_at": s.clock()})
	if res.Error != nil {
		return types.NewError(types.ErrInternal, "revive job").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(ctx, runID)
		if err != nil {
			return err
		}
		return types.Errorf(types.ErrConflict,
			"run %s is not terminal (%s), nothing to revive", runID, job.Status)
	}
	return nil
}

// CreateAttempt inserts a follow-up attempt (retry or replay). The single
// non-terminal-attempt invariant is enforced here: creation fails with
// conflict while any live attempt exists for the run.
func (s *Store) CreateAttempt(ctx context.Context, attempt *Attempt) error {
	now := s.clock()
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	if attempt.Version == 0 {
		attempt.Version = 1
	}

	err := s.Transaction(ctx, func(tx *Store) error {
		var live int64
		err := tx.db.Model(&Attempt{}).
			Where("run_id = ?", attempt.RunID).
			Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
			Count(&live).Error
		if err != nil {
			return err
		}
		if live > 0 {
			return types.Errorf(types.ErrConflict,
				"run %s already has a non-terminal attempt", attempt.RunID)
		}
		return tx.db.Create(attempt).Error
	})
	if err != nil {
		if types.IsConflict(err) {
			return err
		}
		if isUniqueViolation(err) {
			return types.Errorf(types.ErrConflict,
				"attempt %d already exists for run %s", attempt.AttemptNo, attempt.RunID).WithCause(err)
		}
		return types.NewError(types.ErrInternal, "create attempt").WithCause(err)
	}
	return nil
}

// GetAttempt loads an attempt by id.
func (s *Store) GetAttempt(ctx context.Context, attemptID string) (*Attempt, error) {
	var att Attempt
	if err := s.db.WithContext(ctx).First(&att, "attempt_id = ?", attemptID).Error; err != nil {
		if notFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "attempt %s not found", attemptID)
		}
		return nil, types.NewError(types.ErrInternal, "load attempt").WithCause(err)
	}
	return &att, nil
}

// LatestAttempt returns the highest-numbered attempt of a run.
func (s *Store) LatestAttempt(ctx context.Context, runID string) (*Attempt, error) {
	var att Attempt
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("attempt_no DESC").
		First(&att).Error
	if err != nil {
		if notFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "run %s has no attempts", runID)
		}
		return nil, types.NewError(types.ErrInternal, "load latest attempt").WithCause(err)
	}
	return &att, nil
}

// ListAttempts returns all attempts of a run in attempt order.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]*Attempt, error) {
	var atts []*Attempt
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("attempt_no ASC").
		Find(&atts).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "list attempts").WithCause(err)
	}
	return atts, nil
}

// AttemptUpdate describes one guarded attempt mutation.
type AttemptUpdate struct {
	To              AttemptStatus
	From            []AttemptStatus
	ExpectedVersion int64 // 0 skips the optimistic check
	RetryAt         *time.Time
	SetStarted      bool
	SetEnded        bool
	LastError       string
	ClearRetryAt    bool
}

// UpdateAttempt applies a guarded status transition. rows-affected zero is
// resolved into not_found, terminal-immutability conflict, or stale-version
// conflict so the zombie-owner write path is always detectable.
func (s *Store) UpdateAttempt(ctx context.Context, attemptID string, upd AttemptUpdate) (*Attempt, error) {
	now := s.clock()
	fields := map[string]any{"status": upd.To, "updated_at": now}
	if upd.RetryAt != nil {
		fields["retry_at"] = *upd.RetryAt
	} else if upd.ClearRetryAt {
		fields["retry_at"] = nil
	}
	if upd.SetStarted {
		fields["started_at"] = now
	}
	if upd.SetEnded {
		fields["ended_at"] = now
	}
	if upd.LastError != "" {
		fields["last_error"] = upd.LastError
	}

	q := s.db.WithContext(ctx).Model(&Attempt{}).
		Where("attempt_id = ?", attemptID).
		Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled})
	if len(upd.From) > 0 {
		q = q.Where("status IN ?", upd.From)
	}
	if upd.ExpectedVersion > 0 {
		q = q.Where("version = ?", upd.ExpectedVersion)
	}

	res := q.Updates(fields)
	if res.Error != nil {
		return nil, types.NewError(types.ErrInternal, "update attempt").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		att, err := s.GetAttempt(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if att.Status.IsTerminal() {
			return nil, types.Errorf(types.ErrConflict,
				"attempt %s is terminal (%s)", attemptID, att.Status)
		}
		if upd.ExpectedVersion > 0 && att.Version != upd.ExpectedVersion {
			return nil, types.Errorf(types.ErrConflict,
				"attempt %s version moved from %d to %d", attemptID, upd.ExpectedVersion, att.Version)
		}
		return nil, types.Errorf(types.ErrConflict,
			"attempt %s cannot move from %s to %s", attemptID, att.Status, upd.To)
	}
	return s.GetAttempt(ctx, attemptID)
}

// ListDispatchable returns attempts eligible for dispatch: queued, resumed
// after an interrupt, or in retry backoff with retry_at elapsed, and with no
// live lease. Oldest first.
func (s *Store) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 1
	}
	live := s.db.Model(&Lease{}).
		Select("attempt_id").
		Where("lease_expires_at >= ?", now)

	var atts []*Attempt
	err := s.db.WithContext(ctx).Model(&Attempt{}).
		Where("attempt_id NOT IN (?)", live).
		Where(
			s.db.Where("status IN ?", []JobStatus{JobStatusQueued, JobStatusResumed}).
				Or("status = ? AND (retry_at IS NULL OR retry_at <= ?)", JobStatusRetryBackoff, now),
		).
		Order("created_at ASC, attempt_id ASC").
		Limit(limit).
		Find(&atts).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "list dispatchable attempts").WithCause(err)
	}
	return atts, nil
}

// RecoverOrphans requeues attempts that claim active execution but hold no
// lease row. Run at coordinator startup: covers control-plane crashes between
// lease deletion and attempt requeue.
func (s *Store) RecoverOrphans(ctx context.Context) (int64, error) {
	active := []JobStatus{
		JobStatusLeasedToWorker, JobStatusRunning,
		JobStatusCheckpointed, JobStatusResumed,
	}
	var requeued int64
	err := s.Transaction(ctx, func(tx *Store) error {
		leasedAttempts := tx.db.Model(&Lease{}).Select("attempt_id")
		res := tx.db.Model(&Attempt{}).
			Where("status IN ?", active).
			Where("attempt_id NOT IN (?)", leasedAttempts).
			Updates(map[string]any{
				"status":     JobStatusQueued,
				"version":    gorm.Expr("version + 1"),
				"updated_at": tx.clock(),
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected

		leasedRuns := tx.db.Model(&Lease{}).Select("run_id")
		return tx.db.Model(&Job{}).
			Where("status IN ?", active).
			Where("run_id NOT IN (?)", leasedRuns).
			Updates(map[string]any{"status": JobStatusQueued, "updated_at": tx.clock()}).Error
	})
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "recover orphaned attempts").WithCause(err)
	}
	return requeued, nil
}
