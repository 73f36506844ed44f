package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loomrun/loom/types"
)

// AcquireLease grants exclusive execution rights over an attempt. Any expired
// lease left on the attempt is cleared first; the unique index on attempt_id
// then decides races between concurrent acquirers: exactly one insert wins,
// the rest get conflict. The attempt moves to leased_to_worker in the same
// transaction, guarded by its dispatchable statuses.
func (s *Store) AcquireLease(ctx context.Context, attemptID, workerID string, ttl time.Duration) (*Lease, error) {
	if attemptID == "" || workerID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "attempt id and worker id are required")
	}
	if ttl <= 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "lease ttl must be positive")
	}

	now := s.clock()
	att, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	lease := &Lease{
		LeaseID:     fmt.Sprintf("lease_%s", uuid.NewString()),
		AttemptID:   attemptID,
		RunID:       att.RunID,
		WorkerID:    workerID,
		ExpiresAt:   now.Add(ttl),
		HeartbeatAt: now,
		Version:     1,
	}

	err = s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.
			Where("attempt_id = ? AND lease_expires_at < ?", attemptID, now).
			Delete(&Lease{}).Error; err != nil {
			return err
		}
		if err := tx.db.Create(lease).Error; err != nil {
			return err
		}

		res := tx.db.Model(&Attempt{}).
			Where("attempt_id = ?", attemptID).
			Where("status IN ?", []JobStatus{JobStatusQueued, JobStatusRetryBackoff, JobStatusResumed}).
			Updates(map[string]any{
				"status":     JobStatusLeasedToWorker,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.Errorf(types.ErrConflict,
				"attempt %s is not dispatchable", attemptID)
		}
		return tx.db.Model(&Job{}).
			Where("run_id = ?", att.RunID).
			Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
			Updates(map[string]any{"status": JobStatusLeasedToWorker, "updated_at": now}).Error
	})
	if err != nil {
		if types.IsConflict(err) {
			return nil, err
		}
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"active lease already exists for attempt %s", attemptID).WithCause(err)
		}
		return nil, types.NewError(types.ErrInternal, "acquire lease").WithCause(err)
	}
	return lease, nil
}

// TouchLease renews a lease. The owner check is the zombie-worker guard: a
// caller whose lease was expired and re-granted elsewhere gets conflict, not
// a silent renewal.
func (s *Store) TouchLease(ctx context.Context, leaseID, workerID string, ttl time.Duration) (*Lease, error) {
	now := s.clock()
	res := s.db.WithContext(ctx).Model(&Lease{}).
		Where("lease_id = ? AND worker_id = ?", leaseID, workerID).
		Where("lease_expires_at >= ?", now).
		Updates(map[string]any{
			"heartbeat_at":     now,
			"lease_expires_at": now.Add(ttl),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, types.NewError(types.ErrInternal, "touch lease").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		var lease Lease
		err := s.db.WithContext(ctx).First(&lease, "lease_id = ?", leaseID).Error
		if err != nil {
			if notFound(err) {
				return nil, types.Errorf(types.ErrNotFound, "lease %s not found", leaseID)
			}
			return nil, types.NewError(types.ErrInternal, "load lease").WithCause(err)
		}
		if lease.WorkerID != workerID {
			return nil, types.Errorf(types.ErrConflict,
				"lease %s is owned by %s, not %s", leaseID, lease.WorkerID, workerID)
		}
		return nil, types.Errorf(types.ErrConflict, "lease %s has expired", leaseID)
	}

	var lease Lease
	if err := s.db.WithContext(ctx).First(&lease, "lease_id = ?", leaseID).Error; err != nil {
		return nil, types.NewError(types.ErrInternal, "reload lease").WithCause(err)
	}
	return &lease, nil
}

// GetLeaseForAttempt returns the lease covering an attempt, or nil.
func (s *Store) GetLeaseForAttempt(ctx context.Context, attemptID string) (*Lease, error) {
	var lease Lease
	err := s.db.WithContext(ctx).First(&lease, "attempt_id = ?", attemptID).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrInternal, "load lease by attempt").WithCause(err)
	}
	return &lease, nil
}

// GetLease loads a lease by id.
func (s *Store) GetLease(ctx context.Context, leaseID string) (*Lease, error) {
	var lease Lease
	if err := s.db.WithContext(ctx).First(&lease, "lease_id = ?", leaseID).Error; err != nil {
		if notFound(err) {
			return nil, types.Errorf(types.ErrNotFound, "lease %s not found", leaseID)
		}
		return nil, types.NewError(types.ErrInternal, "load lease").WithCause(err)
	}
	return &lease, nil
}

// CountWorkerLeases counts unexpired leases held by a worker, for the
// poll backpressure guardrail.
func (s *Store) CountWorkerLeases(ctx context.Context, workerID string, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Lease{}).
		Where("worker_id = ? AND lease_expires_at >= ?", workerID, now).
		Count(&n).Error
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "count worker leases").WithCause(err)
	}
	return n, nil
}

// ReleaseLease removes the lease after a terminal acknowledgment.
func (s *Store) ReleaseLease(ctx context.Context, attemptID string) error {
	if err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Delete(&Lease{}).Error; err != nil {
		return types.NewError(types.ErrInternal, "release lease").WithCause(err)
	}
	return nil
}

// ExpireLeases deletes every lease past its expiry and requeues the affected
// non-terminal attempts, bumping their version so a previous owner's late
// write is rejected by the optimistic check. An attempt parked on a pending
// interrupt only loses its lease; it stays blocked_interrupt until the
// interrupt is resolved or rejected. Returns the requeued attempt ids.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]string, error) {
	var requeued []string
	err := s.Transaction(ctx, func(tx *Store) error {
		var stale []Lease
		if err := tx.db.Where("lease_expires_at < ?", now).Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		for _, lease := range stale {
			if err := tx.db.
				Where("lease_id = ?", lease.LeaseID).
				Delete(&Lease{}).Error; err != nil {
				return err
			}
			res := tx.db.Model(&Attempt{}).
				Where("attempt_id = ?", lease.AttemptID).
				Where("status NOT IN ?", []JobStatus{
					JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
					JobStatusBlockedInterrupt,
				}).
				Updates(map[string]any{
					"status":     JobStatusQueued,
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				requeued = append(requeued, lease.AttemptID)
				if err := tx.db.Model(&Job{}).
					Where("run_id = ?", lease.RunID).
					Where("status NOT IN ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
					Updates(map[string]any{"status": JobStatusQueued, "updated_at": now}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "expire leases").WithCause(err)
	}
	return requeued, nil
}
