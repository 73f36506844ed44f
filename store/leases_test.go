package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/types"
)

func TestAcquireLease_ExclusivePerAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	lease, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.Version)

	got, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusLeasedToWorker, got.Status)

	// second acquirer loses on the unique constraint
	_, err = s.AcquireLease(ctx, att.AttemptID, "w2", time.Minute)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
}

func TestAcquireLease_NonDispatchableAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")
	_, err := s.UpdateAttempt(ctx, att.AttemptID, AttemptUpdate{To: JobStatusCompleted, SetEnded: true})
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
}

func TestTouchLease_OwnerGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	lease, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)

	renewed, err := s.TouchLease(ctx, lease.LeaseID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), renewed.Version)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt) || renewed.ExpiresAt.Equal(lease.ExpiresAt))

	// zombie worker with a different id cannot renew
	_, err = s.TouchLease(ctx, lease.LeaseID, "w2", time.Minute)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	_, err = s.TouchLease(ctx, "lease_missing", "w1", time.Minute)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestExpireLeases_RequeuesAndBumpsVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	lease, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)

	// nothing expires before the ttl
	none, err := s.ExpireLeases(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, none)

	later := time.Now().Add(2 * time.Minute)
	requeued, err := s.ExpireLeases(ctx, later)
	require.NoError(t, err)
	require.Equal(t, []string{att.AttemptID}, requeued)

	got, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, int64(2), got.Version)

	gone, err := s.GetLeaseForAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// failover: a second worker can now acquire
	second, err := s.AcquireLease(ctx, att.AttemptID, "w2", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, lease.LeaseID, second.LeaseID)
}

func TestExpireLeases_TerminalAttemptNotRequeued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	_, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.UpdateAttempt(ctx, att.AttemptID, AttemptUpdate{To: JobStatusCompleted, SetEnded: true})
	require.NoError(t, err)

	requeued, err := s.ExpireLeases(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, requeued, "terminal attempts stay terminal")

	got, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
}

func TestExpireLeases_BlockedInterruptStaysParked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	_, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-1", RunID: "run-1", AttemptID: att.AttemptID,
	}, "step-1", "tok-1")
	require.NoError(t, err)

	// the worker crashed before releasing its lease; expiry must clear the
	// lease without reopening the parked attempt
	requeued, err := s.ExpireLeases(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, requeued)

	got, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusBlockedInterrupt, got.Status)

	gone, err := s.GetLeaseForAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// the pending interrupt is still resolvable
	res, err := s.ResolveInterrupt(ctx, "int-1", []byte(`{"approved":true}`), nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	resumed, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusResumed, resumed.Status)
}

func TestCountWorkerLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	seedJob(t, s, "run-1")
	seedJob(t, s, "run-2")

	now := time.Now()
	_, err := s.AcquireLease(ctx, "run-1-att-1", "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "run-2-att-1", "w1", time.Minute)
	require.NoError(t, err)

	n, err := s.CountWorkerLeases(ctx, "w1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountWorkerLeases(ctx, "w1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "expired leases do not count against the guardrail")
}

func TestReleaseLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	_, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLease(ctx, att.AttemptID))

	lease, err := s.GetLeaseForAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Nil(t, lease)
}
