package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loomrun/loom/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "loom.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := New(db, nil)
	require.NoError(t, s.AutoMigrate())
	return s
}

func seedJob(t *testing.T, s *Store, runID string) *Attempt {
	t.Helper()
	att := &Attempt{
		AttemptID: runID + "-att-1",
		RunID:     runID,
		AttemptNo: 1,
		Status:    JobStatusQueued,
	}
	require.NoError(t, s.CreateJob(context.Background(), &Job{
		RunID:    runID,
		Workflow: "demo",
		Status:   JobStatusQueued,
	}, att))
	return att
}

func TestCreateJob_DuplicateRunConflicts(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	seedJob(t, s, "run-1")

	err := s.CreateJob(context.Background(), &Job{
		RunID: "run-1", Workflow: "demo", Status: JobStatusQueued,
	}, &Attempt{AttemptID: "other", RunID: "run-1", AttemptNo: 2, Status: JobStatusQueued})
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
}

func TestSubmitIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)

	mk := func(runID string) (*Job, *Attempt) {
		return &Job{RunID: runID, Workflow: "demo", Status: JobStatusQueued},
			&Attempt{AttemptID: runID + "-att-1", RunID: runID, AttemptNo: 1, Status: JobStatusQueued}
	}

	job, att := mk("run-a")
	res, err := s.SubmitIdempotent(ctx, "key-1", "hash-1", job, att)
	require.NoError(t, err)
	assert.False(t, res.IdempotentReplay)
	assert.Equal(t, "run-a", res.RunID)

	// same key, same payload: replay of the stored run
	job2, att2 := mk("run-b")
	res, err = s.SubmitIdempotent(ctx, "key-1", "hash-1", job2, att2)
	require.NoError(t, err)
	assert.True(t, res.IdempotentReplay)
	assert.Equal(t, "run-a", res.RunID)

	// same key, different payload: conflict, never executed twice
	job3, att3 := mk("run-c")
	_, err = s.SubmitIdempotent(ctx, "key-1", "hash-2", job3, att3)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	// run-b and run-c must not exist
	_, err = s.GetJob(ctx, "run-b")
	require.Error(t, err)
}

func TestCreateAttempt_SingleNonTerminalInvariant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	seedJob(t, s, "run-1")

	err := s.CreateAttempt(ctx, &Attempt{
		AttemptID: "run-1-att-2", RunID: "run-1", AttemptNo: 2, Status: JobStatusQueued,
	})
	require.Error(t, err, "second live attempt must conflict")

	// closing the first attempt unblocks creation
	_, err = s.UpdateAttempt(ctx, "run-1-att-1", AttemptUpdate{
		To: JobStatusCancelled, SetEnded: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateAttempt(ctx, &Attempt{
		AttemptID: "run-1-att-2", RunID: "run-1", AttemptNo: 2, Status: JobStatusQueued,
	}))
}

func TestUpdateAttempt_TerminalIsImmutable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	seedJob(t, s, "run-1")

	_, err := s.UpdateAttempt(ctx, "run-1-att-1", AttemptUpdate{To: JobStatusCompleted, SetEnded: true})
	require.NoError(t, err)

	_, err = s.UpdateAttempt(ctx, "run-1-att-1", AttemptUpdate{To: JobStatusRunning})
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
}

func TestUpdateAttempt_StaleVersionRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	lease, err := s.AcquireLease(ctx, att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	_ = lease

	// lease expires, scan requeues and bumps the attempt version
	s.WithClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	requeued, err := s.ExpireLeases(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, requeued, 1)

	// the zombie owner still carries version 1; its write must be rejected
	_, err = s.UpdateAttempt(ctx, att.AttemptID, AttemptUpdate{
		To: JobStatusRunning, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
}

func TestListDispatchable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	now := time.Now()

	seedJob(t, s, "run-1")
	seedJob(t, s, "run-2")

	// run-2 gets leased: no longer dispatchable
	_, err := s.AcquireLease(ctx, "run-2-att-1", "w1", time.Minute)
	require.NoError(t, err)

	atts, err := s.ListDispatchable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "run-1-att-1", atts[0].AttemptID)

	// retry backoff becomes dispatchable once retry_at elapses
	retryAt := now.Add(time.Hour)
	_, err = s.UpdateAttempt(ctx, "run-1-att-1", AttemptUpdate{
		To: JobStatusRetryBackoff, RetryAt: &retryAt,
	})
	require.NoError(t, err)

	atts, err = s.ListDispatchable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, atts)

	atts, err = s.ListDispatchable(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, atts, 1)
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1")

	_, err := s.UpdateAttempt(ctx, att.AttemptID, AttemptUpdate{To: JobStatusRunning, SetStarted: true})
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobStatus(ctx, "run-1", JobStatusRunning))

	// no lease exists: the attempt is an orphan from a control-plane crash
	n, err := s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, int64(2), got.Version, "requeue must bump the version")

	job, err := s.GetJob(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, job.Status)
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	seedJob(t, s, "run-1")
	seedJob(t, s, "run-2")
	require.NoError(t, s.UpdateJobStatus(ctx, "run-2", JobStatusRunning))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusQueued])
	assert.Equal(t, int64(1), stats[JobStatusRunning])
}
