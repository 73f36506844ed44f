package interrupt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

func setupRegistry(t *testing.T, cfg Config) (*Registry, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "loom.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := store.New(db, nil)
	require.NoError(t, s.AutoMigrate())
	return NewRegistry(s, cfg, nil), s
}

func seedRunning(t *testing.T, s *store.Store, runID string) *store.Attempt {
	t.Helper()
	att := &store.Attempt{
		AttemptID: runID + "-att-1",
		RunID:     runID,
		AttemptNo: 1,
		Status:    store.JobStatusQueued,
	}
	require.NoError(t, s.CreateJob(context.Background(), &store.Job{
		RunID:    runID,
		Workflow: "demo",
		Status:   store.JobStatusQueued,
	}, att))
	_, err := s.AcquireLease(context.Background(), att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	return att
}

func TestRegistry_RaiseMintsID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := setupRegistry(t, Config{})
	att := seedRunning(t, s, "run-1")

	intr, err := r.Raise(ctx, RaiseRequest{
		RunID:     "run-1",
		AttemptID: att.AttemptID,
		StepID:    "step-2",
		Request:   json.RawMessage(`{"question":"deploy?"}`),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(intr.InterruptID, "int_"))
	assert.Equal(t, store.InterruptStatusPending, intr.Status)

	gotAtt, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusBlockedInterrupt, gotAtt.Status)
}

func TestRegistry_RaiseWithIDDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := setupRegistry(t, Config{})
	att := seedRunning(t, s, "run-1")

	req := RaiseRequest{
		InterruptID: "int-fixed",
		RunID:       "run-1",
		AttemptID:   att.AttemptID,
		StepID:      "step-1",
	}
	first, err := r.Raise(ctx, req)
	require.NoError(t, err)

	second, err := r.Raise(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.InterruptID, second.InterruptID)

	seq, err := s.LatestSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "replayed raise appended nothing")
}

func TestRegistry_ResolveOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := setupRegistry(t, Config{})
	att := seedRunning(t, s, "run-1")

	intr, err := r.Raise(ctx, RaiseRequest{RunID: "run-1", AttemptID: att.AttemptID, StepID: "s"})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, intr.InterruptID, []byte(`{"ok":true}`), []byte(`{"resumed":true}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	dup, err := r.Resolve(ctx, intr.InterruptID, []byte(`{"ok":false}`), nil)
	require.NoError(t, err)
	assert.False(t, dup.Applied)
	assert.JSONEq(t, `{"resumed":true}`, string(dup.Interrupt.Result))

	pending, err := r.PendingForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestRegistry_SweepStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := setupRegistry(t, Config{ResumeTimeout: time.Hour})
	a1 := seedRunning(t, s, "run-1")
	a2 := seedRunning(t, s, "run-2")

	old := time.Now().Add(-2 * time.Hour)
	s.WithClock(func() time.Time { return old })
	stale, err := r.Raise(ctx, RaiseRequest{RunID: "run-1", AttemptID: a1.AttemptID, StepID: "s"})
	require.NoError(t, err)

	s.WithClock(time.Now)
	fresh, err := r.Raise(ctx, RaiseRequest{RunID: "run-2", AttemptID: a2.AttemptID, StepID: "s"})
	require.NoError(t, err)

	rejected, err := r.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.InterruptID}, rejected)

	gotStale, err := r.Get(ctx, stale.InterruptID)
	require.NoError(t, err)
	assert.Equal(t, store.InterruptStatusRejected, gotStale.Status)

	gotFresh, err := r.Get(ctx, fresh.InterruptID)
	require.NoError(t, err)
	assert.Equal(t, store.InterruptStatusPending, gotFresh.Status)

	job, err := s.GetJob(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCancelled, job.Status)
}

func TestRegistry_SweepDisabledByZeroTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := setupRegistry(t, Config{})
	att := seedRunning(t, s, "run-1")

	s.WithClock(func() time.Time { return time.Now().Add(-24 * time.Hour) })
	_, err := r.Raise(ctx, RaiseRequest{RunID: "run-1", AttemptID: att.AttemptID, StepID: "s"})
	require.NoError(t, err)
	s.WithClock(time.Now)

	rejected, err := r.SweepStale(ctx)
	require.NoError(t, err)
	assert.Nil(t, rejected)
}

func TestRegistry_RaiseValidates(t *testing.T) {
	t.Parallel()

	r, _ := setupRegistry(t, Config{})
	_, err := r.Raise(context.Background(), RaiseRequest{RunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}
