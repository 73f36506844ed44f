package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/types"
)

func raiseReady(t *testing.T, s *Store, runID string) *Attempt {
	t.Helper()
	att := seedJob(t, s, runID)
	_, err := s.AcquireLease(context.Background(), att.AttemptID, "w1", time.Minute)
	require.NoError(t, err)
	return att
}

func TestRaiseInterrupt_BlocksRunAtomically(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := raiseReady(t, s, "run-1")

	raised, err := s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-1",
		RunID:       "run-1",
		AttemptID:   att.AttemptID,
		Request:     json.RawMessage(`{"question":"approve?"}`),
	}, "step-3", "tok-int-1")
	require.NoError(t, err)
	require.NotNil(t, raised)
	assert.Equal(t, event.KindInterruptRaised, raised.Kind)

	gotAtt, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusBlockedInterrupt, gotAtt.Status)

	job, err := s.GetJob(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusBlockedInterrupt, job.Status)

	intr, err := s.GetInterrupt(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, InterruptStatusPending, intr.Status)

	pending, err := s.PendingInterruptForRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "int-1", pending.InterruptID)
}

func TestRaiseInterrupt_ReplayedReportIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := raiseReady(t, s, "run-1")

	intr := &Interrupt{InterruptID: "int-1", RunID: "run-1", AttemptID: att.AttemptID}
	first, err := s.RaiseInterrupt(ctx, intr, "step-1", "tok-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-1", RunID: "run-1", AttemptID: att.AttemptID,
	}, "step-1", "tok-1")
	require.NoError(t, err)
	assert.Nil(t, again, "replayed raise is absorbed")

	seq, err := s.LatestSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, seq, "no second event appended")
}

func TestRaiseInterrupt_IdleAttemptRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := seedJob(t, s, "run-1") // still queued, no worker

	_, err := s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-1", RunID: "run-1", AttemptID: att.AttemptID,
	}, "step-1", "tok-1")
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	// the rolled-back transaction leaves no interrupt and no event behind
	_, err = s.GetInterrupt(ctx, "int-1")
	assert.True(t, types.IsNotFound(err))
	seq, err := s.LatestSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestResolveInterrupt_ExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := raiseReady(t, s, "run-1")
	_, err := s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-1", RunID: "run-1", AttemptID: att.AttemptID,
	}, "step-1", "tok-1")
	require.NoError(t, err)

	value := json.RawMessage(`{"approved":true}`)
	result := json.RawMessage(`{"resumed":"run-1"}`)

	res, err := s.ResolveInterrupt(ctx, "int-1", value, result)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, InterruptStatusResumed, res.Interrupt.Status)
	assert.JSONEq(t, string(result), string(res.Interrupt.Result))
	assert.NotZero(t, res.Interrupt.ResolvedBySeq)

	gotAtt, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusResumed, gotAtt.Status)

	// the resume decision is in the log
	evs, err := s.Scan(ctx, "run-1", res.Interrupt.ResolvedBySeq)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	resume, ok := evs[0].Payload.(event.ResumeApplied)
	require.True(t, ok)
	assert.Equal(t, "int-1", resume.InterruptID)
	assert.JSONEq(t, string(value), string(resume.Value))

	// a duplicate resolution returns the stored result, applies nothing
	dup, err := s.ResolveInterrupt(ctx, "int-1", json.RawMessage(`{"approved":false}`), nil)
	require.NoError(t, err)
	assert.False(t, dup.Applied)
	assert.JSONEq(t, string(result), string(dup.Interrupt.Result))
	assert.JSONEq(t, string(value), string(dup.Interrupt.ResumeValue))

	seq, err := s.LatestSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, res.Interrupt.ResolvedBySeq, seq, "duplicate appended no event")
}

func TestRejectInterrupt_CancelsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	att := raiseReady(t, s, "run-1")
	_, err := s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-1", RunID: "run-1", AttemptID: att.AttemptID,
	}, "step-1", "tok-1")
	require.NoError(t, err)

	intr, err := s.RejectInterrupt(ctx, "int-1", "operator declined")
	require.NoError(t, err)
	assert.Equal(t, InterruptStatusRejected, intr.Status)

	gotAtt, err := s.GetAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, gotAtt.Status)

	job, err := s.GetJob(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, job.Status)

	lease, err := s.GetLeaseForAttempt(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Nil(t, lease, "cancelling releases the lease")

	seq, err := s.LatestSeq(ctx, "run-1")
	require.NoError(t, err)
	evs, err := s.Scan(ctx, "run-1", seq)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindAttemptCancelled, evs[0].Kind)

	// reject is terminal: both verbs now conflict
	_, err = s.RejectInterrupt(ctx, "int-1", "again")
	assert.True(t, types.IsConflict(err))
	_, err = s.ResolveInterrupt(ctx, "int-1", nil, nil)
	assert.True(t, types.IsConflict(err))
}

func TestListInterrupts_PendingQueueOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := setupTestStore(t)
	a1 := raiseReady(t, s, "run-1")
	a2 := raiseReady(t, s, "run-2")

	base := time.Now().Add(-time.Hour)
	tick := 0
	s.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	_, err := s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-a", RunID: "run-1", AttemptID: a1.AttemptID,
	}, "s", "t1")
	require.NoError(t, err)
	_, err = s.RaiseInterrupt(ctx, &Interrupt{
		InterruptID: "int-b", RunID: "run-2", AttemptID: a2.AttemptID,
	}, "s", "t2")
	require.NoError(t, err)

	all, err := s.ListInterrupts(ctx, InterruptFilter{Status: InterruptStatusPending})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "int-a", all[0].InterruptID)
	assert.Equal(t, "int-b", all[1].InterruptID)

	one, err := s.ListInterrupts(ctx, InterruptFilter{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "int-b", one[0].InterruptID)
}
