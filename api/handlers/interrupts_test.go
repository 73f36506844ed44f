package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/store"
)

func TestListInterrupts_PendingQueue(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	_, first := e.runToInterrupt(t, "w1")
	_, second := e.runToInterrupt(t, "w2")

	code, env := e.do(t, http.MethodGet, "/api/v1/interrupts?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	var interrupts []*store.Interrupt
	decodeData(t, env, &interrupts)
	require.Len(t, interrupts, 2)
	// oldest first
	assert.Equal(t, first.InterruptID, interrupts[0].InterruptID)
	assert.Equal(t, second.InterruptID, interrupts[1].InterruptID)

	code, env = e.do(t, http.MethodGet, "/api/v1/interrupts?run_id="+first.RunID, nil)
	require.Equal(t, http.StatusOK, code)
	decodeData(t, env, &interrupts)
	require.Len(t, interrupts, 1)
}

func TestGetInterrupt(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	_, intr := e.runToInterrupt(t, "w1")

	code, env := e.do(t, http.MethodGet, "/api/v1/interrupts/"+intr.InterruptID, nil)
	require.Equal(t, http.StatusOK, code)
	var got store.Interrupt
	decodeData(t, env, &got)
	assert.Equal(t, intr.InterruptID, got.InterruptID)

	code, env = e.do(t, http.MethodGet, "/api/v1/interrupts/int_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
}

func TestResolveInterrupt_DuplicateReturnsStoredResult(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	resp, intr := e.runToInterrupt(t, "w1")

	body := map[string]any{"value": map[string]bool{"approved": true}}
	code, env := e.do(t, http.MethodPost, "/api/v1/interrupts/"+intr.InterruptID+"/resume", body)
	require.Equal(t, http.StatusOK, code)
	var outcome runtime.ResumeOutcome
	decodeData(t, env, &outcome)
	assert.True(t, outcome.Applied)
	assert.Equal(t, resp.RunID, outcome.RunID)

	code, env = e.do(t, http.MethodPost, "/api/v1/interrupts/"+intr.InterruptID+"/resume", body)
	require.Equal(t, http.StatusOK, code)
	var again runtime.ResumeOutcome
	decodeData(t, env, &again)
	assert.False(t, again.Applied)
	assert.JSONEq(t, string(outcome.Result), string(again.Result))
}

func TestRejectInterrupt_CancelsRun(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	resp, intr := e.runToInterrupt(t, "w1")

	code, env := e.do(t, http.MethodPost, "/api/v1/interrupts/"+intr.InterruptID+"/reject",
		map[string]string{"reason": "denied"})
	require.Equal(t, http.StatusOK, code)
	var got store.Interrupt
	decodeData(t, env, &got)
	assert.Equal(t, store.InterruptStatusRejected, got.Status)

	code, env = e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, code)
	var view runtime.JobView
	decodeData(t, env, &view)
	assert.Equal(t, store.JobStatusCancelled, view.Job.Status)
}
