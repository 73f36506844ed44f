package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/store"
)

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)

	code, env := e.do(t, http.MethodPost, "/api/v1/jobs/run", runtime.SubmitRequest{
		Workflow: "demo",
		Input:    json.RawMessage(`{"n":1}`),
	})
	require.Equal(t, http.StatusCreated, code)
	require.Nil(t, env.Error)
	require.NotNil(t, env.Meta)
	assert.Equal(t, "v1", env.Meta.APIVersion)

	var resp runtime.SubmitResponse
	decodeData(t, env, &resp)
	assert.Contains(t, resp.RunID, "run_")
	assert.Equal(t, store.JobStatusQueued, resp.Status)
}

func TestSubmitJob_IdempotentReplayIs200(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	body := runtime.SubmitRequest{Workflow: "demo", IdempotencyKey: "k1"}

	code, _ := e.do(t, http.MethodPost, "/api/v1/jobs/run", body)
	require.Equal(t, http.StatusCreated, code)

	code, env := e.do(t, http.MethodPost, "/api/v1/jobs/run", body)
	require.Equal(t, http.StatusOK, code)
	var resp runtime.SubmitResponse
	decodeData(t, env, &resp)
	assert.True(t, resp.IdempotentReplay)
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/run", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"invalid_argument"`)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	resp := e.submitRun(t)

	code, env := e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, code)
	var view runtime.JobView
	decodeData(t, env, &view)
	assert.Equal(t, resp.RunID, view.Job.RunID)
	assert.Len(t, view.Attempts, 1)

	code, env = e.do(t, http.MethodGet, "/api/v1/jobs/run_missing", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestListJobs_StatusFilter(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	e.submitRun(t)
	e.submitRun(t)

	code, env := e.do(t, http.MethodGet, "/api/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, code)
	var result runtime.ListResult
	decodeData(t, env, &result)
	assert.Len(t, result.Jobs, 2)
	assert.Equal(t, int64(2), result.Stats[store.JobStatusQueued])

	code, env = e.do(t, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, code)
	decodeData(t, env, &result)
	assert.Empty(t, result.Jobs)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	resp := e.submitRun(t)

	code, env := e.do(t, http.MethodPost, "/api/v1/jobs/"+resp.RunID+"/cancel", map[string]string{"reason": "operator"})
	require.Equal(t, http.StatusOK, code)
	var view runtime.JobView
	decodeData(t, env, &view)
	assert.Equal(t, store.JobStatusCancelled, view.Job.Status)

	// cancelling a terminal run is a conflict
	code, env = e.do(t, http.MethodPost, "/api/v1/jobs/"+resp.RunID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestResumeJob_ImpliedInterrupt(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	resp, _ := e.runToInterrupt(t, "w1")

	code, env := e.do(t, http.MethodPost, "/api/v1/jobs/"+resp.RunID+"/resume",
		map[string]any{"value": map[string]bool{"approved": true}})
	require.Equal(t, http.StatusOK, code)
	var outcome runtime.ResumeOutcome
	decodeData(t, env, &outcome)
	assert.True(t, outcome.Applied)
	assert.Equal(t, resp.RunID, outcome.RunID)

	// no pending interrupt left
	code, env = e.do(t, http.MethodPost, "/api/v1/jobs/"+resp.RunID+"/resume", nil)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestReplayJob(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	resp := e.submitRun(t)

	// live run: replay refused
	code, env := e.do(t, http.MethodPost, "/api/v1/jobs/"+resp.RunID+"/replay", nil)
	require.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)

	require.NoError(t, e.coord.Cancel(context.Background(), resp.RunID, "make terminal"))

	code, env = e.do(t, http.MethodPost, "/api/v1/jobs/"+resp.RunID+"/replay", nil)
	require.Equal(t, http.StatusCreated, code)
	var result runtime.ReplayResult
	decodeData(t, env, &result)
	assert.Equal(t, 2, result.Attempt.AttemptNo)
	assert.Equal(t, store.JobStatusQueued, result.Job.Status)
}

func TestHistoryAndTimeline(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	ctx := context.Background()
	resp := e.submitRun(t)
	granted, err := e.leases.Acquire(ctx, resp.AttemptID, "w1")
	require.NoError(t, err)
	_, err = e.coord.RecordIntent(ctx, runtime.IntentRequest{
		RunID: resp.RunID, AttemptID: resp.AttemptID,
		LeaseID: granted.LeaseID, WorkerID: "w1", StepID: "step-1",
	})
	require.NoError(t, err)
	_, err = e.coord.ReportStep(ctx, runtime.StepReport{
		RunID: resp.RunID, AttemptID: resp.AttemptID,
		LeaseID: granted.LeaseID, WorkerID: "w1", StepID: "step-1",
		Output: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)

	code, env := e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	var events []event.Sequenced
	decodeData(t, env, &events)
	require.Len(t, events, 3)
	assert.Equal(t, event.KindActionRequested, events[0].Kind)

	code, env = e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID+"/history?from=2&limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	decodeData(t, env, &events)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Seq)

	code, env = e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID+"/timeline", nil)
	require.Equal(t, http.StatusOK, code)
	var tl event.Timeline
	decodeData(t, env, &tl)
	assert.Equal(t, resp.RunID, tl.RunID)
	assert.Len(t, tl.Entries, 3)
	assert.Equal(t, uint64(3), tl.LatestSeq)
}

func TestStateAndVerify(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	ctx := context.Background()
	resp := e.submitRun(t)
	granted, err := e.leases.Acquire(ctx, resp.AttemptID, "w1")
	require.NoError(t, err)
	_, err = e.coord.ReportStep(ctx, runtime.StepReport{
		RunID: resp.RunID, AttemptID: resp.AttemptID,
		LeaseID: granted.LeaseID, WorkerID: "w1", StepID: "step-1",
		Output: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)

	code, env := e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID+"/state", nil)
	require.Equal(t, http.StatusOK, code)
	var state event.State
	decodeData(t, env, &state)
	assert.Contains(t, state.Steps, "step-1")

	code, _ = e.do(t, http.MethodGet, "/api/v1/jobs/"+resp.RunID+"/verify", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestTimelineWatch(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := e.submitRun(t)
	granted, err := e.leases.Acquire(ctx, resp.AttemptID, "w1")
	require.NoError(t, err)
	_, err = e.coord.ReportStep(ctx, runtime.StepReport{
		RunID: resp.RunID, AttemptID: resp.AttemptID,
		LeaseID: granted.LeaseID, WorkerID: "w1", StepID: "step-1",
		Output: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/" + resp.RunID + "/timeline?watch=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var first event.TimelineEntry
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, uint64(1), first.Seq)

	// the ack lands while the socket is open; its events stream out
	_, err = e.coord.Ack(ctx, runtime.AckRequest{
		RunID: resp.RunID, AttemptID: resp.AttemptID,
		LeaseID: granted.LeaseID, WorkerID: "w1",
		Result: json.RawMessage(`{"done":true}`),
	})
	require.NoError(t, err)

	seen := first.Seq
	for {
		var entry event.TimelineEntry
		if err := wsjson.Read(ctx, conn, &entry); err != nil {
			// normal closure once the run is terminal and drained
			break
		}
		seen = entry.Seq
	}
	assert.GreaterOrEqual(t, seen, uint64(3))
}

func TestTimelineWatch_UnknownRunGetsEnvelope(t *testing.T) {
	t.Parallel()
	e := setupEnv(t)

	code, env := e.do(t, http.MethodGet, "/api/v1/jobs/run_missing/timeline?watch=1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
}
