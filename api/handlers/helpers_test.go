package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loomrun/loom/interrupt"
	"github.com/loomrun/loom/lease"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/scheduler"
	"github.com/loomrun/loom/store"
)

type env struct {
	store  *store.Store
	coord  *runtime.Coordinator
	sched  *scheduler.Scheduler
	leases *lease.Manager
	mux    *http.ServeMux
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "loom.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := store.New(db, nil)
	require.NoError(t, s.AutoMigrate())

	leases := lease.NewManager(s, lease.Config{TTL: 30 * time.Second, HeartbeatGrace: 10 * time.Second}, nil)
	interrupts := interrupt.NewRegistry(s, interrupt.Config{}, nil)
	coord := runtime.NewCoordinator(s, leases, interrupts, nil, runtime.Config{}, nil)
	sched := scheduler.New(s, leases, scheduler.Config{}, nil)

	jobs := NewJobsHandler(coord, nil)
	jobs.watchInterval = 20 * time.Millisecond
	mux := NewRouter(
		jobs,
		NewWorkersHandler(coord, sched, nil),
		NewInterruptsHandler(coord, nil),
		NewHealthHandler(nil),
	)
	return &env{store: s, coord: coord, sched: sched, leases: leases, mux: mux}
}

type envelope struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	Meta      *Meta           `json:"meta"`
}

// do runs one request through the mux and decodes the envelope.
func (e *env) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec.Code, env
}

func decodeData(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	require.NotNil(t, env.Data)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// submitRun creates a run directly through the coordinator.
func (e *env) submitRun(t *testing.T) *runtime.SubmitResponse {
	t.Helper()
	resp, err := e.coord.Submit(context.Background(), runtime.SubmitRequest{
		Workflow: "demo",
		Input:    json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	return resp
}

// runToInterrupt drives a run until it parks on a pending interrupt.
func (e *env) runToInterrupt(t *testing.T, workerID string) (*runtime.SubmitResponse, *store.Interrupt) {
	t.Helper()
	ctx := context.Background()
	resp := e.submitRun(t)
	granted, err := e.leases.Acquire(ctx, resp.AttemptID, workerID)
	require.NoError(t, err)
	intr, err := e.coord.RaiseInterrupt(ctx, runtime.InterruptRequest{
		RunID:     resp.RunID,
		AttemptID: resp.AttemptID,
		LeaseID:   granted.LeaseID,
		WorkerID:  workerID,
		StepID:    "approval",
		Request:   json.RawMessage(`{"question":"deploy?"}`),
	})
	require.NoError(t, err)
	return resp, intr
}
