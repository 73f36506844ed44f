package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/loomrun/loom/api"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// JobsHandler serves the job lifecycle surface.
type JobsHandler struct {
	coord  *runtime.Coordinator
	logger *zap.Logger

	// watchInterval paces the websocket timeline tail.
	watchInterval time.Duration
}

// NewJobsHandler creates the job handler.
func NewJobsHandler(coord *runtime.Coordinator, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		coord:         coord,
		logger:        logger.With(zap.String("component", "jobs_handler")),
		watchInterval: 500 * time.Millisecond,
	}
}

// HandleSubmit handles POST /api/v1/jobs/run.
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req runtime.SubmitRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	resp, err := h.coord.Submit(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	status := http.StatusCreated
	if resp.IdempotentReplay {
		status = http.StatusOK
	}
	WriteSuccess(w, r, status, resp)
}

// HandleList handles GET /api/v1/jobs. Filters: status (comma separated),
// workflow, limit, offset.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Workflow: q.Get("workflow"),
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Status = append(filter.Status, store.JobStatus(strings.TrimSpace(s)))
		}
	}
	result, err := h.coord.List(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, result)
}

// HandleGet handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.coord.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, view)
}

// HandleResume handles POST /api/v1/jobs/{id}/resume. Without an explicit
// interrupt_id the run's single pending interrupt is resolved.
func (h *JobsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req api.ResumeRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	interruptID := req.InterruptID
	if interruptID == "" {
		pending, err := h.coord.Interrupts().PendingForRun(r.Context(), runID)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		if pending == nil {
			WriteError(w, r,
				types.Errorf(types.ErrConflict, "run %s has no pending interrupt", runID),
				h.logger)
			return
		}
		interruptID = pending.InterruptID
	}
	outcome, err := h.coord.Resume(r.Context(), interruptID, req.Value)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if outcome.RunID != runID {
		WriteError(w, r,
			types.Errorf(types.ErrConflict, "interrupt %s belongs to run %s", interruptID, outcome.RunID),
			h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, outcome)
}

// HandleReplay handles POST /api/v1/jobs/{id}/replay.
func (h *JobsHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	result, err := h.coord.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, result)
}

// HandleCancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req api.CancelRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.coord.Cancel(r.Context(), runID, req.Reason); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	view, err := h.coord.Get(r.Context(), runID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, view)
}

// HandleHistory handles GET /api/v1/jobs/{id}/history?from=N&limit=N.
func (h *JobsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	from := uint64Param(r.URL.Query().Get("from"), 0)
	events, err := h.coord.History(r.Context(), r.PathValue("id"), from)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if limit := intParam(r.URL.Query().Get("limit"), 0); limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	WriteSuccess(w, r, http.StatusOK, events)
}

// HandleTimeline handles GET /api/v1/jobs/{id}/timeline. With watch=1 the
// connection upgrades to a websocket that tails new entries as they append.
func (h *JobsHandler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	from := uint64Param(r.URL.Query().Get("from"), 0)

	if r.URL.Query().Get("watch") == "1" {
		h.watchTimeline(w, r, runID, from)
		return
	}

	tl, err := h.coord.Timeline(r.Context(), runID, from)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, tl)
}

// HandleState handles GET /api/v1/jobs/{id}/state: the folded run state.
func (h *JobsHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.coord.ReplayState(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, state)
}

// HandleVerify handles GET /api/v1/jobs/{id}/verify: refolds the log and
// checks every recorded state hash.
func (h *JobsHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	state, err := h.coord.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, state)
}

func (h *JobsHandler) watchTimeline(w http.ResponseWriter, r *http.Request, runID string, from uint64) {
	// Reject unknown runs before the upgrade so the caller gets a proper
	// error envelope instead of a dropped socket.
	if _, err := h.coord.Get(r.Context(), runID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	next := from
	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()

	for {
		drained, err := h.pushEntries(ctx, conn, runID, &next)
		if err != nil {
			return
		}
		if drained {
			conn.Close(websocket.StatusNormalClosure, "run finished")
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

// pushEntries writes every timeline entry at or past *next and reports
// whether the run is terminal with the log fully delivered.
func (h *JobsHandler) pushEntries(ctx context.Context, conn *websocket.Conn, runID string, next *uint64) (bool, error) {
	tl, err := h.coord.Timeline(ctx, runID, *next)
	if err != nil {
		return false, err
	}
	for _, entry := range tl.Entries {
		if err := wsjson.Write(ctx, conn, entry); err != nil {
			return false, err
		}
		*next = entry.Seq + 1
	}
	view, err := h.coord.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	terminal := view.Job.Status == store.JobStatusCompleted ||
		view.Job.Status == store.JobStatusFailed ||
		view.Job.Status == store.JobStatusCancelled
	return terminal && view.LatestSeq < *next, nil
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func uint64Param(raw string, fallback uint64) uint64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
