package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomrun/loom/api"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/scheduler"
	"github.com/loomrun/loom/types"
)

// WorkersHandler serves the worker dispatch protocol: poll, progress
// reporting, lease liveness, and interrupt raising.
type WorkersHandler struct {
	coord  *runtime.Coordinator
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewWorkersHandler creates the worker handler.
func NewWorkersHandler(coord *runtime.Coordinator, sched *scheduler.Scheduler, logger *zap.Logger) *WorkersHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkersHandler{
		coord:  coord,
		sched:  sched,
		logger: logger.With(zap.String("component", "workers_handler")),
	}
}

// HandlePoll handles POST /api/v1/workers/poll.
func (h *WorkersHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	var req api.PollRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	result, err := h.sched.Poll(r.Context(), req.WorkerID, req.MaxActiveLeases)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, result)
}

// HandleHeartbeat handles POST /api/v1/workers/{id}/heartbeat. A body with
// a non-empty extend duration also lengthens the lease.
func (h *WorkersHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var req api.LeaseRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.LeaseID == "" {
		WriteError(w, r, types.NewError(types.ErrInvalidArgument, "lease_id is required"), h.logger)
		return
	}
	ls, err := h.coord.Heartbeat(r.Context(), req.LeaseID, workerID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, ls)
}

// HandleExtendLease handles POST /api/v1/workers/{id}/extend-lease.
func (h *WorkersHandler) HandleExtendLease(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var req api.LeaseRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.LeaseID == "" || req.Extend == "" {
		WriteError(w, r, types.NewError(types.ErrInvalidArgument, "lease_id and extend are required"), h.logger)
		return
	}
	extra, err := time.ParseDuration(req.Extend)
	if err != nil {
		WriteError(w, r,
			types.NewError(types.ErrInvalidArgument, "extend must be a duration string").WithCause(err),
			h.logger)
		return
	}
	ls, err := h.coord.ExtendLease(r.Context(), req.LeaseID, workerID, extra)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, ls)
}

// HandleRecordIntent handles POST /api/v1/workers/{id}/record-intent.
func (h *WorkersHandler) HandleRecordIntent(w http.ResponseWriter, r *http.Request) {
	var req runtime.IntentRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	req.WorkerID = r.PathValue("id")
	result, err := h.coord.RecordIntent(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, result)
}

// HandleReportStep handles POST /api/v1/workers/{id}/report-step.
func (h *WorkersHandler) HandleReportStep(w http.ResponseWriter, r *http.Request) {
	var report runtime.StepReport
	if err := DecodeJSON(r, &report); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	report.WorkerID = r.PathValue("id")
	ack, err := h.coord.ReportStep(r.Context(), report)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, ack)
}

// HandleAck handles POST /api/v1/workers/{id}/ack.
func (h *WorkersHandler) HandleAck(w http.ResponseWriter, r *http.Request) {
	var req runtime.AckRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	req.WorkerID = r.PathValue("id")
	result, err := h.coord.Ack(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, result)
}

// HandleRaiseInterrupt handles POST /api/v1/workers/{id}/interrupt.
func (h *WorkersHandler) HandleRaiseInterrupt(w http.ResponseWriter, r *http.Request) {
	var req runtime.InterruptRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	req.WorkerID = r.PathValue("id")
	intr, err := h.coord.RaiseInterrupt(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, intr)
}
