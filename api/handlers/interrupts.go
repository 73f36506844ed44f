package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/loomrun/loom/api"
	"github.com/loomrun/loom/interrupt"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/store"
)

// InterruptsHandler serves the pending-interrupt queue.
type InterruptsHandler struct {
	coord  *runtime.Coordinator
	logger *zap.Logger
}

// NewInterruptsHandler creates the interrupt handler.
func NewInterruptsHandler(coord *runtime.Coordinator, logger *zap.Logger) *InterruptsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterruptsHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "interrupts_handler")),
	}
}

func (h *InterruptsHandler) registry() *interrupt.Registry {
	return h.coord.Interrupts()
}

// HandleList handles GET /api/v1/interrupts. Filters: status, run_id, limit.
func (h *InterruptsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InterruptFilter{
		RunID:  q.Get("run_id"),
		Status: store.InterruptStatus(q.Get("status")),
		Limit:  intParam(q.Get("limit"), 50),
	}
	interrupts, err := h.registry().List(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, interrupts)
}

// HandleGet handles GET /api/v1/interrupts/{id}.
func (h *InterruptsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	intr, err := h.registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, intr)
}

// HandleResume handles POST /api/v1/interrupts/{id}/resume. A duplicate
// resume returns the originally stored result.
func (h *InterruptsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	var req api.ResumeRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	outcome, err := h.coord.Resume(r.Context(), r.PathValue("id"), req.Value)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, outcome)
}

// HandleReject handles POST /api/v1/interrupts/{id}/reject, cancelling the
// owning run.
func (h *InterruptsHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	var req api.RejectRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "rejected by operator"
	}
	intr, err := h.registry().Reject(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, intr)
}
