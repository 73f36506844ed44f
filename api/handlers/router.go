package handlers

import "net/http"

// NewRouter wires every handler onto one mux.
func NewRouter(jobs *JobsHandler, workers *WorkersHandler, interrupts *InterruptsHandler, health *HealthHandler) *http.ServeMux {
	mux := http.NewServeMux()

	if health != nil {
		mux.HandleFunc("GET /health", health.HandleHealth)
		mux.HandleFunc("GET /healthz", health.HandleHealth)
		mux.HandleFunc("GET /ready", health.HandleReady)
		mux.HandleFunc("GET /readyz", health.HandleReady)
	}

	if jobs != nil {
		mux.HandleFunc("POST /api/v1/jobs/run", jobs.HandleSubmit)
		mux.HandleFunc("GET /api/v1/jobs", jobs.HandleList)
		mux.HandleFunc("GET /api/v1/jobs/{id}", jobs.HandleGet)
		mux.HandleFunc("POST /api/v1/jobs/{id}/resume", jobs.HandleResume)
		mux.HandleFunc("POST /api/v1/jobs/{id}/replay", jobs.HandleReplay)
		mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", jobs.HandleCancel)
		mux.HandleFunc("GET /api/v1/jobs/{id}/history", jobs.HandleHistory)
		mux.HandleFunc("GET /api/v1/jobs/{id}/timeline", jobs.HandleTimeline)
		mux.HandleFunc("GET /api/v1/jobs/{id}/state", jobs.HandleState)
		mux.HandleFunc("GET /api/v1/jobs/{id}/verify", jobs.HandleVerify)
	}

	if workers != nil {
		mux.HandleFunc("POST /api/v1/workers/poll", workers.HandlePoll)
		mux.HandleFunc("POST /api/v1/workers/{id}/heartbeat", workers.HandleHeartbeat)
		mux.HandleFunc("POST /api/v1/workers/{id}/extend-lease", workers.HandleExtendLease)
		mux.HandleFunc("POST /api/v1/workers/{id}/record-intent", workers.HandleRecordIntent)
		mux.HandleFunc("POST /api/v1/workers/{id}/report-step", workers.HandleReportStep)
		mux.HandleFunc("POST /api/v1/workers/{id}/ack", workers.HandleAck)
		mux.HandleFunc("POST /api/v1/workers/{id}/interrupt", workers.HandleRaiseInterrupt)
	}

	if interrupts != nil {
		mux.HandleFunc("GET /api/v1/interrupts", interrupts.HandleList)
		mux.HandleFunc("GET /api/v1/interrupts/{id}", interrupts.HandleGet)
		mux.HandleFunc("POST /api/v1/interrupts/{id}/resume", interrupts.HandleResume)
		mux.HandleFunc("POST /api/v1/interrupts/{id}/reject", interrupts.HandleReject)
	}

	return mux
}
