package api

import "encoding/json"

// Version is the api_version reported in every response envelope.
const Version = "v1"

// ResumeRequest resolves a pending interrupt with a caller-provided value.
type ResumeRequest struct {
	// InterruptID may be omitted on the /jobs/{id}/resume form, where the
	// run's single pending interrupt is implied.
	InterruptID string          `json:"interrupt_id,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// RejectRequest rejects a pending interrupt and cancels the owning run.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRequest asks for cooperative cancellation of a run.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PollRequest asks the scheduler for work. MaxActiveLeases is the budget the
// worker declares for itself; zero leaves only the server-side cap.
type PollRequest struct {
	WorkerID        string `json:"worker_id"`
	MaxActiveLeases int64  `json:"max_active_leases,omitempty"`
}

// LeaseRequest identifies a held lease for heartbeat and extension calls.
// Extend is a Go duration string ("30s"); empty means heartbeat only.
type LeaseRequest struct {
	LeaseID string `json:"lease_id"`
	Extend  string `json:"extend,omitempty"`
}
