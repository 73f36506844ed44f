package store

import (
	"time"

	"github.com/loomrun/loom/event"
)

// JobStatus is the caller-visible status of a logical run.
type JobStatus string

const (
	JobStatusQueued           JobStatus = "queued"
	JobStatusLeasedToWorker   JobStatus = "leased_to_worker"
	JobStatusRunning          JobStatus = "running"
	JobStatusCheckpointed     JobStatus = "checkpointed"
	JobStatusBlockedInterrupt JobStatus = "blocked_interrupt"
	JobStatusResumed          JobStatus = "resumed"
	JobStatusRetryBackoff     JobStatus = "retry_backoff"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
)

// IsTerminal returns true if the status is immutable once entered.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// AttemptStatus mirrors JobStatus at attempt granularity.
type AttemptStatus = JobStatus

// Job is one logical run. Never deleted; only transitioned to a terminal
// status by the coordinator.
type Job struct {
	RunID          string    `gorm:"column:run_id;primaryKey" json:"run_id"`
	Workflow       string    `gorm:"column:workflow;not null" json:"workflow"`
	Status         JobStatus `gorm:"column:status;not null;index" json:"status"`
	IdempotencyKey *string   `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key,omitempty"`
	Input          []byte    `gorm:"column:input" json:"-"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Job) TableName() string { return "jobs" }

// Attempt is one execution try of a job. At most one attempt per job is
// non-terminal at a time. Version is bumped whenever ownership changes hands
// (requeue after lease expiry) so a previous owner's late write is detectable.
type Attempt struct {
	AttemptID string        `gorm:"column:attempt_id;primaryKey" json:"attempt_id"`
	RunID     string        `gorm:"column:run_id;not null;uniqueIndex:idx_attempts_run_no,priority:1;index" json:"run_id"`
	AttemptNo int           `gorm:"column:attempt_no;not null;uniqueIndex:idx_attempts_run_no,priority:2" json:"attempt_no"`
	Status    AttemptStatus `gorm:"column:status;not null;index:idx_attempts_status_retry,priority:1" json:"status"`
	RetryAt   *time.Time    `gorm:"column:retry_at;index:idx_attempts_status_retry,priority:2" json:"retry_at,omitempty"`
	StartedAt *time.Time    `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt   *time.Time    `gorm:"column:ended_at" json:"ended_at,omitempty"`
	LastError string        `gorm:"column:last_error" json:"last_error,omitempty"`
	Version   int64         `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Attempt) TableName() string { return "attempts" }

// EventRow is one committed entry of the append-only log. Rows are never
// mutated or deleted; the composite (run_id, seq) key enforces gap-free
// uniqueness per run together with the append transaction.
type EventRow struct {
	RunID       string     `gorm:"column:run_id;primaryKey;uniqueIndex:idx_events_run_token,priority:1"`
	Seq         uint64     `gorm:"column:seq;primaryKey;autoIncrement:false"`
	AttemptID   string     `gorm:"column:attempt_id;index"`
	Kind        event.Kind `gorm:"column:kind;not null"`
	StepID      string     `gorm:"column:step_id"`
	DedupeToken *string    `gorm:"column:dedupe_token;uniqueIndex:idx_events_run_token,priority:2"`
	Payload     []byte     `gorm:"column:payload"`
	StateHash   string     `gorm:"column:state_hash"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

// TableName implements gorm's table naming.
func (EventRow) TableName() string { return "events" }

// Decode converts the stored row back into a sequenced event.
func (r EventRow) Decode() (event.Sequenced, error) {
	payload, err := event.UnmarshalPayload(r.Kind, r.Payload)
	if err != nil {
		return event.Sequenced{}, err
	}
	return event.Sequenced{
		RunID:     r.RunID,
		Seq:       r.Seq,
		AttemptID: r.AttemptID,
		Kind:      r.Kind,
		Payload:   payload,
		StateHash: r.StateHash,
		CreatedAt: r.CreatedAt,
	}, nil
}

// CheckpointRow is a durable snapshot of folded state at a log position.
type CheckpointRow struct {
	CheckpointID string    `gorm:"column:checkpoint_id;primaryKey"`
	RunID        string    `gorm:"column:run_id;not null;index:idx_checkpoints_run_seq,priority:1"`
	AttemptID    string    `gorm:"column:attempt_id"`
	AtSeq        uint64    `gorm:"column:at_seq;not null;index:idx_checkpoints_run_seq,priority:2"`
	Payload      []byte    `gorm:"column:payload"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName implements gorm's table naming.
func (CheckpointRow) TableName() string { return "checkpoints" }

// Lease is the exclusive ownership token over one attempt. The unique index
// on attempt_id is the acquisition constraint: two workers can never both
// hold an unexpired lease for the same attempt.
type Lease struct {
	LeaseID     string    `gorm:"column:lease_id;primaryKey" json:"lease_id"`
	AttemptID   string    `gorm:"column:attempt_id;not null;uniqueIndex" json:"attempt_id"`
	RunID       string    `gorm:"column:run_id;not null;index" json:"run_id"`
	WorkerID    string    `gorm:"column:worker_id;not null;index" json:"worker_id"`
	ExpiresAt   time.Time `gorm:"column:lease_expires_at;not null;index" json:"lease_expires_at"`
	HeartbeatAt time.Time `gorm:"column:heartbeat_at;not null" json:"heartbeat_at"`
	Version     int64     `gorm:"column:version;not null" json:"version"`
}

// TableName implements gorm's table naming.
func (Lease) TableName() string { return "leases" }

// Expired reports whether the lease is expired at now.
func (l Lease) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// InterruptStatus is the lifecycle of a pause point.
type InterruptStatus string

const (
	InterruptStatusPending  InterruptStatus = "pending"
	InterruptStatusResumed  InterruptStatus = "resumed"
	InterruptStatusRejected InterruptStatus = "rejected"
)

// Interrupt is a durable human-in-the-loop pause point, resolved exactly once.
type Interrupt struct {
	InterruptID   string          `gorm:"column:interrupt_id;primaryKey" json:"interrupt_id"`
	RunID         string          `gorm:"column:run_id;not null;index" json:"run_id"`
	AttemptID     string          `gorm:"column:attempt_id;not null;index" json:"attempt_id"`
	Status        InterruptStatus `gorm:"column:status;not null;index" json:"status"`
	Request       []byte          `gorm:"column:request_payload" json:"request,omitempty"`
	ResumeValue   []byte          `gorm:"column:resume_payload" json:"resume_value,omitempty"`
	Result        []byte          `gorm:"column:result_payload" json:"result,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
	ResolvedAt    *time.Time      `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	ResolvedBySeq uint64          `gorm:"column:resolved_by_seq" json:"resolved_by_seq,omitempty"`
}

// TableName implements gorm's table naming.
func (Interrupt) TableName() string { return "interrupts" }

// IdempotencyRecord deduplicates logically identical submissions. The key is
// the primary key; PayloadHash detects same-key-different-payload conflicts.
type IdempotencyRecord struct {
	Key         string    `gorm:"column:idem_key;primaryKey"`
	PayloadHash string    `gorm:"column:payload_hash;not null"`
	RunID       string    `gorm:"column:run_id;not null"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName implements gorm's table naming.
func (IdempotencyRecord) TableName() string { return "idempotency_keys" }
