// Package runtime is the execution coordinator: the single component allowed
// to move jobs and attempts through their lifecycle. Every state change is
// written in the same order, event first and status after, so the event log
// stays the source of truth and the status columns are at worst stale, never
// wrong.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/interrupt"
	"github.com/loomrun/loom/lease"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// Config carries the coordinator knobs.
type Config struct {
	// CheckpointInterval is the number of events between automatic
	// checkpoints. Zero disables checkpointing.
	CheckpointInterval uint64
	// Retry is the attempt retry policy.
	Retry RetryPolicy
}

// Coordinator orchestrates jobs, attempts, events, leases, and interrupts.
type Coordinator struct {
	store      *store.Store
	leases     *lease.Manager
	interrupts *interrupt.Registry
	replayer   *event.Replayer
	reducer    event.Reducer
	cache      *ResultCache
	cfg        Config
	logger     *zap.Logger
	clock      func() time.Time
}

// NewCoordinator wires the coordinator. cache may be nil (disabled); a nil
// logger is replaced with a nop logger.
func NewCoordinator(s *store.Store, leases *lease.Manager, interrupts *interrupt.Registry, cache *ResultCache, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewResultCache(nil, "", 0, nil)
	}
	cfg.Retry = cfg.Retry.withDefaults()
	reducer := event.StateReducer{}
	return &Coordinator{
		store:      s,
		leases:     leases,
		interrupts: interrupts,
		replayer:   event.NewReplayer(s, s, reducer, logger),
		reducer:    reducer,
		cache:      cache,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "coordinator")),
		clock:      time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Interrupts exposes the interrupt registry for the API surface.
func (c *Coordinator) Interrupts() *interrupt.Registry { return c.interrupts }

// Leases exposes the lease manager for the API surface.
func (c *Coordinator) Leases() *lease.Manager { return c.leases }

// SubmitRequest describes a new job.
type SubmitRequest struct {
	// RunID is optional; empty mints run_<uuid>.
	RunID          string          `json:"run_id,omitempty"`
	Workflow       string          `json:"workflow"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SubmitResponse is the outcome of a submission.
type SubmitResponse struct {
	RunID            string          `json:"run_id"`
	AttemptID        string          `json:"attempt_id"`
	Status           store.JobStatus `json:"status"`
	IdempotentReplay bool            `json:"idempotent_replay,omitempty"`
}

// PayloadHash is the canonical fingerprint used for idempotency conflict
// detection: the same key must carry the same workflow and input bytes.
func PayloadHash(workflow string, input json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// Submit enqueues a job with its first attempt. Submissions carrying an
// idempotency key are deduplicated: an identical resubmission returns the
// original run flagged as a replay, a different payload under the same key
// is a conflict.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Workflow == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "workflow is required")
	}

	if cached, ok := c.cache.GetSubmit(ctx, req.IdempotencyKey); ok {
		cached.IdempotentReplay = true
		return cached, nil
	}

	runID := req.RunID
	if runID == "" {
		runID = fmt.Sprintf("run_%s", uuid.NewString())
	}
	attemptID := fmt.Sprintf("att_%s", uuid.NewString())

	// SubmitIdempotent stamps the job's idempotency key on the keyed path;
	// key-less jobs must leave it NULL or the unique index would collide.
	job := &store.Job{
		RunID:    runID,
		Workflow: req.Workflow,
		Status:   store.JobStatusQueued,
		Input:    req.Input,
	}
	attempt := &store.Attempt{
		AttemptID: attemptID,
		RunID:     runID,
		AttemptNo: 1,
		Status:    store.JobStatusQueued,
	}

	res, err := c.store.SubmitIdempotent(ctx, req.IdempotencyKey, PayloadHash(req.Workflow, req.Input), job, attempt)
	if err != nil {
		return nil, err
	}

	resp := &SubmitResponse{
		RunID:            res.RunID,
		AttemptID:        attemptID,
		Status:           store.JobStatusQueued,
		IdempotentReplay: res.IdempotentReplay,
	}
	if res.IdempotentReplay {
		existing, err := c.store.GetJob(ctx, res.RunID)
		if err != nil {
			return nil, err
		}
		latest, err := c.store.LatestAttempt(ctx, res.RunID)
		if err != nil {
			return nil, err
		}
		resp.AttemptID = latest.AttemptID
		resp.Status = existing.Status
	} else {
		c.logger.Info("job submitted",
			zap.String("run_id", res.RunID),
			zap.String("workflow", req.Workflow))
	}
	c.cache.SetSubmit(ctx, req.IdempotencyKey, resp)
	return resp, nil
}

// JobView is the read surface for one run.
type JobView struct {
	Job              *store.Job       `json:"job"`
	Attempts         []*store.Attempt `json:"attempts"`
	PendingInterrupt *store.Interrupt `json:"pending_interrupt,omitempty"`
	LatestSeq        uint64           `json:"latest_seq"`
	Result           json.RawMessage  `json:"result,omitempty"`
}

// Get returns a run with its attempts and any pending interrupt.
func (c *Coordinator) Get(ctx context.Context, runID string) (*JobView, error) {
	job, err := c.store.GetJob(ctx, runID)
	if err != nil {
		return nil, err
	}
	attempts, err := c.store.ListAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	pending, err := c.interrupts.PendingForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	seq, err := c.store.LatestSeq(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: job, Attempts: attempts, PendingInterrupt: pending, LatestSeq: seq}
	if job.Status == store.JobStatusCompleted {
		if result, ok := c.cache.GetResult(ctx, runID); ok {
			view.Result = result
		} else if result := c.finalResult(ctx, runID, seq); result != nil {
			view.Result = result
			c.cache.SetResult(ctx, runID, result)
		}
	}
	return view, nil
}

// finalResult digs the AttemptCompleted payload out of the log tail.
func (c *Coordinator) finalResult(ctx context.Context, runID string, latest uint64) json.RawMessage {
	if latest == 0 {
		return nil
	}
	events, err := c.store.Scan(ctx, runID, latest)
	if err != nil || len(events) == 0 {
		return nil
	}
	if done, ok := events[len(events)-1].Payload.(event.AttemptCompleted); ok {
		return done.Result
	}
	return nil
}

// ListResult pairs a job page with store-wide status counts.
type ListResult struct {
	Jobs  []*store.Job              `json:"jobs"`
	Stats map[store.JobStatus]int64 `json:"stats"`
}

// List returns jobs newest first plus per-status counts.
func (c *Coordinator) List(ctx context.Context, filter store.JobFilter) (*ListResult, error) {
	jobs, err := c.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &ListResult{Jobs: jobs, Stats: stats}, nil
}

// History returns the raw event page of a run starting at from (1-based,
// 0 means from the beginning).
func (c *Coordinator) History(ctx context.Context, runID string, from uint64) ([]event.Sequenced, error) {
	if _, err := c.store.GetJob(ctx, runID); err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	return c.store.Scan(ctx, runID, from)
}

// Timeline returns the folded timeline of a run: events annotated with the
// checkpoints taken at their position.
func (c *Coordinator) Timeline(ctx context.Context, runID string, from uint64) (*event.Timeline, error) {
	if _, err := c.store.GetJob(ctx, runID); err != nil {
		return nil, err
	}
	return event.BuildTimeline(ctx, c.store, c.store, runID, from)
}

// ReplayState folds the run's log into its current state, checkpoint-based.
func (c *Coordinator) ReplayState(ctx context.Context, runID string) (event.State, error) {
	if _, err := c.store.GetJob(ctx, runID); err != nil {
		return event.State{}, err
	}
	return c.replayer.Replay(ctx, runID)
}

// Verify refolds the whole run and checks every recorded state hash.
func (c *Coordinator) Verify(ctx context.Context, runID string) (event.State, error) {
	if _, err := c.store.GetJob(ctx, runID); err != nil {
		return event.State{}, err
	}
	return c.replayer.Verify(ctx, runID)
}

// Cancel cooperatively cancels a run. A run parked on a pending interrupt is
// cancelled through the interrupt rejection path; an executing run gets its
// terminal event, statuses, and lease release in one transaction. The worker
// learns on its next heartbeat, which fails once the lease is gone.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) error {
	job, err := c.store.GetJob(ctx, runID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return types.Errorf(types.ErrConflict, "run %s is already terminal (%s)", runID, job.Status)
	}

	if pending, err := c.interrupts.PendingForRun(ctx, runID); err != nil {
		return err
	} else if pending != nil {
		_, err := c.interrupts.Reject(ctx, pending.InterruptID, reason)
		return err
	}

	att, err := c.store.LatestAttempt(ctx, runID)
	if err != nil {
		return err
	}
	if err := c.store.Transaction(ctx, func(tx *store.Store) error {
		if !att.Status.IsTerminal() {
			if _, err := tx.Append(ctx, runID, event.Record{
				AttemptID: att.AttemptID,
				Payload:   event.AttemptCancelled{Reason: reason},
			}); err != nil {
				return err
			}
			if _, err := tx.UpdateAttempt(ctx, att.AttemptID, store.AttemptUpdate{
				To:       store.JobStatusCancelled,
				SetEnded: true,
			}); err != nil {
				return err
			}
		}
		if err := tx.UpdateJobStatus(ctx, runID, store.JobStatusCancelled); err != nil {
			return err
		}
		return tx.ReleaseLease(ctx, att.AttemptID)
	}); err != nil {
		return err
	}
	c.logger.Info("run cancelled", zap.String("run_id", runID), zap.String("reason", reason))
	return nil
}

// ResumeOutcome is the result of applying a resume decision.
type ResumeOutcome struct {
	RunID       string          `json:"run_id"`
	InterruptID string          `json:"interrupt_id"`
	Applied     bool            `json:"applied"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Resume resolves an interrupt exactly once. The first call appends the
// resume event and requeues the run for dispatch; duplicates get the stored
// result back without touching the run.
func (c *Coordinator) Resume(ctx context.Context, interruptID string, value json.RawMessage) (*ResumeOutcome, error) {
	intr, err := c.interrupts.Get(ctx, interruptID)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(map[string]string{
		"run_id":       intr.RunID,
		"interrupt_id": interruptID,
		"status":       string(store.JobStatusResumed),
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode resume result").WithCause(err)
	}

	res, err := c.interrupts.Resolve(ctx, interruptID, value, result)
	if err != nil {
		return nil, err
	}
	c.cache.SetResume(ctx, interruptID, res.Interrupt.Result)
	return &ResumeOutcome{
		RunID:       res.Interrupt.RunID,
		InterruptID: interruptID,
		Applied:     res.Applied,
		Result:      res.Interrupt.Result,
	}, nil
}

// ReplayResult is the outcome of starting a fresh attempt on an old run.
type ReplayResult struct {
	Job     *store.Job     `json:"job"`
	Attempt *store.Attempt `json:"attempt"`
	// VerifiedSeq is the log position the pre-flight refold covered.
	VerifiedSeq uint64 `json:"verified_seq"`
}

// Replay starts a new attempt for a terminal run. The log is refolded first;
// a hash divergence aborts the replay before any new attempt exists. The new
// attempt starts queued and is picked up by the normal dispatch path.
func (c *Coordinator) Replay(ctx context.Context, runID string) (*ReplayResult, error) {
	job, err := c.store.GetJob(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest, err := c.store.LatestAttempt(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !latest.Status.IsTerminal() {
		return nil, types.Errorf(types.ErrConflict,
			"run %s still has live attempt %s", runID, latest.AttemptID)
	}

	state, err := c.replayer.Verify(ctx, runID)
	if err != nil {
		return nil, err
	}

	attempt := &store.Attempt{
		AttemptID: fmt.Sprintf("att_%s", uuid.NewString()),
		RunID:     runID,
		AttemptNo: latest.AttemptNo + 1,
		Status:    store.JobStatusQueued,
	}
	if err := c.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	if err := c.store.ReviveJob(ctx, runID); err != nil {
		return nil, err
	}
	job.Status = store.JobStatusQueued

	c.logger.Info("run replayed",
		zap.String("run_id", runID),
		zap.Int("attempt_no", attempt.AttemptNo),
		zap.Uint64("verified_seq", state.LastSeq))
	return &ReplayResult{Job: job, Attempt: attempt, VerifiedSeq: state.LastSeq}, nil
}

// RecoveryReport summarizes the startup recovery pass.
type RecoveryReport struct {
	OrphansRequeued int64    `json:"orphans_requeued"`
	LeasesExpired   []string `json:"leases_expired,omitempty"`
	StaleInterrupts []string `json:"stale_interrupts,omitempty"`
}

// RecoverOnStart repairs state left behind by a control-plane crash: expired
// leases are harvested, attempts claiming active execution without a lease
// are requeued, and interrupts past their resume timeout are rejected.
func (c *Coordinator) RecoverOnStart(ctx context.Context) (*RecoveryReport, error) {
	tick, err := c.leases.ExpiryScan(ctx)
	if err != nil {
		return nil, err
	}
	orphans, err := c.store.RecoverOrphans(ctx)
	if err != nil {
		return nil, err
	}
	stale, err := c.interrupts.SweepStale(ctx)
	if err != nil {
		return nil, err
	}
	report := &RecoveryReport{
		OrphansRequeued: orphans,
		LeasesExpired:   tick.ExpiredRequeued,
		StaleInterrupts: stale,
	}
	if orphans > 0 || len(tick.ExpiredRequeued) > 0 || len(stale) > 0 {
		c.logger.Warn("startup recovery repaired state",
			zap.Int64("orphans_requeued", orphans),
			zap.Int("leases_expired", len(tick.ExpiredRequeued)),
			zap.Int("stale_interrupts", len(stale)))
	}
	return report, nil
}
