package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/interrupt"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// fence verifies the caller still owns the attempt: the named lease must be
// live and held by the reporting worker. A worker whose lease expired and was
// re-granted elsewhere gets conflict on every write, which is what keeps a
// zombie from corrupting a requeued run.
func (c *Coordinator) fence(ctx context.Context, attemptID, leaseID, workerID string) (*store.Attempt, *store.Lease, error) {
	if attemptID == "" || leaseID == "" || workerID == "" {
		return nil, nil, types.NewError(types.ErrInvalidArgument,
			"attempt id, lease id and worker id are required")
	}
	att, err := c.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	live, err := c.leases.ActiveFor(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	if live == nil {
		return nil, nil, types.Errorf(types.ErrConflict,
			"no live lease on attempt %s", attemptID)
	}
	if live.LeaseID != leaseID || live.WorkerID != workerID {
		return nil, nil, types.Errorf(types.ErrConflict,
			"attempt %s is leased to %s, not %s", attemptID, live.WorkerID, workerID)
	}
	return att, live, nil
}

// IntentRequest records the intent to execute a step, before any side effect
// runs.
type IntentRequest struct {
	RunID     string          `json:"run_id"`
	AttemptID string          `json:"attempt_id"`
	LeaseID   string          `json:"lease_id"`
	WorkerID  string          `json:"worker_id"`
	StepID    string          `json:"step_id"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// IntentResult acknowledges a recorded intent.
type IntentResult struct {
	Seq      uint64 `json:"seq"`
	Replayed bool   `json:"replayed,omitempty"`
}

// RecordIntent appends ActionRequested for a step. The append lands before
// the worker touches the outside world, so a crash mid-step is visible in the
// log as an intent without an outcome. Re-recording the same step is absorbed
// by the dedupe token and flagged as a replay.
func (c *Coordinator) RecordIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	if req.StepID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "step id is required")
	}
	att, _, err := c.fence(ctx, req.AttemptID, req.LeaseID, req.WorkerID)
	if err != nil {
		return nil, err
	}

	seq, applied, err := c.store.AppendDeduped(ctx, req.RunID, event.Record{
		AttemptID:   req.AttemptID,
		DedupeToken: "intent:" + req.StepID,
		Payload: event.ActionRequested{
			StepID: req.StepID,
			Name:   req.Name,
			Input:  req.Input,
		},
	})
	if err != nil {
		return nil, err
	}
	if applied {
		if _, err := c.store.UpdateAttempt(ctx, req.AttemptID, store.AttemptUpdate{
			To: store.JobStatusRunning,
			From: []store.JobStatus{
				store.JobStatusLeasedToWorker, store.JobStatusRunning,
				store.JobStatusCheckpointed, store.JobStatusResumed,
			},
			SetStarted: att.StartedAt == nil,
		}); err != nil {
			return nil, err
		}
		if err := c.store.UpdateJobStatus(ctx, req.RunID, store.JobStatusRunning); err != nil {
			return nil, err
		}
	}
	return &IntentResult{Seq: seq.Seq, Replayed: !applied}, nil
}

// StepFailure is a worker-reported step failure.
type StepFailure struct {
	Class     string `json:"class,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StepReport carries the outcome of one executed step.
type StepReport struct {
	RunID     string          `json:"run_id"`
	AttemptID string          `json:"attempt_id"`
	LeaseID   string          `json:"lease_id"`
	WorkerID  string          `json:"worker_id"`
	StepID    string          `json:"step_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	// Delta is the folded-state change; defaults to Output when empty.
	Delta   json.RawMessage `json:"delta,omitempty"`
	Failure *StepFailure    `json:"failure,omitempty"`
}

// RetryInfo describes the follow-up attempt scheduled after a retryable
// failure.
type RetryInfo struct {
	AttemptID string    `json:"attempt_id"`
	AttemptNo int       `json:"attempt_no"`
	RetryAt   time.Time `json:"retry_at"`
}

// StepAck acknowledges a reported step outcome.
type StepAck struct {
	Seq          uint64     `json:"seq"`
	StateHash    string     `json:"state_hash,omitempty"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
	Replayed     bool       `json:"replayed,omitempty"`
	Retry        *RetryInfo `json:"retry,omitempty"`
	// Terminal is set when the failure ended the run for good.
	Terminal bool `json:"terminal,omitempty"`
}

// ReportStep records a step outcome in log order: the outcome event first,
// then the state delta carrying the hash of the folded state after it, then
// the status columns. A duplicate report of the same step is absorbed.
func (c *Coordinator) ReportStep(ctx context.Context, report StepReport) (*StepAck, error) {
	if report.StepID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "step id is required")
	}
	att, _, err := c.fence(ctx, report.AttemptID, report.LeaseID, report.WorkerID)
	if err != nil {
		return nil, err
	}
	if report.Failure != nil {
		return c.reportFailure(ctx, att, report)
	}
	return c.reportSuccess(ctx, att, report)
}

func (c *Coordinator) reportSuccess(ctx context.Context, att *store.Attempt, report StepReport) (*StepAck, error) {
	succeeded, applied, err := c.store.AppendDeduped(ctx, report.RunID, event.Record{
		AttemptID:   report.AttemptID,
		DedupeToken: "step:" + report.StepID + ":ok",
		Payload: event.ActionSucceeded{
			StepID: report.StepID,
			Output: report.Output,
		},
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return &StepAck{Seq: succeeded.Seq, Replayed: true}, nil
	}

	delta := report.Delta
	if len(delta) == 0 {
		delta = report.Output
	}

	// hash the state as it will look after the delta is folded in, and
	// record it on the event itself; replay verifies against it later
	state, err := c.replayer.Replay(ctx, report.RunID)
	if err != nil {
		return nil, err
	}
	upd := event.StateUpdated{StepID: report.StepID, Delta: delta}
	next, err := c.reducer.Apply(state, event.Sequenced{
		RunID:   report.RunID,
		Seq:     state.LastSeq + 1,
		Kind:    event.KindStateUpdated,
		Payload: upd,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "fold state delta").WithCause(err)
	}

	updated, _, err := c.store.AppendDeduped(ctx, report.RunID, event.Record{
		AttemptID:   report.AttemptID,
		DedupeToken: "step:" + report.StepID + ":state",
		Payload:     upd,
		StateHash:   next.Hash(),
	})
	if err != nil {
		return nil, err
	}

	ack := &StepAck{Seq: updated.Seq, StateHash: next.Hash()}
	if id, err := c.maybeCheckpoint(ctx, report.RunID, report.AttemptID, updated.Seq, next); err != nil {
		return nil, err
	} else if id != "" {
		ack.CheckpointID = id
	}

	status := store.JobStatusRunning
	if ack.CheckpointID != "" {
		status = store.JobStatusCheckpointed
	}
	if _, err := c.store.UpdateAttempt(ctx, report.AttemptID, store.AttemptUpdate{
		To:              status,
		ExpectedVersion: att.Version,
	}); err != nil {
		return nil, err
	}
	if err := c.store.UpdateJobStatus(ctx, report.RunID, status); err != nil {
		return nil, err
	}
	return ack, nil
}

// maybeCheckpoint persists the folded state when enough events accumulated
// since the previous checkpoint.
func (c *Coordinator) maybeCheckpoint(ctx context.Context, runID, attemptID string, atSeq uint64, state event.State) (string, error) {
	if c.cfg.CheckpointInterval == 0 {
		return "", nil
	}
	var base uint64
	if cp, err := c.store.LatestCheckpoint(ctx, runID); err != nil {
		return "", err
	} else if cp != nil {
		base = cp.AtSeq
	}
	if atSeq-base < c.cfg.CheckpointInterval {
		return "", nil
	}
	cp := &event.Checkpoint{
		ID:        fmt.Sprintf("cp_%s", uuid.NewString()),
		RunID:     runID,
		AttemptID: attemptID,
		AtSeq:     atSeq,
		State:     state,
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return "", err
	}
	c.logger.Debug("checkpoint saved",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", cp.ID),
		zap.Uint64("at_seq", atSeq))
	return cp.ID, nil
}

func (c *Coordinator) reportFailure(ctx context.Context, att *store.Attempt, report StepReport) (*StepAck, error) {
	failure := report.Failure
	failed, applied, err := c.store.AppendDeduped(ctx, report.RunID, event.Record{
		AttemptID:   report.AttemptID,
		DedupeToken: "step:" + report.StepID + ":fail",
		Payload: event.ActionFailed{
			StepID:  report.StepID,
			Class:   failure.Class,
			Message: failure.Message,
		},
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return &StepAck{Seq: failed.Seq, Replayed: true}, nil
	}

	retrying := c.cfg.Retry.ShouldRetry(att.AttemptNo, failure.Class, failure.Retryable)

	closed, _, err := c.store.AppendDeduped(ctx, report.RunID, event.Record{
		AttemptID:   report.AttemptID,
		DedupeToken: "attempt:" + report.AttemptID + ":failed",
		Payload:     event.AttemptFailed{Reason: failure.Message},
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.store.UpdateAttempt(ctx, report.AttemptID, store.AttemptUpdate{
		To:              store.JobStatusFailed,
		ExpectedVersion: att.Version,
		SetEnded:        true,
		LastError:       failure.Message,
	}); err != nil {
		return nil, err
	}
	if err := c.store.ReleaseLease(ctx, report.AttemptID); err != nil {
		return nil, err
	}

	if !retrying {
		if err := c.store.UpdateJobStatus(ctx, report.RunID, store.JobStatusFailed); err != nil {
			return nil, err
		}
		c.logger.Warn("run failed",
			zap.String("run_id", report.RunID),
			zap.String("step_id", report.StepID),
			zap.String("class", failure.Class))
		return &StepAck{Seq: closed.Seq, Terminal: true}, nil
	}

	retryAt := c.clock().Add(c.cfg.Retry.Delay(att.AttemptNo))
	next := &store.Attempt{
		AttemptID: fmt.Sprintf("att_%s", uuid.NewString()),
		RunID:     report.RunID,
		AttemptNo: att.AttemptNo + 1,
		Status:    store.JobStatusRetryBackoff,
		RetryAt:   &retryAt,
	}
	if err := c.store.CreateAttempt(ctx, next); err != nil {
		return nil, err
	}
	if err := c.store.UpdateJobStatus(ctx, report.RunID, store.JobStatusRetryBackoff); err != nil {
		return nil, err
	}
	c.logger.Info("attempt failed, retry scheduled",
		zap.String("run_id", report.RunID),
		zap.Int("next_attempt_no", next.AttemptNo),
		zap.Time("retry_at", retryAt))
	return &StepAck{
		Seq: closed.Seq,
		Retry: &RetryInfo{
			AttemptID: next.AttemptID,
			AttemptNo: next.AttemptNo,
			RetryAt:   retryAt,
		},
	}, nil
}

// AckRequest is the worker's terminal success report.
type AckRequest struct {
	RunID     string          `json:"run_id"`
	AttemptID string          `json:"attempt_id"`
	LeaseID   string          `json:"lease_id"`
	WorkerID  string          `json:"worker_id"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// AckResult acknowledges run completion.
type AckResult struct {
	Seq      uint64 `json:"seq"`
	Replayed bool   `json:"replayed,omitempty"`
}

// Ack completes a run. The terminal event goes in first, then the status
// flips, then the lease is released. A duplicate ack, including one arriving
// after the lease is already gone, is answered from the log instead of
// failing.
func (c *Coordinator) Ack(ctx context.Context, req AckRequest) (*AckResult, error) {
	att, err := c.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		return nil, err
	}
	if att.Status == store.JobStatusCompleted {
		seq, err := c.store.LatestSeq(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		return &AckResult{Seq: seq, Replayed: true}, nil
	}

	if _, _, err := c.fence(ctx, req.AttemptID, req.LeaseID, req.WorkerID); err != nil {
		return nil, err
	}

	done, applied, err := c.store.AppendDeduped(ctx, req.RunID, event.Record{
		AttemptID:   req.AttemptID,
		DedupeToken: "ack:" + req.AttemptID,
		Payload:     event.AttemptCompleted{Result: req.Result},
	})
	if err != nil {
		return nil, err
	}
	if applied {
		if _, err := c.store.UpdateAttempt(ctx, req.AttemptID, store.AttemptUpdate{
			To:              store.JobStatusCompleted,
			ExpectedVersion: att.Version,
			SetEnded:        true,
		}); err != nil {
			return nil, err
		}
		if err := c.store.UpdateJobStatus(ctx, req.RunID, store.JobStatusCompleted); err != nil {
			return nil, err
		}
		if err := c.store.ReleaseLease(ctx, req.AttemptID); err != nil {
			return nil, err
		}
		c.cache.SetResult(ctx, req.RunID, req.Result)
		c.logger.Info("run completed", zap.String("run_id", req.RunID))
	}
	return &AckResult{Seq: done.Seq, Replayed: !applied}, nil
}

// Heartbeat renews a worker's lease.
func (c *Coordinator) Heartbeat(ctx context.Context, leaseID, workerID string) (*store.Lease, error) {
	return c.leases.Heartbeat(ctx, leaseID, workerID)
}

// ExtendLease renews a lease with extra headroom for a known slow step.
func (c *Coordinator) ExtendLease(ctx context.Context, leaseID, workerID string, extra time.Duration) (*store.Lease, error) {
	return c.leases.Extend(ctx, leaseID, workerID, extra)
}

// InterruptRequest is a worker-reported interrupt raise.
type InterruptRequest struct {
	RunID     string `json:"run_id"`
	AttemptID string `json:"attempt_id"`
	LeaseID   string `json:"lease_id"`
	WorkerID  string `json:"worker_id"`
	StepID    string `json:"step_id"`
	// InterruptID is optional; a replaying worker passes its original id.
	InterruptID string          `json:"interrupt_id,omitempty"`
	Request     json.RawMessage `json:"request,omitempty"`
}

// RaiseInterrupt parks the run on a pending interrupt after fencing the
// reporting worker. The lease is released so the parked run does not pin
// worker capacity while a human decides.
func (c *Coordinator) RaiseInterrupt(ctx context.Context, req InterruptRequest) (*store.Interrupt, error) {
	_, _, err := c.fence(ctx, req.AttemptID, req.LeaseID, req.WorkerID)
	if err != nil {
		return nil, err
	}
	intr, err := c.interrupts.Raise(ctx, interrupt.RaiseRequest{
		InterruptID: req.InterruptID,
		RunID:       req.RunID,
		AttemptID:   req.AttemptID,
		StepID:      req.StepID,
		Request:     req.Request,
	})
	if err != nil {
		return nil, err
	}
	if err := c.store.ReleaseLease(ctx, req.AttemptID); err != nil {
		return nil, err
	}
	return intr, nil
}
