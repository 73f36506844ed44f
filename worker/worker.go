// Package worker runs the execution side of the protocol: poll for a leased
// attempt, replay the run's folded state, then drive the executor step by
// step with every side effect bracketed by intent and outcome reports. The
// worker holds no durable state; crashing at any point leaves a run the
// control plane can recover and hand to someone else.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/scheduler"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// Control is the worker's view of the control plane. In-process deployments
// wire the coordinator and scheduler directly; remote workers use an HTTP
// client with the same shape.
type Control interface {
	Poll(ctx context.Context, workerID string, maxActiveLeases int64) (scheduler.PollResult, error)
	ReplayState(ctx context.Context, runID string) (event.State, error)
	RecordIntent(ctx context.Context, req runtime.IntentRequest) (*runtime.IntentResult, error)
	ReportStep(ctx context.Context, report runtime.StepReport) (*runtime.StepAck, error)
	Ack(ctx context.Context, req runtime.AckRequest) (*runtime.AckResult, error)
	RaiseInterrupt(ctx context.Context, req runtime.InterruptRequest) (*store.Interrupt, error)
	Heartbeat(ctx context.Context, leaseID, workerID string) (*store.Lease, error)
}

// RunContext is what the executor sees of the run it is driving.
type RunContext struct {
	Job     *store.Job
	Attempt *store.Attempt
	State   event.State
}

// StepPlan is the next step the executor wants executed.
type StepPlan struct {
	StepID string
	Name   string
	Input  json.RawMessage
}

// InterruptPlan parks the run awaiting a human decision.
type InterruptPlan struct {
	StepID  string
	Request json.RawMessage
}

// Decision is the executor's verdict on what happens next. Exactly one field
// is set.
type Decision struct {
	// Step schedules one more side-effecting step.
	Step *StepPlan
	// Interrupt parks the run.
	Interrupt *InterruptPlan
	// Result completes the run.
	Result json.RawMessage
	// Done marks the run complete; set together with Result (which may be
	// empty).
	Done bool
}

// StepExecutor is the workflow program boundary. Plan inspects the folded
// state and picks the next move; Execute performs one planned step. Both must
// be deterministic functions of the state for replay to converge.
type StepExecutor interface {
	Plan(ctx context.Context, run RunContext) (Decision, error)
	Execute(ctx context.Context, run RunContext, step StepPlan) (json.RawMessage, error)
}

// Config carries the worker knobs.
type Config struct {
	// ID identifies this worker in leases and reports.
	ID string
	// Concurrency is the number of attempts driven in parallel.
	Concurrency int
	// PollRate paces polls per runner when the queue is idle.
	PollRate rate.Limit
	// HeartbeatInterval is how often a held lease is renewed. Keep well
	// under the lease ttl.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollRate <= 0 {
		c.PollRate = rate.Every(time.Second)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Worker polls for attempts and drives them through the executor.
type Worker struct {
	control  Control
	executor StepExecutor
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New builds a worker. A nil logger is replaced with a nop logger.
func New(control Control, executor StepExecutor, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		control:  control,
		executor: executor,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.PollRate, 1),
		logger: logger.With(
			zap.String("component", "worker"),
			zap.String("worker_id", cfg.ID)),
	}
}

// Run polls and executes until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.runLoop(ctx)
		})
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (w *Worker) runLoop(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := w.control.Poll(ctx, w.cfg.ID, int64(w.cfg.Concurrency))
		if err != nil {
			w.logger.Error("poll failed", zap.Error(err))
			continue
		}
		switch res.Decision {
		case scheduler.DecisionDispatched:
			if err := w.drive(ctx, res.Dispatch); err != nil && ctx.Err() == nil {
				w.logger.Error("attempt execution failed",
					zap.String("attempt_id", res.Dispatch.Attempt.AttemptID),
					zap.Error(err))
			}
		case scheduler.DecisionBackpressure, scheduler.DecisionNoop:
			// limiter paces the next poll
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// drive executes one leased attempt to an end state: completion, interrupt,
// failure, or lost lease.
func (w *Worker) drive(ctx context.Context, d *scheduler.Dispatch) error {
	runID := d.Job.RunID
	log := w.logger.With(
		zap.String("run_id", runID),
		zap.String("attempt_id", d.Attempt.AttemptID))
	log.Info("attempt started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(ctx, cancel, d.Lease)

	for {
		state, err := w.control.ReplayState(ctx, runID)
		if err != nil {
			return err
		}
		run := RunContext{Job: d.Job, Attempt: d.Attempt, State: state}

		decision, err := w.executor.Plan(ctx, run)
		if err != nil {
			_, rerr := w.control.ReportStep(ctx, runtime.StepReport{
				RunID: runID, AttemptID: d.Attempt.AttemptID,
				LeaseID: d.Lease.LeaseID, WorkerID: w.cfg.ID,
				StepID:  "plan",
				Failure: &runtime.StepFailure{Class: "plan_error", Message: err.Error()},
			})
			if rerr != nil {
				return rerr
			}
			return nil
		}

		switch {
		case decision.Done:
			_, err := w.control.Ack(ctx, runtime.AckRequest{
				RunID: runID, AttemptID: d.Attempt.AttemptID,
				LeaseID: d.Lease.LeaseID, WorkerID: w.cfg.ID,
				Result: decision.Result,
			})
			if err == nil {
				log.Info("attempt completed")
			}
			return err

		case decision.Interrupt != nil:
			_, err := w.control.RaiseInterrupt(ctx, runtime.InterruptRequest{
				RunID: runID, AttemptID: d.Attempt.AttemptID,
				LeaseID: d.Lease.LeaseID, WorkerID: w.cfg.ID,
				StepID:  decision.Interrupt.StepID,
				Request: decision.Interrupt.Request,
			})
			if err == nil {
				log.Info("attempt parked on interrupt",
					zap.String("step_id", decision.Interrupt.StepID))
			}
			return err

		case decision.Step != nil:
			done, err := w.runStep(ctx, d, run, *decision.Step)
			if err != nil || done {
				return err
			}

		default:
			return types.NewError(types.ErrInternal, "executor returned an empty decision")
		}
	}
}

// runStep brackets one side effect between intent and outcome. Returns done
// when the attempt cannot continue (terminal failure or retry scheduled
// elsewhere).
func (w *Worker) runStep(ctx context.Context, d *scheduler.Dispatch, run RunContext, step StepPlan) (bool, error) {
	runID := d.Job.RunID
	if _, err := w.control.RecordIntent(ctx, runtime.IntentRequest{
		RunID: runID, AttemptID: d.Attempt.AttemptID,
		LeaseID: d.Lease.LeaseID, WorkerID: w.cfg.ID,
		StepID: step.StepID, Name: step.Name, Input: step.Input,
	}); err != nil {
		return true, err
	}

	output, execErr := w.executor.Execute(ctx, run, step)

	report := runtime.StepReport{
		RunID: runID, AttemptID: d.Attempt.AttemptID,
		LeaseID: d.Lease.LeaseID, WorkerID: w.cfg.ID,
		StepID: step.StepID,
	}
	if execErr != nil {
		report.Failure = &runtime.StepFailure{
			Class:     string(types.GetErrorCode(execErr)),
			Message:   execErr.Error(),
			Retryable: types.IsRetryable(execErr),
		}
	} else {
		report.Output = output
	}

	if _, err := w.control.ReportStep(ctx, report); err != nil {
		return true, err
	}
	// a failed step closes the attempt; any retry runs under a new lease
	return execErr != nil, nil
}

// heartbeatLoop renews the lease until the attempt context ends. A failed
// renewal means the lease was lost; execution is cancelled so the fenced-out
// attempt stops burning work it can no longer report.
func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, granted *store.Lease) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.control.Heartbeat(ctx, granted.LeaseID, w.cfg.ID); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("lease lost, cancelling execution",
					zap.String("lease_id", granted.LeaseID),
					zap.Error(err))
				cancel()
				return
			}
		}
	}
}
