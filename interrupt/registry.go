// Package interrupt manages the human-in-the-loop handshake: a worker raises
// an interrupt to park a run, an operator resolves or rejects it later. The
// store makes each verb atomic with its event append; the registry adds id
// minting, listing, and the stale-interrupt sweep.
package interrupt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// Store is the slice of the durable store the registry needs.
type Store interface {
	RaiseInterrupt(ctx context.Context, intr *store.Interrupt, stepID, dedupeToken string) (*event.Sequenced, error)
	ResolveInterrupt(ctx context.Context, interruptID string, value, result []byte) (*store.ResolveResult, error)
	RejectInterrupt(ctx context.Context, interruptID string, reason string) (*store.Interrupt, error)
	GetInterrupt(ctx context.Context, interruptID string) (*store.Interrupt, error)
	ListInterrupts(ctx context.Context, filter store.InterruptFilter) ([]*store.Interrupt, error)
	PendingInterruptForRun(ctx context.Context, runID string) (*store.Interrupt, error)
}

// Config carries interrupt policy knobs.
type Config struct {
	// ResumeTimeout bounds how long an interrupt may stay pending before the
	// sweep rejects it and cancels the run. Zero disables the sweep.
	ResumeTimeout time.Duration
}

// Registry is the interrupt surface used by the coordinator and the API.
type Registry struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

// NewRegistry builds a registry. A nil logger is replaced with a nop logger.
func NewRegistry(s Store, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  s,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "interrupt")),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// RaiseRequest describes a worker-reported interrupt.
type RaiseRequest struct {
	// InterruptID is optional; a replaying worker passes the id it minted the
	// first time so the raise deduplicates. Empty mints a fresh id.
	InterruptID string
	RunID       string
	AttemptID   string
	StepID      string
	Request     json.RawMessage
	DedupeToken string
}

// Raise parks the run on a pending interrupt. A repeat of an already persisted
// raise is absorbed and returns the existing record.
func (r *Registry) Raise(ctx context.Context, req RaiseRequest) (*store.Interrupt, error) {
	if req.RunID == "" || req.AttemptID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "run id and attempt id are required")
	}
	id := req.InterruptID
	if id == "" {
		id = fmt.Sprintf("int_%s", uuid.NewString())
	}
	token := req.DedupeToken
	if token == "" {
		token = "interrupt:" + id
	}

	raised, err := r.store.RaiseInterrupt(ctx, &store.Interrupt{
		InterruptID: id,
		RunID:       req.RunID,
		AttemptID:   req.AttemptID,
		Request:     req.Request,
	}, req.StepID, token)
	if err != nil {
		return nil, err
	}
	if raised != nil {
		r.logger.Info("interrupt raised",
			zap.String("interrupt_id", id),
			zap.String("run_id", req.RunID),
			zap.String("step_id", req.StepID),
			zap.Uint64("seq", raised.Seq))
	}
	return r.store.GetInterrupt(ctx, id)
}

// Resolve applies a resume decision at most once. The duplicate path returns
// the stored result with Applied=false and leaves the run untouched.
func (r *Registry) Resolve(ctx context.Context, interruptID string, value, result []byte) (*store.ResolveResult, error) {
	res, err := r.store.ResolveInterrupt(ctx, interruptID, value, result)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		r.logger.Info("interrupt resolved",
			zap.String("interrupt_id", interruptID),
			zap.String("run_id", res.Interrupt.RunID))
	}
	return res, nil
}

// Reject refuses the interrupt and cancels the owning run.
func (r *Registry) Reject(ctx context.Context, interruptID, reason string) (*store.Interrupt, error) {
	intr, err := r.store.RejectInterrupt(ctx, interruptID, reason)
	if err != nil {
		return nil, err
	}
	r.logger.Info("interrupt rejected",
		zap.String("interrupt_id", interruptID),
		zap.String("run_id", intr.RunID),
		zap.String("reason", reason))
	return intr, nil
}

// Get loads one interrupt.
func (r *Registry) Get(ctx context.Context, interruptID string) (*store.Interrupt, error) {
	return r.store.GetInterrupt(ctx, interruptID)
}

// List returns interrupts oldest first.
func (r *Registry) List(ctx context.Context, filter store.InterruptFilter) ([]*store.Interrupt, error) {
	return r.store.ListInterrupts(ctx, filter)
}

// PendingForRun returns the unresolved interrupt parking a run, or nil.
func (r *Registry) PendingForRun(ctx context.Context, runID string) (*store.Interrupt, error) {
	return r.store.PendingInterruptForRun(ctx, runID)
}

// SweepStale rejects pending interrupts older than the resume timeout and
// returns their ids. A zero timeout disables the sweep.
func (r *Registry) SweepStale(ctx context.Context) ([]string, error) {
	if r.cfg.ResumeTimeout <= 0 {
		return nil, nil
	}
	cutoff := r.clock().Add(-r.cfg.ResumeTimeout)
	pending, err := r.store.ListInterrupts(ctx, store.InterruptFilter{Status: store.InterruptStatusPending})
	if err != nil {
		return nil, err
	}
	var rejected []string
	for _, intr := range pending {
		if !intr.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := r.store.RejectInterrupt(ctx, intr.InterruptID, "resume timeout exceeded"); err != nil {
			if types.IsConflict(err) {
				// resolved between the list and the reject
				continue
			}
			return rejected, err
		}
		rejected = append(rejected, intr.InterruptID)
	}
	if len(rejected) > 0 {
		r.logger.Warn("stale interrupts rejected",
			zap.Int("count", len(rejected)),
			zap.Duration("resume_timeout", r.cfg.ResumeTimeout))
	}
	return rejected, nil
}
