// Package scheduler decides what a polling worker gets: a dispatched attempt,
// a noop when the queue is empty, or backpressure when the worker is already
// at its lease budget. The scheduler holds no state of its own; every poll is
// derived from store queries, so any number of scheduler replicas agree.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomrun/loom/lease"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// Decision is the outcome of one poll.
type Decision string

const (
	// DecisionDispatched means the worker was granted a leased attempt.
	DecisionDispatched Decision = "dispatched"
	// DecisionNoop means nothing is dispatchable right now.
	DecisionNoop Decision = "noop"
	// DecisionBackpressure means the worker is at its lease budget and must
	// finish or release work before polling again.
	DecisionBackpressure Decision = "backpressure"
)

// Config carries the dispatch knobs.
type Config struct {
	// MaxLeasesPerWorker is the server-side cap on concurrent attempts per
	// worker, applied on top of the budget the worker declares in its poll.
	// Zero or negative means no server-side cap.
	MaxLeasesPerWorker int64
	// DispatchBatch is how many dispatchable candidates one poll considers
	// before giving up as noop.
	DispatchBatch int
}

func (c Config) withDefaults() Config {
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = 8
	}
	return c
}

// Store is the slice of the durable store the scheduler reads.
type Store interface {
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]*store.Attempt, error)
	GetJob(ctx context.Context, runID string) (*store.Job, error)
}

// Dispatch is the work handed to a worker on a successful poll.
type Dispatch struct {
	Job     *store.Job     `json:"job"`
	Attempt *store.Attempt `json:"attempt"`
	Lease   *store.Lease   `json:"lease"`
}

// PollResult is what a poll returns. Dispatch is set only for
// DecisionDispatched.
type PollResult struct {
	Decision Decision  `json:"decision"`
	Dispatch *Dispatch `json:"dispatch,omitempty"`
}

// Scheduler pairs dispatchable attempts with polling workers.
type Scheduler struct {
	store  Store
	leases *lease.Manager
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

// New builds a scheduler. A nil logger is replaced with a nop logger.
func New(s Store, leases *lease.Manager, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  s,
		leases: leases,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "scheduler")),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Poll runs one dispatch round for a worker. maxActiveLeases is the budget
// the worker declares for itself; the lower of it and the server-side cap
// wins, and zero declares no budget. The expiry scan runs first so a crashed
// worker's attempts are dispatchable on the very next poll. Candidates that
// another scheduler replica leases between the query and the acquire are
// skipped; losing every race in the batch is a noop, not an error.
func (s *Scheduler) Poll(ctx context.Context, workerID string, maxActiveLeases int64) (PollResult, error) {
	if workerID == "" {
		return PollResult{}, types.NewError(types.ErrInvalidArgument, "worker id is required")
	}

	if _, err := s.leases.ExpiryScan(ctx); err != nil {
		return PollResult{}, err
	}

	limit := s.cfg.MaxLeasesPerWorker
	if maxActiveLeases > 0 && (limit <= 0 || maxActiveLeases < limit) {
		limit = maxActiveLeases
	}
	if limit > 0 {
		held, err := s.leases.Load(ctx, workerID)
		if err != nil {
			return PollResult{}, err
		}
		if held >= limit {
			return PollResult{Decision: DecisionBackpressure}, nil
		}
	}

	candidates, err := s.store.ListDispatchable(ctx, s.clock(), s.cfg.DispatchBatch)
	if err != nil {
		return PollResult{}, err
	}

	for _, att := range candidates {
		granted, err := s.leases.Acquire(ctx, att.AttemptID, workerID)
		if err != nil {
			if types.IsConflict(err) {
				continue
			}
			return PollResult{}, err
		}
		job, err := s.store.GetJob(ctx, att.RunID)
		if err != nil {
			return PollResult{}, err
		}
		attempt := *att
		attempt.Status = store.JobStatusLeasedToWorker
		s.logger.Info("attempt dispatched",
			zap.String("run_id", att.RunID),
			zap.String("attempt_id", att.AttemptID),
			zap.String("worker_id", workerID))
		return PollResult{
			Decision: DecisionDispatched,
			Dispatch: &Dispatch{Job: job, Attempt: &attempt, Lease: granted},
		}, nil
	}

	return PollResult{Decision: DecisionNoop}, nil
}
