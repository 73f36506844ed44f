// Package lease coordinates exclusive execution rights over attempts. The
// durable store enforces the hard guarantees (unique lease per attempt,
// version bumps on requeue); the manager layers the time policy on top:
// ttl on acquire and heartbeat, a grace window before an expired lease is
// harvested, and the periodic scan that requeues abandoned attempts.
package lease

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/types"
)

// Config carries the lease timing knobs.
type Config struct {
	// TTL is how long an acquisition or heartbeat keeps the lease alive.
	TTL time.Duration
	// HeartbeatGrace is extra slack past the ttl before the scan harvests
	// the lease. A worker stalled for less than ttl+grace keeps ownership.
	HeartbeatGrace time.Duration
}

// DefaultConfig returns the timing defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            30 * time.Second,
		HeartbeatGrace: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = def.HeartbeatGrace
	}
	return c
}

// Store is the slice of the durable store the manager needs.
type Store interface {
	AcquireLease(ctx context.Context, attemptID, workerID string, ttl time.Duration) (*store.Lease, error)
	TouchLease(ctx context.Context, leaseID, workerID string, ttl time.Duration) (*store.Lease, error)
	GetLeaseForAttempt(ctx context.Context, attemptID string) (*store.Lease, error)
	CountWorkerLeases(ctx context.Context, workerID string, now time.Time) (int64, error)
	ReleaseLease(ctx context.Context, attemptID string) error
	ExpireLeases(ctx context.Context, now time.Time) ([]string, error)
}

// TickResult reports one expiry scan.
type TickResult struct {
	// ExpiredRequeued lists the attempt ids put back on the queue.
	ExpiredRequeued []string
	// At is the wall time the scan evaluated expiry against.
	At time.Time
}

// Manager applies the lease time policy over a Store.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

// NewManager builds a manager. A nil logger is replaced with a nop logger.
func NewManager(s Store, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  s,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "lease")),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Config returns the effective timing configuration.
func (m *Manager) Config() Config { return m.cfg }

// Acquire grants the worker an exclusive lease on the attempt for one ttl.
func (m *Manager) Acquire(ctx context.Context, attemptID, workerID string) (*store.Lease, error) {
	lease, err := m.store.AcquireLease(ctx, attemptID, workerID, m.cfg.TTL)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("lease acquired",
		zap.String("attempt_id", attemptID),
		zap.String("worker_id", workerID),
		zap.Time("expires_at", lease.ExpiresAt))
	return lease, nil
}

// Heartbeat renews the lease for one ttl from now. Only the recorded owner may
// renew; anyone else gets conflict, which is how a fenced-out worker learns it
// lost the attempt.
func (m *Manager) Heartbeat(ctx context.Context, leaseID, workerID string) (*store.Lease, error) {
	return m.store.TouchLease(ctx, leaseID, workerID, m.cfg.TTL)
}

// Extend renews the lease for ttl plus extra. Long-running steps call this
// ahead of a known slow section instead of racing the heartbeat interval.
func (m *Manager) Extend(ctx context.Context, leaseID, workerID string, extra time.Duration) (*store.Lease, error) {
	if extra < 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "lease extension must not be negative")
	}
	return m.store.TouchLease(ctx, leaseID, workerID, m.cfg.TTL+extra)
}

// Release drops the lease after a terminal acknowledgment.
func (m *Manager) Release(ctx context.Context, attemptID string) error {
	return m.store.ReleaseLease(ctx, attemptID)
}

// ActiveFor returns the live lease on an attempt, or nil.
func (m *Manager) ActiveFor(ctx context.Context, attemptID string) (*store.Lease, error) {
	lease, err := m.store.GetLeaseForAttempt(ctx, attemptID)
	if err != nil || lease == nil {
		return nil, err
	}
	if lease.Expired(m.clock()) {
		return nil, nil
	}
	return lease, nil
}

// Load returns the number of unexpired leases the worker currently holds.
func (m *Manager) Load(ctx context.Context, workerID string) (int64, error) {
	return m.store.CountWorkerLeases(ctx, workerID, m.clock())
}

// ExpiryScan harvests leases whose expiry plus the grace window has passed and
// requeues their attempts. The version bump done by the store fences out the
// previous owner's late writes.
func (m *Manager) ExpiryScan(ctx context.Context) (TickResult, error) {
	now := m.clock()
	cutoff := now.Add(-m.cfg.HeartbeatGrace)
	requeued, err := m.store.ExpireLeases(ctx, cutoff)
	if err != nil {
		return TickResult{}, err
	}
	if len(requeued) > 0 {
		m.logger.Warn("expired leases requeued",
			zap.Int("count", len(requeued)),
			zap.Strings("attempt_ids", requeued))
	}
	return TickResult{ExpiredRequeued: requeued, At: now}, nil
}

// Run scans for expired leases on the interval until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.TTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.ExpiryScan(ctx); err != nil {
				m.logger.Error("expiry scan failed", zap.Error(err))
			}
		}
	}
}
