package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomrun/loom/types"
)

// Store is the durable backing for every control-plane entity. Concurrency
// safety is entity-by-entity: uniqueness constraints (one lease per attempt,
// one idempotency key) and optimistic version checks enforced by the
// database's transactional semantics. No in-process locks guard cross-worker
// races.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// New wraps an opened gorm DB.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *gorm.DB { return s.db }

// AutoMigrate creates the schema through gorm. Production deployments use
// the SQL migrations in internal/migration; this covers tests and sqlite
// embedding.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&Job{},
		&Attempt{},
		&EventRow{},
		&CheckpointRow{},
		&Lease{},
		&Interrupt{},
		&IdempotencyRecord{},
	)
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Stats returns job counts per status for the list surface and metrics sync.
func (s *Store) Stats(ctx context.Context) (map[JobStatus]int64, error) {
	type row struct {
		Status JobStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "count jobs by status").WithCause(err)
	}
	out := make(map[JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// isUniqueViolation detects duplicate-key failures across the supported
// dialects (sqlite, postgres, mysql).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique_violation") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed")
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
