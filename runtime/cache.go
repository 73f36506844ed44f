package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResultCache keeps hot read paths off the durable store: idempotent submit
// responses, resume results, and final run results. Redis is an accelerator
// here, never the source of truth; every getter degrades to a miss when the
// client is nil or the lookup fails.
type ResultCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewResultCache wraps a redis client. A nil client disables the cache; a nil
// logger is replaced with a nop logger.
func NewResultCache(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if keyPrefix == "" {
		keyPrefix = "loom:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "result_cache")),
	}
}

// Enabled reports whether a redis client is attached.
func (c *ResultCache) Enabled() bool { return c != nil && c.client != nil }

func (c *ResultCache) submitKey(idemKey string) string {
	return c.keyPrefix + "submit:" + idemKey
}

func (c *ResultCache) resumeKey(interruptID string) string {
	return c.keyPrefix + "resume:" + interruptID
}

func (c *ResultCache) resultKey(runID string) string {
	return c.keyPrefix + "result:" + runID
}

func (c *ResultCache) get(ctx context.Context, key string, dst any) bool {
	if !c.Enabled() {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *ResultCache) set(ctx context.Context, key string, v any) {
	if !c.Enabled() {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// GetSubmit returns the cached response for an idempotency key, if any.
func (c *ResultCache) GetSubmit(ctx context.Context, idemKey string) (*SubmitResponse, bool) {
	if idemKey == "" {
		return nil, false
	}
	var resp SubmitResponse
	if !c.get(ctx, c.submitKey(idemKey), &resp) {
		return nil, false
	}
	return &resp, true
}

// SetSubmit caches the response for an idempotency key.
func (c *ResultCache) SetSubmit(ctx context.Context, idemKey string, resp *SubmitResponse) {
	if idemKey == "" || resp == nil {
		return
	}
	c.set(ctx, c.submitKey(idemKey), resp)
}

// GetResume returns the cached result of a resolved interrupt, if any.
func (c *ResultCache) GetResume(ctx context.Context, interruptID string) (json.RawMessage, bool) {
	var result json.RawMessage
	if !c.get(ctx, c.resumeKey(interruptID), &result) {
		return nil, false
	}
	return result, true
}

// SetResume caches the result of a resolved interrupt.
func (c *ResultCache) SetResume(ctx context.Context, interruptID string, result json.RawMessage) {
	if interruptID == "" || len(result) == 0 {
		return
	}
	c.set(ctx, c.resumeKey(interruptID), result)
}

// GetResult returns the cached final result of a run, if any.
func (c *ResultCache) GetResult(ctx context.Context, runID string) (json.RawMessage, bool) {
	var result json.RawMessage
	if !c.get(ctx, c.resultKey(runID), &result) {
		return nil, false
	}
	return result, true
}

// SetResult caches the final result of a run.
func (c *ResultCache) SetResult(ctx context.Context, runID string, result json.RawMessage) {
	if runID == "" || len(result) == 0 {
		return
	}
	c.set(ctx, c.resultKey(runID), result)
}
