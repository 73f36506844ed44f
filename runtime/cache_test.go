package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/store"
)

func setupCache(t *testing.T) *ResultCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewResultCache(client, "loom-test:", time.Hour, nil)
}

func TestResultCache_SubmitRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := setupCache(t)

	_, ok := c.GetSubmit(ctx, "key-1")
	assert.False(t, ok)

	resp := &SubmitResponse{RunID: "run-1", AttemptID: "att-1", Status: store.JobStatusQueued}
	c.SetSubmit(ctx, "key-1", resp)

	got, ok := c.GetSubmit(ctx, "key-1")
	require.True(t, ok)
	assert.Equal(t, resp.RunID, got.RunID)
	assert.Equal(t, resp.AttemptID, got.AttemptID)
}

func TestResultCache_ResumeAndResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := setupCache(t)

	c.SetResume(ctx, "int-1", json.RawMessage(`{"ok":true}`))
	got, ok := c.GetResume(ctx, "int-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(got))

	c.SetResult(ctx, "run-1", json.RawMessage(`{"answer":42}`))
	res, ok := c.GetResult(ctx, "run-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"answer":42}`, string(res))

	_, ok = c.GetResult(ctx, "run-unknown")
	assert.False(t, ok)
}

func TestResultCache_DisabledIsMissOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewResultCache(nil, "", 0, nil)
	assert.False(t, c.Enabled())

	c.SetResult(ctx, "run-1", json.RawMessage(`{}`))
	_, ok := c.GetResult(ctx, "run-1")
	assert.False(t, ok)
}

func TestResultCache_EmptyKeysIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := setupCache(t)

	c.SetSubmit(ctx, "", &SubmitResponse{RunID: "run-1"})
	_, ok := c.GetSubmit(ctx, "")
	assert.False(t, ok)
}
