package util

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"goalpath/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduper_AcquireOnce(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, zap.NewNop())
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "roadmap", "g1:run-1"))
	assert.False(t, d.AcquireOnce(ctx, "roadmap", "g1:run-1"))
	assert.True(t, d.AcquireOnce(ctx, "roadmap", "g1:run-2"))

	d.Release(ctx, "roadmap", "g1:run-1")
	assert.True(t, d.AcquireOnce(ctx, "roadmap", "g1:run-1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "roadmap", "g1:run-2"))
}

func TestDeduper_RedisDownAllowsProcessing(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, zap.NewNop())
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "roadmap", "g1"))
}

func TestDeduper_DoneOnlyAfterMarkDone(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, zap.NewNop())
	ctx := context.Background()

	// An in-flight claim left by a crashed attempt does not count as done.
	require.True(t, d.AcquireOnce(ctx, "roadmap", "g1:run-1"))
	assert.False(t, d.Done(ctx, "roadmap", "g1:run-1"))

	d.MarkDone(ctx, "roadmap", "g1:run-1")
	assert.True(t, d.Done(ctx, "roadmap", "g1:run-1"))
	assert.False(t, d.Done(ctx, "roadmap", "g1:run-2"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, d.Done(ctx, "roadmap", "g1:run-1"))

	mr.Close()
	assert.False(t, d.Done(ctx, "roadmap", "g1:run-1"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("roadmap", "g1")

	n, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, mr.TTL(key) > 0)

	got, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	require.NoError(t, rc.Reset(ctx, key))
	got, err = rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		kind      string
	}{
		{model.Validationf("title required"), false, "validation"},
		{fmt.Errorf("load: %w", model.ErrNotFound), false, "not_found"},
		{model.Conflictf("goals g1"), true, "conflict"},
		{model.Upstream("propose milestones", fmt.Errorf("503")), true, "upstream_generation"},
		{context.DeadlineExceeded, true, "timeout"},
		{context.Canceled, false, "context_canceled"},
		{&pgconn.PgError{Code: "08006"}, true, "db_transient"},
		{&pgconn.PgError{Code: "23503"}, false, "db_error"},
		{fmt.Errorf("mystery"), false, "unknown_error"},
	}
	for _, tc := range cases {
		retryable, kind := IsRetryableError(tc.err)
		assert.Equal(t, tc.retryable, retryable, tc.err.Error())
		assert.Equal(t, tc.kind, kind, tc.err.Error())
	}
	assert.False(t, ShouldRetry(1, 3, false))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("u-42", "admin", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-42", claims.UserID)
	assert.Equal(t, "admin", claims.Role)

	_, err = ParseJWT(token, "other-secret")
	assert.Error(t, err)

	expired, err := GenerateJWT("u-42", "", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "secret")
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, ExtractToken(r))
	r.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", ExtractToken(r))
	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, ExtractToken(r))
}
