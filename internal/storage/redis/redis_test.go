package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := New(config.RedisConfig{Address: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNew_ConnectionFailure(t *testing.T) {
	_, err := New(config.RedisConfig{Address: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestRateLimiter_Allow(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	limiter := NewRateLimiter(client, "rl:test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, remaining, err := limiter.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2-i, remaining)
	}

	ok, _, err := limiter.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok, "超过窗口限额")

	ok, _, err = limiter.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok, "不同 key 独立计数")
}

func TestLocker_TryLock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "lock:sweep", time.Minute)

	unlock, ok, err := locker.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("锁被占用时不可重入", func(t *testing.T) {
		_, ok, err := locker.TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("释放后可以再次获取", func(t *testing.T) {
		require.NoError(t, unlock(ctx))
		assert.False(t, mr.Exists("lock:sweep"))

		again, ok, err := locker.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, again(ctx))
	})

	t.Run("过期后旧持有者不能释放新锁", func(t *testing.T) {
		stale, ok, err := locker.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Minute)
		_, ok, err = locker.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, stale(ctx))
		assert.True(t, mr.Exists("lock:sweep"), "新持有者的锁仍然存在")
	})
}
