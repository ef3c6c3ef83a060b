package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "locks:test", time.Minute)
	b := NewRedisLock(client, "locks:test", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock must not be acquirable")

	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released locks are acquirable again")
}

func TestRedisLock_ReleaseOnlyByOwner(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "locks:test", time.Minute)
	b := NewRedisLock(client, "locks:test", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never acquired; its release must not free a's lock.
	require.NoError(t, b.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "ownership check prevents cross-release")
}

func TestRedisLock_Extend(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "locks:test", time.Minute)
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, a.Extend(ctx, 2*time.Minute))

	b := NewRedisLock(client, "locks:test", time.Minute)
	assert.Error(t, b.Extend(ctx, time.Minute), "only the holder can extend")
}

func TestNopLock(t *testing.T) {
	var l NopLock
	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background()))
}
