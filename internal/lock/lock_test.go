package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	a := NewRedisLock(client, "scheduling-pass", time.Minute)
	b := NewRedisLock(client, "scheduling-pass", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Чужой Release не снимает блокировку.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Expires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	a := NewRedisLock(client, "k", 10*time.Second)
	b := NewRedisLock(client, "k", 10*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	extended, err := a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended, "expired owner cannot extend")
}

func TestRun_SkipsWhenHeld(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	holder := NewRedisLock(client, "pass", time.Minute)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	ran, err := Run(ctx, NewRedisLock(client, "pass", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
}

func TestRun_ReleasesAfterError(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	boom := errors.New("boom")
	l := NewRedisLock(client, "pass", time.Minute)
	ran, err := Run(ctx, l, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	ok, err := NewRedisLock(client, "pass", time.Minute).Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_NilLocker(t *testing.T) {
	ran, err := Run(context.Background(), nil, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestKeyID_Deterministic(t *testing.T) {
	assert.Equal(t, KeyID("scheduling-pass"), KeyID("scheduling-pass"))
	assert.NotEqual(t, KeyID("scheduling-pass"), KeyID("daily-reset"))
}
