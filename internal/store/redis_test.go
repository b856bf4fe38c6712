package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openRedis connects to REDIS_ADDR and skips when it is unset or down.
func openRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r := NewRedis(addr)
	t.Cleanup(func() { _ = r.Close() })
	if !r.Healthy(context.Background()) {
		t.Skipf("redis at %s not reachable", addr)
	}
	return r
}

func TestRedisLockerLease(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	key := "attendance:test:" + uuid.NewString()
	t.Cleanup(func() { r.Client.Del(context.Background(), key) })

	a := NewRedisLocker(r.Client, "worker-a")
	b := NewRedisLocker(r.Client, "worker-b")

	release, ok, err := a.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by worker-a")

	release()
	releaseB, ok, err := b.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release from the previous holder must not drop worker-b's lease.
	release()
	owner, err := r.Client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "worker-b", owner)
	releaseB()
}

func TestRedisLockerExpires(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	key := "attendance:test:" + uuid.NewString()
	t.Cleanup(func() { r.Client.Del(context.Background(), key) })

	_, ok, err := NewRedisLocker(r.Client, "worker-a").TryLock(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(250 * time.Millisecond)
	_, ok, err = NewRedisLocker(r.Client, "worker-b").TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
