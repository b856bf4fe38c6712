package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueueDeliversInOrder(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, ReadTimeout: 6 * time.Second})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis at %s not reachable: %v", addr, err)
	}

	key := "attendance:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })
	q := NewRedisQueue(client, key, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, Message{ID: id, Type: "notification"}))
	}
	// Malformed payloads are dropped, not delivered.
	require.NoError(t, client.LPush(ctx, key, "not json").Err())
	require.NoError(t, q.Publish(ctx, Message{ID: "d", Type: "notification"}))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []string{"a", "b", "c", "d"} {
		select {
		case msg := <-ch:
			assert.Equal(t, want, msg.ID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
