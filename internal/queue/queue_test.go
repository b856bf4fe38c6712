package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDeliversInOrder(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, Message{ID: id, Type: "notify"}))
	}
	assert.Equal(t, 3, q.Len())

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []string{"a", "b", "c"} {
		select {
		case msg := <-ch:
			assert.Equal(t, want, msg.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{ID: "fill"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Message{ID: "overflow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumeClosesOnCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Message{ID: "01J", Type: "notify", Body: json.RawMessage(`{"to":"a@b.c"}`), Attempts: 2}
	raw, err := serialize(in)
	require.NoError(t, err)

	out, err := deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Attempts, out.Attempts)
	assert.JSONEq(t, string(in.Body), string(out.Body))

	_, err = deserialize("notify|legacy")
	assert.Error(t, err)
}
