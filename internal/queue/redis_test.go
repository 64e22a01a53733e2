package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisQueue starts an in-process Redis server and connects a queue to it.
func setupRedisQueue(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()

	srv := miniredis.RunT(t)

	q, err := NewRedisQueue(context.Background(), &Config{
		URL: fmt.Sprintf("redis://%s/0", srv.Addr()),
		Key: "event_queue",
	})
	require.NoError(t, err, "Failed to connect to test redis")

	t.Cleanup(func() { _ = q.Close() })

	return srv, q
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, q := setupRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, testEvent("event-001")))
	require.NoError(t, q.Enqueue(ctx, testEvent("event-002")))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "event-001", first.EventID)

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "event-002", second.EventID)

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestRedisQueue_DequeueTimeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, q := setupRedisQueue(t)

	e, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, e, "empty queue should return the timeout marker")
}

func TestRedisQueue_PayloadSurvivesWire(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, q := setupRedisQueue(t)

	original := testEvent("wire-001")

	require.NoError(t, q.Enqueue(ctx, original))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, original.Topic, got.Topic)
	assert.Equal(t, original.EventID, got.EventID)
	assert.Equal(t, original.Source, got.Source)
	assert.True(t, got.Timestamp.Equal(original.Timestamp))
	assert.JSONEq(t, string(original.Payload), string(got.Payload))
}

func TestRedisQueue_SurvivesReconnect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	srv, q := setupRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, testEvent("durable-001")))
	require.NoError(t, q.Close())

	// A fresh client against the same server sees the entry: queue depth
	// lives in Redis, not in the aggregator process.
	reopened, err := NewRedisQueue(ctx, &Config{
		URL: fmt.Sprintf("redis://%s/0", srv.Addr()),
		Key: "event_queue",
	})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	e, err := reopened.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "durable-001", e.EventID)
}

func TestRedisQueue_HealthCheck(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	srv, q := setupRedisQueue(t)

	require.NoError(t, q.HealthCheck(ctx))

	srv.Close()

	assert.Error(t, q.HealthCheck(ctx), "health check should fail once the server is gone")
}

func TestRedisQueue_MalformedEntryRejected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	srv, q := setupRedisQueue(t)

	// Inject a corrupt entry directly, bypassing the codec.
	_, err := srv.Push("event_queue", "not-an-event")
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, time.Second)
	require.ErrorIs(t, err, ErrMalformedEntry)
}
