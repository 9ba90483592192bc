package connector

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestQueueEnqueueDequeueRoundTrips(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newTestRedis(t), 10)

	job := Job{Tenant: "tenant-a", Provider: "slack", ExternalID: "doc-1"}
	require.NoError(t, q.Enqueue(ctx, job))

	depth, err := q.Depth(ctx, "tenant-a", "slack")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, ok, err := q.Dequeue(ctx, "tenant-a", "slack")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ExternalID, got.ExternalID)

	_, ok, err = q.Dequeue(ctx, "tenant-a", "slack")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueEnqueueRejectsBeyondMaxDepth(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newTestRedis(t), 2)

	require.NoError(t, q.Enqueue(ctx, Job{Tenant: "t", Provider: "p", ExternalID: "1"}))
	require.NoError(t, q.Enqueue(ctx, Job{Tenant: "t", Provider: "p", ExternalID: "2"}))
	err := q.Enqueue(ctx, Job{Tenant: "t", Provider: "p", ExternalID: "3"})
	assert.Error(t, err)
}

func TestQueueActiveQueuesTracksRegistryAcrossTenants(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newTestRedis(t), 10)

	require.NoError(t, q.Enqueue(ctx, Job{Tenant: "tenant-a", Provider: "slack", ExternalID: "1"}))
	require.NoError(t, q.Enqueue(ctx, Job{Tenant: "tenant-b", Provider: "github", ExternalID: "2"}))

	active, err := q.ActiveQueues(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Contains(t, active, TenantProvider{Tenant: "tenant-a", Provider: "slack"})
	assert.Contains(t, active, TenantProvider{Tenant: "tenant-b", Provider: "github"})
}

func TestQueueUnregisterRemovesFromRegistry(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newTestRedis(t), 10)
	require.NoError(t, q.Enqueue(ctx, Job{Tenant: "tenant-a", Provider: "slack", ExternalID: "1"}))

	require.NoError(t, q.Unregister(ctx, "tenant-a", "slack"))
	active, err := q.ActiveQueues(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDLQPushDepthAndReplay(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	q := NewQueue(client, 10)
	dlq := NewDLQ(client)

	job := Job{Tenant: "tenant-a", Provider: "slack", ExternalID: "doc-1", Attempt: 4}
	require.NoError(t, dlq.Push(ctx, job, "auth: invalid token"))

	depth, err := dlq.Depth(ctx, "slack")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	replayed, err := dlq.Replay(ctx, q, "slack", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	depth, err = dlq.Depth(ctx, "slack")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	got, ok, err := q.Dequeue(ctx, "tenant-a", "slack")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, got.Attempt, "replay must reset the attempt counter")
}

func TestDLQReplayStopsAtRequestedCount(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	q := NewQueue(client, 10)
	dlq := NewDLQ(client)

	for i := 0; i < 3; i++ {
		require.NoError(t, dlq.Push(ctx, Job{Tenant: "t", Provider: "p", ExternalID: "x"}, "network"))
	}

	replayed, err := dlq.Replay(ctx, q, "p", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	depth, err := dlq.Depth(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
