package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueueWithClient(client, "test:"), mr
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ws-1", "doc-1"))
	require.NoError(t, q.Enqueue(ctx, "ws-1", "doc-2"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "ws-1", job.WorkspaceID)
	assert.Equal(t, "doc-1", job.DocumentID)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 0, job.Attempts)

	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "doc-2", job.DocumentID)
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q, _ := testQueue(t)

	job, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestProcessingLifecycle(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ws-1", "doc-1"))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.MarkProcessing(ctx, *job, time.Now().Add(time.Minute)))
	require.NoError(t, q.Complete(ctx, job.ID))

	// Completed jobs are never reclaimed.
	reclaimed, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
}

func TestFailWithRequeue(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ws-1", "doc-1"))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, *job, time.Now().Add(time.Minute)))

	require.NoError(t, q.Fail(ctx, *job, true))

	retried, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, "doc-1", retried.DocumentID)
	assert.Equal(t, 1, retried.Attempts)
}

func TestFailWithoutRequeueDrops(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ws-1", "doc-1"))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, *job, time.Now().Add(time.Minute)))

	require.NoError(t, q.Fail(ctx, *job, false))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestReclaimStale(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ws-1", "doc-1"))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// A deadline in the past models a worker that died mid-job.
	require.NoError(t, q.MarkProcessing(ctx, *job, time.Now().Add(-time.Minute)))

	reclaimed, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	recovered, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, job.ID, recovered.ID)
	assert.Equal(t, 1, recovered.Attempts)
}
