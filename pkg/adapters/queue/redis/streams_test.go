package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupQueue(t *testing.T) (*StreamsQueue, *miniredis.Miniredis) {
	t.Helper()
	return setupQueueWithIdle(t, time.Minute)
}

func setupQueueWithIdle(t *testing.T, claimIdle time.Duration) (*StreamsQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStreamsQueue(client, "test-consumer", claimIdle, zaptest.NewLogger(t)), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)

	payload := domain.RunJobPayload{RunID: "r1", PipelineID: "p1", UserID: "u1", Input: "hi"}
	id, err := q.Enqueue(ctx, domain.JobTypeRunPipeline, payload, domain.JobOptions{RetryLimit: 3})
	require.NoError(t, err)
	assert.True(t, mr.Exists("agentpipe:jobs:run-pipeline"))

	depth, err := q.Depth(ctx, domain.JobTypeRunPipeline)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx, domain.JobTypeRunPipeline, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.NotEmpty(t, job.Receipt)

	var got domain.RunJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload, got)

	require.NoError(t, q.Ack(ctx, job))

	depth, err = q.Depth(ctx, domain.JobTypeRunPipeline)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := setupQueue(t)

	job, err := q.Dequeue(context.Background(), "empty", 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestNackRedeliversAfterDelay(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	_, err := q.Enqueue(ctx, "t", "x", domain.JobOptions{RetryLimit: 1})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "t", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	retried, err := q.Nack(ctx, job, errors.New("provider unavailable"))
	require.NoError(t, err)
	assert.True(t, retried)

	depth, err := q.Depth(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Zero retry delay: the next dequeue promotes and claims it
	job, err = q.Dequeue(ctx, "t", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, "provider unavailable", job.LastError)

	retried, err = q.Nack(ctx, job, errors.New("still down"))
	require.NoError(t, err)
	assert.False(t, retried)

	dead, err := q.DeadLetters(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "still down", dead[0].LastError)

	job, err = q.Dequeue(ctx, "t", 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelayedJobNotVisibleEarly(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	_, err := q.Enqueue(ctx, "t", "x", domain.JobOptions{RetryLimit: 1, RetryDelay: time.Hour})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "t", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = q.Nack(ctx, job, errors.New("boom"))
	require.NoError(t, err)

	job, err = q.Dequeue(ctx, "t", 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestReclaimRecoversAbandonedDelivery(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueueWithIdle(t, 50*time.Millisecond)

	id, err := q.Enqueue(ctx, "t", "x", domain.JobOptions{RetryLimit: 1})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "t", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Still within the visibility timeout
	reclaimed, dead, err := q.Reclaim(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Empty(t, dead)

	time.Sleep(100 * time.Millisecond)

	reclaimed, dead, err = q.Reclaim(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Empty(t, dead)

	job, err = q.Dequeue(ctx, "t", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempt)
	assert.Contains(t, job.LastError, "did not acknowledge")

	// Abandoned again with no attempts left
	time.Sleep(100 * time.Millisecond)

	reclaimed, dead, err = q.Reclaim(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Contains(t, dead[0].LastError, "did not acknowledge")

	letters, err := q.DeadLetters(ctx, "t", 10)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestHeartbeatKeepsDeliveryClaimed(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueueWithIdle(t, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, q.VisibilityTimeout())

	_, err := q.Enqueue(ctx, "t", "x", domain.JobOptions{RetryLimit: 3})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "t", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Outlive the visibility timeout twice over while heartbeating
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, q.Heartbeat(ctx, job))
	}

	reclaimed, _, err := q.Reclaim(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	again, err := q.Dequeue(ctx, "t", 0)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, q.Ack(ctx, job))
	assert.ErrorIs(t, q.Heartbeat(ctx, job), domain.ErrJobNotFound)
}
