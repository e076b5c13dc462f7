package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConsumerGroup is the consumer group shared by every worker process
const ConsumerGroup = "agentpipe-workers"

// StreamsQueue implements JobQueue using Redis Streams.
//
// Each job type has a stream (agentpipe:jobs:<type>) read through a consumer
// group, a sorted set of delayed retries scored by due time and a dead-letter
// list.
type StreamsQueue struct {
	client       *redis.Client
	logger       *zap.Logger
	consumerName string
	claimIdle    time.Duration
	groups       sync.Map
}

// NewStreamsQueue creates a new Redis Streams job queue. Deliveries left
// unacknowledged for longer than claimIdle are recovered by Reclaim.
func NewStreamsQueue(client *redis.Client, consumerName string, claimIdle time.Duration, logger *zap.Logger) *StreamsQueue {
	return &StreamsQueue{
		client:       client,
		logger:       logger,
		consumerName: consumerName,
		claimIdle:    claimIdle,
	}
}

// Enqueue adds a job to the stream of its type
func (q *StreamsQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts domain.JobOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &domain.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    data,
		Attempt:    1,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}

	if err := q.ensureGroup(ctx, jobType); err != nil {
		return "", err
	}
	if err := q.add(ctx, q.client, job); err != nil {
		return "", err
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
		zap.String("stream", streamKey(jobType)))

	return job.ID, nil
}

func (q *StreamsQueue) add(ctx context.Context, c redis.Cmdable, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: streamKey(job.Type),
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if err := c.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group for a job type once per process
func (q *StreamsQueue) ensureGroup(ctx context.Context, jobType string) error {
	if _, ok := q.groups.Load(jobType); ok {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, streamKey(jobType), ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	q.groups.Store(jobType, struct{}{})
	return nil
}

// Dequeue promotes due retries and claims the next job, blocking up to wait
func (q *StreamsQueue) Dequeue(ctx context.Context, jobType string, wait time.Duration) (*domain.Job, error) {
	if err := q.ensureGroup(ctx, jobType); err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, jobType); err != nil {
		q.logger.Warn("failed to promote delayed jobs",
			zap.String("type", jobType),
			zap.Error(err))
	}

	// Block 0 would block forever; a negative value omits BLOCK entirely
	block := wait
	if block <= 0 {
		block = -1
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: q.consumerName,
		Streams:  []string{streamKey(jobType), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			job, err := decodeJob(message)
			if err != nil {
				// Unparseable entries can never succeed
				q.logger.Error("dropping invalid job message",
					zap.String("stream", stream.Stream),
					zap.String("message_id", message.ID),
					zap.Error(err))
				q.remove(ctx, q.client, jobType, message.ID)
				continue
			}
			return job, nil
		}
	}
	return nil, nil
}

func decodeJob(message redis.XMessage) (*domain.Job, error) {
	data, ok := message.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.Receipt = message.ID
	return &job, nil
}

// promoteDue moves delayed retries whose time has come back onto the stream.
// ZREM decides ownership so concurrent promoters never duplicate a job.
func (q *StreamsQueue) promoteDue(ctx context.Context, jobType string) error {
	key := delayedKey(jobType)
	due, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(time.Now().UnixMilli(), 10),
		Offset: 0,
		Count:  100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}

		var job domain.Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("dropping invalid delayed job", zap.String("type", jobType), zap.Error(err))
			continue
		}
		if err := q.add(ctx, q.client, &job); err != nil {
			return err
		}
	}
	return nil
}

// Ack acknowledges and deletes a completed job
func (q *StreamsQueue) Ack(ctx context.Context, job *domain.Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.remove(ctx, pipe, job.Type, job.Receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	return nil
}

func (q *StreamsQueue) remove(ctx context.Context, c redis.Cmdable, jobType, messageID string) {
	c.XAck(ctx, streamKey(jobType), ConsumerGroup, messageID)
	c.XDel(ctx, streamKey(jobType), messageID)
}

// Nack schedules a delayed retry while attempts remain, otherwise pushes the
// job onto the dead-letter list
func (q *StreamsQueue) Nack(ctx context.Context, job *domain.Job, cause error) (bool, error) {
	next := *job
	next.Receipt = ""
	if cause != nil {
		next.LastError = cause.Error()
	}

	retried := next.CanRetry()
	if retried {
		next.Attempt++
	}

	data, err := json.Marshal(&next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if retried {
			due := time.Now().Add(next.Options.RetryDelay).UnixMilli()
			pipe.ZAdd(ctx, delayedKey(job.Type), redis.Z{Score: float64(due), Member: string(data)})
		} else {
			pipe.LPush(ctx, deadKey(job.Type), string(data))
		}
		q.remove(ctx, pipe, job.Type, job.Receipt)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to nack job: %w", err)
	}

	if !retried {
		q.logger.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.String("last_error", next.LastError))
	}
	return retried, nil
}

// Depth returns the number of queued and delayed jobs
func (q *StreamsQueue) Depth(ctx context.Context, jobType string) (int64, error) {
	pipe := q.client.Pipeline()
	streamLen := pipe.XLen(ctx, streamKey(jobType))
	delayed := pipe.ZCard(ctx, delayedKey(jobType))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return streamLen.Val() + delayed.Val(), nil
}

// Heartbeat resets the idle time of a delivery this consumer still holds,
// keeping Reclaim away from jobs that are still running
func (q *StreamsQueue) Heartbeat(ctx context.Context, job *domain.Job) error {
	ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   streamKey(job.Type),
		Group:    ConsumerGroup,
		Consumer: q.consumerName,
		MinIdle:  0,
		Messages: []string{job.Receipt},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to renew job claim: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	return nil
}

// VisibilityTimeout returns how long a delivery may go without a heartbeat
// before Reclaim takes it over
func (q *StreamsQueue) VisibilityTimeout() time.Duration {
	return q.claimIdle
}

// Reclaim takes over deliveries idle longer than claimIdle, whose worker is
// presumed dead, and treats each as a failed attempt
func (q *StreamsQueue) Reclaim(ctx context.Context, jobType string) (int, []*domain.Job, error) {
	if err := q.ensureGroup(ctx, jobType); err != nil {
		return 0, nil, err
	}

	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(jobType),
		Group:    ConsumerGroup,
		Consumer: q.consumerName,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("failed to reclaim jobs: %w", err)
	}

	reclaimed := 0
	var dead []*domain.Job
	for _, message := range messages {
		job, err := decodeJob(message)
		if err != nil {
			q.remove(ctx, q.client, jobType, message.ID)
			continue
		}
		cause := fmt.Errorf("worker did not acknowledge within %s", q.claimIdle)
		retried, err := q.Nack(ctx, job, cause)
		if err != nil {
			return reclaimed, dead, err
		}
		reclaimed++
		if !retried {
			job.LastError = cause.Error()
			dead = append(dead, job)
		}
	}

	if reclaimed > 0 {
		q.logger.Info("reclaimed abandoned jobs",
			zap.String("type", jobType),
			zap.Int("count", reclaimed))
	}
	return reclaimed, dead, nil
}

// DeadLetters returns up to limit dead-lettered jobs, newest first
func (q *StreamsQueue) DeadLetters(ctx context.Context, jobType string, limit int64) ([]domain.Job, error) {
	raw, err := q.client.LRange(ctx, deadKey(jobType), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	jobs := make([]domain.Job, 0, len(raw))
	for _, data := range raw {
		var job domain.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func streamKey(jobType string) string {
	return fmt.Sprintf("agentpipe:jobs:%s", jobType)
}

func delayedKey(jobType string) string {
	return streamKey(jobType) + ":delayed"
}

func deadKey(jobType string) string {
	return streamKey(jobType) + ":dead"
}
