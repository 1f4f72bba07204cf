// Package queue is the Redis-backed ingestion job queue. Producers push a
// job per uploaded or synced document; workers block-pop, track in-flight
// jobs in a processing set, and reclaim jobs whose worker died.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/SaintWyss/ragcore/common"
)

// Job is one document ingestion request.
type Job struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	DocumentID  string    `json:"documentId"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Attempts    int       `json:"attempts"`
}

// Queue handles job queue operations over Redis.
type Queue struct {
	client *redis.Client
	prefix string
}

// Config configures the Redis queue.
type Config struct {
	RedisURL  string // defaults to redis://localhost:6379/0
	KeyPrefix string // defaults to "ragcore:"
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "ragcore:"
	}

	return &Queue{client: client, prefix: prefix}, nil
}

// NewQueueWithClient wraps an existing client, for tests.
func NewQueueWithClient(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "ragcore:"
	}
	return &Queue{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping probes the Redis connection, for the readiness check.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) listKey() string {
	return q.prefix + "ingest"
}

func (q *Queue) processingKey() string {
	return q.prefix + "processing"
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + "job:" + id
}

// Enqueue pushes an ingestion job for the given document. The job id doubles
// as the request id workers log under.
func (q *Queue) Enqueue(ctx context.Context, workspaceID, documentID string) error {
	job := Job{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		EnqueuedAt:  time.Now().UTC(),
	}
	return q.push(ctx, job)
}

func (q *Queue) push(ctx context.Context, job Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.RPush(ctx, q.listKey(), string(jobJSON)).Err()
}

// Dequeue removes and returns the next job, blocking up to timeout. A nil
// job with nil error means the timeout elapsed with the queue empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.listKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// MarkProcessing records a job as in-flight until deadline. The payload is
// kept alongside so a stale job can be re-enqueued verbatim.
func (q *Queue) MarkProcessing(ctx context.Context, job Job, deadline time.Time) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: job.ID,
	})
	pipe.Set(ctx, q.jobKey(job.ID), string(jobJSON), time.Until(deadline)+time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// Complete removes a job from the processing set.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail drops a job from the processing set and, when requeue is set, pushes
// it back with the attempt counter bumped.
func (q *Queue) Fail(ctx context.Context, job Job, requeue bool) error {
	if err := q.Complete(ctx, job.ID); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	job.Attempts++
	job.EnqueuedAt = time.Now().UTC()
	return q.push(ctx, job)
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// ReclaimStale re-enqueues jobs whose processing deadline passed, which
// happens when a worker crashed mid-ingestion. Returns how many were
// recovered.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		jobJSON, err := q.client.Get(ctx, q.jobKey(id)).Result()
		if err == redis.Nil {
			// Payload expired; nothing left to recover.
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		var job Job
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			common.Logger.WithError(err).WithField("job_id", id).Warn("dropping undecodable stale job")
			q.client.ZRem(ctx, q.processingKey(), id)
			q.client.Del(ctx, q.jobKey(id))
			continue
		}

		if err := q.Fail(ctx, job, true); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}
