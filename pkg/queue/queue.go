// Package queue provides the durable dispatch queue between job admission
// and the worker pool. Job IDs wait in a Redis list; a companion SET makes
// enqueue idempotent and lets a cancel pull a job back out before any worker
// sees it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when the wait timed out with no job.
var ErrEmpty = errors.New("queue is empty")

// Queue is a FIFO of job IDs.
type Queue interface {
	// Enqueue appends the job. Enqueuing an ID that is already pending is a
	// no-op.
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue blocks for a short interval waiting for the next job and
	// returns ErrEmpty on timeout so callers can observe ctx between waits.
	Dequeue(ctx context.Context) (string, error)

	// Remove deletes a still-pending job from the queue. Returns true when
	// this call removed it, false when a worker already dequeued it.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Len reports the number of pending jobs.
	Len(ctx context.Context) (int64, error)
}

// RedisQueue implements Queue on a Redis list plus a pending-membership SET.
type RedisQueue struct {
	client  *redis.Client
	listKey string
	setKey  string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		listKey: name,
		setKey:  name + ":pending",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	added, err := q.client.SAdd(ctx, q.setKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	if added == 0 {
		return nil // Already pending.
	}
	if err := q.client.LPush(ctx, q.listKey, jobID).Err(); err != nil {
		q.client.SRem(ctx, q.setKey, jobID)
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	res, err := q.client.BRPop(ctx, time.Second, q.listKey).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("queue dequeue: %w", err)
	}
	jobID := res[1]
	q.client.SRem(ctx, q.setKey, jobID)
	return jobID, nil
}

// Remove races Dequeue on purpose: SREM decides the winner. The LREM below
// may see nothing when BRPOP already popped the entry, which is fine; the
// membership SET is authoritative for "was it still pending".
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.client.SRem(ctx, q.setKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue remove: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := q.client.LRem(ctx, q.listKey, 0, jobID).Err(); err != nil {
		return true, fmt.Errorf("queue remove: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listKey).Result()
}

var _ Queue = (*RedisQueue)(nil)
