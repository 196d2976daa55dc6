package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node development.
type MemoryQueue struct {
	mu      sync.Mutex
	items   []string
	pending map[string]bool
	wake    chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[jobID] {
		return nil
	}
	q.pending[jobID] = true
	q.items = append(q.items, jobID)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			jobID := q.items[0]
			q.items = q.items[1:]
			delete(q.pending, jobID)
			q.mu.Unlock()
			return jobID, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrEmpty
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.pending[jobID] {
		return false, nil
	}
	delete(q.pending, jobID)
	for i, id := range q.items {
		if id == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

var _ Queue = (*MemoryQueue)(nil)
