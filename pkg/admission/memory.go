package admission

import (
	"context"
	"sync"
)

// MemoryController is an in-process Controller for tests and single-node
// development without Redis.
type MemoryController struct {
	mu     sync.Mutex
	limit  int64
	active map[string]map[string]bool
}

func NewMemoryController(limit int) *MemoryController {
	return &MemoryController{
		limit:  int64(limit),
		active: make(map[string]map[string]bool),
	}
}

func (c *MemoryController) Acquire(_ context.Context, userID, jobID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := c.active[userID]
	if slots == nil {
		slots = make(map[string]bool)
		c.active[userID] = slots
	}
	if slots[jobID] {
		return int64(len(slots)), nil
	}
	if int64(len(slots)) >= c.limit {
		return int64(len(slots)), ErrLimitExceeded
	}
	slots[jobID] = true
	return int64(len(slots)), nil
}

func (c *MemoryController) Release(_ context.Context, userID, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := c.active[userID]
	delete(slots, jobID)
	if len(slots) == 0 {
		delete(c.active, userID)
	}
	return nil
}

func (c *MemoryController) ActiveCount(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.active[userID])), nil
}

var _ Controller = (*MemoryController)(nil)
