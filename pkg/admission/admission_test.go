package admission

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryControllerLimit(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController(2)

	n, err := c.Acquire(ctx, "user-a", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Acquire(ctx, "user-a", "job-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Third job for the same tenant is rejected without consuming a slot.
	n, err = c.Acquire(ctx, "user-a", "job-3")
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, int64(2), n)

	// A different tenant is unaffected.
	_, err = c.Acquire(ctx, "user-b", "job-4")
	require.NoError(t, err)
}

func TestMemoryControllerAcquireIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController(1)

	_, err := c.Acquire(ctx, "user-a", "job-1")
	require.NoError(t, err)

	// Re-acquiring an already-held slot must not count twice or fail.
	n, err := c.Acquire(ctx, "user-a", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryControllerReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController(1)

	_, err := c.Acquire(ctx, "user-a", "job-1")
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "user-a", "job-2")
	assert.ErrorIs(t, err, ErrLimitExceeded)

	require.NoError(t, c.Release(ctx, "user-a", "job-1"))

	_, err = c.Acquire(ctx, "user-a", "job-2")
	require.NoError(t, err)
}

func TestMemoryControllerReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController(1)

	_, err := c.Acquire(ctx, "user-a", "job-1")
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, "user-a", "job-1"))
	require.NoError(t, c.Release(ctx, "user-a", "job-1"))
	require.NoError(t, c.Release(ctx, "user-a", "never-held"))

	n, err := c.ActiveCount(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryControllerConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	const limit = 3
	c := NewMemoryController(limit)

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			_, err := c.Acquire(ctx, "user-a", fmt.Sprintf("job-%d", i))
			errs <- err
		}(i)
	}

	granted := 0
	for i := 0; i < 20; i++ {
		if err := <-errs; err == nil {
			granted++
		} else {
			assert.ErrorIs(t, err, ErrLimitExceeded)
		}
	}
	assert.Equal(t, limit, granted)
}

func TestTenantKey(t *testing.T) {
	assert.Equal(t, "synthd:active:user-a", tenantKey("user-a"))
}

// A release must never wipe a slot a concurrent acquire just granted: the
// remove and the idle-set cleanup have to be one atomic step.
func TestConcurrentReleaseNeverDropsGrantedSlot(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController(2)

	for i := 0; i < 200; i++ {
		_, err := c.Acquire(ctx, "user-a", "job-old")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			c.Release(ctx, "user-a", "job-old")
			close(done)
		}()
		_, err = c.Acquire(ctx, "user-a", "job-new")
		require.NoError(t, err)
		<-done

		// Whatever the interleaving, the freshly granted slot survives
		// until its own release.
		n, err := c.ActiveCount(ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "granted slot was lost to a concurrent release")
		require.NoError(t, c.Release(ctx, "user-a", "job-new"))

		n, err = c.ActiveCount(ctx, "user-a")
		require.NoError(t, err)
		require.Equal(t, int64(0), n)
	}
}
