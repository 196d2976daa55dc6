// Package admission enforces the per-tenant concurrent-job limit. Active job
// IDs live in a per-tenant Redis SET (not a counter), so releasing twice or
// releasing after a crash can never push the count negative.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimitExceeded is returned when a tenant is already at its concurrency
// limit. Callers map it to HTTP 429.
var ErrLimitExceeded = fmt.Errorf("active job limit reached")

// Controller grants and returns admission slots. The queue dispatcher holds a
// slot for the whole life of a job and releases it exactly when the job
// reaches a terminal state.
type Controller interface {
	// Acquire reserves a slot for (userID, jobID). It returns the number of
	// active jobs after the call, and ErrLimitExceeded when the tenant is at
	// capacity.
	Acquire(ctx context.Context, userID, jobID string) (int64, error)

	// Release frees the slot. Idempotent; best-effort callers may ignore the
	// error.
	Release(ctx context.Context, userID, jobID string) error

	// ActiveCount reports the tenant's current slot usage.
	ActiveCount(ctx context.Context, userID string) (int64, error)
}

// acquireScript adds the job to the tenant set and checks the limit in one
// atomic step. On overflow it removes the member again, but only if this call
// added it, so a concurrent holder is never evicted.
//
// KEYS[1] = tenant set, ARGV[1] = job id, ARGV[2] = limit, ARGV[3] = ttl (s).
var acquireScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
local count = redis.call('SCARD', KEYS[1])
if count > tonumber(ARGV[2]) then
  if added == 1 then
    redis.call('SREM', KEYS[1], ARGV[1])
    count = count - 1
  end
  return {0, count}
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, count}
`)

// releaseScript removes the job and drops the key when the tenant goes idle,
// in one atomic step. A separate SREM/SCARD/DEL sequence would race a
// concurrent Acquire: its SADD could land between the SCARD reading zero and
// the DEL, and the DEL would wipe the freshly granted slot.
//
// KEYS[1] = tenant set, ARGV[1] = job id.
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisController implements Controller on a shared Redis instance.
type RedisController struct {
	client *redis.Client
	limit  int64
	ttl    time.Duration
}

// NewRedisController creates an admission controller with the given
// per-tenant limit. The TTL bounds how long a leaked slot survives a crashed
// process; every successful Acquire refreshes it.
func NewRedisController(client *redis.Client, limit int, ttl time.Duration) *RedisController {
	return &RedisController{client: client, limit: int64(limit), ttl: ttl}
}

func tenantKey(userID string) string {
	return fmt.Sprintf("synthd:active:%s", userID)
}

func (c *RedisController) Acquire(ctx context.Context, userID, jobID string) (int64, error) {
	res, err := acquireScript.Run(ctx, c.client,
		[]string{tenantKey(userID)},
		jobID, c.limit, int64(c.ttl.Seconds())).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("admission acquire: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("admission acquire: unexpected script reply %v", res)
	}
	if res[0] == 0 {
		return res[1], ErrLimitExceeded
	}
	return res[1], nil
}

func (c *RedisController) Release(ctx context.Context, userID, jobID string) error {
	if err := releaseScript.Run(ctx, c.client, []string{tenantKey(userID)}, jobID).Err(); err != nil {
		return fmt.Errorf("admission release: %w", err)
	}
	return nil
}

func (c *RedisController) ActiveCount(ctx context.Context, userID string) (int64, error) {
	return c.client.SCard(ctx, tenantKey(userID)).Result()
}

var _ Controller = (*RedisController)(nil)
