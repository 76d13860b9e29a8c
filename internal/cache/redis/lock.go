package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/novafund/lifeperp/internal/domain"
)

// releaseLua deletes a lock key only when its value still matches the
// holder's token. Without the token check, a settlement runner whose lock
// expired mid-sweep could release the lock a peer acquired after it.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SETNX plus TTL. The funding
// settlement runner takes its sweep lock through here so that only one
// process settles a given interval when several engine replicas run.
type LockManager struct {
	rdb       *redis.Client
	releaseSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		releaseSc: redis.NewScript(releaseLua),
	}
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}

// Acquire takes the named lock for at most ttl. On success it returns an
// unlock function that must be called to release the lock; calling it more
// than once is a no-op. Returns domain.ErrLockHeld when another holder owns
// the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Release on a background context so the lock is freed even when
		// the holder's context was cancelled mid-operation.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = lm.releaseSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}

	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
