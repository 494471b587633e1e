package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/redis/go-redis/v9"
)

// Lua script for safe lock release (only owner can release)
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock is a single-holder lease on a Redis key.
type DistributedLock struct {
	client   *redis.Client
	key      string
	value    string
	ttl      time.Duration
	acquired bool
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    "lock:" + key,
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire takes the lease if nobody holds it. It does not wait.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domainErrors.ErrLockAcquisitionFailed, err)
	}
	l.acquired = ok
	return ok, nil
}

// Release gives up the lease if this lock still owns it.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}

	res, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.acquired = false
	if res == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}
