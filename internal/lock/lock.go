package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only when it still holds our token.
// The compare and the delete must be one atomic step; a get-then-delete
// would let a holder whose TTL already lapsed delete somebody else's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLock is a TTL-based mutual exclusion primitive shared by all
// worker instances. A crashed holder's lock self-expires; it is never
// stuck permanently.
type RedisLock struct {
	client  *redis.Client
	release *redis.Script
	log     *zap.Logger
}

// NewRedisLock creates a distributed lock backed by the given Redis client
func NewRedisLock(client *redis.Client, logger *zap.Logger) *RedisLock {
	return &RedisLock{
		client:  client,
		release: redis.NewScript(releaseScript),
		log:     logger,
	}
}

// Key formats the lock key for a maintenance task.
func Key(task string) string {
	return "locks:" + task
}

// Acquire attempts an atomic set-if-absent with expiry. It returns an
// opaque token on success. When the key is already held, or Redis is
// unreachable, it returns ok=false: with the coordination store down we
// cannot rule out another instance running the task, so we fail closed
// and skip the cycle instead of running unsynchronized.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.log.Warn("Lock store unreachable, failing closed",
			zap.String("key", key),
			zap.Error(err),
		)
		return "", false
	}
	if !ok {
		return "", false
	}
	return token, true
}

// Release deletes the key only if it still stores token. Releasing a
// lock that expired and was re-acquired elsewhere is a silent no-op.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	deleted, err := l.release.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		l.log.Warn("Failed to release lock",
			zap.String("key", key),
			zap.Error(err),
		)
		return err
	}
	if deleted == 0 {
		l.log.Debug("Lock already expired or owned elsewhere",
			zap.String("key", key),
		)
	}
	return nil
}
