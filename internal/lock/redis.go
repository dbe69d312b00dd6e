package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLockerOptions configures the distributed locker.
type RedisLockerOptions struct {
	// Prefix namespaces lock keys in Redis.
	Prefix string
	// Expiry bounds how long a crashed holder can keep a key.
	Expiry time.Duration
	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration
}

// RedisLocker grants keys across processes using the RedLock algorithm.
// Any failure to acquire within the timeout, including an unreachable Redis,
// is reported as a lock timeout so callers retry from a fresh read.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   RedisLockerOptions
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, opts RedisLockerOptions, logger *zap.Logger) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "payledger:lock"
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 25 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger.Named("redis_locker"),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Release, error) {
	tries := int(timeout/l.opts.RetryDelay) + 1
	mutex := l.rs.NewMutex(
		fmt.Sprintf("%s:%s", l.opts.Prefix, key),
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := mutex.LockContext(lockCtx); err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrLockTimeout, key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if ok, err := mutex.UnlockContext(context.Background()); err != nil || !ok {
				l.logger.Warn("lock release failed", zap.String("key", key), zap.Bool("released", ok), zap.Error(err))
			}
		})
	}, nil
}
