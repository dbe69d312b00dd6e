package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payledger/internal/domain"
)

var lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ledger_lock_wait_seconds",
	Help:    "Time spent acquiring an ordered lock set",
	Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"result"})

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	// Acquire blocks until key is held, ctx ends, or timeout elapses.
	// Timing out returns an error wrapping domain.ErrLockTimeout.
	Acquire(ctx context.Context, key string, timeout time.Duration) (Release, error)
}

// AccountKey is the lock key guarding an account's balance fields.
func AccountKey(id uuid.UUID) string { return "account:" + id.String() }

// TransactionKey is the lock key guarding a transaction row.
func TransactionKey(id uuid.UUID) string { return "transaction:" + id.String() }

// Order sorts and deduplicates keys. Every multi-key acquisition goes through
// this ordering; it is the only deadlock-avoidance mechanism.
func Order(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	return ordered
}

// Coordinator acquires sets of keys in a fixed global order under one deadline.
type Coordinator struct {
	locker  Locker
	timeout time.Duration
}

// NewCoordinator builds a coordinator whose acquisitions are bounded by timeout.
func NewCoordinator(locker Locker, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{locker: locker, timeout: timeout}
}

// Lock acquires every key in order and returns a release that frees them in
// reverse order. On failure nothing stays held.
func (c *Coordinator) Lock(ctx context.Context, keys ...string) (Release, error) {
	start := time.Now()
	deadline := start.Add(c.timeout)
	ordered := Order(keys)
	held := make([]Release, 0, len(ordered))

	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, key := range ordered {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			releaseAll()
			lockWait.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
		}
		release, err := c.locker.Acquire(ctx, key, remaining)
		if err != nil {
			releaseAll()
			result := "error"
			if errors.Is(err, domain.ErrLockTimeout) {
				result = "timeout"
			}
			lockWait.WithLabelValues(result).Observe(time.Since(start).Seconds())
			return nil, err
		}
		held = append(held, release)
	}

	lockWait.WithLabelValues("acquired").Observe(time.Since(start).Seconds())
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// WithLock runs fn while holding keys.
func (c *Coordinator) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	release, err := c.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
