package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerResolver stops calling a failing gateway for a cool-down period.
// ErrUnresolved answers count as healthy responses.
type BreakerResolver struct {
	next    Resolver
	breaker *gobreaker.CircuitBreaker
}

type BreakerOptions struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreakerResolver(next Resolver, opts BreakerOptions, logger *zap.Logger) *BreakerResolver {
	if opts.Name == "" {
		opts.Name = "gateway"
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:    opts.Name,
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnresolved)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerResolver{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerResolver) Resolve(ctx context.Context, tx *domain.Transaction) (domain.Outcome, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Resolve(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Outcome{}, fmt.Errorf("gateway %s unavailable: %w", b.breaker.Name(), err)
		}
		return domain.Outcome{}, err
	}
	return result.(domain.Outcome), nil
}

// State exposes the breaker state for health reporting.
func (b *BreakerResolver) State() string {
	return b.breaker.State().String()
}
