// Package limits enforces per-account velocity and size limits.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/shopspring/decimal"
)

// UsageReader sums an account's committed and in-flight debits.
type UsageReader interface {
	SumDebits(ctx context.Context, accountID uuid.UUID, since, until time.Time) (decimal.Decimal, error)
}

// Enforcer checks an outbound amount against an account's limits. Check and
// RecordUsage mutate the account and must run under its lock, so the daily
// rollover and the count increment cannot race.
type Enforcer struct {
	usage    UsageReader
	location *time.Location
}

func NewEnforcer(usage UsageReader, location *time.Location) *Enforcer {
	if location == nil {
		location = time.UTC
	}
	return &Enforcer{usage: usage, location: location}
}

// StartOfDay is midnight of now's calendar day in the enforcer's zone.
func (e *Enforcer) StartOfDay(now time.Time) time.Time {
	y, m, d := now.In(e.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.location)
}

func (e *Enforcer) startOfMonth(now time.Time) time.Time {
	y, m, _ := now.In(e.location).Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, e.location)
}

// Rollover resets the daily counter when the last transaction was on an
// earlier day. It reports whether a reset happened.
func (e *Enforcer) Rollover(acc *domain.Account, now time.Time) bool {
	today := e.StartOfDay(now)
	if acc.LastTransactionDate != nil && !e.StartOfDay(*acc.LastTransactionDate).Before(today) {
		return false
	}
	acc.DailyTransactionCount = 0
	acc.LastTransactionDate = &today
	return true
}

// Check validates amount against the account's count, size, daily and
// monthly limits, in that order.
func (e *Enforcer) Check(ctx context.Context, acc *domain.Account, amount domain.Money, now time.Time) error {
	if amount.Currency != acc.Currency {
		return fmt.Errorf("%w: account %s is %s", domain.ErrCurrencyMismatch, acc.ID, acc.Currency)
	}
	e.Rollover(acc, now)

	if acc.DailyTransactionCount >= acc.DailyTransactionLimit {
		return fmt.Errorf("%w: %d of %d used", domain.ErrDailyCountExceeded, acc.DailyTransactionCount, acc.DailyTransactionLimit)
	}

	if acc.SingleTransactionLimit != nil && amount.Amount.GreaterThan(acc.SingleTransactionLimit.Amount) {
		return fmt.Errorf("%w: %s over %s", domain.ErrSingleTransactionExceeded, amount, *acc.SingleTransactionLimit)
	}
	if ceiling, ok := domain.AccountTypeDailyLimit(acc.Type); ok && amount.Amount.GreaterThan(ceiling) {
		return fmt.Errorf("%w: %s over %s ceiling %s", domain.ErrSingleTransactionExceeded, amount, acc.Type, ceiling)
	}

	if acc.DailyLimit != nil {
		used, err := e.usage.SumDebits(ctx, acc.ID, e.StartOfDay(now), now)
		if err != nil {
			return fmt.Errorf("sum daily debits: %w", err)
		}
		if used.Add(amount.Amount).GreaterThan(acc.DailyLimit.Amount) {
			return fmt.Errorf("%w: used %s, requested %s, limit %s", domain.ErrDailyAmountExceeded, used, amount.Amount, acc.DailyLimit.Amount)
		}
	}

	if acc.MonthlyLimit != nil {
		used, err := e.usage.SumDebits(ctx, acc.ID, e.startOfMonth(now), now)
		if err != nil {
			return fmt.Errorf("sum monthly debits: %w", err)
		}
		if used.Add(amount.Amount).GreaterThan(acc.MonthlyLimit.Amount) {
			return fmt.Errorf("%w: used %s, requested %s, limit %s", domain.ErrMonthlyAmountExceeded, used, amount.Amount, acc.MonthlyLimit.Amount)
		}
	}
	return nil
}

// RecordUsage counts an accepted debit against today's allowance.
func (e *Enforcer) RecordUsage(acc *domain.Account, now time.Time) {
	e.Rollover(acc, now)
	acc.DailyTransactionCount++
}
