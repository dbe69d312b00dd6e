package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/ledger"
	"github.com/punchamoorthee/payledger/internal/lock"
	"go.uber.org/zap"
)

const defaultDailyTransactionLimit = 10

// OpenAccount creates an empty, active account. A customer holds at most one
// account per type and currency.
func (e *Engine) OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.Account, error) {
	if req.CustomerID == uuid.Nil {
		return nil, domain.NewValidationError("customer_id", "is required")
	}
	if !domain.ValidAccountType(req.Type) {
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown account type %q", req.Type))
	}
	if !domain.ValidCurrency(req.Currency) {
		return nil, domain.NewValidationError("currency", fmt.Sprintf("unsupported currency %q", req.Currency))
	}
	if req.DailyTransactionLimit < 0 {
		return nil, domain.NewValidationError("daily_transaction_limit", "must not be negative")
	}

	limits := map[string]*domain.Money{
		"overdraft_limit":          req.OverdraftLimit,
		"daily_limit":              req.DailyLimit,
		"monthly_limit":            req.MonthlyLimit,
		"single_transaction_limit": req.SingleTransactionLimit,
	}
	for field, m := range limits {
		if m == nil {
			continue
		}
		if m.Currency == "" {
			m.Currency = req.Currency
		}
		if m.Currency != req.Currency {
			return nil, domain.NewValidationError(field, fmt.Sprintf("must be in %s", req.Currency))
		}
		if m.IsNegative() {
			return nil, domain.NewValidationError(field, "must not be negative")
		}
	}

	now := e.now()
	acc := &domain.Account{
		ID:                     uuid.New(),
		AccountNumber:          newAccountNumber(),
		CustomerID:             req.CustomerID,
		Name:                   req.Name,
		Type:                   req.Type,
		Currency:               req.Currency,
		Balance:                domain.Zero(req.Currency),
		AvailableBalance:       domain.Zero(req.Currency),
		ReservedBalance:        domain.Zero(req.Currency),
		OverdraftLimit:         domain.Zero(req.Currency),
		DailyLimit:             req.DailyLimit,
		MonthlyLimit:           req.MonthlyLimit,
		SingleTransactionLimit: req.SingleTransactionLimit,
		DailyTransactionLimit:  req.DailyTransactionLimit,
		IsActive:               true,
		IsPrimary:              req.IsPrimary,
		RecordMeta:             domain.RecordMeta{CreatedAt: now, UpdatedAt: now},
	}
	if req.OverdraftLimit != nil {
		acc.OverdraftLimit = req.OverdraftLimit.Round()
	}
	if acc.DailyLimit == nil {
		if limit, ok := domain.AccountTypeDailyLimit(req.Type); ok {
			m := domain.NewMoney(limit, req.Currency)
			acc.DailyLimit = &m
		}
	}
	if acc.DailyTransactionLimit == 0 {
		acc.DailyTransactionLimit = defaultDailyTransactionLimit
	}

	if err := e.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}

	j := audit.NewJournal(req.Actor, now)
	j.Account(acc.ID, "OPEN", nil, domain.AccountSnapshot(acc))
	e.publish(j.Records())

	e.logger.Info("account opened",
		zap.String("account_id", acc.ID.String()),
		zap.String("type", string(acc.Type)),
		zap.String("currency", string(acc.Currency)),
	)
	return acc, nil
}

func newAccountNumber() string {
	return "PL" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// lockedAccount runs fn on account id under its lock in one unit and
// returns the committed account.
func (e *Engine) lockedAccount(ctx context.Context, op, actor string, id uuid.UUID, fn func(j *audit.Journal, acc *domain.Account) error) (*domain.Account, error) {
	err := e.locks.WithLock(ctx, []string{lock.AccountKey(id)}, func(ctx context.Context) error {
		return e.inUnit(ctx, actor, func(u *unit) error {
			acc, err := u.account(ctx, id)
			if err != nil {
				return err
			}
			return fn(u.journal, acc)
		})
	})
	if err != nil {
		e.logger.Debug("account operation rejected",
			zap.String("operation", op),
			zap.String("account_id", id.String()),
			zap.Error(err),
		)
		return nil, err
	}
	return e.store.GetAccount(ctx, id)
}

// FreezeAccount blocks every ledger operation on the account except
// releasing existing holds.
func (e *Engine) FreezeAccount(ctx context.Context, id uuid.UUID, reason, actor string) (*domain.Account, error) {
	return e.lockedAccount(ctx, "freeze", actor, id, func(j *audit.Journal, acc *domain.Account) error {
		return ledger.Freeze(j, acc, reason)
	})
}

func (e *Engine) UnfreezeAccount(ctx context.Context, id uuid.UUID, actor string) (*domain.Account, error) {
	return e.lockedAccount(ctx, "unfreeze", actor, id, func(j *audit.Journal, acc *domain.Account) error {
		return ledger.Unfreeze(j, acc)
	})
}

// CloseAccount soft-deletes the account. It is refused while holds remain.
func (e *Engine) CloseAccount(ctx context.Context, id uuid.UUID, actor string) (*domain.Account, error) {
	return e.lockedAccount(ctx, "close", actor, id, func(j *audit.Journal, acc *domain.Account) error {
		return ledger.Close(j, acc)
	})
}

func (e *Engine) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// GetAccountBalance returns the committed balance fields of an account.
func (e *Engine) GetAccountBalance(ctx context.Context, id uuid.UUID) (domain.BalanceView, error) {
	acc, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return domain.BalanceView{}, err
	}
	return ledger.View(acc), nil
}
