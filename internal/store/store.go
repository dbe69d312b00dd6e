// Package store persists accounts, transactions and gateway logs.
package store

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Store is the ledger's persistence collaborator. Reads outside a Tx see
// committed state only.
type Store interface {
	// Begin opens a unit of work. Rows loaded through it are locked until
	// Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)

	CreateAccount(ctx context.Context, acc *domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// CreateTransactionIfAbsent atomically inserts tx unless a row with the
	// same idempotency key exists, in which case the stored row is returned
	// and created is false.
	CreateTransactionIfAbsent(ctx context.Context, tx *domain.Transaction) (stored *domain.Transaction, created bool, err error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	FindByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error)

	// ListExpired returns non-terminal transactions whose expires_at is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error)
	// ListStuck returns PROCESSING transactions submitted before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error)
	FindRecentDuplicates(ctx context.Context, q DuplicateQuery) ([]*domain.Transaction, error)

	// SumDebits totals the source-side amounts of transactions initiated in
	// [since, until] that either moved money or still hold a reservation.
	SumDebits(ctx context.Context, accountID uuid.UUID, since, until time.Time) (decimal.Decimal, error)
	// SumChildAmounts totals children of parentID, excluding one id, whose
	// status is in statuses. An empty statuses means every status except
	// FAILED, CANCELLED and EXPIRED.
	SumChildAmounts(ctx context.Context, parentID, exclude uuid.UUID, types []domain.TransactionType, statuses []domain.TransactionStatus) (decimal.Decimal, error)

	AppendGatewayLog(ctx context.Context, log domain.GatewayLog) error
	ListGatewayLogs(ctx context.Context, transactionID uuid.UUID) ([]domain.GatewayLog, error)

	Ping(ctx context.Context) error
	Close()
}

// Tx is a unit of work. Saves are conditional on the version the caller
// loaded; a mismatch fails with domain.ErrConcurrentModification.
type Tx interface {
	LoadAccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	SaveAccount(ctx context.Context, acc *domain.Account, expectedVersion int64) error
	LoadTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	SaveTransaction(ctx context.Context, tx *domain.Transaction, expectedVersion int64) error
	Commit(ctx context.Context) error
	// Rollback is safe to call after Commit.
	Rollback(ctx context.Context) error
}

// DuplicateQuery selects recent transactions with the same route and amount.
// When Before is set only transactions ordered ahead of (Before, BeforeID)
// match: initiated earlier, or at the same instant with a smaller id.
type DuplicateQuery struct {
	SourceAccountID      *uuid.UUID
	DestinationAccountID *uuid.UUID
	Amount               domain.Money
	Since                time.Time
	Before               time.Time
	BeforeID             uuid.UUID
	Exclude              uuid.UUID
}

// precedes reports whether tx sorts ahead of the query's upper bound.
func (q DuplicateQuery) precedes(tx *domain.Transaction) bool {
	if q.Before.IsZero() {
		return true
	}
	if !tx.InitiatedAt.Equal(q.Before) {
		return tx.InitiatedAt.Before(q.Before)
	}
	return bytes.Compare(tx.ID[:], q.BeforeID[:]) < 0
}

// debitStatuses are the statuses whose source-side amount counts as spent.
var debitStatuses = []domain.TransactionStatus{
	domain.StatusSuccess, domain.StatusRefunded, domain.StatusReversing, domain.StatusReversed,
}

func statusIn(s domain.TransactionStatus, set []domain.TransactionStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func typeIn(t domain.TransactionType, set []domain.TransactionType) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if t == candidate {
			return true
		}
	}
	return false
}

func sameAccount(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
