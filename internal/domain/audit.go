package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord is an append-only change record produced by every mutation.
type AuditRecord struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	At         time.Time      `json:"at"`
}

const (
	EntityAccount     = "account"
	EntityTransaction = "transaction"
)

// AccountSnapshot captures the balance fields recorded in audit before/after images.
func AccountSnapshot(a *Account) map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"balance":                 a.Balance.Amount.String(),
		"available_balance":       a.AvailableBalance.Amount.String(),
		"reserved_balance":        a.ReservedBalance.Amount.String(),
		"currency":                string(a.Currency),
		"is_frozen":               a.IsFrozen,
		"is_active":               a.IsActive,
		"daily_transaction_count": a.DailyTransactionCount,
		"version":                 a.Version,
	}
}

// TransactionSnapshot captures the lifecycle fields recorded in audit images.
func TransactionSnapshot(t *Transaction) map[string]any {
	if t == nil {
		return nil
	}
	return map[string]any{
		"status":         string(t.Status),
		"amount":         t.Amount.Amount.String(),
		"currency":       string(t.Amount.Currency),
		"funds_reserved": t.FundsReserved,
		"error_code":     t.ErrorCode,
		"retry_count":    t.RetryCount,
		"version":        t.Version,
	}
}
