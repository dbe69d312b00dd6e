package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordMeta holds the bookkeeping fields shared by persisted entities.
// Version increases monotonically on every mutation and is checked on save.
type RecordMeta struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Touch bumps the version and stamps UpdatedAt.
func (m *RecordMeta) Touch(now time.Time) {
	m.Version++
	m.UpdatedAt = now
}

// Account is a currency-denominated ledger account.
// At rest Balance == AvailableBalance + ReservedBalance.
type Account struct {
	ID                     uuid.UUID   `json:"id"`
	AccountNumber          string      `json:"account_number"`
	CustomerID             uuid.UUID   `json:"customer_id"`
	Name                   string      `json:"name"`
	Type                   AccountType `json:"type"`
	Currency               Currency    `json:"currency"`
	Balance                Money       `json:"balance"`
	AvailableBalance       Money       `json:"available_balance"`
	ReservedBalance        Money       `json:"reserved_balance"`
	OverdraftLimit         Money       `json:"overdraft_limit"`
	DailyLimit             *Money      `json:"daily_limit,omitempty"`
	MonthlyLimit           *Money      `json:"monthly_limit,omitempty"`
	SingleTransactionLimit *Money      `json:"single_transaction_limit,omitempty"`
	DailyTransactionCount  int         `json:"daily_transaction_count"`
	DailyTransactionLimit  int         `json:"daily_transaction_limit"`
	LastTransactionDate    *time.Time  `json:"last_transaction_date,omitempty"`
	IsActive               bool        `json:"is_active"`
	IsFrozen               bool        `json:"is_frozen"`
	FreezeReason           string      `json:"freeze_reason,omitempty"`
	IsPrimary              bool        `json:"is_primary"`
	RecordMeta
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.DailyLimit = cloneMoney(a.DailyLimit)
	c.MonthlyLimit = cloneMoney(a.MonthlyLimit)
	c.SingleTransactionLimit = cloneMoney(a.SingleTransactionLimit)
	c.LastTransactionDate = cloneTime(a.LastTransactionDate)
	c.DeletedAt = cloneTime(a.DeletedAt)
	return &c
}

// Operational reports whether the account may take part in ledger operations.
func (a *Account) Operational() bool {
	return a.IsActive && !a.IsFrozen && !a.Deleted
}

// CheckInvariants verifies the at-rest balance invariants.
func (a *Account) CheckInvariants() error {
	sum, err := a.AvailableBalance.Add(a.ReservedBalance)
	if err != nil {
		return err
	}
	if !sum.Equal(a.Balance) {
		return fmt.Errorf("account %s: balance %s != available %s + reserved %s",
			a.ID, a.Balance, a.AvailableBalance, a.ReservedBalance)
	}
	floor := a.OverdraftLimit.Neg()
	if a.AvailableBalance.Amount.LessThan(floor.Amount) {
		return fmt.Errorf("account %s: available %s below overdraft floor %s", a.ID, a.AvailableBalance, floor)
	}
	if a.Balance.Amount.LessThan(floor.Amount) {
		return fmt.Errorf("account %s: balance %s below overdraft floor %s", a.ID, a.Balance, floor)
	}
	if a.ReservedBalance.IsNegative() {
		return fmt.Errorf("account %s: negative reserved balance %s", a.ID, a.ReservedBalance)
	}
	return nil
}

// Transaction is one logical money movement. Rows are append-only: they are
// mutated only by status transitions and never deleted.
type Transaction struct {
	ID                     uuid.UUID         `json:"id"`
	Reference              string            `json:"reference"`
	IdempotencyKey         string            `json:"idempotency_key"`
	RequestHash            string            `json:"-"`
	Type                   TransactionType   `json:"type"`
	Status                 TransactionStatus `json:"status"`
	PaymentMethod          PaymentMethod     `json:"payment_method"`
	Amount                 Money             `json:"amount"`
	ProcessingFee          Money             `json:"processing_fee"`
	SourceAccountID        *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationAccountID   *uuid.UUID        `json:"destination_account_id,omitempty"`
	ParentTransactionID    *uuid.UUID        `json:"parent_transaction_id,omitempty"`
	Description            string            `json:"description,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	GatewayReference       string            `json:"gateway_reference,omitempty"`
	GatewayResponseCode    string            `json:"gateway_response_code,omitempty"`
	GatewayResponseMessage string            `json:"gateway_response_message,omitempty"`
	FundsReserved          bool              `json:"funds_reserved"`
	RetryCount             int               `json:"retry_count"`
	ExpiresAt              time.Time         `json:"expires_at"`
	InitiatedAt            time.Time         `json:"initiated_at"`
	SubmittedAt            *time.Time        `json:"submitted_at,omitempty"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
	ErrorCode              string            `json:"error_code,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
	RecordMeta
}

// Clone returns a deep copy of t.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.SourceAccountID = cloneUUID(t.SourceAccountID)
	c.DestinationAccountID = cloneUUID(t.DestinationAccountID)
	c.ParentTransactionID = cloneUUID(t.ParentTransactionID)
	c.SubmittedAt = cloneTime(t.SubmittedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.DeletedAt = cloneTime(t.DeletedAt)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (t *Transaction) IsTerminal() bool    { return IsTerminal(t.Status) }
func (t *Transaction) IsCancellable() bool { return IsCancellable(t.Status) }

// IsRefundable reports whether t can be the parent of a REFUND.
func (t *Transaction) IsRefundable() bool {
	return t.Status == StatusSuccess && PaymentMethodSupportsRefunds(t.PaymentMethod)
}

// NetAmount is Amount minus ProcessingFee.
func (t *Transaction) NetAmount() Money {
	net, err := t.Amount.Sub(t.ProcessingFee)
	if err != nil {
		return t.Amount
	}
	return net
}

// IsBookTransfer reports whether both legs are managed accounts, meaning the
// movement settles inside the ledger without an external rail.
func (t *Transaction) IsBookTransfer() bool {
	return t.SourceAccountID != nil && t.DestinationAccountID != nil
}

// AccountIDs returns the managed accounts touched by t.
func (t *Transaction) AccountIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 2)
	if t.SourceAccountID != nil {
		ids = append(ids, *t.SourceAccountID)
	}
	if t.DestinationAccountID != nil {
		ids = append(ids, *t.DestinationAccountID)
	}
	return ids
}

// GatewayLog is one submission of a transaction to its payment rail.
type GatewayLog struct {
	ID               uuid.UUID `json:"id"`
	TransactionID    uuid.UUID `json:"transaction_id"`
	GatewayReference string    `json:"gateway_reference"`
	Attempt          int       `json:"attempt"`
	ResponseCode     string    `json:"response_code,omitempty"`
	ResponseMessage  string    `json:"response_message,omitempty"`
	At               time.Time `json:"at"`
}

func cloneMoney(m *Money) *Money {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
