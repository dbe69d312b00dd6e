package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionRequest is the caller's intent to move money.
type TransactionRequest struct {
	IdempotencyKey       string            `json:"idempotency_key"`
	Type                 TransactionType   `json:"type"`
	PaymentMethod        PaymentMethod     `json:"payment_method"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             Currency          `json:"currency"`
	SourceAccountID      *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationAccountID *uuid.UUID        `json:"destination_account_id,omitempty"`
	ParentTransactionID  *uuid.UUID        `json:"parent_transaction_id,omitempty"`
	Description          string            `json:"description,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Actor                string            `json:"-"`
}

// OpenAccountRequest opens an account of a (type, currency) pair for a customer.
type OpenAccountRequest struct {
	CustomerID             uuid.UUID   `json:"customer_id"`
	Name                   string      `json:"name"`
	Type                   AccountType `json:"type"`
	Currency               Currency    `json:"currency"`
	OverdraftLimit         *Money      `json:"overdraft_limit,omitempty"`
	DailyLimit             *Money      `json:"daily_limit,omitempty"`
	MonthlyLimit           *Money      `json:"monthly_limit,omitempty"`
	SingleTransactionLimit *Money      `json:"single_transaction_limit,omitempty"`
	DailyTransactionLimit  int         `json:"daily_transaction_limit,omitempty"`
	IsPrimary              bool        `json:"is_primary"`
	Actor                  string      `json:"-"`
}

// OutcomeKind is a result reported for an in-flight transaction, usually by a gateway callback.
type OutcomeKind string

const (
	OutcomeSucceeded            OutcomeKind = "SUCCEEDED"
	OutcomeFailed               OutcomeKind = "FAILED"
	OutcomeRequiresVerification OutcomeKind = "REQUIRES_VERIFICATION"
	OutcomeOnHold               OutcomeKind = "ON_HOLD"
	OutcomeResumed              OutcomeKind = "RESUMED"
	// OutcomeRejected declines a transaction held for review.
	OutcomeRejected OutcomeKind = "REJECTED"
	// OutcomePending means the gateway has no final answer yet.
	OutcomePending OutcomeKind = "PENDING"
)

// Outcome carries the gateway result applied by AdvanceTransaction.
type Outcome struct {
	Kind             OutcomeKind `json:"kind"`
	GatewayReference string      `json:"gateway_reference,omitempty"`
	ResponseCode     string      `json:"response_code,omitempty"`
	ResponseMessage  string      `json:"response_message,omitempty"`
	ErrorCode        string      `json:"error_code,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	Actor            string      `json:"-"`
}

// BalanceView is the read model returned by GetAccountBalance.
type BalanceView struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   Money     `json:"balance"`
	Available Money     `json:"available"`
	Reserved  Money     `json:"reserved"`
	Version   int64     `json:"version"`
}
