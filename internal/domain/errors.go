package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")

	ErrInvalidAmount             = errors.New("amount must be positive")
	ErrCurrencyMismatch          = errors.New("currency mismatch")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrAccountUnavailable        = errors.New("account unavailable")
	ErrDailyCountExceeded        = errors.New("daily transaction count exceeded")
	ErrDailyAmountExceeded       = errors.New("daily amount limit exceeded")
	ErrMonthlyAmountExceeded     = errors.New("monthly amount limit exceeded")
	ErrSingleTransactionExceeded = errors.New("single transaction limit exceeded")
	ErrRefundExceedsParent       = errors.New("refund exceeds parent net amount")
	ErrIdempotencyKeyReused      = errors.New("idempotency key reused with different payload")
	ErrConcurrentModification    = errors.New("concurrent modification")
	ErrLockTimeout               = errors.New("lock acquisition timed out")
	ErrTransferFailed            = errors.New("transfer failed and was compensated")
	ErrNotCancellable            = errors.New("transaction is not cancellable")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrAccountNotFound           = errors.New("account not found")
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrAccountExists             = errors.New("account already exists for customer, type and currency")
	ErrGatewayDeclined           = errors.New("gateway declined transaction")
	ErrGatewayTimeout            = errors.New("gateway did not resolve transaction in time")
)

// ValidationError describes bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsRetryable reports whether the caller should retry the whole operation from a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockTimeout)
}

var businessRejections = []error{
	ErrInsufficientFunds,
	ErrAccountUnavailable,
	ErrDailyCountExceeded,
	ErrDailyAmountExceeded,
	ErrMonthlyAmountExceeded,
	ErrSingleTransactionExceeded,
	ErrRefundExceedsParent,
}

// IsBusinessRejection reports whether err is a terminal business rejection that
// is safe to surface to the caller.
func IsBusinessRejection(err error) bool {
	for _, target := range businessRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrAccountUnavailable, "ACCOUNT_UNAVAILABLE"},
	{ErrDailyCountExceeded, "DAILY_COUNT_EXCEEDED"},
	{ErrDailyAmountExceeded, "DAILY_AMOUNT_EXCEEDED"},
	{ErrMonthlyAmountExceeded, "MONTHLY_AMOUNT_EXCEEDED"},
	{ErrSingleTransactionExceeded, "SINGLE_TRANSACTION_EXCEEDED"},
	{ErrRefundExceedsParent, "REFUND_EXCEEDS_PARENT"},
	{ErrIdempotencyKeyReused, "IDEMPOTENCY_KEY_REUSED"},
	{ErrConcurrentModification, "CONCURRENT_MODIFICATION"},
	{ErrLockTimeout, "LOCK_TIMEOUT"},
	{ErrTransferFailed, "TRANSFER_FAILED"},
	{ErrNotCancellable, "NOT_CANCELLABLE"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrAccountNotFound, "ACCOUNT_NOT_FOUND"},
	{ErrTransactionNotFound, "TRANSACTION_NOT_FOUND"},
	{ErrAccountExists, "ACCOUNT_EXISTS"},
	{ErrGatewayDeclined, "GATEWAY_DECLINED"},
	{ErrGatewayTimeout, "TIMEOUT"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrCurrencyMismatch, "CURRENCY_MISMATCH"},
	{ErrValidation, "VALIDATION_ERROR"},
}

// ErrorCode maps err to the stable code stored on failed transactions.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "INTERNAL_ERROR"
}
