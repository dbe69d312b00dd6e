// Package statemachine drives a transaction through its lifecycle.
package statemachine

import (
	"fmt"

	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
)

var transitions = map[domain.TransactionStatus][]domain.TransactionStatus{
	domain.StatusInitiated: {domain.StatusPending, domain.StatusCancelled, domain.StatusExpired},
	domain.StatusPending:   {domain.StatusProcessing, domain.StatusCancelled, domain.StatusExpired},
	domain.StatusProcessing: {
		domain.StatusSuccess,
		domain.StatusFailed,
		domain.StatusRequiresVerification,
		domain.StatusOnHold,
		domain.StatusExpired,
	},
	domain.StatusRequiresVerification: {domain.StatusProcessing, domain.StatusCancelled, domain.StatusExpired},
	domain.StatusOnHold:               {domain.StatusProcessing, domain.StatusCancelled, domain.StatusExpired},
	domain.StatusSuccess:              {domain.StatusReversing, domain.StatusRefunded},
	domain.StatusReversing:            {domain.StatusReversed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves tx to status to, stamping submitted_at on first entry to
// PROCESSING and completed_at on entry to a terminal state.
func Transition(j *audit.Journal, tx *domain.Transaction, to domain.TransactionStatus) error {
	return transition(j, tx, to, nil)
}

func transition(j *audit.Journal, tx *domain.Transaction, to domain.TransactionStatus, apply func()) error {
	if !CanTransition(tx.Status, to) {
		return fmt.Errorf("%w: %s -> %s for transaction %s", domain.ErrInvalidTransition, tx.Status, to, tx.ID)
	}
	before := domain.TransactionSnapshot(tx)
	now := j.Now()

	tx.Status = to
	if to == domain.StatusProcessing && tx.SubmittedAt == nil {
		tx.SubmittedAt = &now
	}
	if domain.IsTerminal(to) && tx.CompletedAt == nil {
		tx.CompletedAt = &now
	}
	if apply != nil {
		apply()
	}
	tx.Touch(now)
	j.Transaction(tx.ID, string(to), before, domain.TransactionSnapshot(tx))
	return nil
}

// MarkSuccessful moves a PROCESSING transaction to SUCCESS. The caller is
// responsible for capturing funds under the same lock.
func MarkSuccessful(j *audit.Journal, tx *domain.Transaction) error {
	return transition(j, tx, domain.StatusSuccess, func() {
		tx.FundsReserved = false
	})
}

// MarkFailed moves tx to FAILED and records why. The caller releases any
// reservation under the same lock.
func MarkFailed(j *audit.Journal, tx *domain.Transaction, code, message string) error {
	if tx.Status == domain.StatusFailed {
		return nil
	}
	return transition(j, tx, domain.StatusFailed, func() {
		tx.ErrorCode = code
		tx.ErrorMessage = message
		tx.FundsReserved = false
	})
}

// Cancel is legal only from INITIATED, PENDING and REQUIRES_VERIFICATION.
func Cancel(j *audit.Journal, tx *domain.Transaction) error {
	if !domain.IsCancellable(tx.Status) {
		return fmt.Errorf("%w: transaction %s is %s", domain.ErrNotCancellable, tx.ID, tx.Status)
	}
	return transition(j, tx, domain.StatusCancelled, func() {
		tx.FundsReserved = false
	})
}

// Decline cancels a transaction held for review, which Cancel does not allow
// from ON_HOLD.
func Decline(j *audit.Journal, tx *domain.Transaction, code, message string) error {
	if tx.Status != domain.StatusOnHold && tx.Status != domain.StatusRequiresVerification {
		return fmt.Errorf("%w: transaction %s is %s", domain.ErrNotCancellable, tx.ID, tx.Status)
	}
	return transition(j, tx, domain.StatusCancelled, func() {
		tx.ErrorCode = code
		tx.ErrorMessage = message
		tx.FundsReserved = false
	})
}

// Expire moves a non-terminal transaction to EXPIRED. It reports false without
// error when tx is already EXPIRED, so repeated sweeps are no-ops.
func Expire(j *audit.Journal, tx *domain.Transaction) (bool, error) {
	if tx.Status == domain.StatusExpired {
		return false, nil
	}
	err := transition(j, tx, domain.StatusExpired, func() {
		tx.ErrorCode = "EXPIRED"
		tx.ErrorMessage = "transaction expired before completion"
		tx.FundsReserved = false
	})
	return err == nil, err
}

// Annotate merges metadata into tx. It is the only mutation allowed on a
// terminal transaction.
func Annotate(j *audit.Journal, tx *domain.Transaction, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	before := domain.TransactionSnapshot(tx)
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		tx.Metadata[k] = v
	}
	tx.Touch(j.Now())
	j.Transaction(tx.ID, "ANNOTATE", before, domain.TransactionSnapshot(tx))
}
