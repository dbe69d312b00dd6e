package ledger

import (
	"fmt"

	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
)

// Transfer debits src then credits dst as one unit. Both locks must be held.
// If the credit fails the debit is undone before returning ErrTransferFailed.
func Transfer(j *audit.Journal, src, dst *domain.Account, amount domain.Money) error {
	return move(j, src, dst, amount, Debit)
}

// Settle captures a reservation on src and credits dst, compensating the
// capture if the credit fails.
func Settle(j *audit.Journal, src, dst *domain.Account, amount domain.Money) error {
	return move(j, src, dst, amount, CaptureReserved)
}

func move(j *audit.Journal, src, dst *domain.Account, amount domain.Money,
	take func(*audit.Journal, *domain.Account, domain.Money) error) error {
	if src.ID == dst.ID {
		return domain.NewValidationError("destination_account_id", "must differ from source account")
	}
	if src.Currency != dst.Currency {
		return fmt.Errorf("%w: %s -> %s", domain.ErrCurrencyMismatch, src.Currency, dst.Currency)
	}

	restore := src.Clone()
	if err := take(j, src, amount); err != nil {
		return err
	}
	if err := Credit(j, dst, amount); err != nil {
		debited := domain.AccountSnapshot(src)
		*src = *restore
		j.Account(src.ID, ActionDebitCompensated, debited, domain.AccountSnapshot(src))
		return fmt.Errorf("%w: credit to %s: %v", domain.ErrTransferFailed, dst.ID, err)
	}
	return nil
}
