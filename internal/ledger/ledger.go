// Package ledger implements the balance mutations of a single account.
// Every function expects the caller to hold the account's lock and records a
// before/after snapshot on the unit's journal.
package ledger

import (
	"fmt"

	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
)

const (
	ActionDebit            = "DEBIT"
	ActionCredit           = "CREDIT"
	ActionReserve          = "RESERVE"
	ActionRelease          = "RELEASE"
	ActionCapture          = "CAPTURE"
	ActionFreeze           = "FREEZE"
	ActionUnfreeze         = "UNFREEZE"
	ActionClose            = "CLOSE"
	ActionDebitCompensated = "DEBIT_COMPENSATED"
)

func checkAmount(acc *domain.Account, amount domain.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", domain.ErrInvalidAmount, amount)
	}
	if amount.Currency != acc.Currency {
		return fmt.Errorf("%w: account %s is %s, amount is %s", domain.ErrCurrencyMismatch, acc.ID, acc.Currency, amount.Currency)
	}
	return nil
}

func checkOperational(acc *domain.Account) error {
	if !acc.Operational() {
		return fmt.Errorf("%w: account %s", domain.ErrAccountUnavailable, acc.ID)
	}
	return nil
}

// spendable is available balance plus the overdraft allowance.
func spendable(acc *domain.Account) domain.Money {
	s, _ := acc.AvailableBalance.Add(acc.OverdraftLimit)
	return s
}

func hasFunds(acc *domain.Account, amount domain.Money) bool {
	return spendable(acc).Amount.GreaterThanOrEqual(amount.Amount)
}

func mutate(j *audit.Journal, acc *domain.Account, action string, fn func()) {
	before := domain.AccountSnapshot(acc)
	fn()
	acc.Touch(j.Now())
	j.Account(acc.ID, action, before, domain.AccountSnapshot(acc))
}

// Debit removes amount from balance and available balance.
func Debit(j *audit.Journal, acc *domain.Account, amount domain.Money) error {
	if err := checkAmount(acc, amount); err != nil {
		return err
	}
	if err := checkOperational(acc); err != nil {
		return err
	}
	if !hasFunds(acc, amount) {
		return fmt.Errorf("%w: account %s available %s, requested %s",
			domain.ErrInsufficientFunds, acc.ID, acc.AvailableBalance, amount)
	}
	mutate(j, acc, ActionDebit, func() {
		acc.Balance.Amount = acc.Balance.Amount.Sub(amount.Amount)
		acc.AvailableBalance.Amount = acc.AvailableBalance.Amount.Sub(amount.Amount)
	})
	return nil
}

// Credit adds amount to balance and available balance.
func Credit(j *audit.Journal, acc *domain.Account, amount domain.Money) error {
	if err := checkAmount(acc, amount); err != nil {
		return err
	}
	if err := checkOperational(acc); err != nil {
		return err
	}
	mutate(j, acc, ActionCredit, func() {
		acc.Balance.Amount = acc.Balance.Amount.Add(amount.Amount)
		acc.AvailableBalance.Amount = acc.AvailableBalance.Amount.Add(amount.Amount)
	})
	return nil
}

// Reserve moves amount from available to reserved. Balance is unchanged.
func Reserve(j *audit.Journal, acc *domain.Account, amount domain.Money) error {
	if err := checkAmount(acc, amount); err != nil {
		return err
	}
	if err := checkOperational(acc); err != nil {
		return err
	}
	if !hasFunds(acc, amount) {
		return fmt.Errorf("%w: account %s available %s, requested hold %s",
			domain.ErrInsufficientFunds, acc.ID, acc.AvailableBalance, amount)
	}
	mutate(j, acc, ActionReserve, func() {
		acc.AvailableBalance.Amount = acc.AvailableBalance.Amount.Sub(amount.Amount)
		acc.ReservedBalance.Amount = acc.ReservedBalance.Amount.Add(amount.Amount)
	})
	return nil
}

// Release returns reserved funds to available. It is allowed on frozen or
// inactive accounts since it only gives the holder back their own money.
func Release(j *audit.Journal, acc *domain.Account, amount domain.Money) error {
	if err := checkAmount(acc, amount); err != nil {
		return err
	}
	if acc.ReservedBalance.Amount.LessThan(amount.Amount) {
		return fmt.Errorf("%w: account %s reserved %s, release %s",
			domain.ErrInsufficientFunds, acc.ID, acc.ReservedBalance, amount)
	}
	mutate(j, acc, ActionRelease, func() {
		acc.ReservedBalance.Amount = acc.ReservedBalance.Amount.Sub(amount.Amount)
		acc.AvailableBalance.Amount = acc.AvailableBalance.Amount.Add(amount.Amount)
	})
	return nil
}

// CaptureReserved turns a reservation into a completed debit.
func CaptureReserved(j *audit.Journal, acc *domain.Account, amount domain.Money) error {
	if err := checkAmount(acc, amount); err != nil {
		return err
	}
	if err := checkOperational(acc); err != nil {
		return err
	}
	if acc.ReservedBalance.Amount.LessThan(amount.Amount) {
		return fmt.Errorf("%w: account %s reserved %s, capture %s",
			domain.ErrInsufficientFunds, acc.ID, acc.ReservedBalance, amount)
	}
	mutate(j, acc, ActionCapture, func() {
		acc.ReservedBalance.Amount = acc.ReservedBalance.Amount.Sub(amount.Amount)
		acc.Balance.Amount = acc.Balance.Amount.Sub(amount.Amount)
	})
	return nil
}

// Freeze blocks every operation except Release until Unfreeze.
func Freeze(j *audit.Journal, acc *domain.Account, reason string) error {
	if reason == "" {
		return domain.NewValidationError("reason", "freeze reason is required")
	}
	mutate(j, acc, ActionFreeze, func() {
		acc.IsFrozen = true
		acc.FreezeReason = reason
	})
	return nil
}

func Unfreeze(j *audit.Journal, acc *domain.Account) error {
	if !acc.IsFrozen {
		return nil
	}
	mutate(j, acc, ActionUnfreeze, func() {
		acc.IsFrozen = false
		acc.FreezeReason = ""
	})
	return nil
}

// Close deactivates and soft-deletes an account. Held funds must be settled first.
func Close(j *audit.Journal, acc *domain.Account) error {
	if acc.ReservedBalance.IsPositive() {
		return fmt.Errorf("%w: account %s still holds %s in reservations",
			domain.ErrAccountUnavailable, acc.ID, acc.ReservedBalance)
	}
	mutate(j, acc, ActionClose, func() {
		now := j.Now()
		acc.IsActive = false
		acc.Deleted = true
		acc.DeletedAt = &now
	})
	return nil
}

// View projects the balance fields of acc.
func View(acc *domain.Account) domain.BalanceView {
	return domain.BalanceView{
		AccountID: acc.ID,
		Balance:   acc.Balance,
		Available: acc.AvailableBalance,
		Reserved:  acc.ReservedBalance,
		Version:   acc.Version,
	}
}
