package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/store"
)

// unit tracks the rows loaded inside one store transaction and saves the
// ones whose version moved, conditioned on the version they were loaded at.
type unit struct {
	tx       store.Tx
	journal  *audit.Journal
	accounts map[uuid.UUID]*loadedAccount
	txs      map[uuid.UUID]*loadedTransaction
}

type loadedAccount struct {
	acc     *domain.Account
	version int64
}

type loadedTransaction struct {
	tx      *domain.Transaction
	version int64
}

func newUnit(tx store.Tx, journal *audit.Journal) *unit {
	return &unit{
		tx:       tx,
		journal:  journal,
		accounts: make(map[uuid.UUID]*loadedAccount),
		txs:      make(map[uuid.UUID]*loadedTransaction),
	}
}

func (u *unit) account(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if l, ok := u.accounts[id]; ok {
		return l.acc, nil
	}
	acc, err := u.tx.LoadAccountForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	u.accounts[id] = &loadedAccount{acc: acc, version: acc.Version}
	return acc, nil
}

// optionalAccount loads id when set.
func (u *unit) optionalAccount(ctx context.Context, id *uuid.UUID) (*domain.Account, error) {
	if id == nil {
		return nil, nil
	}
	return u.account(ctx, *id)
}

func (u *unit) transaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	if l, ok := u.txs[id]; ok {
		return l.tx, nil
	}
	tx, err := u.tx.LoadTransactionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	u.txs[id] = &loadedTransaction{tx: tx, version: tx.Version}
	return tx, nil
}

func (u *unit) flush(ctx context.Context) error {
	for _, l := range u.accounts {
		if l.acc.Version == l.version {
			continue
		}
		if err := l.acc.CheckInvariants(); err != nil {
			return err
		}
		if err := u.tx.SaveAccount(ctx, l.acc, l.version); err != nil {
			return err
		}
		l.version = l.acc.Version
	}
	for _, l := range u.txs {
		if l.tx.Version == l.version {
			continue
		}
		if err := u.tx.SaveTransaction(ctx, l.tx, l.version); err != nil {
			return err
		}
		l.version = l.tx.Version
	}
	return nil
}
