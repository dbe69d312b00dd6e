package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(s string) domain.Money { return domain.MustMoney(s, domain.USD) }

func newAccount(balance string) *domain.Account {
	return &domain.Account{
		ID:               uuid.New(),
		Type:             domain.AccountPersonal,
		Currency:         domain.USD,
		Balance:          usd(balance),
		AvailableBalance: usd(balance),
		ReservedBalance:  usd("0"),
		OverdraftLimit:   usd("0"),
		IsActive:         true,
	}
}

func journal() *audit.Journal {
	return audit.NewJournal("tester", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestDebitCredit(t *testing.T) {
	j := journal()
	acc := newAccount("100")

	require.NoError(t, Debit(j, acc, usd("30")))
	assert.True(t, acc.Balance.Equal(usd("70")))
	assert.True(t, acc.AvailableBalance.Equal(usd("70")))
	assert.Equal(t, int64(1), acc.Version)

	require.NoError(t, Credit(j, acc, usd("5.50")))
	assert.True(t, acc.Balance.Equal(usd("75.50")))
	assert.Equal(t, int64(2), acc.Version)
	require.NoError(t, acc.CheckInvariants())

	records := j.Records()
	require.Len(t, records, 2)
	assert.Equal(t, ActionDebit, records[0].Action)
	assert.Equal(t, "100", records[0].Before["balance"])
	assert.Equal(t, "70", records[0].After["balance"])
	assert.Equal(t, "tester", records[1].Actor)
}

func TestDebit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*domain.Account)
		amount domain.Money
		want   error
	}{
		{"zero amount", nil, usd("0"), domain.ErrInvalidAmount},
		{"negative amount", nil, usd("-1"), domain.ErrInvalidAmount},
		{"wrong currency", nil, domain.MustMoney("1", domain.EUR), domain.ErrCurrencyMismatch},
		{"insufficient", nil, usd("100.01"), domain.ErrInsufficientFunds},
		{"frozen", func(a *domain.Account) { a.IsFrozen = true }, usd("1"), domain.ErrAccountUnavailable},
		{"inactive", func(a *domain.Account) { a.IsActive = false }, usd("1"), domain.ErrAccountUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := newAccount("100")
			if tt.setup != nil {
				tt.setup(acc)
			}
			j := journal()
			err := Debit(j, acc, tt.amount)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, acc.Balance.Equal(usd("100")), "balance must be unchanged")
			assert.Zero(t, acc.Version)
			assert.Empty(t, j.Records())
		})
	}
}

func TestDebit_UsesOverdraft(t *testing.T) {
	acc := newAccount("10")
	acc.OverdraftLimit = usd("50")

	require.NoError(t, Debit(journal(), acc, usd("60")))
	assert.True(t, acc.Balance.Equal(usd("-50")))
	require.NoError(t, acc.CheckInvariants())

	require.ErrorIs(t, Debit(journal(), acc, usd("0.01")), domain.ErrInsufficientFunds)
}

func TestReserveReleaseCapture(t *testing.T) {
	j := journal()
	acc := newAccount("100")

	require.NoError(t, Reserve(j, acc, usd("40")))
	assert.True(t, acc.Balance.Equal(usd("100")))
	assert.True(t, acc.AvailableBalance.Equal(usd("60")))
	assert.True(t, acc.ReservedBalance.Equal(usd("40")))
	require.NoError(t, acc.CheckInvariants())

	require.ErrorIs(t, Reserve(j, acc, usd("61")), domain.ErrInsufficientFunds)

	require.NoError(t, Release(j, acc, usd("10")))
	assert.True(t, acc.ReservedBalance.Equal(usd("30")))
	assert.True(t, acc.AvailableBalance.Equal(usd("70")))

	require.NoError(t, CaptureReserved(j, acc, usd("30")))
	assert.True(t, acc.Balance.Equal(usd("70")))
	assert.True(t, acc.ReservedBalance.IsZero())
	require.NoError(t, acc.CheckInvariants())

	require.ErrorIs(t, CaptureReserved(j, acc, usd("1")), domain.ErrInsufficientFunds)
	require.ErrorIs(t, Release(j, acc, usd("1")), domain.ErrInsufficientFunds)
}

func TestRelease_AllowedWhenFrozen(t *testing.T) {
	j := journal()
	acc := newAccount("100")
	require.NoError(t, Reserve(j, acc, usd("25")))
	require.NoError(t, Freeze(j, acc, "fraud review"))

	require.ErrorIs(t, CaptureReserved(j, acc, usd("25")), domain.ErrAccountUnavailable)
	require.ErrorIs(t, Credit(j, acc, usd("1")), domain.ErrAccountUnavailable)
	require.NoError(t, Release(j, acc, usd("25")))
	assert.True(t, acc.AvailableBalance.Equal(usd("100")))
}

func TestFreezeUnfreeze(t *testing.T) {
	j := journal()
	acc := newAccount("1")

	require.ErrorIs(t, Freeze(j, acc, ""), domain.ErrValidation)
	require.NoError(t, Freeze(j, acc, "chargeback investigation"))
	assert.True(t, acc.IsFrozen)
	assert.Equal(t, "chargeback investigation", acc.FreezeReason)

	require.NoError(t, Unfreeze(j, acc))
	assert.False(t, acc.IsFrozen)
	assert.Empty(t, acc.FreezeReason)

	v := acc.Version
	require.NoError(t, Unfreeze(j, acc))
	assert.Equal(t, v, acc.Version, "unfreezing an unfrozen account is a no-op")
}

func TestClose(t *testing.T) {
	j := journal()
	acc := newAccount("10")
	require.NoError(t, Reserve(j, acc, usd("5")))
	require.ErrorIs(t, Close(j, acc), domain.ErrAccountUnavailable)

	require.NoError(t, Release(j, acc, usd("5")))
	require.NoError(t, Close(j, acc))
	assert.False(t, acc.IsActive)
	assert.True(t, acc.Deleted)
	require.NotNil(t, acc.DeletedAt)
	require.ErrorIs(t, Debit(j, acc, usd("1")), domain.ErrAccountUnavailable)
}

func TestTransfer(t *testing.T) {
	j := journal()
	a := newAccount("100")
	b := newAccount("0")

	require.NoError(t, Transfer(j, a, b, usd("30")))
	assert.True(t, a.Balance.Equal(usd("70")))
	assert.True(t, b.Balance.Equal(usd("30")))

	require.ErrorIs(t, Transfer(j, a, b, usd("70.01")), domain.ErrInsufficientFunds)
	require.ErrorIs(t, Transfer(j, a, a, usd("1")), domain.ErrValidation)
}

func TestTransfer_CompensatesWhenCreditFails(t *testing.T) {
	j := journal()
	a := newAccount("100")
	b := newAccount("0")
	b.IsFrozen = true
	versionBefore := a.Version

	err := Transfer(j, a, b, usd("30"))
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.True(t, a.Balance.Equal(usd("100")))
	assert.True(t, a.AvailableBalance.Equal(usd("100")))
	assert.Equal(t, versionBefore, a.Version)
	assert.True(t, b.Balance.IsZero())

	records := j.Records()
	require.Len(t, records, 2)
	assert.Equal(t, ActionDebit, records[0].Action)
	assert.Equal(t, ActionDebitCompensated, records[1].Action)
	assert.Equal(t, "100", records[1].After["balance"])
}

func TestSettle(t *testing.T) {
	j := journal()
	a := newAccount("100")
	b := newAccount("0")
	require.NoError(t, Reserve(j, a, usd("30")))

	require.NoError(t, Settle(j, a, b, usd("30")))
	assert.True(t, a.Balance.Equal(usd("70")))
	assert.True(t, a.ReservedBalance.IsZero())
	assert.True(t, b.Balance.Equal(usd("30")))
	require.NoError(t, a.CheckInvariants())
	require.NoError(t, b.CheckInvariants())
}

func TestView(t *testing.T) {
	acc := newAccount("12.34")
	v := View(acc)
	assert.Equal(t, acc.ID, v.AccountID)
	assert.True(t, v.Available.Equal(usd("12.34")))
}
