package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/fraud"
	"github.com/punchamoorthee/payledger/internal/gateway"
	"github.com/punchamoorthee/payledger/internal/idempotency"
	"github.com/punchamoorthee/payledger/internal/lock"
	"github.com/punchamoorthee/payledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (r *recorder) Publish(records ...domain.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

func (r *recorder) actions(entityID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		if rec.EntityID == entityID {
			out = append(out, rec.Action)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *clock
	audit  *recorder
}

func newFixture(t *testing.T, configure ...func(*Dependencies, *Options)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	deps := Dependencies{
		Store:    st,
		Locks:    lock.NewCoordinator(lock.NewMemoryLocker(), 5*time.Second),
		Audit:    rec,
		Detector: fraud.NewDetector(st, 5*time.Minute, nil),
	}
	opts := Options{Now: clk.Now}
	for _, fn := range configure {
		fn(&deps, &opts)
	}
	return &fixture{engine: NewEngine(deps, opts, zap.NewNop()), store: st, clock: clk, audit: rec}
}

func withoutDetector(deps *Dependencies, _ *Options) { deps.Detector = nil }

func usd(s string) domain.Money { return domain.MustMoney(s, domain.USD) }

func (f *fixture) open(t *testing.T, typ domain.AccountType) *domain.Account {
	t.Helper()
	acc, err := f.engine.OpenAccount(context.Background(), domain.OpenAccountRequest{
		CustomerID:            uuid.New(),
		Name:                  "test",
		Type:                  typ,
		Currency:              domain.USD,
		DailyTransactionLimit: 100,
	})
	require.NoError(t, err)
	return acc
}

// fund deposits amount over a zero-fee rail and settles it.
func (f *fixture) fund(t *testing.T, acc *domain.Account, amount string) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.engine.CreateTransaction(ctx, domain.TransactionRequest{
		IdempotencyKey:       uuid.NewString(),
		Type:                 domain.TypeDeposit,
		PaymentMethod:        domain.MethodCash,
		Amount:               decimal.RequireFromString(amount),
		Currency:             domain.USD,
		DestinationAccountID: &acc.ID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, tx.Status)

	tx, err = f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeSucceeded})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, tx.Status)
}

func (f *fixture) balance(t *testing.T, acc *domain.Account) domain.BalanceView {
	t.Helper()
	view, err := f.engine.GetAccountBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	return view
}

func transfer(src, dst *domain.Account, amount string) domain.TransactionRequest {
	return domain.TransactionRequest{
		IdempotencyKey:       uuid.NewString(),
		Type:                 domain.TypeTransfer,
		PaymentMethod:        domain.MethodBankTransfer,
		Amount:               decimal.RequireFromString(amount),
		Currency:             domain.USD,
		SourceAccountID:      &src.ID,
		DestinationAccountID: &dst.ID,
	}
}

func child(typ domain.TransactionType, parent *domain.Transaction, src, dst *domain.Account, amount string) domain.TransactionRequest {
	req := transfer(src, dst, amount)
	req.Type = typ
	req.ParentTransactionID = &parent.ID
	return req
}

func TestCreateTransaction_BookTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "30"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)
	assert.True(t, tx.ProcessingFee.IsZero())
	assert.False(t, tx.FundsReserved)
	assert.NotNil(t, tx.SubmittedAt)
	assert.NotNil(t, tx.CompletedAt)
	assert.Contains(t, tx.Reference, "TXN")

	av, bv := f.balance(t, a), f.balance(t, b)
	assert.True(t, av.Balance.Equal(usd("70")))
	assert.True(t, av.Available.Equal(usd("70")))
	assert.True(t, av.Reserved.IsZero())
	assert.True(t, bv.Balance.Equal(usd("30")))

	assert.Equal(t, []string{"CREATE", "PENDING", "PROCESSING", "SUCCESS"}, f.audit.actions(tx.ID))
	assert.Contains(t, f.audit.actions(a.ID), "RESERVE")
	assert.Contains(t, f.audit.actions(a.ID), "CAPTURE")
	assert.Contains(t, f.audit.actions(b.ID), "CREDIT")
}

func TestCreateTransaction_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "10")

	tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "50"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", tx.ErrorCode)
	assert.False(t, tx.FundsReserved)

	av := f.balance(t, a)
	assert.True(t, av.Balance.Equal(usd("10")))
	assert.True(t, av.Available.Equal(usd("10")))
	assert.True(t, av.Reserved.IsZero())
	assert.True(t, f.balance(t, b).Balance.IsZero())
}

func TestCreateTransaction_Overdraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := usd("50")
	a, err := f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID:     uuid.New(),
		Type:           domain.AccountBusiness,
		Currency:       domain.USD,
		OverdraftLimit: &limit,
	})
	require.NoError(t, err)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "20")

	tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "60"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("-40")))

	_, err = f.engine.CreateTransaction(ctx, transfer(a, b, "15"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestCreateTransaction_Idempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	req := transfer(a, b, "25")
	first, err := f.engine.CreateTransaction(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.CreateTransaction(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("75")))

	req.Amount = decimal.NewFromInt(26)
	_, err = f.engine.CreateTransaction(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("75")))
}

func TestCreateTransaction_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	req := transfer(a, b, "10")
	const callers = 20
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := f.engine.CreateTransaction(ctx, req)
			errs[i] = err
			if tx != nil {
				ids[i] = tx.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	stored, err := f.engine.GetTransaction(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored.Status)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("90")))
	assert.True(t, f.balance(t, b).Balance.Equal(usd("10")))
}

func TestCreateTransaction_FailedReplayIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)

	req := transfer(a, b, "5")
	first, err := f.engine.CreateTransaction(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	f.fund(t, a, "100")
	again, err := f.engine.CreateTransaction(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.StatusFailed, again.Status)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("100")))
}

func TestCreateTransaction_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	merchant := f.open(t, domain.AccountMerchant)
	missing := uuid.New()

	tests := []struct {
		name   string
		mutate func(*domain.TransactionRequest)
		want   error
	}{
		{"missing key", func(r *domain.TransactionRequest) { r.IdempotencyKey = "" }, domain.ErrValidation},
		{"zero amount", func(r *domain.TransactionRequest) { r.Amount = decimal.Zero }, domain.ErrInvalidAmount},
		{"negative amount", func(r *domain.TransactionRequest) { r.Amount = decimal.NewFromInt(-5) }, domain.ErrInvalidAmount},
		{"sub-cent amount", func(r *domain.TransactionRequest) { r.Amount = decimal.RequireFromString("1.001") }, domain.ErrValidation},
		{"unknown currency", func(r *domain.TransactionRequest) { r.Currency = "XYZ" }, domain.ErrValidation},
		{"currency mismatch", func(r *domain.TransactionRequest) { r.Currency = domain.EUR }, domain.ErrCurrencyMismatch},
		{"same account", func(r *domain.TransactionRequest) { r.DestinationAccountID = &a.ID }, domain.ErrValidation},
		{"no accounts", func(r *domain.TransactionRequest) { r.SourceAccountID, r.DestinationAccountID = nil, nil }, domain.ErrValidation},
		{"unknown account", func(r *domain.TransactionRequest) { r.DestinationAccountID = &missing }, domain.ErrAccountNotFound},
		{"refund without parent", func(r *domain.TransactionRequest) { r.Type = domain.TypeRefund }, domain.ErrValidation},
		{"parent on transfer", func(r *domain.TransactionRequest) { r.ParentTransactionID = &missing }, domain.ErrValidation},
		{"merchant cannot initiate", func(r *domain.TransactionRequest) { r.SourceAccountID = &merchant.ID }, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := transfer(a, b, "10")
			tt.mutate(&req)
			tx, err := f.engine.CreateTransaction(ctx, req)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, tx)
			if req.IdempotencyKey != "" {
				_, err := f.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
				assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
			}
		})
	}
}

func TestCreateTransaction_ConcurrentDebits(t *testing.T) {
	f := newFixture(t, withoutDetector)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "30"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && tx.Status == domain.StatusSuccess:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, attempts-3, rejected)

	av, bv := f.balance(t, a), f.balance(t, b)
	assert.True(t, av.Balance.Equal(usd("10")))
	assert.True(t, av.Reserved.IsZero())
	assert.True(t, bv.Balance.Equal(usd("90")))
	total, err := av.Balance.Add(bv.Balance)
	require.NoError(t, err)
	assert.True(t, total.Equal(usd("100")))
}

func TestCreateTransaction_CreditFailureIsCompensated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")
	_, err := f.engine.FreezeAccount(ctx, b.ID, "compliance review", "ops")
	require.NoError(t, err)

	tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "40"))
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "TRANSFER_FAILED", tx.ErrorCode)

	av := f.balance(t, a)
	assert.True(t, av.Balance.Equal(usd("100")))
	assert.True(t, av.Available.Equal(usd("100")))
	assert.True(t, av.Reserved.IsZero())
	assert.True(t, f.balance(t, b).Balance.IsZero())
}

func TestCreateTransaction_FrozenSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")
	_, err := f.engine.FreezeAccount(ctx, a.ID, "fraud", "ops")
	require.NoError(t, err)

	tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "10"))
	require.ErrorIs(t, err, domain.ErrAccountUnavailable)
	assert.Equal(t, "ACCOUNT_UNAVAILABLE", tx.ErrorCode)

	_, err = f.engine.UnfreezeAccount(ctx, a.ID, "ops")
	require.NoError(t, err)
	tx, err = f.engine.CreateTransaction(ctx, transfer(a, b, "11"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)
}

func TestCreateTransaction_DailyCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID:            uuid.New(),
		Type:                  domain.AccountPersonal,
		Currency:              domain.USD,
		DailyTransactionLimit: 2,
	})
	require.NoError(t, err)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	for _, amount := range []string{"1", "2"} {
		_, err := f.engine.CreateTransaction(ctx, transfer(a, b, amount))
		require.NoError(t, err)
	}
	_, err = f.engine.CreateTransaction(ctx, transfer(a, b, "3"))
	require.ErrorIs(t, err, domain.ErrDailyCountExceeded)

	f.clock.Advance(24 * time.Hour)
	tx, err := f.engine.CreateTransaction(ctx, transfer(a, b, "4"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)

	acc, err := f.engine.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, acc.DailyTransactionCount)
}

func TestCreateTransaction_SingleTransactionLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	single := usd("50")
	a, err := f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID:             uuid.New(),
		Type:                   domain.AccountPersonal,
		Currency:               domain.USD,
		SingleTransactionLimit: &single,
	})
	require.NoError(t, err)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "500")

	_, err = f.engine.CreateTransaction(ctx, transfer(a, b, "50.01"))
	require.ErrorIs(t, err, domain.ErrSingleTransactionExceeded)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("500")))
}

func TestRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	req := transfer(a, b, "30")
	req.PaymentMethod = domain.MethodDebitCard
	parent, err := f.engine.CreateTransaction(ctx, req)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, parent.Status)

	_, err = f.engine.CreateTransaction(ctx, child(domain.TypeRefund, parent, b, a, "35"))
	require.ErrorIs(t, err, domain.ErrRefundExceedsParent)

	partial, err := f.engine.CreateTransaction(ctx, child(domain.TypeRefund, parent, b, a, "20"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, partial.Status)
	parent, err = f.engine.GetTransaction(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, parent.Status)

	_, err = f.engine.CreateTransaction(ctx, child(domain.TypeRefund, parent, b, a, "10.01"))
	require.ErrorIs(t, err, domain.ErrRefundExceedsParent)

	rest, err := f.engine.CreateTransaction(ctx, child(domain.TypeRefund, parent, b, a, "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, rest.Status)
	parent, err = f.engine.GetTransaction(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, parent.Status)

	_, err = f.engine.CreateTransaction(ctx, child(domain.TypeRefund, parent, b, a, "1"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.True(t, f.balance(t, a).Balance.Equal(usd("100")))
	assert.True(t, f.balance(t, b).Balance.IsZero())
}

func TestRefund_CashNotRefundable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	req := transfer(a, b, "30")
	req.PaymentMethod = domain.MethodCash
	parent, err := f.engine.CreateTransaction(ctx, req)
	require.NoError(t, err)

	_, err = f.engine.CreateTransaction(ctx, child(domain.TypeRefund, parent, b, a, "5"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	parent, err := f.engine.CreateTransaction(ctx, transfer(a, b, "40"))
	require.NoError(t, err)

	reversal, err := f.engine.CreateTransaction(ctx, child(domain.TypeReversal, parent, b, a, "40"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, reversal.Status)

	parent, err = f.engine.GetTransaction(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReversed, parent.Status)
	assert.Equal(t, []string{"CREATE", "PENDING", "PROCESSING", "SUCCESS", "REVERSING", "REVERSED"}, f.audit.actions(parent.ID))

	assert.True(t, f.balance(t, a).Balance.Equal(usd("100")))
	assert.True(t, f.balance(t, b).Balance.IsZero())
}

func TestReversal_FailureLeavesParentReversing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	parent, err := f.engine.CreateTransaction(ctx, transfer(a, b, "40"))
	require.NoError(t, err)

	// b spends the money before the reversal arrives
	c := f.open(t, domain.AccountPersonal)
	_, err = f.engine.CreateTransaction(ctx, transfer(b, c, "35"))
	require.NoError(t, err)

	reversal, err := f.engine.CreateTransaction(ctx, child(domain.TypeReversal, parent, b, a, "40"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.StatusFailed, reversal.Status)

	parent, err = f.engine.GetTransaction(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, parent.Status)
}

func TestRailPayment_GatewayLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "200")

	tx, err := f.engine.CreateTransaction(ctx, domain.TransactionRequest{
		IdempotencyKey:  uuid.NewString(),
		Type:            domain.TypePayment,
		PaymentMethod:   domain.MethodCreditCard,
		Amount:          decimal.NewFromInt(100),
		Currency:        domain.USD,
		SourceAccountID: &a.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, tx.Status)
	assert.True(t, tx.FundsReserved)
	assert.True(t, tx.ProcessingFee.Equal(usd("3.50")))
	assert.True(t, tx.NetAmount().Equal(usd("96.50")))

	av := f.balance(t, a)
	assert.True(t, av.Available.Equal(usd("100")))
	assert.True(t, av.Reserved.Equal(usd("100")))

	_, err = f.engine.RecordGatewayAttempt(ctx, tx.ID, "gw-1", "00", "accepted", "gateway")
	require.NoError(t, err)
	logs, err := f.store.ListGatewayLogs(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].Attempt)

	tx, err = f.engine.AdvanceByGatewayReference(ctx, "gw-1", domain.Outcome{Kind: domain.OutcomeSucceeded, ResponseCode: "00"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)
	version := tx.Version

	again, err := f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeSucceeded})
	require.NoError(t, err)
	assert.Equal(t, version, again.Version)

	_, err = f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeFailed})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	av = f.balance(t, a)
	assert.True(t, av.Balance.Equal(usd("100")))
	assert.True(t, av.Reserved.IsZero())
}

func TestRailPayment_GatewayDeclineReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "200")

	tx, err := f.engine.CreateTransaction(ctx, domain.TransactionRequest{
		IdempotencyKey:  uuid.NewString(),
		Type:            domain.TypeWithdrawal,
		PaymentMethod:   domain.MethodBankTransfer,
		Amount:          decimal.NewFromInt(80),
		Currency:        domain.USD,
		SourceAccountID: &a.ID,
	})
	require.NoError(t, err)

	tx, err = f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "GATEWAY_DECLINED", tx.ErrorCode)

	av := f.balance(t, a)
	assert.True(t, av.Available.Equal(usd("200")))
	assert.True(t, av.Reserved.IsZero())
}

func TestAdvance_UnknownOutcome(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AdvanceTransaction(context.Background(), uuid.New(), domain.Outcome{Kind: "MAYBE"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDuplicate_HeldThenDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	first, err := f.engine.CreateTransaction(ctx, transfer(a, b, "25"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, first.Status)

	held, err := f.engine.CreateTransaction(ctx, transfer(a, b, "25"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnHold, held.Status)
	assert.True(t, held.FundsReserved)
	assert.Contains(t, held.Metadata[metaHoldReason], first.Reference)
	assert.True(t, f.balance(t, a).Reserved.Equal(usd("25")))

	_, err = f.engine.CancelTransaction(ctx, held.ID, "ops")
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	declined, err := f.engine.AdvanceTransaction(ctx, held.ID, domain.Outcome{Kind: domain.OutcomeRejected, Actor: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, declined.Status)
	assert.Equal(t, reviewDeclined, declined.ErrorCode)

	av := f.balance(t, a)
	assert.True(t, av.Balance.Equal(usd("75")))
	assert.True(t, av.Reserved.IsZero())
}

func TestDuplicate_LaterSiblingDoesNotHoldOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	// two identical requests stored before either is processed
	first := transfer(a, b, "12")
	stored1, created, err := f.engine.guard.CreateOrFetch(ctx, f.engine.newTransaction(first, idempotency.Fingerprint(first)))
	require.NoError(t, err)
	require.True(t, created)
	f.clock.Advance(time.Second)
	second := transfer(a, b, "12")
	stored2, created, err := f.engine.guard.CreateOrFetch(ctx, f.engine.newTransaction(second, idempotency.Fingerprint(second)))
	require.NoError(t, err)
	require.True(t, created)

	tx1, err := f.engine.CreateTransaction(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, stored1.ID, tx1.ID)
	assert.Equal(t, domain.StatusSuccess, tx1.Status)

	tx2, err := f.engine.CreateTransaction(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, stored2.ID, tx2.ID)
	assert.Equal(t, domain.StatusOnHold, tx2.Status)
	assert.Contains(t, tx2.Metadata[metaHoldReason], tx1.Reference)
}

func TestDuplicate_HeldThenResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	_, err := f.engine.CreateTransaction(ctx, transfer(a, b, "25"))
	require.NoError(t, err)
	held, err := f.engine.CreateTransaction(ctx, transfer(a, b, "25"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnHold, held.Status)

	resumed, err := f.engine.AdvanceTransaction(ctx, held.ID, domain.Outcome{Kind: domain.OutcomeResumed})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, resumed.Status)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("50")))
	assert.True(t, f.balance(t, b).Balance.Equal(usd("50")))
}

func TestCancel_FromVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	tx, err := f.engine.CreateTransaction(ctx, domain.TransactionRequest{
		IdempotencyKey:  uuid.NewString(),
		Type:            domain.TypePayment,
		PaymentMethod:   domain.MethodDigitalWallet,
		Amount:          decimal.NewFromInt(60),
		Currency:        domain.USD,
		SourceAccountID: &a.ID,
	})
	require.NoError(t, err)

	_, err = f.engine.CancelTransaction(ctx, tx.ID, "customer")
	require.ErrorIs(t, err, domain.ErrNotCancellable)

	tx, err = f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeRequiresVerification})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequiresVerification, tx.Status)

	tx, err = f.engine.CancelTransaction(ctx, tx.ID, "customer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, tx.Status)
	assert.True(t, f.balance(t, a).Available.Equal(usd("100")))

	_, err = f.engine.CancelTransaction(ctx, tx.ID, "customer")
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func railPayment(t *testing.T, f *fixture, acc *domain.Account, amount int64) *domain.Transaction {
	t.Helper()
	tx, err := f.engine.CreateTransaction(context.Background(), domain.TransactionRequest{
		IdempotencyKey:  uuid.NewString(),
		Type:            domain.TypePayment,
		PaymentMethod:   domain.MethodDebitCard,
		Amount:          decimal.NewFromInt(amount),
		Currency:        domain.USD,
		SourceAccountID: &acc.ID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, tx.Status)
	return tx
}

func TestSweep_ExpiresAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	tx := railPayment(t, f, a, 40)
	_, err := f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeOnHold})
	require.NoError(t, err)

	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(31 * time.Minute)
	res, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	tx, err = f.engine.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, tx.Status)
	assert.Equal(t, "EXPIRED", tx.ErrorCode)
	assert.True(t, f.balance(t, a).Available.Equal(usd("100")))

	res, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweep_StuckRetriedThenTimedOut(t *testing.T) {
	pending := gateway.ResolverFunc(func(context.Context, *domain.Transaction) (domain.Outcome, error) {
		return domain.Outcome{Kind: domain.OutcomePending}, nil
	})
	f := newFixture(t, func(deps *Dependencies, opts *Options) {
		deps.Resolver = pending
		opts.GatewayMaxRetries = 2
	})
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")
	tx := railPayment(t, f, a, 40)

	f.clock.Advance(16 * time.Minute)
	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	tx, err = f.engine.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, tx.Status)
	assert.Equal(t, 1, tx.RetryCount)

	res, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)

	tx, err = f.engine.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "TIMEOUT", tx.ErrorCode)
	assert.True(t, f.balance(t, a).Reserved.IsZero())
}

func TestSweep_StuckResolved(t *testing.T) {
	tests := []struct {
		name       string
		resolver   gateway.Resolver
		wantStatus domain.TransactionStatus
		wantCode   string
		wantBal    string
	}{
		{
			name: "gateway settled",
			resolver: gateway.ResolverFunc(func(context.Context, *domain.Transaction) (domain.Outcome, error) {
				return domain.Outcome{Kind: domain.OutcomeSucceeded}, nil
			}),
			wantStatus: domain.StatusSuccess,
			wantBal:    "60",
		},
		{
			name: "gateway declined",
			resolver: gateway.ResolverFunc(func(context.Context, *domain.Transaction) (domain.Outcome, error) {
				return domain.Outcome{Kind: domain.OutcomeFailed, ErrorCode: "CARD_DECLINED"}, nil
			}),
			wantStatus: domain.StatusFailed,
			wantCode:   "CARD_DECLINED",
			wantBal:    "100",
		},
		{
			name: "gateway unaware",
			resolver: gateway.ResolverFunc(func(context.Context, *domain.Transaction) (domain.Outcome, error) {
				return domain.Outcome{}, gateway.ErrUnresolved
			}),
			wantStatus: domain.StatusFailed,
			wantCode:   "TIMEOUT",
			wantBal:    "100",
		},
		{
			name:       "no resolver",
			wantStatus: domain.StatusFailed,
			wantCode:   "TIMEOUT",
			wantBal:    "100",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(deps *Dependencies, _ *Options) { deps.Resolver = tt.resolver })
			ctx := context.Background()
			a := f.open(t, domain.AccountPersonal)
			f.fund(t, a, "100")
			tx := railPayment(t, f, a, 40)

			f.clock.Advance(16 * time.Minute)
			res, err := f.engine.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Stuck)

			tx, err = f.engine.GetTransaction(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, tx.Status)
			assert.Equal(t, tt.wantCode, tx.ErrorCode)

			av := f.balance(t, a)
			assert.True(t, av.Balance.Equal(usd(tt.wantBal)))
			assert.True(t, av.Reserved.IsZero())
		})
	}
}

func TestOpenAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := uuid.New()

	acc, err := f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID: customer,
		Type:       domain.AccountPersonal,
		Currency:   domain.USD,
	})
	require.NoError(t, err)
	assert.True(t, acc.IsActive)
	assert.NotEmpty(t, acc.AccountNumber)
	require.NotNil(t, acc.DailyLimit)
	assert.True(t, acc.DailyLimit.Equal(usd("5000")))
	assert.Equal(t, 10, acc.DailyTransactionLimit)
	assert.Equal(t, []string{"OPEN"}, f.audit.actions(acc.ID))

	_, err = f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID: customer,
		Type:       domain.AccountPersonal,
		Currency:   domain.USD,
	})
	assert.ErrorIs(t, err, domain.ErrAccountExists)

	escrow, err := f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID: customer,
		Type:       domain.AccountEscrow,
		Currency:   domain.USD,
	})
	require.NoError(t, err)
	assert.Nil(t, escrow.DailyLimit)

	eur := domain.MustMoney("10", domain.EUR)
	_, err = f.engine.OpenAccount(ctx, domain.OpenAccountRequest{
		CustomerID:     customer,
		Type:           domain.AccountBusiness,
		Currency:       domain.USD,
		OverdraftLimit: &eur,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCloseAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")
	tx := railPayment(t, f, a, 40)

	_, err := f.engine.CloseAccount(ctx, a.ID, "ops")
	require.ErrorIs(t, err, domain.ErrAccountUnavailable)

	_, err = f.engine.AdvanceTransaction(ctx, tx.ID, domain.Outcome{Kind: domain.OutcomeFailed})
	require.NoError(t, err)

	closed, err := f.engine.CloseAccount(ctx, a.ID, "ops")
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	assert.True(t, closed.Deleted)

	_, err = f.engine.CreateTransaction(ctx, domain.TransactionRequest{
		IdempotencyKey:       uuid.NewString(),
		Type:                 domain.TypeDeposit,
		PaymentMethod:        domain.MethodCash,
		Amount:               decimal.NewFromInt(5),
		Currency:             domain.USD,
		DestinationAccountID: &a.ID,
	})
	assert.ErrorIs(t, err, domain.ErrAccountUnavailable)
}

func TestFreezeAccount_RequiresReason(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, domain.AccountPersonal)
	_, err := f.engine.FreezeAccount(context.Background(), a.ID, "", "ops")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExpiredBeforeProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, domain.AccountPersonal)
	b := f.open(t, domain.AccountPersonal)
	f.fund(t, a, "100")

	// a stored INITIATED row whose processing never committed
	req := transfer(a, b, "10")
	stored, created, err := f.engine.guard.CreateOrFetch(ctx, f.engine.newTransaction(req, idempotency.Fingerprint(req)))
	require.NoError(t, err)
	require.True(t, created)

	f.clock.Advance(31 * time.Minute)
	tx, err := f.engine.CreateTransaction(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, tx.ID)
	assert.Equal(t, domain.StatusExpired, tx.Status)
	assert.True(t, f.balance(t, a).Balance.Equal(usd("100")))
}
