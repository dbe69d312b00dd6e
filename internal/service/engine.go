// Package service is the ledger engine: it coordinates locks, the store,
// the ledger, limits and the state machine for every money movement.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/fraud"
	"github.com/punchamoorthee/payledger/internal/gateway"
	"github.com/punchamoorthee/payledger/internal/idempotency"
	"github.com/punchamoorthee/payledger/internal/limits"
	"github.com/punchamoorthee/payledger/internal/lock"
	"github.com/punchamoorthee/payledger/internal/store"
	"go.uber.org/zap"
)

// Publisher receives audit records after their unit commits.
type Publisher interface {
	Publish(records ...domain.AuditRecord)
}

type Options struct {
	TransactionTTL    time.Duration
	StuckCutoff       time.Duration
	SweepBatchSize    int
	GatewayMaxRetries int
	// Location decides where a "day" starts for daily limits.
	Location *time.Location
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if o.TransactionTTL <= 0 {
		o.TransactionTTL = 30 * time.Minute
	}
	if o.StuckCutoff <= 0 {
		o.StuckCutoff = 15 * time.Minute
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 100
	}
	if o.GatewayMaxRetries <= 0 {
		o.GatewayMaxRetries = 3
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dependencies are the collaborators of the engine. Detector and Resolver
// are optional.
type Dependencies struct {
	Store    store.Store
	Locks    *lock.Coordinator
	Audit    Publisher
	Detector *fraud.Detector
	Resolver gateway.Resolver
}

type Engine struct {
	store    store.Store
	locks    *lock.Coordinator
	audit    Publisher
	guard    *idempotency.Guard
	limits   *limits.Enforcer
	detector *fraud.Detector
	resolver gateway.Resolver
	opts     Options
	logger   *zap.Logger
}

func NewEngine(deps Dependencies, opts Options, logger *zap.Logger) *Engine {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    deps.Store,
		locks:    deps.Locks,
		audit:    deps.Audit,
		guard:    idempotency.NewGuard(deps.Store, logger),
		limits:   limits.NewEnforcer(deps.Store, opts.Location),
		detector: deps.Detector,
		resolver: deps.Resolver,
		opts:     opts,
		logger:   logger.Named("engine"),
	}
}

// Ping reports whether the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

func (e *Engine) publish(records []domain.AuditRecord) {
	if e.audit == nil || len(records) == 0 {
		return
	}
	e.audit.Publish(records...)
}

// inUnit runs fn inside one store transaction and publishes its audit trail
// once the transaction commits. The caller holds the relevant locks.
func (e *Engine) inUnit(ctx context.Context, actor string, fn func(u *unit) error) error {
	stx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer stx.Rollback(ctx)

	u := newUnit(stx, audit.NewJournal(actor, e.now()))
	if err := fn(u); err != nil {
		return err
	}
	if err := u.flush(ctx); err != nil {
		return err
	}
	if err := stx.Commit(ctx); err != nil {
		return err
	}
	e.publish(u.journal.Records())
	return nil
}

// transactionKeys lists every lock a unit touching tx may need.
func transactionKeys(tx *domain.Transaction) []string {
	keys := []string{lock.TransactionKey(tx.ID)}
	for _, id := range tx.AccountIDs() {
		keys = append(keys, lock.AccountKey(id))
	}
	if tx.ParentTransactionID != nil {
		keys = append(keys, lock.TransactionKey(*tx.ParentTransactionID))
	}
	return keys
}

// failsTransaction reports whether err ends the transaction as FAILED rather
// than leaving it for a retry.
func failsTransaction(err error) bool {
	return domain.IsBusinessRejection(err) ||
		errors.Is(err, domain.ErrTransferFailed) ||
		errors.Is(err, domain.ErrCurrencyMismatch) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrAccountNotFound)
}

// lockedTransaction runs fn on transaction id under its full lock set. When
// fn fails with a terminal error the unit is rolled back and the transaction
// is marked FAILED in a fresh unit while the locks are still held. The
// committed transaction is returned along with fn's error.
func (e *Engine) lockedTransaction(ctx context.Context, op string, id uuid.UUID, actor string, fn func(ctx context.Context, u *unit, tx *domain.Transaction) error) (*domain.Transaction, error) {
	start := time.Now()
	defer func() { operationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	current, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	runErr := e.locks.WithLock(ctx, transactionKeys(current), func(ctx context.Context) error {
		err := e.inUnit(ctx, actor, func(u *unit) error {
			tx, err := u.transaction(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, u, tx)
		})
		if err == nil || !failsTransaction(err) {
			return err
		}
		rejections.WithLabelValues(domain.ErrorCode(err)).Inc()
		if ferr := e.inUnit(ctx, actor, func(u *unit) error { return e.fail(ctx, u, id, err) }); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	})

	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	if runErr != nil {
		e.logger.Info("transaction operation ended with error",
			zap.String("operation", op),
			zap.String("transaction_id", id.String()),
			zap.String("status", string(tx.Status)),
			zap.Error(runErr),
		)
	}
	if tx.Status != current.Status && (tx.IsTerminal() || tx.Status == domain.StatusOnHold || tx.Status == domain.StatusRequiresVerification) {
		transactionsFinished.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	}
	return tx, runErr
}
