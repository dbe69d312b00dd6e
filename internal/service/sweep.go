package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/gateway"
	"github.com/punchamoorthee/payledger/internal/statemachine"
	"go.uber.org/zap"
)

const sweepActor = "sweeper"

// SweepResult counts what one reconciliation pass did.
type SweepResult struct {
	Expired  int `json:"expired_count"`
	Stuck    int `json:"stuck_count"`
	Resolved int `json:"resolved_count"`
	Retried  int `json:"retried_count"`
	TimedOut int `json:"timed_out_count"`
	Errors   int `json:"error_count"`
}

// Sweep expires transactions past their deadline and reconciles PROCESSING
// transactions that have waited longer than the stuck cutoff. Every step is
// an ordinary locked transition, so a pass racing a request or another pass
// only repeats no-ops.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := e.now()

	expired, err := e.store.ListExpired(ctx, now, e.opts.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired: %w", err)
	}
	for _, tx := range expired {
		changed, err := e.ExpireTransaction(ctx, tx.ID)
		if err != nil {
			res.Errors++
			e.logger.Warn("expire failed", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			res.Expired++
			sweepItems.WithLabelValues("expired").Inc()
		}
	}

	stuck, err := e.store.ListStuck(ctx, now.Add(-e.opts.StuckCutoff), e.opts.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list stuck: %w", err)
	}
	for _, tx := range stuck {
		action, err := e.reconcile(ctx, tx)
		if err != nil {
			res.Errors++
			e.logger.Warn("reconcile failed", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		if action == "" {
			continue
		}
		res.Stuck++
		sweepItems.WithLabelValues(action).Inc()
		switch action {
		case "resolved":
			res.Resolved++
		case "retried":
			res.Retried++
		case "timed_out":
			res.TimedOut++
		}
	}

	if res != (SweepResult{}) {
		e.logger.Info("sweep finished",
			zap.Int("expired", res.Expired),
			zap.Int("stuck", res.Stuck),
			zap.Int("resolved", res.Resolved),
			zap.Int("retried", res.Retried),
			zap.Int("timed_out", res.TimedOut),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

// ExpireTransaction moves a non-terminal transaction past its expires_at to
// EXPIRED and releases its hold. It reports whether anything changed.
func (e *Engine) ExpireTransaction(ctx context.Context, id uuid.UUID) (bool, error) {
	changed := false
	_, err := e.lockedTransaction(ctx, "expire", id, sweepActor, func(ctx context.Context, u *unit, tx *domain.Transaction) error {
		if tx.IsTerminal() || tx.Status == domain.StatusReversing || !u.journal.Now().After(tx.ExpiresAt) {
			return nil
		}
		if err := e.releaseHold(ctx, u, tx); err != nil {
			return err
		}
		var err error
		changed, err = statemachine.Expire(u.journal, tx)
		return err
	})
	return changed, err
}

// reconcile asks the gateway about a stuck transaction. A final answer is
// applied, an undecided one is retried up to the configured limit, and an
// unknown one fails with TIMEOUT.
func (e *Engine) reconcile(ctx context.Context, tx *domain.Transaction) (string, error) {
	if e.resolver == nil {
		return e.timeOut(ctx, tx.ID, "no gateway resolver configured")
	}

	outcome, err := e.resolver.Resolve(ctx, tx)
	switch {
	case errors.Is(err, gateway.ErrUnresolved):
		return e.timeOut(ctx, tx.ID, err.Error())
	case err != nil:
		e.logger.Warn("gateway re-query failed",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err),
		)
		return e.retry(ctx, tx.ID, err.Error())
	case outcome.Kind == domain.OutcomeSucceeded || outcome.Kind == domain.OutcomeFailed:
		outcome.Actor = sweepActor
		if _, err := e.AdvanceTransaction(ctx, tx.ID, outcome); err != nil && !failsTransaction(err) {
			return "", err
		}
		return "resolved", nil
	default:
		return e.retry(ctx, tx.ID, "gateway has not decided")
	}
}

// retry counts one more unanswered re-query and fails the transaction with
// TIMEOUT once the retry budget is spent.
func (e *Engine) retry(ctx context.Context, id uuid.UUID, reason string) (string, error) {
	action := ""
	_, err := e.lockedTransaction(ctx, "sweep_retry", id, sweepActor, func(ctx context.Context, u *unit, tx *domain.Transaction) error {
		if tx.Status != domain.StatusProcessing {
			return nil
		}
		before := domain.TransactionSnapshot(tx)
		tx.RetryCount++
		if tx.RetryCount >= e.opts.GatewayMaxRetries {
			action = "timed_out"
			return e.fail(ctx, u, tx.ID, fmt.Errorf("%w after %d re-queries: %s", domain.ErrGatewayTimeout, tx.RetryCount, reason))
		}
		tx.Touch(u.journal.Now())
		u.journal.Transaction(tx.ID, "RETRY", before, domain.TransactionSnapshot(tx))
		action = "retried"
		return nil
	})
	return action, err
}

func (e *Engine) timeOut(ctx context.Context, id uuid.UUID, reason string) (string, error) {
	action := ""
	_, err := e.lockedTransaction(ctx, "sweep_timeout", id, sweepActor, func(ctx context.Context, u *unit, tx *domain.Transaction) error {
		if tx.Status != domain.StatusProcessing {
			return nil
		}
		action = "timed_out"
		return e.fail(ctx, u, tx.ID, fmt.Errorf("%w: %s", domain.ErrGatewayTimeout, reason))
	})
	return action, err
}
