package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/idempotency"
	"github.com/punchamoorthee/payledger/internal/ledger"
	"github.com/punchamoorthee/payledger/internal/statemachine"
	"go.uber.org/zap"
)

const (
	metaHoldReason  = "hold_reason"
	maxKeyLength    = 255
	reviewDeclined  = "REVIEW_DECLINED"
	referencePrefix = "TXN"
)

// CreateTransaction records a money movement and drives it as far as it can
// go without a gateway. Book transfers between two managed accounts settle
// before returning; anything touching an external rail stays PROCESSING
// with funds reserved until AdvanceTransaction reports the outcome.
//
// A repeated idempotency key returns the stored transaction without running
// side effects again. A business rejection returns the FAILED transaction
// together with the rejection error.
func (e *Engine) CreateTransaction(ctx context.Context, req domain.TransactionRequest) (*domain.Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	hash := idempotency.Fingerprint(req)
	existing, err := e.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if existing.RequestHash != hash {
			return nil, fmt.Errorf("%w: key %q", domain.ErrIdempotencyKeyReused, req.IdempotencyKey)
		}
		return e.replay(ctx, existing, req.Actor)
	case !errors.Is(err, domain.ErrTransactionNotFound):
		return nil, err
	}

	if err := e.validateReferences(ctx, req); err != nil {
		return nil, err
	}

	now := e.now()
	stored, created, err := e.guard.CreateOrFetch(ctx, e.newTransaction(req, hash))
	if err != nil {
		return nil, err
	}
	if !created {
		return e.replay(ctx, stored, req.Actor)
	}

	j := audit.NewJournal(req.Actor, now)
	j.Transaction(stored.ID, "CREATE", nil, domain.TransactionSnapshot(stored))
	e.publish(j.Records())

	return e.lockedTransaction(ctx, "create", stored.ID, req.Actor, e.process)
}

// replay resumes a transaction whose processing never committed, or returns
// it unchanged.
func (e *Engine) replay(ctx context.Context, stored *domain.Transaction, actor string) (*domain.Transaction, error) {
	if stored.Status != domain.StatusInitiated && stored.Status != domain.StatusPending {
		return stored, nil
	}
	e.logger.Debug("resuming unprocessed transaction",
		zap.String("transaction_id", stored.ID.String()),
		zap.String("status", string(stored.Status)),
	)
	return e.lockedTransaction(ctx, "create", stored.ID, actor, e.process)
}

func validateRequest(req domain.TransactionRequest) error {
	switch {
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return domain.NewValidationError("idempotency_key", "is required")
	case len(req.IdempotencyKey) > maxKeyLength:
		return domain.NewValidationError("idempotency_key", fmt.Sprintf("must be at most %d characters", maxKeyLength))
	case !domain.ValidTransactionType(req.Type):
		return domain.NewValidationError("type", fmt.Sprintf("unknown transaction type %q", req.Type))
	case !domain.ValidPaymentMethod(req.PaymentMethod):
		return domain.NewValidationError("payment_method", fmt.Sprintf("unknown payment method %q", req.PaymentMethod))
	case !domain.ValidCurrency(req.Currency):
		return domain.NewValidationError("currency", fmt.Sprintf("unsupported currency %q", req.Currency))
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: got %s", domain.ErrInvalidAmount, req.Amount)
	case !req.Amount.Equal(req.Amount.Round(domain.CurrencyDecimalPlaces(req.Currency))):
		return domain.NewValidationError("amount", fmt.Sprintf("%s allows %d decimal places", req.Currency, domain.CurrencyDecimalPlaces(req.Currency)))
	case req.SourceAccountID == nil && req.DestinationAccountID == nil:
		return domain.NewValidationError("source_account_id", "a source or destination account is required")
	case req.SourceAccountID != nil && req.DestinationAccountID != nil && *req.SourceAccountID == *req.DestinationAccountID:
		return domain.NewValidationError("destination_account_id", "must differ from source account")
	case domain.IsOutboundType(req.Type) && req.SourceAccountID == nil:
		return domain.NewValidationError("source_account_id", fmt.Sprintf("is required for %s", req.Type))
	case req.Type == domain.TypeDeposit && req.DestinationAccountID == nil:
		return domain.NewValidationError("destination_account_id", "is required for DEPOSIT")
	case domain.IsChildType(req.Type) && req.ParentTransactionID == nil:
		return domain.NewValidationError("parent_transaction_id", fmt.Sprintf("is required for %s", req.Type))
	case !domain.IsChildType(req.Type) && req.ParentTransactionID != nil:
		return domain.NewValidationError("parent_transaction_id", fmt.Sprintf("is not allowed for %s", req.Type))
	}
	return nil
}

// validateReferences checks the request against committed state so obvious
// rejections never create a row. The same checks run again under lock.
func (e *Engine) validateReferences(ctx context.Context, req domain.TransactionRequest) error {
	for _, id := range []*uuid.UUID{req.SourceAccountID, req.DestinationAccountID} {
		if id == nil {
			continue
		}
		acc, err := e.store.GetAccount(ctx, *id)
		if err != nil {
			return err
		}
		if acc.Currency != req.Currency {
			return fmt.Errorf("%w: account %s is %s, request is %s", domain.ErrCurrencyMismatch, acc.ID, acc.Currency, req.Currency)
		}
		if id == req.SourceAccountID && domain.IsOutboundType(req.Type) && !domain.AccountTypeCanInitiatePayments(acc.Type) {
			return domain.NewValidationError("source_account_id", fmt.Sprintf("%s accounts cannot initiate %s", acc.Type, req.Type))
		}
	}

	if req.ParentTransactionID != nil {
		parent, err := e.store.GetTransaction(ctx, *req.ParentTransactionID)
		if err != nil {
			return err
		}
		return e.checkParent(ctx, req.Type, domain.NewMoney(req.Amount, req.Currency), parent, uuid.Nil)
	}
	return nil
}

// checkParent enforces that a child references a parent in the right state
// and that all live children together stay within the parent's net amount.
func (e *Engine) checkParent(ctx context.Context, childType domain.TransactionType, amount domain.Money, parent *domain.Transaction, exclude uuid.UUID) error {
	if amount.Currency != parent.Amount.Currency {
		return fmt.Errorf("%w: parent %s is %s", domain.ErrCurrencyMismatch, parent.ID, parent.Amount.Currency)
	}
	switch childType {
	case domain.TypeRefund:
		if !parent.IsRefundable() {
			return domain.NewValidationError("parent_transaction_id",
				fmt.Sprintf("parent %s is %s via %s and cannot be refunded", parent.Reference, parent.Status, parent.PaymentMethod))
		}
	default:
		if parent.Status != domain.StatusSuccess && parent.Status != domain.StatusReversing {
			return domain.NewValidationError("parent_transaction_id",
				fmt.Sprintf("parent %s is %s and cannot be reversed", parent.Reference, parent.Status))
		}
	}

	prior, err := e.store.SumChildAmounts(ctx, parent.ID, exclude, nil, nil)
	if err != nil {
		return fmt.Errorf("sum child amounts: %w", err)
	}
	net := parent.NetAmount()
	if prior.Add(amount.Amount).GreaterThan(net.Amount) {
		return fmt.Errorf("%w: %s already claimed, %s requested, parent net %s",
			domain.ErrRefundExceedsParent, prior, amount.Amount, net.Amount)
	}
	return nil
}

func (e *Engine) newTransaction(req domain.TransactionRequest, hash string) *domain.Transaction {
	now := e.now()
	id := uuid.New()
	amount := domain.NewMoney(req.Amount, req.Currency)

	fee := domain.Zero(req.Currency)
	if req.SourceAccountID == nil || req.DestinationAccountID == nil {
		fee = domain.ProcessingFee(req.PaymentMethod, amount)
	}

	var metadata map[string]string
	if len(req.Metadata) > 0 {
		metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			metadata[k] = v
		}
	}

	return &domain.Transaction{
		ID:                   id,
		Reference:            newReference(id, now),
		IdempotencyKey:       req.IdempotencyKey,
		RequestHash:          hash,
		Type:                 req.Type,
		Status:               domain.StatusInitiated,
		PaymentMethod:        req.PaymentMethod,
		Amount:               amount,
		ProcessingFee:        fee,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		ParentTransactionID:  req.ParentTransactionID,
		Description:          req.Description,
		Metadata:             metadata,
		ExpiresAt:            now.Add(e.opts.TransactionTTL),
		InitiatedAt:          now,
		RecordMeta:           domain.RecordMeta{CreatedAt: now, UpdatedAt: now},
	}
}

// process takes a freshly created transaction through validation under
// lock, reservation and, for book transfers, settlement.
func (e *Engine) process(ctx context.Context, u *unit, tx *domain.Transaction) error {
	j := u.journal
	if tx.Status != domain.StatusInitiated && tx.Status != domain.StatusPending {
		return nil
	}
	if j.Now().After(tx.ExpiresAt) {
		_, err := statemachine.Expire(j, tx)
		return err
	}
	if tx.Status == domain.StatusInitiated {
		if err := statemachine.Transition(j, tx, domain.StatusPending); err != nil {
			return err
		}
	}
	if err := statemachine.Transition(j, tx, domain.StatusProcessing); err != nil {
		return err
	}

	src, err := u.optionalAccount(ctx, tx.SourceAccountID)
	if err != nil {
		return err
	}
	dst, err := u.optionalAccount(ctx, tx.DestinationAccountID)
	if err != nil {
		return err
	}

	if tx.ParentTransactionID != nil {
		parent, err := u.transaction(ctx, *tx.ParentTransactionID)
		if err != nil {
			return err
		}
		if err := e.checkParent(ctx, tx.Type, tx.Amount, parent, tx.ID); err != nil {
			return err
		}
		if tx.Type != domain.TypeRefund && parent.Status == domain.StatusSuccess {
			if err := statemachine.Transition(j, parent, domain.StatusReversing); err != nil {
				return err
			}
		}
	}

	if src == nil && !dst.Operational() {
		return fmt.Errorf("%w: account %s", domain.ErrAccountUnavailable, dst.ID)
	}
	if src != nil {
		if !src.Operational() {
			return fmt.Errorf("%w: account %s", domain.ErrAccountUnavailable, src.ID)
		}
		if err := e.limits.Check(ctx, src, tx.Amount, j.Now()); err != nil {
			return err
		}
		e.limits.RecordUsage(src, j.Now())
		if err := ledger.Reserve(j, src, tx.Amount); err != nil {
			return err
		}
		tx.FundsReserved = true
	}

	if e.detector != nil {
		verdict, err := e.detector.Check(ctx, tx)
		if err != nil {
			return err
		}
		if verdict.Duplicate {
			statemachine.Annotate(j, tx, map[string]string{metaHoldReason: verdict.Reason})
			return statemachine.Transition(j, tx, domain.StatusOnHold)
		}
	}

	if tx.IsBookTransfer() {
		return e.complete(ctx, u, tx)
	}
	return nil
}

// complete moves the money for a PROCESSING transaction and marks it SUCCESS.
func (e *Engine) complete(ctx context.Context, u *unit, tx *domain.Transaction) error {
	j := u.journal
	src, err := u.optionalAccount(ctx, tx.SourceAccountID)
	if err != nil {
		return err
	}
	dst, err := u.optionalAccount(ctx, tx.DestinationAccountID)
	if err != nil {
		return err
	}

	switch {
	case src != nil && dst != nil && tx.FundsReserved:
		err = ledger.Settle(j, src, dst, tx.Amount)
	case src != nil && dst != nil:
		err = ledger.Transfer(j, src, dst, tx.Amount)
	case src != nil && tx.FundsReserved:
		err = ledger.CaptureReserved(j, src, tx.Amount)
	case src != nil:
		err = ledger.Debit(j, src, tx.Amount)
	default:
		err = ledger.Credit(j, dst, tx.Amount)
	}
	if err != nil {
		return err
	}

	if err := statemachine.MarkSuccessful(j, tx); err != nil {
		return err
	}
	if tx.ParentTransactionID != nil {
		return e.onChildSucceeded(ctx, u, tx)
	}
	return nil
}

// onChildSucceeded moves the parent once a refund covers its net amount or a
// reversal settles.
func (e *Engine) onChildSucceeded(ctx context.Context, u *unit, child *domain.Transaction) error {
	parent, err := u.transaction(ctx, *child.ParentTransactionID)
	if err != nil {
		return err
	}
	j := u.journal

	switch child.Type {
	case domain.TypeRefund:
		if parent.Status != domain.StatusSuccess {
			return nil
		}
		prior, err := e.store.SumChildAmounts(ctx, parent.ID, child.ID,
			[]domain.TransactionType{domain.TypeRefund}, []domain.TransactionStatus{domain.StatusSuccess})
		if err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		if prior.Add(child.Amount.Amount).GreaterThanOrEqual(parent.NetAmount().Amount) {
			return statemachine.Transition(j, parent, domain.StatusRefunded)
		}
	case domain.TypeReversal, domain.TypeChargeback:
		if parent.Status == domain.StatusReversing {
			return statemachine.Transition(j, parent, domain.StatusReversed)
		}
	}
	return nil
}

// releaseHold returns a transaction's reservation to its source account.
func (e *Engine) releaseHold(ctx context.Context, u *unit, tx *domain.Transaction) error {
	if !tx.FundsReserved || tx.SourceAccountID == nil {
		return nil
	}
	src, err := u.account(ctx, *tx.SourceAccountID)
	if err != nil {
		return err
	}
	if err := ledger.Release(u.journal, src, tx.Amount); err != nil {
		return err
	}
	tx.FundsReserved = false
	return nil
}

// fail ends a non-terminal transaction as FAILED with cause's code,
// releasing any reservation.
func (e *Engine) fail(ctx context.Context, u *unit, id uuid.UUID, cause error) error {
	tx, err := u.transaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.IsTerminal() || tx.Status == domain.StatusReversing {
		return nil
	}
	j := u.journal
	if tx.Status == domain.StatusInitiated {
		if err := statemachine.Transition(j, tx, domain.StatusPending); err != nil {
			return err
		}
	}
	if tx.Status != domain.StatusProcessing {
		if err := statemachine.Transition(j, tx, domain.StatusProcessing); err != nil {
			return err
		}
	}
	if err := e.releaseHold(ctx, u, tx); err != nil {
		return err
	}
	return statemachine.MarkFailed(j, tx, domain.ErrorCode(cause), cause.Error())
}

// CancelTransaction cancels a transaction that has not reached the gateway.
func (e *Engine) CancelTransaction(ctx context.Context, id uuid.UUID, actor string) (*domain.Transaction, error) {
	return e.lockedTransaction(ctx, "cancel", id, actor, func(ctx context.Context, u *unit, tx *domain.Transaction) error {
		if !tx.IsCancellable() {
			return fmt.Errorf("%w: transaction %s is %s", domain.ErrNotCancellable, tx.Reference, tx.Status)
		}
		if err := e.releaseHold(ctx, u, tx); err != nil {
			return err
		}
		return statemachine.Cancel(u.journal, tx)
	})
}

func validOutcome(kind domain.OutcomeKind) bool {
	switch kind {
	case domain.OutcomeSucceeded, domain.OutcomeFailed, domain.OutcomeRequiresVerification,
		domain.OutcomeOnHold, domain.OutcomeResumed, domain.OutcomeRejected, domain.OutcomePending:
		return true
	}
	return false
}

// AdvanceTransaction applies an outcome reported for an in-flight
// transaction. Re-reporting the outcome a transaction already reflects is a
// no-op.
func (e *Engine) AdvanceTransaction(ctx context.Context, id uuid.UUID, outcome domain.Outcome) (*domain.Transaction, error) {
	if !validOutcome(outcome.Kind) {
		return nil, domain.NewValidationError("kind", fmt.Sprintf("unknown outcome %q", outcome.Kind))
	}
	return e.lockedTransaction(ctx, "advance", id, outcome.Actor, func(ctx context.Context, u *unit, tx *domain.Transaction) error {
		return e.apply(ctx, u, tx, outcome)
	})
}

// AdvanceByGatewayReference applies outcome to the transaction the gateway
// knows by reference.
func (e *Engine) AdvanceByGatewayReference(ctx context.Context, reference string, outcome domain.Outcome) (*domain.Transaction, error) {
	if reference == "" {
		return nil, domain.NewValidationError("gateway_reference", "is required")
	}
	tx, err := e.store.FindByGatewayReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	outcome.GatewayReference = reference
	return e.AdvanceTransaction(ctx, tx.ID, outcome)
}

func (e *Engine) apply(ctx context.Context, u *unit, tx *domain.Transaction, o domain.Outcome) error {
	j := u.journal
	if !tx.IsTerminal() {
		recordGatewayResponse(u, tx, o)
	}

	switch o.Kind {
	case domain.OutcomeSucceeded:
		if tx.Status == domain.StatusSuccess {
			return nil
		}
		if tx.Status != domain.StatusProcessing {
			return fmt.Errorf("%w: cannot settle %s transaction", domain.ErrInvalidTransition, tx.Status)
		}
		return e.complete(ctx, u, tx)

	case domain.OutcomeFailed:
		if tx.Status == domain.StatusFailed {
			return nil
		}
		if tx.Status != domain.StatusProcessing {
			return fmt.Errorf("%w: cannot fail %s transaction", domain.ErrInvalidTransition, tx.Status)
		}
		if err := e.releaseHold(ctx, u, tx); err != nil {
			return err
		}
		code, message := o.ErrorCode, o.ErrorMessage
		if code == "" {
			code = domain.ErrorCode(domain.ErrGatewayDeclined)
		}
		if message == "" {
			message = domain.ErrGatewayDeclined.Error()
		}
		return statemachine.MarkFailed(j, tx, code, message)

	case domain.OutcomeRequiresVerification, domain.OutcomeOnHold:
		target := domain.StatusRequiresVerification
		if o.Kind == domain.OutcomeOnHold {
			target = domain.StatusOnHold
		}
		if tx.Status == target {
			return nil
		}
		return statemachine.Transition(j, tx, target)

	case domain.OutcomeResumed:
		if err := statemachine.Transition(j, tx, domain.StatusProcessing); err != nil {
			return err
		}
		if tx.IsBookTransfer() {
			return e.complete(ctx, u, tx)
		}
		return nil

	case domain.OutcomeRejected:
		if tx.Status == domain.StatusCancelled {
			return nil
		}
		if tx.Status != domain.StatusOnHold && tx.Status != domain.StatusRequiresVerification {
			return fmt.Errorf("%w: cannot decline %s transaction", domain.ErrNotCancellable, tx.Status)
		}
		if err := e.releaseHold(ctx, u, tx); err != nil {
			return err
		}
		code := o.ErrorCode
		if code == "" {
			code = reviewDeclined
		}
		return statemachine.Decline(j, tx, code, o.ErrorMessage)
	}
	return nil
}

func recordGatewayResponse(u *unit, tx *domain.Transaction, o domain.Outcome) {
	changed := false
	if o.GatewayReference != "" && tx.GatewayReference == "" {
		tx.GatewayReference = o.GatewayReference
		changed = true
	}
	if o.ResponseCode != "" && o.ResponseCode != tx.GatewayResponseCode {
		tx.GatewayResponseCode = o.ResponseCode
		changed = true
	}
	if o.ResponseMessage != "" && o.ResponseMessage != tx.GatewayResponseMessage {
		tx.GatewayResponseMessage = o.ResponseMessage
		changed = true
	}
	if changed {
		tx.Touch(u.journal.Now())
	}
}

// RecordGatewayAttempt stamps the gateway reference on a PROCESSING
// transaction and appends a gateway log row for it.
func (e *Engine) RecordGatewayAttempt(ctx context.Context, id uuid.UUID, reference, responseCode, responseMessage, actor string) (*domain.Transaction, error) {
	if reference == "" {
		return nil, domain.NewValidationError("gateway_reference", "is required")
	}
	var entry domain.GatewayLog
	tx, err := e.lockedTransaction(ctx, "gateway_attempt", id, actor, func(ctx context.Context, u *unit, tx *domain.Transaction) error {
		if tx.Status != domain.StatusProcessing {
			return fmt.Errorf("%w: gateway attempt on %s transaction", domain.ErrInvalidTransition, tx.Status)
		}
		if owner, err := e.store.FindByGatewayReference(ctx, reference); err == nil && owner.ID != tx.ID {
			return fmt.Errorf("%w: gateway reference %q belongs to %s", domain.ErrInvalidTransition, reference, owner.Reference)
		}
		logs, err := e.store.ListGatewayLogs(ctx, tx.ID)
		if err != nil {
			return err
		}

		before := domain.TransactionSnapshot(tx)
		tx.GatewayReference = reference
		tx.GatewayResponseCode = responseCode
		tx.GatewayResponseMessage = responseMessage
		tx.Touch(u.journal.Now())
		u.journal.Transaction(tx.ID, "GATEWAY_ATTEMPT", before, domain.TransactionSnapshot(tx))

		entry = domain.GatewayLog{
			ID:               uuid.New(),
			TransactionID:    tx.ID,
			GatewayReference: reference,
			Attempt:          len(logs) + 1,
			ResponseCode:     responseCode,
			ResponseMessage:  responseMessage,
			At:               u.journal.Now(),
		}
		return nil
	})
	if err != nil {
		return tx, err
	}
	if err := e.store.AppendGatewayLog(ctx, entry); err != nil {
		return tx, fmt.Errorf("append gateway log: %w", err)
	}
	return tx, nil
}

func (e *Engine) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

func newReference(id uuid.UUID, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10])
	return referencePrefix + at.Format("20060102") + suffix
}
