// Package idempotency ensures one logical transaction per idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payledger/internal/domain"
	"go.uber.org/zap"
)

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_idempotency_outcomes_total",
	Help: "Idempotency guard decisions",
}, []string{"outcome"})

// Creator performs the atomic check-and-insert against the key's uniqueness constraint.
type Creator interface {
	CreateTransactionIfAbsent(ctx context.Context, tx *domain.Transaction) (stored *domain.Transaction, created bool, err error)
}

// fingerprint is the canonical form of the fields that define a request.
// Description, metadata and the actor are not part of it.
type fingerprint struct {
	Type          domain.TransactionType `json:"type"`
	PaymentMethod domain.PaymentMethod   `json:"payment_method"`
	Amount        string                 `json:"amount"`
	Currency      domain.Currency        `json:"currency"`
	Source        *uuid.UUID             `json:"source"`
	Destination   *uuid.UUID             `json:"destination"`
	Parent        *uuid.UUID             `json:"parent"`
}

// Fingerprint returns the hex sha256 of req's defining fields. Amounts that
// differ only in trailing zeros hash the same.
func Fingerprint(req domain.TransactionRequest) string {
	body, _ := json.Marshal(fingerprint{
		Type:          req.Type,
		PaymentMethod: req.PaymentMethod,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
		Source:        req.SourceAccountID,
		Destination:   req.DestinationAccountID,
		Parent:        req.ParentTransactionID,
	})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type Guard struct {
	store  Creator
	logger *zap.Logger
}

func NewGuard(store Creator, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, logger: logger.Named("idempotency")}
}

// CreateOrFetch inserts tx unless its key is taken. When taken, the stored
// row is returned unchanged with created false; callers must not re-run side
// effects. A stored row whose fingerprint differs fails with
// domain.ErrIdempotencyKeyReused.
func (g *Guard) CreateOrFetch(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	if tx.IdempotencyKey == "" {
		return nil, false, domain.NewValidationError("idempotency_key", "is required")
	}

	stored, created, err := g.store.CreateTransactionIfAbsent(ctx, tx)
	if err != nil {
		return nil, false, fmt.Errorf("idempotent insert: %w", err)
	}
	if created {
		outcomes.WithLabelValues("created").Inc()
		return stored, true, nil
	}

	if stored.RequestHash != tx.RequestHash {
		outcomes.WithLabelValues("mismatch").Inc()
		g.logger.Warn("idempotency key reused with different payload",
			zap.String("idempotency_key", tx.IdempotencyKey),
			zap.String("transaction_id", stored.ID.String()),
		)
		return nil, false, fmt.Errorf("%w: key %q", domain.ErrIdempotencyKeyReused, tx.IdempotencyKey)
	}

	outcomes.WithLabelValues("replayed").Inc()
	g.logger.Debug("idempotent replay",
		zap.String("idempotency_key", tx.IdempotencyKey),
		zap.String("transaction_id", stored.ID.String()),
		zap.String("status", string(stored.Status)),
	)
	return stored, false, nil
}
