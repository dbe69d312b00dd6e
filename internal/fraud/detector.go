// Package fraud flags transactions that repeat a recent route and amount.
package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/store"
	"go.uber.org/zap"
)

var flagged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_duplicate_transactions_flagged_total",
	Help: "Transactions held for review as suspected duplicates",
})

type Finder interface {
	FindRecentDuplicates(ctx context.Context, q store.DuplicateQuery) ([]*domain.Transaction, error)
}

// Verdict is the detector's decision for one transaction.
type Verdict struct {
	Duplicate bool
	Matches   []uuid.UUID
	Reason    string
}

type Detector struct {
	finder Finder
	window time.Duration
	logger *zap.Logger
}

func NewDetector(finder Finder, window time.Duration, logger *zap.Logger) *Detector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{finder: finder, window: window, logger: logger.Named("fraud")}
}

// Check looks for live transactions with the same accounts and amount
// initiated within the window before tx. Failed, cancelled and expired
// transactions never match, and neither do ones initiated after tx, so of
// two racing copies only the later one is held.
func (d *Detector) Check(ctx context.Context, tx *domain.Transaction) (Verdict, error) {
	matches, err := d.finder.FindRecentDuplicates(ctx, store.DuplicateQuery{
		SourceAccountID:      tx.SourceAccountID,
		DestinationAccountID: tx.DestinationAccountID,
		Amount:               tx.Amount,
		Since:                tx.InitiatedAt.Add(-d.window),
		Before:               tx.InitiatedAt,
		BeforeID:             tx.ID,
		Exclude:              tx.ID,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("duplicate lookup: %w", err)
	}
	if len(matches) == 0 {
		return Verdict{}, nil
	}

	ids := make([]uuid.UUID, len(matches))
	refs := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		refs[i] = m.Reference
	}
	flagged.Inc()
	d.logger.Info("possible duplicate transaction",
		zap.String("transaction_id", tx.ID.String()),
		zap.Strings("matches", refs),
		zap.Duration("window", d.window),
	)
	return Verdict{
		Duplicate: true,
		Matches:   ids,
		Reason:    "same accounts and amount as " + strings.Join(refs, ", "),
	}, nil
}
