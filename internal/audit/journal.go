package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/domain"
)

// Journal collects the audit records produced inside one locked unit of work.
// The records are handed to the sink only after the unit commits, so a rolled
// back unit leaves no trail.
type Journal struct {
	actor   string
	now     time.Time
	records []domain.AuditRecord
}

// NewJournal starts a journal for actor at the given instant.
func NewJournal(actor string, now time.Time) *Journal {
	if actor == "" {
		actor = "system"
	}
	return &Journal{actor: actor, now: now}
}

// Now is the instant every mutation in this unit is stamped with.
func (j *Journal) Now() time.Time { return j.now }

// Actor is the principal the unit runs on behalf of.
func (j *Journal) Actor() string { return j.actor }

// Account records a change to an account.
func (j *Journal) Account(id uuid.UUID, action string, before, after map[string]any) {
	j.add(domain.EntityAccount, id, action, before, after)
}

// Transaction records a change to a transaction.
func (j *Journal) Transaction(id uuid.UUID, action string, before, after map[string]any) {
	j.add(domain.EntityTransaction, id, action, before, after)
}

func (j *Journal) add(entity string, id uuid.UUID, action string, before, after map[string]any) {
	if j == nil {
		return
	}
	j.records = append(j.records, domain.AuditRecord{
		ID:         uuid.New(),
		EntityType: entity,
		EntityID:   id,
		Action:     action,
		Actor:      j.actor,
		Before:     before,
		After:      after,
		At:         j.now,
	})
}

// Records returns the collected records in emission order.
func (j *Journal) Records() []domain.AuditRecord {
	if j == nil {
		return nil
	}
	out := make([]domain.AuditRecord, len(j.records))
	copy(out, j.records)
	return out
}

// Reset discards collected records, used when a unit is retried or rolled back.
func (j *Journal) Reset() {
	if j != nil {
		j.records = j.records[:0]
	}
}
