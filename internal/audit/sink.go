package audit

import (
	"context"
	"sync"

	"github.com/punchamoorthee/payledger/internal/domain"
	"go.uber.org/zap"
)

// Sink stores audit records. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, record domain.AuditRecord) error
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, record domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []domain.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// LogSink writes records to a structured logger. Used when no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Append(ctx context.Context, record domain.AuditRecord) error {
	s.logger.Info("audit record",
		zap.String("audit_id", record.ID.String()),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID.String()),
		zap.String("action", record.Action),
		zap.String("actor", record.Actor),
		zap.Any("before", record.Before),
		zap.Any("after", record.After),
		zap.Time("at", record.At),
	)
	return nil
}
