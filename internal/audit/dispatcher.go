package audit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payledger/internal/domain"
	"go.uber.org/zap"
)

var (
	auditDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_audit_records_delivered_total",
		Help: "Audit records accepted by the sink",
	})

	auditDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_audit_records_dropped_total",
		Help: "Audit records that could not be delivered, by reason",
	}, []string{"reason"})
)

// DispatcherOptions tunes the asynchronous delivery queue.
type DispatcherOptions struct {
	QueueSize     int
	Workers       int
	MaxAttempts   int
	RetryBackoff  time.Duration
	AppendTimeout time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	} else if o.RetryBackoff == 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.AppendTimeout <= 0 {
		o.AppendTimeout = 5 * time.Second
	}
	return o
}

// Dispatcher hands audit records to a Sink off the request path. Publish never
// blocks the caller; records that cannot be queued or delivered are logged at
// error level with their full content and counted.
type Dispatcher struct {
	sink   Sink
	opts   DispatcherOptions
	logger *zap.Logger

	queue  chan domain.AuditRecord
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the delivery workers.
func NewDispatcher(sink Sink, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	d := &Dispatcher{
		sink:   sink,
		opts:   opts,
		logger: logger.Named("audit_dispatcher"),
		queue:  make(chan domain.AuditRecord, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Publish enqueues records for delivery.
func (d *Dispatcher) Publish(records ...domain.AuditRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, record := range records {
		if d.closed {
			d.drop(record, "closed", nil)
			continue
		}
		select {
		case d.queue <- record:
		default:
			d.drop(record, "queue_full", nil)
		}
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for record := range d.queue {
		d.deliver(record)
	}
}

func (d *Dispatcher) deliver(record domain.AuditRecord) {
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.AppendTimeout)
		lastErr = d.sink.Append(ctx, record)
		cancel()
		if lastErr == nil {
			auditDelivered.Inc()
			return
		}
		d.logger.Warn("audit append failed",
			zap.String("audit_id", record.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < d.opts.MaxAttempts {
			time.Sleep(d.opts.RetryBackoff * time.Duration(attempt))
		}
	}
	d.drop(record, "sink_error", lastErr)
}

func (d *Dispatcher) drop(record domain.AuditRecord, reason string, err error) {
	auditDropped.WithLabelValues(reason).Inc()
	d.logger.Error("audit record not delivered",
		zap.String("reason", reason),
		zap.String("audit_id", record.ID.String()),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID.String()),
		zap.String("action", record.Action),
		zap.String("actor", record.Actor),
		zap.Any("before", record.Before),
		zap.Any("after", record.After),
		zap.Time("at", record.At),
		zap.Error(err),
	)
}
