package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPSink publishes audit records to a durable topic exchange. The routing key
// is "audit.<entity_type>.<action>".
type AMQPSink struct {
	exchange string
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(amqpURL, exchange string, logger *zap.Logger) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	s := &AMQPSink{exchange: exchange, logger: logger.Named("audit_amqp"), conn: conn}
	if err := s.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) openChannel() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	s.channel = ch
	return nil
}

// RoutingKey builds the topic routing key for record.
func RoutingKey(record domain.AuditRecord) string {
	return fmt.Sprintf("audit.%s.%s", record.EntityType, strings.ToLower(record.Action))
}

func (s *AMQPSink) Append(ctx context.Context, record domain.AuditRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    record.ID.String(),
		Timestamp:    record.At,
		Body:         body,
	}

	err = s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(record), false, false, msg)
	if err == nil {
		return nil
	}

	s.logger.Warn("publish failed; reopening channel", zap.String("exchange", s.exchange), zap.Error(err))
	if reopenErr := s.openChannel(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(record), false, false, msg)
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
