// Package kafka publishes run events to Apache Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/segmentio/kafka-go"
)

// Config holds the configuration for the Kafka publisher.
type Config struct {
	// Brokers is the list of Kafka broker addresses (e.g., ["localhost:9092"])
	Brokers []string

	// OperationTimeout bounds writes and the health probe
	OperationTimeout time.Duration

	// MaxAttempts is passed to the writer; retries above that belong to the notifier
	MaxAttempts int
}

// Publisher writes events with a synchronous kafka.Writer keyed by job so
// the runs of one job stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
	log    logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

// Cosa fa: prepara un writer Kafka sincrono per pubblicare eventi di fine run.
// Cosa NON fa: non crea topic e non apre connessioni finché non si pubblica.
// Esempio minimo: pub, err := kafka.NewPublisher(kafka.Config{Brokers: []string{"localhost:9092"}}, log)
func NewPublisher(cfg Config, log logger.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = logger.Nop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	log.Info("kafka publisher initialized",
		"brokers", cfg.Brokers,
		"operation_timeout", cfg.OperationTimeout,
	)
	return &Publisher{writer: writer, log: log, config: cfg}, nil
}

// Publish writes one message to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, message *events.Message) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if message == nil {
		return errors.New("message is required")
	}
	if topic == "" {
		return errors.New("kafka topic is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(message.Key),
		Value:   message.Value,
		Headers: convertHeaders(message.Headers),
		Time:    message.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	p.log.Debug("message published", "topic", topic, "message_id", message.ID, "key", message.Key)
	return nil
}

// HealthCheck dials the first broker and fetches its metadata.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

// Close flushes and closes the writer. Calling it twice is a no-op.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func (p *Publisher) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("kafka: %w", events.ErrPublisherClosed)
	}
	return nil
}

func convertHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for key, value := range headers {
		out = append(out, kafka.Header{Key: key, Value: []byte(value)})
	}
	return out
}
