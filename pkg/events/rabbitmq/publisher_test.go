package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/observability/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	exchange   string
	key        string
	publishing amqp.Publishing
	err        error
	closed     bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange, f.key, f.publishing = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeConn struct{ closed bool }

func (f *fakeConn) IsClosed() bool { return f.closed }
func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestNewPublisher_RequiresURL(t *testing.T) {
	if _, err := NewPublisher(Config{}, nil); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestPublisher_PublishesPersistentMessage(t *testing.T) {
	ch := &fakeChannel{}
	pub := newPublisher(&fakeConn{}, ch, Config{}.normalize(), logger.Nop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &events.Message{
		ID:          "evt-1",
		Value:       []byte(`{"reason":"completed"}`),
		ContentType: "application/json",
		Timestamp:   now,
		Headers:     map[string]string{"reason": "completed"},
	}
	if err := pub.Publish(context.Background(), "racesync.runs", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.exchange != "racesync" || ch.key != "racesync.runs" {
		t.Fatalf("unexpected route %s/%s", ch.exchange, ch.key)
	}
	if ch.publishing.DeliveryMode != amqp.Persistent || ch.publishing.MessageId != "evt-1" {
		t.Fatalf("unexpected publishing: %+v", ch.publishing)
	}
	if ch.publishing.Headers["reason"] != "completed" {
		t.Fatalf("headers not forwarded: %v", ch.publishing.Headers)
	}
}

func TestPublisher_WrapsPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	pub := newPublisher(&fakeConn{}, &fakeChannel{err: boom}, Config{}.normalize(), logger.Nop())
	if err := pub.Publish(context.Background(), "runs", &events.Message{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestPublisher_HealthAndClose(t *testing.T) {
	conn, ch := &fakeConn{}, &fakeChannel{}
	pub := newPublisher(conn, ch, Config{}.normalize(), logger.Nop())

	if err := pub.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthy publisher: %v", err)
	}
	conn.closed = true
	if err := pub.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error for closed connection")
	}
	conn.closed = false

	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed || !conn.closed {
		t.Fatal("expected channel and connection closed")
	}
	if err := pub.Publish(context.Background(), "runs", &events.Message{}); !errors.Is(err, events.ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
}
