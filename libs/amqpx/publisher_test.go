package amqpx

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestPublishStampsPersistenceAndHeaders(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()
	pub := NewPublisher(conn, discardLogger())

	ok, err := pub.Publish(context.Background(), EventsExchange, "payment.completed", Envelope{
		EventType: "payment.completed",
		TenantID:  "tenant-1",
		Payload:   map[string]any{"payment_id": "pay-1"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !ok {
		t.Fatal("expected accepted publish")
	}

	msgs := dialer.latest().ch.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.exchange != EventsExchange || msg.key != "payment.completed" {
		t.Errorf("published to %q/%q", msg.exchange, msg.key)
	}
	if msg.msg.DeliveryMode != amqp.Persistent {
		t.Error("message not marked persistent")
	}
	if msg.msg.ContentType != "application/json" {
		t.Errorf("content type = %q", msg.msg.ContentType)
	}
	if msg.msg.MessageId == "" {
		t.Error("missing message id")
	}
	if got := msg.msg.Headers[HeaderTenantID]; got != "tenant-1" {
		t.Errorf("tenant header = %v", got)
	}
	if got := msg.msg.Headers[HeaderEventType]; got != "payment.completed" {
		t.Errorf("event type header = %v", got)
	}
	if got := msg.msg.Headers[HeaderRetryCount]; got != int32(0) {
		t.Errorf("retry count header = %v", got)
	}
}

func TestPublishDeclinedWhileFlowBlocked(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()
	pub := NewPublisher(conn, discardLogger())

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.latest().setBlocked(true)
	deadline := time.Now().Add(time.Second)
	for !conn.Blocked() {
		if time.Now().After(deadline) {
			t.Fatal("blocked state never observed")
		}
		time.Sleep(time.Millisecond)
	}

	ok, err := pub.Publish(context.Background(), EventsExchange, "payment.completed", Envelope{
		EventType: "payment.completed",
		TenantID:  "tenant-1",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ok {
		t.Fatal("expected publish to be declined under backpressure")
	}
	if got := len(dialer.latest().ch.published()); got != 0 {
		t.Fatalf("expected no messages on the wire, got %d", got)
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	dialer := &countingDialer{}
	conn := NewConnection(testConfig(dialer), discardLogger())
	defer conn.Close()
	pub := NewPublisher(conn, discardLogger())

	if _, err := pub.Publish(context.Background(), EventsExchange, "payment.completed", Envelope{TenantID: "t"}); err == nil {
		t.Fatal("expected validation error")
	}
	if got := dialer.dialCount(); got != 0 {
		t.Fatalf("invalid envelope must not dial, dialed %d times", got)
	}
}
