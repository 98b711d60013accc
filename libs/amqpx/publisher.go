package amqpx

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher serializes envelopes onto the bus with a persistence guarantee.
// It connects lazily so a broker blip between publishes heals on demand.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish sends one envelope. The boolean distinguishes backpressure from
// hard failure: (false, nil) means the broker currently has the connection
// flow-blocked and the publish was declined, not lost to an error.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, env Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}

	ch, err := p.conn.Connect(ctx)
	if err != nil {
		return false, err
	}
	if p.conn.Blocked() {
		p.logger.Warn("amqp publish declined, connection flow-blocked",
			"exchange", exchange, "routing_key", routingKey, "event_type", env.EventType)
		return false, nil
	}

	body, err := env.Body()
	if err != nil {
		return false, err
	}

	occurred := env.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	headers := amqp.Table{
		HeaderTenantID:   env.TenantID,
		HeaderEventType:  env.EventType,
		HeaderRetryCount: int32(env.Attempt),
	}
	InjectTraceHeaders(ctx, headers)

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    occurred,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
