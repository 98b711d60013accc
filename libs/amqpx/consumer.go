package amqpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one envelope. Redelivery is at-least-once, so handlers
// must be side-effect-idempotent.
type Handler func(ctx context.Context, env Envelope) error

// Consumer subscribes one queue to its handler and turns handler failures
// into delayed retries or dead-letter escalation. The retry copy, not a
// nack-requeue, is the unit of redelivery: the original delivery is always
// acknowledged so a failing message cannot spin on the primary queue.
type Consumer struct {
	conn     *Connection
	desc     Descriptor
	handler  Handler
	logger   *slog.Logger
	prefetch int
}

func NewConsumer(conn *Connection, desc Descriptor, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		conn:     conn,
		desc:     desc,
		handler:  handler,
		logger:   logger,
		prefetch: 16,
	}
}

// Run consumes until the context is canceled or the connection becomes
// fatally unavailable. A dropped channel re-subscribes through the shared
// connection's reconnect machinery.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := c.conn.Connect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectionClosed) {
				return err
			}
			return fmt.Errorf("consumer %q: %w", c.desc.Queue, err)
		}
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			c.logger.Error("amqp qos failed", "queue", c.desc.Queue, "err", err)
		}

		deliveries, err := ch.ConsumeWithContext(ctx, c.desc.Queue, "", false, false, false, false, nil)
		if err != nil {
			c.logger.Error("amqp consume failed", "queue", c.desc.Queue, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.desc.Queue)
		for d := range deliveries {
			c.handle(ctx, ch, d)
		}
		// Delivery stream closed: either shutdown or a lost channel.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("delivery stream closed, resubscribing", "queue", c.desc.Queue)
	}
}

func (c *Consumer) handle(ctx context.Context, ch Channel, d amqp.Delivery) {
	env, err := ParseDelivery(d)
	if err != nil {
		// Malformed bodies are terminal: redelivery cannot fix them.
		c.deadLetter(ctx, ch, d, err.Error())
		return
	}

	ctx = ExtractTraceContext(ctx, d.Headers)
	if err := c.handler(ctx, env); err != nil {
		attempt := env.Attempt
		c.logger.Error("handler failed",
			"queue", c.desc.Queue,
			"event_type", env.EventType,
			"tenant_id", env.TenantID,
			"attempt", attempt,
			"err", err,
		)
		if attempt < c.desc.MaxAttempts {
			c.retry(ctx, ch, d, attempt, err)
		} else {
			c.deadLetter(ctx, ch, d, fmt.Sprintf("max attempts reached (%d): %v", attempt, err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", "queue", c.desc.Queue, "err", err)
	}
}

// retry publishes an attempt+1 copy onto the retry exchange with the original
// routing key; the ladder step becomes the per-message TTL so expiry
// redelivers it through the primary exchange. The original is acknowledged
// once the copy is safely published.
func (c *Consumer) retry(ctx context.Context, ch Channel, d amqp.Delivery, attempt int, cause error) {
	delay := c.desc.RetryDelay(attempt)
	headers := cloneTable(d.Headers)
	headers[HeaderRetryCount] = int32(attempt + 1)

	err := ch.PublishWithContext(ctx, RetryExchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    d.Timestamp,
		MessageId:    d.MessageId,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		c.logger.Error("retry publish failed, requeueing original", "queue", c.desc.Queue, "err", err)
		_ = d.Nack(false, true)
		return
	}

	c.logger.Info("retry scheduled",
		"queue", c.desc.Queue,
		"routing_key", d.RoutingKey,
		"attempt", attempt+1,
		"delay", delay.String(),
		"cause", cause.Error(),
	)
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed after retry publish", "queue", c.desc.Queue, "err", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, ch Channel, d amqp.Delivery, reason string) {
	headers := cloneTable(d.Headers)
	headers[HeaderFailureReason] = reason

	err := ch.PublishWithContext(ctx, c.desc.DeadLetterExchange(), d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    d.Timestamp,
		MessageId:    d.MessageId,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		c.logger.Error("dead-letter publish failed, requeueing original", "queue", c.desc.Queue, "err", err)
		_ = d.Nack(false, true)
		return
	}

	c.logger.Error("message dead-lettered", "queue", c.desc.Queue, "routing_key", d.RoutingKey, "reason", reason)
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed after dead-letter publish", "queue", c.desc.Queue, "err", err)
	}
}

func cloneTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	return out
}
