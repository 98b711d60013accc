package amqpx

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// EventsExchange is the shared topic exchange all domain events flow through.
	EventsExchange = "domain.events"
	// RetryExchange mirrors the primary routing for delayed redelivery: retry
	// queues bind to it with the same pattern as their primary queue, and their
	// expired messages dead-letter back into EventsExchange with the original
	// routing key.
	RetryExchange = "domain.events.retry"

	retrySuffix = ".retry"
	dlqSuffix   = ".dlq"
	dlxSuffix   = ".dlx"
)

// Descriptor declares one logical queue with its retry ladder and terminal
// dead-letter pairing. Routing patterns of distinct descriptors must be
// disjoint: overlapping patterns would cross-deliver retry copies.
type Descriptor struct {
	Queue          string
	RoutingPattern string
	RetryDelays    []time.Duration // per-attempt TTLs, must be non-decreasing
	MaxAttempts    int
}

func (d Descriptor) Validate() error {
	if d.Queue == "" {
		return errors.New("topology: queue name is required")
	}
	if d.RoutingPattern == "" {
		return fmt.Errorf("topology: queue %q has no routing pattern", d.Queue)
	}
	if len(d.RetryDelays) == 0 {
		return fmt.Errorf("topology: queue %q has no retry delays", d.Queue)
	}
	for i := 1; i < len(d.RetryDelays); i++ {
		if d.RetryDelays[i] < d.RetryDelays[i-1] {
			return fmt.Errorf("topology: queue %q retry delays must be non-decreasing", d.Queue)
		}
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("topology: queue %q max attempts must be positive", d.Queue)
	}
	return nil
}

func (d Descriptor) RetryQueue() string { return d.Queue + retrySuffix }

func (d Descriptor) DeadLetterQueue() string { return d.Queue + dlqSuffix }

func (d Descriptor) DeadLetterExchange() string { return d.Queue + dlxSuffix }

// RetryDelay returns the ladder step for the given attempt (0-based),
// clamping to the last step once the ladder is exhausted.
func (d Descriptor) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(d.RetryDelays) {
		attempt = len(d.RetryDelays) - 1
	}
	return d.RetryDelays[attempt]
}

// Declare sets up the exchanges, queues and bindings for the given
// descriptors. Declarations are idempotent against an identical existing
// topology; the broker rejects a declaration whose arguments conflict with an
// existing queue, and that error is returned as-is so the caller notices.
// Changing a queue's arguments requires an explicit delete-and-recreate.
func Declare(ch Channel, descriptors []Descriptor) error {
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
	}

	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", EventsExchange, err)
	}
	if err := ch.ExchangeDeclare(RetryExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", RetryExchange, err)
	}

	for _, d := range descriptors {
		if _, err := ch.QueueDeclare(d.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", d.Queue, err)
		}
		if err := ch.QueueBind(d.Queue, d.RoutingPattern, EventsExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", d.Queue, err)
		}

		// Retry queue: no consumer attaches here. Messages sit until their
		// per-message TTL expires and then dead-letter back into the primary
		// exchange, preserving the routing key they were retried with.
		retryArgs := amqp.Table{"x-dead-letter-exchange": EventsExchange}
		if _, err := ch.QueueDeclare(d.RetryQueue(), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare queue %q: %w", d.RetryQueue(), err)
		}
		if err := ch.QueueBind(d.RetryQueue(), d.RoutingPattern, RetryExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", d.RetryQueue(), err)
		}

		if err := ch.ExchangeDeclare(d.DeadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", d.DeadLetterExchange(), err)
		}
		if _, err := ch.QueueDeclare(d.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", d.DeadLetterQueue(), err)
		}
		if err := ch.QueueBind(d.DeadLetterQueue(), "", d.DeadLetterExchange(), false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", d.DeadLetterQueue(), err)
		}
	}
	return nil
}
