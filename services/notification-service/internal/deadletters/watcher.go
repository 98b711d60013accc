package deadletters

import (
	"context"
	"log/slog"
	"time"

	"github.com/imran-chowdhury/schedora/libs/amqpx"
)

// Watcher drains a dead-letter queue and logs each parked message so that
// exhausted retries are visible in the service logs, not only in the broker
// UI. Messages are acknowledged; the log line is the record.
type Watcher struct {
	conn   *amqpx.Connection
	queue  string
	logger *slog.Logger
}

func NewWatcher(conn *amqpx.Connection, queue string, logger *slog.Logger) *Watcher {
	return &Watcher{conn: conn, queue: queue, logger: logger}
}

func (w *Watcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := w.conn.Connect(ctx)
		if err != nil {
			return err
		}

		deliveries, err := ch.ConsumeWithContext(ctx, w.queue, "", false, false, false, false, nil)
		if err != nil {
			w.logger.Error("dead-letter consume failed", "queue", w.queue, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for d := range deliveries {
			reason := ""
			if v, ok := d.Headers[amqpx.HeaderFailureReason].(string); ok {
				reason = v
			}
			w.logger.Error("dead-lettered payment event",
				"queue", w.queue,
				"routing_key", d.RoutingKey,
				"message_id", d.MessageId,
				"tenant_id", headerString(d.Headers, amqpx.HeaderTenantID),
				"event_type", headerString(d.Headers, amqpx.HeaderEventType),
				"reason", reason,
			)
			if err := d.Ack(false); err != nil {
				w.logger.Error("dead-letter ack failed", "queue", w.queue, "err", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func headerString(headers map[string]any, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}
