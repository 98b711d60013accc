package amqpx

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceHeaders writes W3C trace context into an AMQP header table.
func InjectTraceHeaders(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier{table: headers})
}

// ExtractTraceContext returns a context extracted from delivery headers using
// the global propagator.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, tableCarrier{table: headers})
}

type tableCarrier struct {
	table amqp.Table
}

func (c tableCarrier) Get(key string) string {
	if v, ok := c.table[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c.table))
	for k := range c.table {
		keys = append(keys, k)
	}
	return keys
}

func (c tableCarrier) Set(key string, value string) {
	c.table[key] = value
}

var _ propagation.TextMapCarrier = tableCarrier{}
