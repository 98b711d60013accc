package amqpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message headers carried on every published event. Operational tooling
// filters on these without deserializing bodies.
const (
	HeaderTenantID      = "x-tenant-id"
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderFailureReason = "x-failure-reason"
)

// Envelope is the canonical shape of an internal domain event. The wire body
// is the payload with "type", "tenant_id" and "timestamp" merged in, so
// consumers in other services stay decoupled from provider specifics.
type Envelope struct {
	EventType  string
	TenantID   string
	OccurredAt time.Time
	Attempt    int
	Payload    map[string]any
}

func (e Envelope) Validate() error {
	if e.EventType == "" {
		return errors.New("envelope: event type is required")
	}
	if e.TenantID == "" {
		return errors.New("envelope: tenant id is required")
	}
	return nil
}

// Body renders the wire JSON. Reserved keys always win over payload keys.
func (e Envelope) Body() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	out["type"] = e.EventType
	out["tenant_id"] = e.TenantID
	out["timestamp"] = occurred.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// ParseDelivery reconstructs an Envelope from a broker delivery, pulling the
// attempt counter and tenant from headers with the body as fallback.
func ParseDelivery(d amqp.Delivery) (Envelope, error) {
	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode body: %w", err)
	}

	env := Envelope{
		Attempt: AttemptFromHeaders(d.Headers),
		Payload: body,
	}
	env.EventType = headerString(d.Headers, HeaderEventType)
	if env.EventType == "" {
		env.EventType, _ = body["type"].(string)
	}
	env.TenantID = headerString(d.Headers, HeaderTenantID)
	if env.TenantID == "" {
		env.TenantID, _ = body["tenant_id"].(string)
	}
	if ts, ok := body["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			env.OccurredAt = t
		}
	}
	if env.EventType == "" {
		return Envelope{}, errors.New("envelope: missing event type")
	}
	return env, nil
}

// AttemptFromHeaders reads the retry counter, defaulting to zero. The broker
// round-trips header integers through several widths, so all are accepted.
func AttemptFromHeaders(headers amqp.Table) int {
	v, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}

func headerString(headers amqp.Table, key string) string {
	if v, ok := headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
