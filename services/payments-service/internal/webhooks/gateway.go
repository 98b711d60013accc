package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/imran-chowdhury/schedora/libs/amqpx"
	"github.com/imran-chowdhury/schedora/services/payments-service/internal/audit"
	"github.com/imran-chowdhury/schedora/services/payments-service/internal/payments"
)

type AuditStore interface {
	Record(ctx context.Context, rec audit.Record) (audit.Record, bool, error)
	UpdateOutcome(ctx context.Context, id string, status audit.Status, processingError string, related audit.Related) error
	SetEventType(ctx context.Context, id string, eventType string) error
	Get(ctx context.Context, id string) (audit.Record, error)
}

type PaymentStore interface {
	FindByProviderRef(ctx context.Context, tenantID, provider, providerRef string) (payments.Payment, bool, error)
	ApplyEvent(ctx context.Context, tenantID, paymentID, eventType string) (bool, error)
}

// SecretSource resolves the per-tenant webhook signing secret for a provider.
// An empty secret with a nil error means the tenant has not configured one.
type SecretSource interface {
	ProviderSecret(ctx context.Context, tenantID, provider string) (string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env amqpx.Envelope) (bool, error)
}

// Gateway ingests provider webhooks. Every request is audited before any
// trust decision, then verified, interpreted, applied to the payment and
// published on the bus. Response codes follow provider retry semantics: 200
// means "stop redelivering", 400/401 mean the request itself was bad.
type Gateway struct {
	registry  *Registry
	auditor   AuditStore
	store     PaymentStore
	secrets   SecretSource
	publisher EventPublisher
	logger    *slog.Logger
}

func NewGateway(registry *Registry, auditor AuditStore, store PaymentStore, secrets SecretSource, publisher EventPublisher, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:  registry,
		auditor:   auditor,
		store:     store,
		secrets:   secrets,
		publisher: publisher,
		logger:    logger,
	}
}

const maxWebhookBody = 1 << 20 // 1 MiB hard cap

// HandleWebhook serves POST /api/v1/payments/webhooks/{provider}/{tenantID}.
func (g *Gateway) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := r.PathValue("provider")
	tenantID := r.PathValue("tenantID")

	provider, ok := g.registry.Lookup(providerName)
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	if strings.TrimSpace(tenantID) == "" {
		http.Error(w, "missing tenant id", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// Audit before anything else so rejected traffic leaves a trace. The
	// external event id is a best-effort peek; verification has not run yet.
	rec, created, err := g.auditor.Record(r.Context(), audit.Record{
		TenantID:        tenantID,
		Provider:        provider.Name(),
		ExternalEventID: provider.ExternalEventID(payload),
		SourceIP:        clientIP(r),
		RawHeaders:      r.Header,
		RawPayload:      payload,
	})
	if err != nil {
		g.logger.Error("webhook audit write failed", "provider", providerName, "tenant_id", tenantID, "err", err)
		http.Error(w, "failed to record webhook", http.StatusInternalServerError)
		return
	}
	if !created && rec.Status == audit.StatusProcessed {
		g.logger.Info("duplicate webhook ignored",
			"provider", providerName, "tenant_id", tenantID, "external_event_id", rec.ExternalEventID)
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": "duplicate"})
		return
	}

	secret, err := g.secrets.ProviderSecret(r.Context(), tenantID, provider.Name())
	if err != nil {
		g.fail(r.Context(), rec.ID, audit.StatusFailed, "secret lookup failed: "+err.Error())
		http.Error(w, "failed to resolve webhook secret", http.StatusInternalServerError)
		return
	}
	if secret == "" {
		g.fail(r.Context(), rec.ID, audit.StatusFailed, "no webhook secret configured")
		http.Error(w, "webhook not configured for tenant", http.StatusBadRequest)
		return
	}

	if err := provider.Verify(payload, r.Header, secret); err != nil {
		if errors.Is(err, ErrMissingSignature) {
			g.fail(r.Context(), rec.ID, audit.StatusFailed, "missing signature header")
			http.Error(w, "missing signature header", http.StatusBadRequest)
			return
		}
		g.fail(r.Context(), rec.ID, audit.StatusInvalidSignature, err.Error())
		g.logger.Warn("webhook signature rejected", "provider", providerName, "tenant_id", tenantID)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	status, body := g.process(r.Context(), provider, rec, tenantID, payload)
	writeJSON(w, status, body)
}

// process runs interpretation onward: the part of the flow shared by live
// ingestion and operator retry. The payload is trusted at this point.
func (g *Gateway) process(ctx context.Context, provider Provider, rec audit.Record, tenantID string, payload []byte) (int, map[string]any) {
	evt, err := provider.Interpret(payload)
	if err != nil {
		g.fail(ctx, rec.ID, audit.StatusFailed, err.Error())
		return http.StatusBadRequest, map[string]any{"status": "failed", "error": "unparseable payload"}
	}
	if evt.RawType != "" {
		_ = g.auditor.SetEventType(ctx, rec.ID, evt.RawType)
	}

	if evt.Type == "" {
		// Event types we do not track. Acknowledge so the provider stops
		// redelivering.
		if err := g.auditor.UpdateOutcome(ctx, rec.ID, audit.StatusProcessed, "", audit.Related{}); err != nil {
			g.logger.Error("audit outcome update failed", "webhook_event_id", rec.ID, "err", err)
		}
		return http.StatusOK, map[string]any{"received": true, "status": "ignored", "event_type": evt.RawType}
	}

	payment, found, err := g.store.FindByProviderRef(ctx, tenantID, provider.Name(), evt.ProviderRef)
	if err != nil {
		g.fail(ctx, rec.ID, audit.StatusFailed, "payment lookup failed: "+err.Error())
		return http.StatusOK, map[string]any{"received": true, "status": "failed"}
	}
	if !found {
		// The referenced payment does not exist here. Redelivery will not
		// change that, so acknowledge and leave the audit trail for the
		// operator.
		g.fail(ctx, rec.ID, audit.StatusFailed, fmt.Sprintf("no payment with provider_ref %q", evt.ProviderRef))
		return http.StatusOK, map[string]any{"received": true, "status": "failed", "error": "unknown payment reference"}
	}

	applied, err := g.store.ApplyEvent(ctx, tenantID, payment.ID, evt.Type)
	if err != nil {
		g.fail(ctx, rec.ID, audit.StatusFailed, "apply transition failed: "+err.Error())
		return http.StatusOK, map[string]any{"received": true, "status": "failed"}
	}

	related := audit.Related{
		PaymentID:     payment.ID,
		AppointmentID: payment.AppointmentID,
		CustomerID:    payment.CustomerID,
	}
	if !applied {
		// Precondition not met: already in the target state or an out-of-order
		// delivery. Record it as processed; the transition is intentionally
		// skipped.
		g.logger.Info("payment transition skipped",
			"payment_id", payment.ID, "event_type", evt.Type, "current_status", string(payment.Status))
		if err := g.auditor.UpdateOutcome(ctx, rec.ID, audit.StatusProcessed, "", related); err != nil {
			g.logger.Error("audit outcome update failed", "webhook_event_id", rec.ID, "err", err)
		}
		return http.StatusOK, map[string]any{"received": true, "status": "skipped"}
	}

	g.publish(ctx, payment, evt)

	if err := g.auditor.UpdateOutcome(ctx, rec.ID, audit.StatusProcessed, "", related); err != nil {
		g.logger.Error("audit outcome update failed", "webhook_event_id", rec.ID, "err", err)
	}
	return http.StatusOK, map[string]any{"received": true, "status": "processed", "event_type": evt.Type}
}

// publish emits the normalized event on the bus. Failures are logged but do
// not fail the webhook: the payment row already carries the new status.
func (g *Gateway) publish(ctx context.Context, payment payments.Payment, evt Event) {
	env := amqpx.Envelope{
		EventType:  evt.Type,
		TenantID:   payment.TenantID,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"payment_id":     payment.ID,
			"provider":       payment.Provider,
			"provider_ref":   evt.ProviderRef,
			"amount_cents":   evt.AmountCents,
			"currency":       evt.Currency,
			"appointment_id": payment.AppointmentID,
			"customer_id":    payment.CustomerID,
		},
	}
	ok, err := g.publisher.Publish(ctx, amqpx.EventsExchange, evt.Type, env)
	if err != nil {
		g.logger.Error("event publish failed", "event_type", evt.Type, "payment_id", payment.ID, "err", err)
		return
	}
	if !ok {
		g.logger.Warn("event publish deferred, broker backpressure", "event_type", evt.Type, "payment_id", payment.ID)
	}
}

// Retry re-runs a failed or signature-rejected webhook from its stored
// payload. Verification runs again against the current secret, so a retry
// after rotating a misconfigured secret can succeed.
func (g *Gateway) Retry(ctx context.Context, id string) (audit.Record, error) {
	rec, err := g.auditor.Get(ctx, id)
	if err != nil {
		return audit.Record{}, err
	}
	if rec.Status != audit.StatusFailed && rec.Status != audit.StatusInvalidSignature {
		return rec, fmt.Errorf("%w: status is %s", audit.ErrNotRetryable, rec.Status)
	}

	provider, ok := g.registry.Lookup(rec.Provider)
	if !ok {
		return rec, fmt.Errorf("unknown provider %q", rec.Provider)
	}

	secret, err := g.secrets.ProviderSecret(ctx, rec.TenantID, rec.Provider)
	if err != nil {
		return rec, err
	}
	if secret == "" {
		g.fail(ctx, rec.ID, audit.StatusFailed, "no webhook secret configured")
		return g.auditor.Get(ctx, rec.ID)
	}
	if err := provider.Verify(rec.RawPayload, rec.RawHeaders, secret); err != nil {
		status := audit.StatusInvalidSignature
		if errors.Is(err, ErrMissingSignature) {
			status = audit.StatusFailed
		}
		g.fail(ctx, rec.ID, status, err.Error())
		return g.auditor.Get(ctx, rec.ID)
	}

	g.process(ctx, provider, rec, rec.TenantID, rec.RawPayload)
	return g.auditor.Get(ctx, rec.ID)
}

func (g *Gateway) fail(ctx context.Context, id string, status audit.Status, reason string) {
	if err := g.auditor.UpdateOutcome(ctx, id, status, reason, audit.Related{}); err != nil {
		g.logger.Error("audit outcome update failed", "webhook_event_id", id, "err", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
