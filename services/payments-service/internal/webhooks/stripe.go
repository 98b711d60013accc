package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/imran-chowdhury/schedora/services/payments-service/internal/payments"
)

// stripeEventTypes maps Stripe's event names onto the internal vocabulary.
// Anything not listed is acknowledged and ignored.
var stripeEventTypes = map[string]string{
	"payment_intent.succeeded":      payments.EventCompleted,
	"payment_intent.payment_failed": payments.EventFailed,
	"charge.refunded":               payments.EventRefunded,
	"charge.dispute.created":        payments.EventDisputed,
}

type Stripe struct {
	Tolerance time.Duration
}

func NewStripe(tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Stripe{Tolerance: tolerance}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Verify(payload []byte, headers http.Header, secret string) error {
	sig := headers.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		return ErrMissingSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sig, secret, s.Tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (s *Stripe) ExternalEventID(payload []byte) string {
	var peek struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.ID
}

func (s *Stripe) Interpret(payload []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("parse stripe event: %w", err)
	}
	rawType := string(evt.Type)
	out := Event{
		ExternalEventID: evt.ID,
		RawType:         rawType,
		Type:            stripeEventTypes[rawType],
	}

	switch {
	case strings.HasPrefix(rawType, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("parse payment intent: %w", err)
		}
		out.ProviderRef = pi.ID
		out.AmountCents = pi.Amount
		out.Currency = strings.ToUpper(string(pi.Currency))
	case strings.HasPrefix(rawType, "charge."):
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return Event{}, fmt.Errorf("parse charge: %w", err)
		}
		// Transitions key off the originating payment intent, not the charge.
		if ch.PaymentIntent != nil {
			out.ProviderRef = ch.PaymentIntent.ID
		} else {
			out.ProviderRef = ch.ID
		}
		out.AmountCents = ch.Amount
		out.Currency = strings.ToUpper(string(ch.Currency))
	}
	return out, nil
}
