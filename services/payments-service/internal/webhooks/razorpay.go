package webhooks

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/imran-chowdhury/schedora/services/payments-service/internal/payments"
)

var razorpayEventTypes = map[string]string{
	"payment.captured":        payments.EventCompleted,
	"payment.failed":          payments.EventFailed,
	"refund.processed":        payments.EventRefunded,
	"payment.dispute.created": payments.EventDisputed,
}

// Razorpay signs the raw body with HMAC-SHA256 of the webhook secret.
type Razorpay struct{}

func (rz *Razorpay) Name() string { return "razorpay" }

func (rz *Razorpay) Verify(payload []byte, headers http.Header, secret string) error {
	return checkHMAC(sha256.New, payload, secret, headers.Get("X-Razorpay-Signature"))
}

func (rz *Razorpay) ExternalEventID(payload []byte) string {
	var peek struct {
		Payload struct {
			Payment struct {
				Entity struct {
					ID string `json:"id"`
				} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
		Event     string `json:"event"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return ""
	}
	// Razorpay events carry no top-level id; the payment entity id plus the
	// event name is stable across redelivery.
	if peek.Payload.Payment.Entity.ID == "" {
		return ""
	}
	return peek.Event + ":" + peek.Payload.Payment.Entity.ID
}

func (rz *Razorpay) Interpret(payload []byte) (Event, error) {
	var evt struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity struct {
					ID       string `json:"id"`
					OrderID  string `json:"order_id"`
					Amount   int64  `json:"amount"`
					Currency string `json:"currency"`
				} `json:"entity"`
			} `json:"payment"`
			Refund struct {
				Entity struct {
					PaymentID string `json:"payment_id"`
					Amount    int64  `json:"amount"`
					Currency  string `json:"currency"`
				} `json:"entity"`
			} `json:"refund"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("parse razorpay event: %w", err)
	}

	out := Event{
		Type:    razorpayEventTypes[evt.Event],
		RawType: evt.Event,
	}
	if strings.HasPrefix(evt.Event, "refund.") {
		out.ProviderRef = evt.Payload.Refund.Entity.PaymentID
		out.AmountCents = evt.Payload.Refund.Entity.Amount
		out.Currency = evt.Payload.Refund.Entity.Currency
		out.ExternalEventID = evt.Event + ":" + evt.Payload.Refund.Entity.PaymentID
	} else {
		out.ProviderRef = evt.Payload.Payment.Entity.ID
		out.AmountCents = evt.Payload.Payment.Entity.Amount
		out.Currency = evt.Payload.Payment.Entity.Currency
		if out.ProviderRef != "" {
			out.ExternalEventID = evt.Event + ":" + out.ProviderRef
		}
	}
	return out, nil
}
