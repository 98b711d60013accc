package webhooks

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/imran-chowdhury/schedora/services/payments-service/internal/payments"
)

var paystackEventTypes = map[string]string{
	"charge.success":        payments.EventCompleted,
	"charge.failed":         payments.EventFailed,
	"refund.processed":      payments.EventRefunded,
	"charge.dispute.create": payments.EventDisputed,
}

// Paystack signs the raw body with HMAC-SHA512 of the account secret.
type Paystack struct{}

func (p *Paystack) Name() string { return "paystack" }

func (p *Paystack) Verify(payload []byte, headers http.Header, secret string) error {
	return checkHMAC(sha512.New, payload, secret, headers.Get("X-Paystack-Signature"))
}

func (p *Paystack) ExternalEventID(payload []byte) string {
	var peek struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.Data.ID.String()
}

func (p *Paystack) Interpret(payload []byte) (Event, error) {
	var evt struct {
		Event string `json:"event"`
		Data  struct {
			ID        json.Number `json:"id"`
			Reference string      `json:"reference"`
			Amount    int64       `json:"amount"`
			Currency  string      `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("parse paystack event: %w", err)
	}
	return Event{
		Type:            paystackEventTypes[evt.Event],
		ExternalEventID: evt.Data.ID.String(),
		RawType:         evt.Event,
		ProviderRef:     evt.Data.Reference,
		AmountCents:     evt.Data.Amount,
		Currency:        evt.Data.Currency,
	}, nil
}
