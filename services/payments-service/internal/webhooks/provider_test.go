package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/imran-chowdhury/schedora/services/payments-service/internal/payments"
)

const testSecret = "whsec_test_secret"

func paystackSign(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func razorpaySign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestStripeVerifyRoundTrip(t *testing.T) {
	s := NewStripe(5 * time.Minute)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	headers := http.Header{}
	headers.Set("Stripe-Signature", signed.Header)
	if err := s.Verify(payload, headers, testSecret); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Any byte flip must invalidate the signature.
	tampered := append([]byte(nil), payload...)
	tampered[10] ^= 0x01
	if err := s.Verify(tampered, headers, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if err := s.Verify(payload, http.Header{}, testSecret); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestStripeInterpret(t *testing.T) {
	s := NewStripe(0)
	payload := []byte(`{
		"id": "evt_42",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "amount": 2500, "currency": "usd"}}
	}`)

	evt, err := s.Interpret(payload)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if evt.Type != payments.EventCompleted {
		t.Errorf("Type = %q", evt.Type)
	}
	if evt.ExternalEventID != "evt_42" || evt.ProviderRef != "pi_123" {
		t.Errorf("ids = %q / %q", evt.ExternalEventID, evt.ProviderRef)
	}
	if evt.AmountCents != 2500 || evt.Currency != "USD" {
		t.Errorf("amount = %d %s", evt.AmountCents, evt.Currency)
	}
	if got := s.ExternalEventID(payload); got != "evt_42" {
		t.Errorf("ExternalEventID = %q", got)
	}
}

func TestStripeInterpretChargeUsesPaymentIntent(t *testing.T) {
	s := NewStripe(0)
	payload := []byte(`{
		"id": "evt_43",
		"type": "charge.refunded",
		"data": {"object": {"id": "ch_1", "amount": 900, "currency": "eur", "payment_intent": {"id": "pi_777"}}}
	}`)

	evt, err := s.Interpret(payload)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if evt.Type != payments.EventRefunded {
		t.Errorf("Type = %q", evt.Type)
	}
	if evt.ProviderRef != "pi_777" {
		t.Errorf("ProviderRef = %q, want the payment intent id", evt.ProviderRef)
	}
}

func TestStripeUnmappedEventHasEmptyType(t *testing.T) {
	s := NewStripe(0)
	evt, err := s.Interpret([]byte(`{"id":"evt_44","type":"customer.created","data":{"object":{}}}`))
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if evt.Type != "" {
		t.Errorf("Type = %q, want empty for untracked events", evt.Type)
	}
	if evt.RawType != "customer.created" {
		t.Errorf("RawType = %q", evt.RawType)
	}
}

func TestPaystackVerifyAndInterpret(t *testing.T) {
	p := &Paystack{}
	payload := []byte(`{"event":"charge.success","data":{"id":98765,"reference":"ref_abc","amount":5000,"currency":"NGN"}}`)

	headers := http.Header{}
	headers.Set("X-Paystack-Signature", paystackSign(payload, testSecret))
	if err := p.Verify(payload, headers, testSecret); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	headers.Set("X-Paystack-Signature", paystackSign(payload, "wrong-secret"))
	if err := p.Verify(payload, headers, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := p.Verify(payload, http.Header{}, testSecret); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	evt, err := p.Interpret(payload)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if evt.Type != payments.EventCompleted {
		t.Errorf("Type = %q", evt.Type)
	}
	if evt.ProviderRef != "ref_abc" || evt.ExternalEventID != "98765" {
		t.Errorf("ids = %q / %q", evt.ProviderRef, evt.ExternalEventID)
	}
	if evt.AmountCents != 5000 || evt.Currency != "NGN" {
		t.Errorf("amount = %d %s", evt.AmountCents, evt.Currency)
	}
}

func TestRazorpayVerifyAndInterpret(t *testing.T) {
	rz := &Razorpay{}
	payload := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_xyz","amount":120000,"currency":"INR"}}}}`)

	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", razorpaySign(payload, testSecret))
	if err := rz.Verify(payload, headers, testSecret); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	headers.Set("X-Razorpay-Signature", "deadbeef")
	if err := rz.Verify(payload, headers, testSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	evt, err := rz.Interpret(payload)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if evt.Type != payments.EventCompleted {
		t.Errorf("Type = %q", evt.Type)
	}
	if evt.ProviderRef != "pay_xyz" {
		t.Errorf("ProviderRef = %q", evt.ProviderRef)
	}
	if evt.ExternalEventID != "payment.captured:pay_xyz" {
		t.Errorf("ExternalEventID = %q", evt.ExternalEventID)
	}
}

func TestRazorpayRefundUsesRefundEntity(t *testing.T) {
	rz := &Razorpay{}
	payload := []byte(`{"event":"refund.processed","payload":{"refund":{"entity":{"payment_id":"pay_xyz","amount":120000,"currency":"INR"}}}}`)

	evt, err := rz.Interpret(payload)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if evt.Type != payments.EventRefunded {
		t.Errorf("Type = %q", evt.Type)
	}
	if evt.ProviderRef != "pay_xyz" {
		t.Errorf("ProviderRef = %q", evt.ProviderRef)
	}
}

func TestCheckHMACToleratesSchemePrefix(t *testing.T) {
	payload := []byte("body")
	sig := razorpaySign(payload, testSecret)
	if err := checkHMAC(sha256.New, payload, testSecret, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	if err := checkHMAC(sha256.New, payload, testSecret, sig); err != nil {
		t.Fatalf("bare signature rejected: %v", err)
	}
	if err := checkHMAC(sha256.New, payload, testSecret, "zz"+sig[2:]); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(&Paystack{}, &Razorpay{})
	if _, ok := r.Lookup("paystack"); !ok {
		t.Fatal("paystack not registered")
	}
	if _, ok := r.Lookup("stripe"); ok {
		t.Fatal("stripe should not be registered")
	}
}
