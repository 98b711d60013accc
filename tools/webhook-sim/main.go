package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

// Sends a signed provider webhook at the payments service, for local testing
// of the ingestion path without a real provider account.
func main() {
	var (
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8084"), "payments service base url")
		provider    = flag.String("provider", getenv("PROVIDER", "stripe"), "provider: stripe, paystack or razorpay")
		evtType     = flag.String("type", getenv("EVENT_TYPE", ""), "provider event type (defaults per provider)")
		tenant      = flag.String("tenant-id", getenv("TENANT_ID", ""), "tenant id in the webhook path")
		providerRef = flag.String("provider-ref", getenv("PROVIDER_REF", "pi_test_123"), "provider payment reference")
		amount      = flag.Int64("amount", 2500, "amount in minor units")
		currency    = flag.String("currency", "usd", "currency code")
		secret      = flag.String("secret", getenv("WEBHOOK_SECRET", ""), "webhook signing secret")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*tenant) == "" {
		fatal("TENANT_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	var payload []byte
	var sigHeader, sigValue string
	var err error
	switch *provider {
	case "stripe":
		payload, err = stripeEventJSON(eventID, defaultType(*evtType, "payment_intent.succeeded"), now, *providerRef, *amount, *currency)
		if err != nil {
			fatal(err.Error())
		}
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    *secret,
			Timestamp: now,
			Scheme:    "v1",
		})
		sigHeader, sigValue = "Stripe-Signature", signed.Header
	case "paystack":
		payload, err = paystackEventJSON(defaultType(*evtType, "charge.success"), now, *providerRef, *amount, *currency)
		if err != nil {
			fatal(err.Error())
		}
		mac := hmac.New(sha512.New, []byte(*secret))
		mac.Write(payload)
		sigHeader, sigValue = "X-Paystack-Signature", hex.EncodeToString(mac.Sum(nil))
	case "razorpay":
		payload, err = razorpayEventJSON(defaultType(*evtType, "payment.captured"), *providerRef, *amount, *currency)
		if err != nil {
			fatal(err.Error())
		}
		mac := hmac.New(sha256.New, []byte(*secret))
		mac.Write(payload)
		sigHeader, sigValue = "X-Razorpay-Signature", hex.EncodeToString(mac.Sum(nil))
	default:
		fatal("unsupported provider: " + *provider)
	}

	url := fmt.Sprintf("%s/api/v1/payments/webhooks/%s/%s", strings.TrimRight(*baseURL, "/"), *provider, *tenant)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sigHeader, sigValue)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func stripeEventJSON(eventID, eventType string, t time.Time, providerRef string, amount int64, currency string) ([]byte, error) {
	var object map[string]any
	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		object = map[string]any{
			"id":       providerRef,
			"object":   "payment_intent",
			"amount":   amount,
			"currency": currency,
		}
	case strings.HasPrefix(eventType, "charge."):
		object = map[string]any{
			"id":             "ch_test_123",
			"object":         "charge",
			"amount":         amount,
			"currency":       currency,
			"payment_intent": map[string]any{"id": providerRef},
		}
	default:
		return nil, fmt.Errorf("unsupported stripe event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
}

func paystackEventJSON(eventType string, t time.Time, providerRef string, amount int64, currency string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": eventType,
		"data": map[string]any{
			"id":        t.UnixNano(),
			"reference": providerRef,
			"amount":    amount,
			"currency":  strings.ToUpper(currency),
		},
	})
}

func razorpayEventJSON(eventType, providerRef string, amount int64, currency string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": eventType,
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       providerRef,
					"amount":   amount,
					"currency": strings.ToUpper(currency),
				},
			},
		},
	})
}

func defaultType(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
