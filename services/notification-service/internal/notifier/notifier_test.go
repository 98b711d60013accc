package notifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/imran-chowdhury/schedora/libs/amqpx"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/sms"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/storage"
)

type fakeInbox struct {
	keys map[string]bool
}

func newFakeInbox() *fakeInbox { return &fakeInbox{keys: map[string]bool{}} }

func (f *fakeInbox) Record(_ context.Context, dedupKey string, _ string) (bool, error) {
	if f.keys[dedupKey] {
		return false, nil
	}
	f.keys[dedupKey] = true
	return true, nil
}

func (f *fakeInbox) Release(_ context.Context, dedupKey string) error {
	delete(f.keys, dedupKey)
	return nil
}

type fakeNotificationStore struct {
	inserted []storage.Notification
}

func (f *fakeNotificationStore) Insert(_ context.Context, n storage.Notification) error {
	f.inserted = append(f.inserted, n)
	return nil
}

type fakeContacts struct {
	contact storage.Contact
}

func (f *fakeContacts) ContactFor(context.Context, string, string) (storage.Contact, error) {
	return f.contact, nil
}

type fakeEmailSender struct {
	failures int
	sent     []string
}

func (f *fakeEmailSender) Send(to string, _ string, _ string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, to)
	return nil
}

func testNotifier(inboxStore InboxStore, store NotificationStore, sender *fakeEmailSender) *Notifier {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	contacts := &fakeContacts{contact: storage.Contact{Email: "a@b.c"}}
	return New(inboxStore, store, contacts, sender, sms.NewNoopSender(), logger)
}

func paymentEnvelope() amqpx.Envelope {
	return amqpx.Envelope{
		EventType: "payment.completed",
		TenantID:  "tenant-1",
		Payload: map[string]any{
			"payment_id":   "pay-1",
			"customer_id":  "cus-1",
			"amount_cents": float64(2500),
			"currency":     "usd",
		},
	}
}

func TestHandleSendsOnceForDuplicateDelivery(t *testing.T) {
	inboxStore := newFakeInbox()
	store := &fakeNotificationStore{}
	sender := &fakeEmailSender{}
	n := testNotifier(inboxStore, store, sender)

	if err := n.Handle(context.Background(), paymentEnvelope()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := n.Handle(context.Background(), paymentEnvelope()); err != nil {
		t.Fatalf("redelivered Handle: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 email, sent %d", len(sender.sent))
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 notification record, got %d", len(store.inserted))
	}
	if store.inserted[0].Status != "sent" {
		t.Fatalf("notification status = %q", store.inserted[0].Status)
	}
}

func TestHandleReleasesClaimOnSendFailure(t *testing.T) {
	inboxStore := newFakeInbox()
	store := &fakeNotificationStore{}
	sender := &fakeEmailSender{failures: 1}
	n := testNotifier(inboxStore, store, sender)

	if err := n.Handle(context.Background(), paymentEnvelope()); err == nil {
		t.Fatal("expected an error from the failed send")
	}
	if len(inboxStore.keys) != 0 {
		t.Fatal("dedup claim not released after send failure")
	}

	// The retry copy must actually re-attempt the send.
	if err := n.Handle(context.Background(), paymentEnvelope()); err != nil {
		t.Fatalf("retried Handle: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the retry to send 1 email, sent %d", len(sender.sent))
	}
	if len(store.inserted) != 2 {
		t.Fatalf("expected failed then sent records, got %d", len(store.inserted))
	}
	if store.inserted[0].Status != "failed" || store.inserted[1].Status != "sent" {
		t.Fatalf("statuses = %q, %q", store.inserted[0].Status, store.inserted[1].Status)
	}
}

func TestComposeCoversCustomerFacingEvents(t *testing.T) {
	payload := map[string]any{"amount_cents": float64(2500), "currency": "usd"}
	cases := []struct {
		eventType string
		wantOK    bool
		wantIn    string
	}{
		{"payment.completed", true, "USD 25.00"},
		{"payment.failed", true, "could not be processed"},
		{"payment.refunded", true, "refunded"},
		{"payment.disputed", false, ""},
		{"invoice.created", false, ""},
	}
	for _, tc := range cases {
		_, body, ok := compose(amqpx.Envelope{EventType: tc.eventType, Payload: payload})
		if ok != tc.wantOK {
			t.Errorf("%s: ok=%v, want %v", tc.eventType, ok, tc.wantOK)
			continue
		}
		if ok && !strings.Contains(body, tc.wantIn) {
			t.Errorf("%s: body %q missing %q", tc.eventType, body, tc.wantIn)
		}
	}
}

func TestFormatAmountFallsBack(t *testing.T) {
	if got := formatAmount(map[string]any{}); got != "your recent payment" {
		t.Errorf("formatAmount = %q", got)
	}
	if got := formatAmount(map[string]any{"amount_cents": float64(150), "currency": "eur"}); got != "EUR 1.50" {
		t.Errorf("formatAmount = %q", got)
	}
}

func TestPickChannelPrefersEmail(t *testing.T) {
	ch, to := pickChannel(storage.Contact{Email: "a@b.c", Phone: "+15550100"})
	if ch != "email" || to != "a@b.c" {
		t.Errorf("got %s/%s", ch, to)
	}
	ch, to = pickChannel(storage.Contact{Phone: "+15550100"})
	if ch != "sms" || to != "+15550100" {
		t.Errorf("got %s/%s", ch, to)
	}
	if ch, _ := pickChannel(storage.Contact{}); ch != "" {
		t.Errorf("empty contact picked %s", ch)
	}
}
