package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/imran-chowdhury/schedora/libs/amqpx"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/email"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/sms"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/storage"
)

// ContactSource resolves a customer's notification contact details.
type ContactSource interface {
	ContactFor(ctx context.Context, tenantID, customerID string) (storage.Contact, error)
}

// InboxStore claims and releases dedup keys for bus deliveries.
type InboxStore interface {
	Record(ctx context.Context, dedupKey string, eventType string) (bool, error)
	Release(ctx context.Context, dedupKey string) error
}

// NotificationStore persists notification outcomes.
type NotificationStore interface {
	Insert(ctx context.Context, n storage.Notification) error
}

// Notifier turns payment events into customer notifications. It is the
// handler behind the payment-events queue: dedup first, then compose and
// send, then persist the outcome. Errors returned from Handle feed the
// queue's retry ladder; the dedup claim is released on failure so the retry
// copy is actually re-attempted.
type Notifier struct {
	inbox    InboxStore
	store    NotificationStore
	contacts ContactSource
	email    email.Sender
	sms      sms.Sender
	logger   *slog.Logger
}

func New(inboxRepo InboxStore, store NotificationStore, contacts ContactSource, emailSender email.Sender, smsSender sms.Sender, logger *slog.Logger) *Notifier {
	return &Notifier{
		inbox:    inboxRepo,
		store:    store,
		contacts: contacts,
		email:    emailSender,
		sms:      smsSender,
		logger:   logger,
	}
}

func (n *Notifier) Handle(ctx context.Context, env amqpx.Envelope) error {
	subject, body, ok := compose(env)
	if !ok {
		// Not an event this service notifies about.
		return nil
	}

	paymentID, _ := env.Payload["payment_id"].(string)
	customerID, _ := env.Payload["customer_id"].(string)
	if paymentID == "" {
		n.logger.Error("payment event missing payment_id", "event_type", env.EventType)
		return nil
	}

	dedupKey := env.EventType + ":" + paymentID + ":" + env.TenantID
	fresh, err := n.inbox.Record(ctx, dedupKey, env.EventType)
	if err != nil {
		return fmt.Errorf("inbox record: %w", err)
	}
	if !fresh {
		n.logger.Info("duplicate payment event ignored", "event_type", env.EventType, "payment_id", paymentID)
		return nil
	}

	if err := n.deliver(ctx, env, subject, body, paymentID, customerID); err != nil {
		// Hand the claim back before surfacing the error, otherwise the
		// retry copy hits the dedup key and the notification is lost.
		if relErr := n.inbox.Release(ctx, dedupKey); relErr != nil {
			n.logger.Error("inbox release failed", "err", relErr, "dedup_key", dedupKey)
		}
		return err
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, env amqpx.Envelope, subject, body, paymentID, customerID string) error {
	if customerID == "" {
		n.logger.Warn("payment event has no customer, nothing to notify", "payment_id", paymentID)
		return nil
	}
	contact, err := n.contacts.ContactFor(ctx, env.TenantID, customerID)
	if err != nil {
		return fmt.Errorf("contact lookup: %w", err)
	}

	channel, recipient := pickChannel(contact)
	status := "sent"
	failureReason := ""
	switch channel {
	case "email":
		if err := n.email.Send(recipient, subject, body); err != nil {
			status = "failed"
			failureReason = err.Error()
			n.logger.Error("email send failed", "err", err, "payment_id", paymentID)
		}
	case "sms":
		if err := n.sms.Send(ctx, recipient, body); err != nil {
			status = "failed"
			failureReason = err.Error()
			n.logger.Error("sms send failed", "err", err, "payment_id", paymentID)
		}
	default:
		n.logger.Warn("customer has no contact channel", "customer_id", customerID)
		return nil
	}

	if err := n.store.Insert(ctx, storage.Notification{
		TenantID:   env.TenantID,
		PaymentID:  paymentID,
		CustomerID: customerID,
		EventType:  env.EventType,
		Channel:    channel,
		Recipient:  recipient,
		Payload:    env.Payload,
		Status:     status,
	}); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	if status == "failed" {
		return fmt.Errorf("%s delivery failed: %s", channel, failureReason)
	}
	n.logger.Info("payment notification sent",
		"event_type", env.EventType, "payment_id", paymentID, "channel", channel)
	return nil
}

func compose(env amqpx.Envelope) (subject, body string, ok bool) {
	amount := formatAmount(env.Payload)
	switch env.EventType {
	case "payment.completed":
		return "Payment received", fmt.Sprintf("We received your payment of %s. Thank you!", amount), true
	case "payment.failed":
		return "Payment failed", fmt.Sprintf("Your payment of %s could not be processed. Please update your payment method and try again.", amount), true
	case "payment.refunded":
		return "Payment refunded", fmt.Sprintf("Your payment of %s has been refunded. The funds should arrive within a few business days.", amount), true
	case "payment.disputed":
		return "", "", false
	default:
		return "", "", false
	}
}

func formatAmount(payload map[string]any) string {
	currency, _ := payload["currency"].(string)
	cents, okCents := payload["amount_cents"].(float64)
	if !okCents || currency == "" {
		return "your recent payment"
	}
	return fmt.Sprintf("%s %.2f", strings.ToUpper(currency), cents/100)
}

func pickChannel(c storage.Contact) (channel, recipient string) {
	if c.Email != "" {
		return "email", c.Email
	}
	if c.Phone != "" {
		return "sms", c.Phone
	}
	return "", ""
}
