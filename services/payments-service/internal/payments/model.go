package payments

import "time"

// Internal event vocabulary published on the bus. Providers' raw event names
// are mapped onto these by the webhook interpreters.
const (
	EventCompleted = "payment.completed"
	EventFailed    = "payment.failed"
	EventRefunded  = "payment.refunded"
	EventDisputed  = "payment.disputed"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusDisputed   Status = "disputed"
)

type Payment struct {
	ID            string
	TenantID      string
	AppointmentID string
	CustomerID    string
	Provider      string
	ProviderRef   string
	AmountCents   int64
	Currency      string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition is a guarded status change: it only applies when the payment's
// current status is in From. Out-of-precondition events are ignored, which is
// what makes duplicate webhook delivery safe.
type Transition struct {
	From []Status
	To   Status
}

func (t Transition) AllowedFrom(s Status) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

var transitions = map[string]Transition{
	EventCompleted: {From: []Status{StatusPending, StatusProcessing}, To: StatusCompleted},
	EventFailed:    {From: []Status{StatusPending, StatusProcessing}, To: StatusFailed},
	EventRefunded:  {From: []Status{StatusCompleted}, To: StatusRefunded},
	EventDisputed:  {From: []Status{StatusCompleted}, To: StatusDisputed},
}

// TransitionFor returns the guarded transition for an internal event type.
func TransitionFor(eventType string) (Transition, bool) {
	t, ok := transitions[eventType]
	return t, ok
}
