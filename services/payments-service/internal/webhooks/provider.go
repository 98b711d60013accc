package webhooks

import (
	"errors"
	"net/http"
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Event is the provider-neutral interpretation of a webhook payload. Type is
// one of the internal payment event types, or empty when the provider event
// is one we deliberately ignore.
type Event struct {
	Type            string
	ExternalEventID string
	RawType         string
	ProviderRef     string
	AmountCents     int64
	Currency        string
}

// Provider adapts one payment provider's webhook format. Verify must be
// called before Interpret; ExternalEventID is a best-effort peek used only
// for audit deduplication and may return "" for payloads it cannot read.
type Provider interface {
	Name() string
	Verify(payload []byte, headers http.Header, secret string) error
	ExternalEventID(payload []byte) string
	Interpret(payload []byte) (Event, error)
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
