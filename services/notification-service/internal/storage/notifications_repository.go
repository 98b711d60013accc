package storage

import (
	"context"
	"encoding/json"

	"github.com/imran-chowdhury/schedora/libs/db"
)

type Notification struct {
	TenantID   string
	PaymentID  string
	CustomerID string
	EventType  string
	Channel    string
	Recipient  string
	Payload    map[string]any
	Status     string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (tenant_id, payment_id, customer_id, event_type, channel, recipient, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.TenantID, n.PaymentID, n.CustomerID, n.EventType, n.Channel, n.Recipient, payload, n.Status)
	return err
}
