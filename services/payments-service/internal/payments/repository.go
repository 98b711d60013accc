package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/jackc/pgx/v5"
)

var ErrUnknownEvent = errors.New("unknown payment event type")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByProviderRef locates the payment a provider webhook refers to. The
// reference is the provider-side identifier stamped when checkout started.
func (r *Repository) FindByProviderRef(ctx context.Context, tenantID, provider, providerRef string) (Payment, bool, error) {
	var p Payment
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id::text, COALESCE(appointment_id::text, ''), COALESCE(customer_id::text, ''),
		       provider, provider_ref, amount_cents, currency, status, created_at, updated_at
		FROM payments
		WHERE tenant_id = $1 AND provider = $2 AND provider_ref = $3
	`, tenantID, provider, providerRef).Scan(
		&p.ID, &p.TenantID, &p.AppointmentID, &p.CustomerID,
		&p.Provider, &p.ProviderRef, &p.AmountCents, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, false, nil
		}
		return Payment{}, false, err
	}
	return p, true, nil
}

// ApplyEvent performs the guarded transition for one internal event type.
// The precondition check and the update are a single conditional statement,
// so concurrent duplicate deliveries cannot double-apply. Returns false when
// the payment's current status is outside the precondition set.
func (r *Repository) ApplyEvent(ctx context.Context, tenantID, paymentID, eventType string) (bool, error) {
	tr, ok := TransitionFor(eventType)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}

	allowed := make([]string, len(tr.From))
	for i, s := range tr.From {
		allowed[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE payments
		SET status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = ANY($4)
	`, string(tr.To), paymentID, tenantID, allowed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
