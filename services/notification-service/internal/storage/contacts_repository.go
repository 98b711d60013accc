package storage

import (
	"context"
	"errors"

	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/jackc/pgx/v5"
)

type Contact struct {
	Email string
	Phone string
}

// ContactsRepository reads customer contact details from the shared customers
// table. An unknown customer yields an empty contact, not an error.
type ContactsRepository struct {
	pool *db.Pool
}

func NewContactsRepository(pool *db.Pool) *ContactsRepository {
	return &ContactsRepository{pool: pool}
}

func (r *ContactsRepository) ContactFor(ctx context.Context, tenantID, customerID string) (Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(email, ''), COALESCE(phone, '')
		FROM customers
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, customerID).Scan(&c.Email, &c.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, nil
		}
		return Contact{}, err
	}
	return c, nil
}
