package storage

import (
	"context"
	"errors"

	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/jackc/pgx/v5"
)

// SecretsRepository resolves per-tenant webhook signing secrets. Each tenant
// configures one secret per provider when connecting their account.
type SecretsRepository struct {
	pool *db.Pool
}

func NewSecretsRepository(pool *db.Pool) *SecretsRepository {
	return &SecretsRepository{pool: pool}
}

func (r *SecretsRepository) ProviderSecret(ctx context.Context, tenantID, provider string) (string, error) {
	var secret string
	err := r.pool.QueryRow(ctx, `
		SELECT webhook_secret
		FROM tenant_provider_credentials
		WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return secret, nil
}
