package inbox

import (
	"context"
	"errors"

	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository deduplicates bus deliveries. Record returns false when the key
// has been seen before, which is how redelivered payment events become no-ops.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, dedupKey string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (dedup_key, event_type)
		VALUES ($1, $2)
	`, dedupKey, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}

// Release gives a claim back so the retry copy of a failed delivery is not
// deduplicated away.
func (r *Repository) Release(ctx context.Context, dedupKey string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM inbox_events WHERE dedup_key = $1
	`, dedupKey)
	return err
}
