package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/jackc/pgx/v5"
)

type Status string

const (
	StatusReceived         Status = "received"
	StatusProcessed        Status = "processed"
	StatusFailed           Status = "failed"
	StatusInvalidSignature Status = "invalid_signature"
)

// Record is the durable log entry for one inbound webhook call. It is written
// before any trust decision so rejected and unauthenticated traffic stays
// auditable.
type Record struct {
	ID                   string
	TenantID             string
	Provider             string
	ExternalEventID      string
	EventType            string
	Status               Status
	ProcessingError      string
	RelatedPaymentID     string
	RelatedAppointmentID string
	RelatedCustomerID    string
	SourceIP             string
	RawHeaders           http.Header
	RawPayload           []byte
	ReceivedAt           time.Time
	ProcessedAt          *time.Time
}

// Related carries the domain identifiers resolved during processing.
type Related struct {
	PaymentID     string
	AppointmentID string
	CustomerID    string
}

type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Record inserts a new audit record in status received. (provider,
// external_event_id) is a natural dedup key: when a record with the same key
// already exists the existing record is returned with created=false instead
// of creating a duplicate, so provider re-delivery is idempotent at the audit
// layer itself. Records whose external event id could not be extracted are
// never deduplicated.
func (s *Store) Record(ctx context.Context, rec Record) (Record, bool, error) {
	rec.ID = uuid.NewString()
	rec.Status = StatusReceived
	rec.ReceivedAt = time.Now().UTC()

	headersJSON, err := json.Marshal(rec.RawHeaders)
	if err != nil {
		return Record{}, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, tenant_id, provider, external_event_id, event_type, status,
		                            source_ip, raw_headers, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider, external_event_id) WHERE external_event_id <> '' DO NOTHING
	`, rec.ID, rec.TenantID, rec.Provider, rec.ExternalEventID, rec.EventType, string(rec.Status),
		rec.SourceIP, headersJSON, rec.RawPayload, rec.ReceivedAt)
	if err != nil {
		return Record{}, false, err
	}
	if tag.RowsAffected() > 0 {
		return rec, true, nil
	}

	existing, err := s.getByKey(ctx, rec.Provider, rec.ExternalEventID)
	if err != nil {
		return Record{}, false, fmt.Errorf("load existing webhook event: %w", err)
	}
	return existing, false, nil
}

// UpdateOutcome moves a record to its terminal status, independent of
// whatever happened on the event bus afterwards.
func (s *Store) UpdateOutcome(ctx context.Context, id string, status Status, processingError string, related Related) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2,
		    processing_error = $3,
		    related_payment_id = $4,
		    related_appointment_id = $5,
		    related_customer_id = $6,
		    processed_at = now()
		WHERE id = $1
	`, id, string(status), nullIfEmpty(processingError),
		nullIfEmpty(related.PaymentID), nullIfEmpty(related.AppointmentID), nullIfEmpty(related.CustomerID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s not found", id)
	}
	return nil
}

// SetEventType records the interpreted event type once known.
func (s *Store) SetEventType(ctx context.Context, id string, eventType string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET event_type = $2 WHERE id = $1
	`, id, eventType)
	return err
}

var (
	ErrNotFound     = errors.New("webhook event not found")
	ErrNotRetryable = errors.New("webhook event is not retryable")
)

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	return s.get(ctx, `WHERE id = $1`, id)
}

func (s *Store) getByKey(ctx context.Context, provider, externalEventID string) (Record, error) {
	return s.get(ctx, `WHERE provider = $1 AND external_event_id = $2`, provider, externalEventID)
}

func (s *Store) get(ctx context.Context, where string, args ...any) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id::text, provider, external_event_id, COALESCE(event_type, ''),
		       status, COALESCE(processing_error, ''),
		       COALESCE(related_payment_id::text, ''), COALESCE(related_appointment_id::text, ''),
		       COALESCE(related_customer_id::text, ''),
		       COALESCE(source_ip, ''), raw_headers, raw_payload, received_at, processed_at
		FROM webhook_events `+where, args...)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// Filter narrows the operator listing. TenantID is required; everything else
// is optional.
type Filter struct {
	TenantID  string
	Provider  string
	Status    Status
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

var sortColumns = map[string]string{
	"received_at":  "received_at",
	"processed_at": "processed_at",
	"provider":     "provider",
	"status":       "status",
	"event_type":   "event_type",
}

// Query lists audit records for a tenant with optional filters and paging.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, errors.New("tenant id is required")
	}

	where := "tenant_id = $1"
	args := []any{f.TenantID}
	argn := 1
	if f.Provider != "" {
		argn++
		where += fmt.Sprintf(" AND provider = $%d", argn)
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		argn++
		where += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, string(f.Status))
	}
	if f.StartDate != nil {
		argn++
		where += fmt.Sprintf(" AND received_at >= $%d", argn)
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		argn++
		where += fmt.Sprintf(" AND received_at <= $%d", argn)
		args = append(args, *f.EndDate)
	}

	sortBy, ok := sortColumns[f.SortBy]
	if !ok {
		sortBy = "received_at"
	}
	sortOrder := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	q := fmt.Sprintf(`
		SELECT id::text, tenant_id::text, provider, external_event_id, COALESCE(event_type, ''),
		       status, COALESCE(processing_error, ''),
		       COALESCE(related_payment_id::text, ''), COALESCE(related_appointment_id::text, ''),
		       COALESCE(related_customer_id::text, ''),
		       COALESCE(source_ip, ''), raw_headers, raw_payload, received_at, processed_at
		FROM webhook_events
		WHERE %s
		ORDER BY %s %s
		LIMIT %d OFFSET %d`, where, sortBy, sortOrder, limit, offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Stats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	ByProvider map[string]int64 `json:"by_provider"`
}

// Stats returns webhook counts grouped by status and by provider.
func (s *Store) Stats(ctx context.Context, tenantID string) (Stats, error) {
	stats := Stats{
		ByStatus:   map[string]int64{},
		ByProvider: map[string]int64{},
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM webhook_events WHERE tenant_id = $1 GROUP BY status
	`, tenantID)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	provRows, err := s.pool.Query(ctx, `
		SELECT provider, COUNT(*) FROM webhook_events WHERE tenant_id = $1 GROUP BY provider
	`, tenantID)
	if err != nil {
		return Stats{}, err
	}
	defer provRows.Close()
	for provRows.Next() {
		var provider string
		var count int64
		if err := provRows.Scan(&provider, &count); err != nil {
			return Stats{}, err
		}
		stats.ByProvider[provider] = count
	}
	return stats, provRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	var headersJSON []byte
	var processedAt *time.Time
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Provider, &rec.ExternalEventID, &rec.EventType,
		&status, &rec.ProcessingError,
		&rec.RelatedPaymentID, &rec.RelatedAppointmentID, &rec.RelatedCustomerID,
		&rec.SourceIP, &headersJSON, &rec.RawPayload, &rec.ReceivedAt, &processedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.ProcessedAt = processedAt
	if len(headersJSON) > 0 {
		_ = json.Unmarshal(headersJSON, &rec.RawHeaders)
	}
	return rec, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
