package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retrier re-processes a stored webhook. Implemented by the webhook gateway.
type Retrier interface {
	Retry(ctx context.Context, id string) (Record, error)
}

// Handler exposes the operator-facing audit endpoints: listing, inspection,
// aggregate stats and manual retry.
type Handler struct {
	store   *Store
	retrier Retrier
	logger  *slog.Logger
}

func NewHandler(store *Store, retrier Retrier, logger *slog.Logger) *Handler {
	return &Handler{store: store, retrier: retrier, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/payments/webhook-events", h.list)
	mux.HandleFunc("GET /api/v1/payments/webhook-events/stats", h.stats)
	mux.HandleFunc("GET /api/v1/payments/webhook-events/{id}", h.get)
	mux.HandleFunc("POST /api/v1/payments/webhook-events/{id}/retry", h.retry)
}

type recordView struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	Provider             string     `json:"provider"`
	ExternalEventID      string     `json:"external_event_id,omitempty"`
	EventType            string     `json:"event_type,omitempty"`
	Status               string     `json:"status"`
	ProcessingError      string     `json:"processing_error,omitempty"`
	RelatedPaymentID     string     `json:"related_payment_id,omitempty"`
	RelatedAppointmentID string     `json:"related_appointment_id,omitempty"`
	RelatedCustomerID    string     `json:"related_customer_id,omitempty"`
	SourceIP             string     `json:"source_ip,omitempty"`
	ReceivedAt           time.Time  `json:"received_at"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
}

func toView(rec Record) recordView {
	return recordView{
		ID:                   rec.ID,
		TenantID:             rec.TenantID,
		Provider:             rec.Provider,
		ExternalEventID:      rec.ExternalEventID,
		EventType:            rec.EventType,
		Status:               string(rec.Status),
		ProcessingError:      rec.ProcessingError,
		RelatedPaymentID:     rec.RelatedPaymentID,
		RelatedAppointmentID: rec.RelatedAppointmentID,
		RelatedCustomerID:    rec.RelatedCustomerID,
		SourceIP:             rec.SourceIP,
		ReceivedAt:           rec.ReceivedAt,
		ProcessedAt:          rec.ProcessedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{
		TenantID:  strings.TrimSpace(q.Get("tenant_id")),
		Provider:  q.Get("provider"),
		Status:    Status(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if f.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if v := q.Get("page"); v != "" {
		f.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "start_date must be RFC3339", http.StatusBadRequest)
			return
		}
		f.StartDate = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "end_date must be RFC3339", http.StatusBadRequest)
			return
		}
		f.EndDate = &t
	}

	recs, err := h.store.Query(r.Context(), f)
	if err != nil {
		h.logger.Error("webhook event query failed", "tenant_id", f.TenantID, "err", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views, "count": len(views)})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "webhook event not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toView(rec))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	stats, err := h.store.Stats(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("webhook stats query failed", "tenant_id", tenantID, "err", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.retrier.Retry(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			http.Error(w, "webhook event not found", http.StatusNotFound)
		case errors.Is(err, ErrNotRetryable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("webhook retry failed", "webhook_event_id", id, "err", err)
			http.Error(w, "retry failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toView(rec))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
