package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/util/timefmt"
)

// Handler serves the webhook HTTP surface.
type Handler struct {
	st   *store.Store
	proc *Processor
}

// NewHandler creates the handler.
func NewHandler(st *store.Store, proc *Processor) *Handler {
	return &Handler{st: st, proc: proc}
}

// Routes mounts the webhook endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.receive)
	r.Get("/webhooks/events", h.listEvents)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	// Providers name their signature header after themselves, e.g.
	// "e2b-signature"; a generic header is accepted as a fallback.
	sig := r.Header.Get(providerName + "-signature")
	if sig == "" {
		sig = r.Header.Get("X-Webhook-Signature")
	}
	if err := h.proc.VerifySignature(providerName, body, sig); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	res, err := h.proc.Process(r.Context(), providerName, body)
	if errors.Is(err, ErrMissingInstanceID) {
		writeError(w, http.StatusBadRequest, "missing instance id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"provider":    res.Provider,
		"instance_id": res.InstanceID,
		"event_type":  res.EventType,
		"matched":     res.Matched,
		"lease_id":    res.LeaseID,
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be in [1,1000]")
			return
		}
		limit = n
	}

	events, err := h.st.ListRecentProviderEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}

	type eventRow struct {
		EventID        int64           `json:"event_id"`
		Provider       string          `json:"provider"`
		InstanceID     string          `json:"instance_id"`
		EventType      string          `json:"event_type"`
		Payload        json.RawMessage `json:"payload"`
		MatchedLeaseID string          `json:"matched_lease_id,omitempty"`
		CreatedAt      string          `json:"created_at"`
	}
	rows := make([]eventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, eventRow{
			EventID:        ev.EventID,
			Provider:       ev.ProviderName,
			InstanceID:     ev.InstanceID,
			EventType:      ev.EventType,
			Payload:        json.RawMessage(ev.PayloadJSON),
			MatchedLeaseID: ev.MatchedLeaseID,
			CreatedAt:      timefmt.Format(ev.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
