// Package stream serves run events over SSE with resumable cursors:
// every frame's id is the event's persisted seq, so a client
// reconnects with after=<last id> and misses nothing.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/run"
	"github.com/sandmux/sandmux/internal/runlog"
	"github.com/sandmux/sandmux/internal/store"
)

// Handler streams run events to HTTP consumers.
type Handler struct {
	st        *store.Store
	reg       *run.Registry
	keepalive time.Duration
}

// NewHandler creates the stream handler.
func NewHandler(st *store.Store, reg *run.Registry, keepalive time.Duration) *Handler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Handler{st: st, reg: reg, keepalive: keepalive}
}

// Routes mounts the stream endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/threads/{thread}/runs/stream", h.stream)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread")

	afterSeq := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		afterSeq = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, "retry: 5000\n\n")
	flusher.Flush()

	metrics.StreamConsumers.Inc()
	defer metrics.StreamConsumers.Dec()

	buf, _, live := h.reg.Buffer(threadID)
	if !live {
		// No in-flight run; replay the persisted tail and finish.
		events, err := runlog.Replay(r.Context(), h.st, threadID, afterSeq)
		if err != nil {
			slog.Warn("replay run events", "thread_id", threadID, "error", err)
			return
		}
		for _, ev := range events {
			writeFrame(w, ev)
		}
		flusher.Flush()
		return
	}

	cursor := 0
	for {
		events, next, err := buf.ReadWithTimeout(r.Context(), cursor, h.keepalive)
		if err != nil {
			return
		}
		if len(events) == 0 {
			if next == cursor && buf.Done() {
				return
			}
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			continue
		}
		cursor = next
		for _, ev := range events {
			if ev.Seq <= afterSeq {
				continue
			}
			writeFrame(w, ev)
		}
		flusher.Flush()
	}
}

func writeFrame(w http.ResponseWriter, ev runlog.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
