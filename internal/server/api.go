package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/run"
	"github.com/sandmux/sandmux/internal/sandbox"
	"github.com/sandmux/sandmux/internal/store"
)

// api serves the thread-scoped sandbox and run operations.
type api struct {
	st        *store.Store
	machine   *lease.Machine
	sandboxes *sandbox.Manager
	runner    *run.Runner
	hasGraph  bool
}

func newAPI(st *store.Store, machine *lease.Machine, sandboxes *sandbox.Manager, runner *run.Runner, hasGraph bool) *api {
	return &api{st: st, machine: machine, sandboxes: sandboxes, runner: runner, hasGraph: hasGraph}
}

func (a *api) Routes(r chi.Router) {
	r.Get("/sessions", a.listSessions)
	r.Get("/leases/{lease}/events", a.leaseEvents)

	r.Route("/threads/{thread}", func(r chi.Router) {
		r.Post("/exec", a.exec)
		r.Post("/files/read", a.readFile)
		r.Post("/files/write", a.writeFile)
		r.Post("/files/list", a.listDir)
		r.Post("/pause", a.pause)
		r.Post("/resume", a.resume)
		r.Delete("/session", a.destroySession)
		r.Delete("/", a.deleteThread)
		r.Post("/runs", a.startRun)
		r.Post("/runs/cancel", a.cancelRun)
	})
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := a.sandboxes.ListSessions(r.Context())
	if err != nil {
		apiError(w, err)
		return
	}
	if rows == nil {
		rows = []sandbox.SessionRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

func (a *api) leaseEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.st.ListLeaseEvents(r.Context(), chi.URLParam(r, "lease"), 100)
	if err != nil {
		apiError(w, err)
		return
	}
	type row struct {
		EventID   string          `json:"event_id"`
		EventType string          `json:"event_type"`
		Source    string          `json:"source"`
		Payload   json.RawMessage `json:"payload"`
		Error     string          `json:"error,omitempty"`
		CreatedAt int64           `json:"created_at"`
	}
	rows := make([]row, 0, len(events))
	for _, ev := range events {
		rows = append(rows, row{
			EventID:   ev.EventID,
			EventType: ev.EventType,
			Source:    ev.Source,
			Payload:   json.RawMessage(ev.PayloadJSON),
			Error:     ev.Error,
			CreatedAt: ev.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (a *api) exec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command    string `json:"command"`
		TimeoutSec int    `json:"timeout_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}
	timeout := 120 * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	h, err := a.sandboxes.GetSandbox(r.Context(), chi.URLParam(r, "thread"))
	if err != nil {
		apiError(w, err)
		return
	}
	res, err := h.Execute(r.Context(), req.Command, timeout)
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
		"timed_out": res.TimedOut,
	})
}

func (a *api) readFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	h, err := a.sandboxes.GetSandbox(r.Context(), chi.URLParam(r, "thread"))
	if err != nil {
		apiError(w, err)
		return
	}
	content, err := h.ReadFile(r.Context(), req.Path)
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (a *api) writeFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	h, err := a.sandboxes.GetSandbox(r.Context(), chi.URLParam(r, "thread"))
	if err != nil {
		apiError(w, err)
		return
	}
	if err := h.WriteFile(r.Context(), req.Path, req.Content); err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) listDir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	h, err := a.sandboxes.GetSandbox(r.Context(), chi.URLParam(r, "thread"))
	if err != nil {
		apiError(w, err)
		return
	}
	entries, err := h.ListDir(r.Context(), req.Path)
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *api) pause(w http.ResponseWriter, r *http.Request) {
	if err := a.sandboxes.PauseSession(r.Context(), chi.URLParam(r, "thread")); err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	if err := a.sandboxes.ResumeSession(r.Context(), chi.URLParam(r, "thread")); err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) destroySession(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread")
	sessionID := r.URL.Query().Get("session_id")
	if err := a.sandboxes.DestroySession(r.Context(), threadID, sessionID); err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) deleteThread(w http.ResponseWriter, r *http.Request) {
	if err := a.runner.DeleteThread(r.Context(), chi.URLParam(r, "thread")); err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) startRun(w http.ResponseWriter, r *http.Request) {
	if !a.hasGraph {
		http.Error(w, "no agent graph configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	runID, _ := a.runner.StartRun(r.Context(), chi.URLParam(r, "thread"), req.Input)
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	cancelled := a.runner.Cancel(chi.URLParam(r, "thread"))
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// apiError maps engine error kinds to HTTP statuses.
func apiError(w http.ResponseWriter, err error) {
	var illegal *lease.IllegalTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lease.ErrLeasePaused):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &illegal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
