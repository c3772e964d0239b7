// Package api defines the REST handlers that expose the coordination engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/task"
	"github.com/GoCodeAlone/dispatch/worker"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine  *engine.Engine
	Bus     comms.Bus
	Team    *worker.Team // optional in-process workers
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/code/{code}", h.getTaskByCode)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("POST /api/tasks/{id}/state", h.setState)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assign)
	mux.HandleFunc("POST /api/tasks/{id}/archive", h.archive)
	mux.HandleFunc("POST /api/tasks/{id}/decompose", h.decompose)
	mux.HandleFunc("GET /api/tasks/{id}/sessions", h.listSessions)
	mux.HandleFunc("GET /api/tasks/{id}/events", h.taskEvents)

	mux.HandleFunc("POST /api/discover", h.discover)
	mux.HandleFunc("POST /api/tasks/{id}/claim", h.claim)
	mux.HandleFunc("POST /api/tasks/{id}/release", h.release)
	mux.HandleFunc("POST /api/tasks/{id}/progress", h.progress)
	mux.HandleFunc("POST /api/tasks/{id}/failures", h.reportFailure)
	mux.HandleFunc("DELETE /api/tasks/{id}/failures", h.resetFailures)
	mux.HandleFunc("POST /api/tasks/{id}/quarantine", h.quarantine)
	mux.HandleFunc("POST /api/tasks/{id}/unquarantine", h.unquarantine)

	mux.HandleFunc("GET /api/handoffs", h.listHandoffs)
	mux.HandleFunc("POST /api/handoffs", h.initiateHandoff)
	mux.HandleFunc("GET /api/handoffs/{id}", h.getHandoff)
	mux.HandleFunc("POST /api/handoffs/{id}/complete", h.completeHandoff)
	mux.HandleFunc("POST /api/handoffs/{id}/reject", h.rejectHandoff)
	mux.HandleFunc("POST /api/handoffs/{id}/review", h.reviewHandoff)

	mux.HandleFunc("POST /api/sessions", h.startSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", h.pauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", h.resumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/finish", h.finishSession)

	mux.HandleFunc("GET /api/workers", h.listWorkers)
	mux.HandleFunc("POST /api/workers", h.registerWorker)
	mux.HandleFunc("GET /api/workers/{id}", h.getWorker)
	mux.HandleFunc("DELETE /api/workers/{id}", h.deregisterWorker)
	mux.HandleFunc("POST /api/workers/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /api/team", h.team)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg})
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrDuplicateCode), errors.Is(err, task.ErrClaimConflict):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, task.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, task.ErrQuarantined):
		return http.StatusLocked
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with the status its kind maps to. Storage
// failures are logged and reported without detail.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := ErrorBody{Error: err.Error(), Kind: task.KindOf(err), Retryable: task.Retryable(err)}
	var te *task.Error
	if errors.As(err, &te) {
		body.TaskID = te.TaskID
	}
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// pathID parses the {id} path value as a task id.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		out["uptime_seconds"] = int64(time.Since(h.StartAt).Seconds())
	}
	if h.Engine != nil {
		out["workers"] = len(h.Engine.Workers().List())
	}
	writeJSON(w, http.StatusOK, out)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
