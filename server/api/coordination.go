package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/task"
)

// --- Discovery, claims and failure handling ---

type discoverRequest struct {
	Worker          string   `json:"worker"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	// TimeoutSeconds omitted uses the server default; zero or less
	// returns immediately.
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

type discoverResponse struct {
	Status   engine.DiscoverStatus `json:"status"`
	Tasks    []*task.Task          `json:"tasks"`
	Action   *engine.Action        `json:"action,omitempty"`
	WaitedMS int64                 `json:"waited_ms"`
}

// discover long-polls for work. A client that disconnects mid-wait gets
// nothing written back.
func (h *Handlers) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := resolveWorker(r, 0, req.Worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dr := engine.DiscoverRequest{
		Worker:          worker,
		Capabilities:    req.Capabilities,
		Specializations: req.Specializations,
		Limit:           req.Limit,
	}
	if req.TimeoutSeconds != nil {
		dr.Timeout = -1
		if *req.TimeoutSeconds > 0 {
			dr.Timeout = time.Duration(*req.TimeoutSeconds * float64(time.Second))
		}
	}

	res, err := h.Engine.Discover(r.Context(), dr)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			h.logger().Debug("discover abandoned", "worker", worker)
			return
		}
		h.writeEngineError(w, r, err)
		return
	}
	out := discoverResponse{
		Status:   res.Status,
		Tasks:    res.Tasks,
		Action:   res.Action,
		WaitedMS: res.Waited.Milliseconds(),
	}
	if out.Tasks == nil {
		out.Tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, out)
}

type workerRequest struct {
	Worker string `json:"worker"`
	Reason string `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
}

// workerCall decodes a workerRequest, resolves the acting worker and runs fn.
func (h *Handlers) workerCall(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id int64, worker string, req workerRequest) (*task.Task, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := resolveWorker(r, id, req.Worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	t, err := fn(r.Context(), id, worker, req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) claim(w http.ResponseWriter, r *http.Request) {
	h.workerCall(w, r, func(ctx context.Context, id int64, worker string, _ workerRequest) (*task.Task, error) {
		return h.Engine.Claim(ctx, id, worker)
	})
}

func (h *Handlers) release(w http.ResponseWriter, r *http.Request) {
	h.workerCall(w, r, func(ctx context.Context, id int64, worker string, req workerRequest) (*task.Task, error) {
		return h.Engine.Release(ctx, id, worker, req.Reason)
	})
}

func (h *Handlers) progress(w http.ResponseWriter, r *http.Request) {
	h.workerCall(w, r, func(ctx context.Context, id int64, worker string, req workerRequest) (*task.Task, error) {
		return h.Engine.ReportProgress(ctx, id, worker, req.Note)
	})
}

func (h *Handlers) reportFailure(w http.ResponseWriter, r *http.Request) {
	h.workerCall(w, r, func(ctx context.Context, id int64, worker string, req workerRequest) (*task.Task, error) {
		return h.Engine.ReportFailure(ctx, id, worker, req.Reason)
	})
}

func (h *Handlers) resetFailures(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.ResetFailures(r.Context(), caller(r), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) quarantine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Quarantine(r.Context(), caller(r), id, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type unquarantineRequest struct {
	ResetFailures bool `json:"reset_failures"`
}

func (h *Handlers) unquarantine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req unquarantineRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Unquarantine(r.Context(), caller(r), id, req.ResetFailures)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
