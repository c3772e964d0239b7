package api

import (
	"net/http"

	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/handoff"
)

// --- Handoff handlers ---

func (h *Handlers) listHandoffs(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.Engine.ListOpenHandoffs(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if pkgs == nil {
		pkgs = []*handoff.Package{}
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (h *Handlers) initiateHandoff(w http.ResponseWriter, r *http.Request) {
	var req engine.HandoffRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := resolveWorker(r, req.TaskID, req.Worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	req.Worker = worker
	pkg, err := h.Engine.InitiateHandoff(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *Handlers) getHandoff(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.Engine.GetHandoff(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *Handlers) completeHandoff(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := resolveWorker(r, 0, req.Worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	t, err := h.Engine.CompleteHandoff(r.Context(), r.PathValue("id"), worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) rejectHandoff(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := resolveWorker(r, 0, req.Worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	t, err := h.Engine.RejectHandoff(r.Context(), r.PathValue("id"), worker, req.Note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

func (h *Handlers) reviewHandoff(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	pkg, err := h.Engine.ReviewHandoff(r.Context(), caller(r), r.PathValue("id"), req.Approve, req.Note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}
