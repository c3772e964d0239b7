package api

import (
	"net/http"

	"github.com/GoCodeAlone/dispatch/session"
	"github.com/GoCodeAlone/dispatch/task"
)

// --- Session handlers ---

type sessionRequest struct {
	TaskID int64  `json:"task_id"`
	Worker string `json:"worker"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := resolveWorker(r, req.TaskID, req.Worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	s, err := h.Engine.StartSession(r.Context(), req.TaskID, worker)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ownSession loads the path session and checks the caller may change it.
func (h *Handlers) ownSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	s, err := h.Engine.GetSession(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return "", false
	}
	if _, err := resolveWorker(r, s.TaskID, s.Worker); err != nil {
		h.writeEngineError(w, r, err)
		return "", false
	}
	return id, true
}

func (h *Handlers) pauseSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	id, ok := h.ownSession(w, r)
	if !ok {
		return
	}
	s, err := h.Engine.PauseSession(r.Context(), id, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) resumeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownSession(w, r)
	if !ok {
		return
	}
	s, err := h.Engine.ResumeSession(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) finishSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownSession(w, r)
	if !ok {
		return
	}
	s, err := h.Engine.FinishSession(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, found, err := h.Engine.GetTask(r.Context(), id); err != nil || !found {
		if err == nil {
			err = task.NotFoundError(id)
		}
		h.writeEngineError(w, r, err)
		return
	}
	out, err := h.Engine.ListSessions(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if out == nil {
		out = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, out)
}
