package api

import (
	"net/http"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/task"
	"github.com/GoCodeAlone/dispatch/worker"
)

// --- Worker handlers ---

func (h *Handlers) listWorkers(w http.ResponseWriter, _ *http.Request) {
	infos := h.Engine.Workers().List()
	if infos == nil {
		infos = []*agent.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handlers) registerWorker(w http.ResponseWriter, r *http.Request) {
	var reg agent.Registration
	if !decode(w, r, &reg) {
		return
	}
	id, err := resolveWorker(r, 0, reg.ID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	reg.ID = id
	info, err := h.Engine.Workers().Register(reg)
	if err != nil {
		h.writeEngineError(w, r, task.Validationf(0, "%v", err))
		return
	}
	h.logger().Info("worker registered", "worker", info.ID, "capabilities", info.Capabilities)
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handlers) getWorker(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Engine.Workers().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// deregisterWorker removes a worker and releases every task it holds.
func (h *Handlers) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	id, err := resolveWorker(r, 0, r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !h.Engine.Workers().Deregister(id) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	released, err := h.Engine.ReleaseWorker(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": id, "released": released})
}

type heartbeatRequest struct {
	CurrentTask int64 `json:"current_task,omitempty"`
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := resolveWorker(r, 0, r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var req heartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if cur, ok := h.Engine.Workers().Get(id); ok && cur.Status == agent.StatusOffline {
		writeError(w, http.StatusConflict, "worker expired, register again")
		return
	}
	info, err := h.Engine.Workers().Heartbeat(id, req.CurrentTask)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// team lists the in-process workers the daemon runs itself.
func (h *Handlers) team(w http.ResponseWriter, _ *http.Request) {
	members := []worker.Info{}
	if h.Team != nil {
		members = h.Team.Members()
	}
	writeJSON(w, http.StatusOK, members)
}
