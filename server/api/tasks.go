package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

// --- Task handlers ---

// parseFilter reads list filters from the query string.
func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	f := task.Filter{
		Owner:      q.Get("owner"),
		Unassigned: q.Get("unassigned") == "true",
		OrderBy:    task.Order(q.Get("order")),
	}
	for _, s := range splitList(q.Get("state")) {
		st := task.State(s)
		if !st.Valid() {
			return f, task.Validationf(0, "unknown state %q", s)
		}
		f.States = append(f.States, st)
	}
	if q.Has("capabilities") {
		f.Capabilities = splitList(q.Get("capabilities"))
		if f.Capabilities == nil {
			f.Capabilities = []string{}
		}
	}
	var err error
	if f.MinPriority, err = floatParam(q.Get("min_priority")); err != nil {
		return f, err
	}
	if f.MaxPriority, err = floatParam(q.Get("max_priority")); err != nil {
		return f, err
	}
	if v := q.Get("created_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, task.Validationf(0, "created_after: %v", err)
		}
		f.CreatedAfter = &ts
	}
	if v := q.Get("created_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, task.Validationf(0, "created_before: %v", err)
		}
		f.CreatedBefore = &ts
	}
	if v := q.Get("parent"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, task.Validationf(0, "parent: %v", err)
		}
		f.ParentTaskID = &id
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func floatParam(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, task.Validationf(0, "invalid number %q", v)
	}
	return &f, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, task.Validationf(0, "invalid count %q", v)
	}
	return n, nil
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	tasks, err := h.Engine.ListTasks(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var nt task.NewTask
	if !decode(w, r, &nt) {
		return
	}
	t, err := h.Engine.CreateTask(r.Context(), nt)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, found, err := h.Engine.GetTask(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !found {
		h.writeEngineError(w, r, task.NotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) getTaskByCode(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	t, found, err := h.Engine.GetTaskByCode(r.Context(), code)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !found {
		h.writeEngineError(w, r, task.NotFoundCodeError(code))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p task.Patch
	if !decode(w, r, &p) {
		return
	}
	t, err := h.Engine.UpdateTask(r.Context(), id, p)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type stateRequest struct {
	State task.State `json:"state"`
}

// setState changes a task's state. Workers may only move tasks they own.
func (h *Handlers) setState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.State.Valid() {
		h.writeEngineError(w, r, task.Validationf(id, "unknown state %q", req.State))
		return
	}
	actor := ""
	if c := caller(r); !c.Elevated {
		actor = c.ID
	}
	t, err := h.Engine.SetStateAs(r.Context(), id, req.State, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type assignRequest struct {
	Owner string `json:"owner"`
}

func (h *Handlers) assign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !caller(r).Elevated {
		h.writeEngineError(w, r, task.ForbiddenError(id, "assign"))
		return
	}
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.Assign(r.Context(), id, req.Owner)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) archive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !caller(r).Elevated {
		h.writeEngineError(w, r, task.ForbiddenError(id, "archive"))
		return
	}
	t, err := h.Engine.Archive(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type decomposeRequest struct {
	Children []task.NewTask `json:"children"`
}

type decomposeResponse struct {
	Parent   *task.Task   `json:"parent"`
	Children []*task.Task `json:"children"`
}

func (h *Handlers) decompose(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decomposeRequest
	if !decode(w, r, &req) {
		return
	}
	parent, children, err := h.Engine.Decompose(r.Context(), id, req.Children)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, decomposeResponse{Parent: parent, Children: children})
}

// taskEvents returns the recorded event history of one task.
func (h *Handlers) taskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, found, err := h.Engine.GetTask(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !found {
		h.writeEngineError(w, r, task.NotFoundError(id))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	events := []*comms.Event{}
	if h.Bus != nil {
		hist, err := h.Bus.History(t.Code, limit)
		if err != nil {
			h.writeEngineError(w, r, task.StorageError("event history", err))
			return
		}
		if hist != nil {
			events = hist
		}
	}
	writeJSON(w, http.StatusOK, events)
}
