package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/dispatch/capability"
)

// ErrUnknownWorker is returned for operations on an unregistered worker.
var ErrUnknownWorker = errors.New("unknown worker")

// Registration is the payload a worker sends when it joins.
type Registration struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Capabilities    []string          `json:"capabilities"`
	Specializations []string          `json:"specializations,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Registry tracks workers in memory. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Info
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Info),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register adds or refreshes a worker. Re-registering keeps RegisteredAt
// and replaces the declared capabilities.
func (r *Registry) Register(reg Registration) (*Info, error) {
	id := strings.TrimSpace(reg.ID)
	if id == "" {
		return nil, fmt.Errorf("register worker: id must not be empty")
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workers[id]
	if !ok {
		info = &Info{ID: id, RegisteredAt: now, Status: StatusIdle}
		r.workers[id] = info
	}
	info.Name = reg.Name
	info.Capabilities = capability.Normalize(reg.Capabilities)
	info.Specializations = capability.Normalize(reg.Specializations)
	info.Metadata = reg.Metadata
	info.LastHeartbeat = now
	if info.Status == StatusOffline {
		info.Status = StatusIdle
	}
	return info.clone(), nil
}

// Deregister removes a worker.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	delete(r.workers, id)
	return ok
}

// Heartbeat records that the worker is alive. currentTask is zero when idle.
func (r *Registry) Heartbeat(id string, currentTask int64) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("heartbeat %s: %w", id, ErrUnknownWorker)
	}
	info.LastHeartbeat = r.now()
	info.CurrentTask = currentTask
	if currentTask != 0 {
		info.Status = StatusWorking
	} else {
		info.Status = StatusIdle
	}
	return info.clone(), nil
}

// Get returns a copy of the worker's record.
func (r *Registry) Get(id string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return info.clone(), true
}

// Capabilities returns the declared capabilities and specializations of a
// registered worker.
func (r *Registry) Capabilities(id string) (caps, specializations []string, ok bool) {
	info, ok := r.Get(id)
	if !ok {
		return nil, nil, false
	}
	return info.Capabilities, info.Specializations, true
}

// List returns every worker sorted by id.
func (r *Registry) List() []*Info {
	r.mu.RLock()
	out := make([]*Info, 0, len(r.workers))
	for _, info := range r.workers {
		out = append(out, info.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expire marks workers whose last heartbeat is older than window as
// offline and returns them. Workers already offline are not returned again.
func (r *Registry) Expire(window time.Duration) []*Info {
	cutoff := r.now().Add(-window)
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Info
	for _, info := range r.workers {
		if info.Status == StatusOffline || !info.LastHeartbeat.Before(cutoff) {
			continue
		}
		info.Status = StatusOffline
		expired = append(expired, info.clone())
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}
