package handoff

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps packages in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	pkgs  map[string]*Package
	order []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pkgs: make(map[string]*Package)}
}

func (m *MemoryStore) Create(_ context.Context, p *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pkgs {
		if existing.TaskID == p.TaskID && existing.Status.Open() {
			return fmt.Errorf("task %d: %w", p.TaskID, ErrOpenPackage)
		}
	}
	m.pkgs[p.ID] = p.Clone()
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pkgs[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Open(_ context.Context, taskID int64) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if p := m.pkgs[id]; p.TaskID == taskID && p.Status.Open() {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
}

func (m *MemoryStore) ListOpen(_ context.Context) ([]*Package, error) {
	return m.collect(func(p *Package) bool { return p.Status.Open() }), nil
}

func (m *MemoryStore) ListByTask(_ context.Context, taskID int64) ([]*Package, error) {
	return m.collect(func(p *Package) bool { return p.TaskID == taskID }), nil
}

func (m *MemoryStore) Transition(_ context.Context, next *Package, from Status) (*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pkgs[next.ID]
	if !ok {
		return nil, notFound(next.ID)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("handoff %s is %s: %w", next.ID, cur.Status, ErrResolved)
	}
	c := cur.Clone()
	c.Status = next.Status
	c.AcceptedBy = next.AcceptedBy
	c.ReviewNote = next.ReviewNote
	c.ResolvedAt = next.Clone().ResolvedAt
	m.pkgs[c.ID] = c
	return c.Clone(), nil
}

func (m *MemoryStore) collect(keep func(*Package) bool) []*Package {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Package
	for _, id := range m.order {
		if p := m.pkgs[id]; keep(p) {
			out = append(out, p.Clone())
		}
	}
	return out
}
