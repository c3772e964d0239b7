package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps sessions in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create stores s unless the pair already has an active session.
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.Active() && existing.Worker == s.Worker && existing.TaskID == s.TaskID {
			return fmt.Errorf("worker %s task %d: %w", s.Worker, s.TaskID, ErrActiveSession)
		}
	}
	m.sessions[s.ID] = s.Clone()
	m.order = append(m.order, s.ID)
	return nil
}

// Save overwrites an existing session.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return notFound(s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Get returns a copy of the session.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.Clone(), nil
}

// Active returns the active session for the pair.
func (m *MemoryStore) Active(_ context.Context, worker string, taskID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Active() && s.Worker == worker && s.TaskID == taskID {
			return s.Clone(), nil
		}
	}
	return nil, fmt.Errorf("worker %s task %d: %w", worker, taskID, ErrNotFound)
}

// ListByTask returns sessions for taskID in creation order.
func (m *MemoryStore) ListByTask(_ context.Context, taskID int64) ([]*Session, error) {
	return m.collect(func(s *Session) bool { return s.TaskID == taskID }), nil
}

// ListActiveByWorker returns open sessions of worker.
func (m *MemoryStore) ListActiveByWorker(_ context.Context, worker string) ([]*Session, error) {
	return m.collect(func(s *Session) bool { return s.Active() && s.Worker == worker }), nil
}

func (m *MemoryStore) collect(keep func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, id := range m.order {
		if s := m.sessions[id]; keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
