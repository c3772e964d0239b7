package task

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tasks in an id-indexed arena. Parent and dependency
// links are plain ids into the arena.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  []*Task // tasks[id-1]
	byCode map[string]int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byCode: make(map[string]int64)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Insert stores a copy of t with the next id.
func (s *MemoryStore) Insert(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCode[t.Code]; exists {
		return nil, DuplicateCodeError(t.Code)
	}
	c := t.Clone()
	c.ID = int64(len(s.tasks) + 1)
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.tasks = append(s.tasks, c)
	s.byCode[c.Code] = c.ID
	return c.Clone(), nil
}

// Get returns a copy of the task with the given id.
func (s *MemoryStore) Get(_ context.Context, id int64) (*Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.lookup(id)
	if t == nil {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

// GetByCode returns a copy of the task with the given code.
func (s *MemoryStore) GetByCode(_ context.Context, code string) (*Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, false, nil
	}
	return s.lookup(id).Clone(), true, nil
}

// List returns copies of matching tasks.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Task, error) {
	s.mu.RLock()
	var out []*Task
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	Sort(out, f.OrderBy)
	return page(out, f.Offset, f.Limit), nil
}

// CompareAndSet swaps in next when the stored version equals expect.
func (s *MemoryStore) CompareAndSet(_ context.Context, next *Task, expect int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.lookup(next.ID)
	if cur == nil {
		return nil, NotFoundError(next.ID)
	}
	if cur.Version != expect {
		return nil, ErrStale
	}
	c := next.Clone()
	c.Code = cur.Code
	c.CreatedAt = cur.CreatedAt
	c.Version = expect + 1
	c.UpdatedAt = time.Now().UTC()
	s.tasks[c.ID-1] = c
	return c.Clone(), nil
}

func (s *MemoryStore) lookup(id int64) *Task {
	if id < 1 || id > int64(len(s.tasks)) {
		return nil
	}
	return s.tasks[id-1]
}
