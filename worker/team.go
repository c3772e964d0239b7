package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Team is a pool of runtimes started and stopped together.
type Team struct {
	ID   string
	Name string

	mu      sync.RWMutex
	members []*Runtime
}

// NewTeam creates an empty team.
func NewTeam(id, name string) *Team {
	return &Team{ID: id, Name: name}
}

// Add adds a runtime to the team.
func (t *Team) Add(r *Runtime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members = append(t.members, r)
}

// Start launches every member. Members already started are stopped again
// when a later one fails.
func (t *Team) Start(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, m := range t.members {
		if err := m.Start(ctx); err != nil {
			for _, started := range t.members[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("team %s: start member %s: %w", t.ID, m.ID(), err)
		}
	}
	return nil
}

// Stop shuts down all members, releasing any task in flight.
func (t *Team) Stop(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for _, m := range t.members {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop member %s: %w", m.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Members returns a snapshot of every member, sorted by id.
func (t *Team) Members() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m.Info())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
