package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracker enforces the session lifecycle on top of a Store:
// start, strictly alternating pause/resume, finish once.
type Tracker struct {
	store Store
	now   func() time.Time
	mu    sync.Mutex // serializes read-modify-write of individual sessions
}

// NewTracker returns a Tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source. Used by tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Start opens a session for worker on taskID.
func (t *Tracker) Start(ctx context.Context, worker string, taskID int64) (*Session, error) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return nil, fmt.Errorf("start session: worker must not be empty")
	}
	s := &Session{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Worker:    worker,
		StartedAt: t.now(),
	}
	if err := t.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s.Clone(), nil
}

// Pause opens an interruption with reason.
func (t *Tracker) Pause(ctx context.Context, id, reason string) (*Session, error) {
	return t.update(ctx, id, func(s *Session, now time.Time) error {
		if s.Paused() {
			return ErrPaused
		}
		s.Interruptions = append(s.Interruptions, Interruption{PausedAt: now, Reason: reason})
		return nil
	})
}

// Resume closes the open interruption.
func (t *Tracker) Resume(ctx context.Context, id string) (*Session, error) {
	return t.update(ctx, id, func(s *Session, now time.Time) error {
		if !s.Paused() {
			return ErrNotPaused
		}
		in := &s.Interruptions[len(s.Interruptions)-1]
		in.ResumedAt = &now
		return nil
	})
}

// Finish closes the session. A paused session has its interruption resumed
// at the finish time. Finishing twice fails with ErrEnded.
func (t *Tracker) Finish(ctx context.Context, id string) (*Session, error) {
	return t.update(ctx, id, func(s *Session, now time.Time) error {
		if s.Paused() {
			in := &s.Interruptions[len(s.Interruptions)-1]
			in.ResumedAt = &now
		}
		s.EndedAt = &now
		return nil
	})
}

// FinishActive finishes the active session of worker on taskID, if any.
func (t *Tracker) FinishActive(ctx context.Context, worker string, taskID int64) (*Session, bool, error) {
	s, err := t.store.Active(ctx, worker, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	done, err := t.Finish(ctx, s.ID)
	if err != nil {
		return nil, false, err
	}
	return done, true, nil
}

// Get returns the session with id.
func (t *Tracker) Get(ctx context.Context, id string) (*Session, error) {
	return t.store.Get(ctx, id)
}

// Active returns the active session for worker on taskID.
func (t *Tracker) Active(ctx context.Context, worker string, taskID int64) (*Session, error) {
	return t.store.Active(ctx, worker, taskID)
}

// ListByTask returns every session recorded for taskID, oldest first.
func (t *Tracker) ListByTask(ctx context.Context, taskID int64) ([]*Session, error) {
	return t.store.ListByTask(ctx, taskID)
}

// ListActiveByWorker returns the open sessions of worker.
func (t *Tracker) ListActiveByWorker(ctx context.Context, worker string) ([]*Session, error) {
	return t.store.ListActiveByWorker(ctx, worker)
}

func (t *Tracker) update(ctx context.Context, id string, fn func(s *Session, now time.Time) error) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, fmt.Errorf("session %s: %w", id, ErrEnded)
	}
	now := t.now()
	if !now.After(s.latest()) {
		// Keep ended/resumed strictly after the preceding timestamp even on
		// coarse clocks.
		now = s.latest().Add(time.Microsecond)
	}
	if err := fn(s, now); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if err := t.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return s.Clone(), nil
}

// latest is the most recent timestamp recorded on the session.
func (s *Session) latest() time.Time {
	last := s.StartedAt
	for _, in := range s.Interruptions {
		if in.PausedAt.After(last) {
			last = in.PausedAt
		}
		if in.ResumedAt != nil && in.ResumedAt.After(last) {
			last = *in.ResumedAt
		}
	}
	return last
}
