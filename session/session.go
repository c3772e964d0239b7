// Package session tracks timed engagements of one worker on one task.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Errors returned by the tracker. They are wrapped with the session id.
var (
	ErrNotFound      = errors.New("session not found")
	ErrActiveSession = errors.New("active session already exists")
	ErrEnded         = errors.New("session already finished")
	ErrPaused        = errors.New("session already paused")
	ErrNotPaused     = errors.New("session not paused")
)

// Interruption is one pause of a session.
type Interruption struct {
	PausedAt  time.Time  `json:"paused_at"`
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
	Reason    string     `json:"reason"`
}

// Session is a timed engagement of Worker on TaskID.
type Session struct {
	ID            string         `json:"id"`
	TaskID        int64          `json:"task_id"`
	Worker        string         `json:"worker"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Interruptions []Interruption `json:"interruptions,omitempty"`
}

// Active reports whether the session has not been finished.
func (s *Session) Active() bool { return s.EndedAt == nil }

// Paused reports whether the last interruption is still open.
func (s *Session) Paused() bool {
	n := len(s.Interruptions)
	return n > 0 && s.Interruptions[n-1].ResumedAt == nil
}

// Worked returns the wall time spent on the session up to now (or EndedAt),
// excluding paused intervals.
func (s *Session) Worked(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	for _, in := range s.Interruptions {
		resumed := end
		if in.ResumedAt != nil {
			resumed = *in.ResumedAt
		}
		d -= resumed.Sub(in.PausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		e := *s.EndedAt
		c.EndedAt = &e
	}
	c.Interruptions = slices.Clone(s.Interruptions)
	for i, in := range c.Interruptions {
		if in.ResumedAt != nil {
			r := *in.ResumedAt
			c.Interruptions[i].ResumedAt = &r
		}
	}
	return &c
}

// Store persists sessions.
type Store interface {
	// Create persists a new session. It fails with ErrActiveSession when an
	// active session already exists for the same worker and task.
	Create(ctx context.Context, s *Session) error
	// Save overwrites an existing session.
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Active returns the active session for the pair, or ErrNotFound.
	Active(ctx context.Context, worker string, taskID int64) (*Session, error)
	ListByTask(ctx context.Context, taskID int64) ([]*Session, error)
	ListActiveByWorker(ctx context.Context, worker string) ([]*Session, error)
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, ErrNotFound)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
