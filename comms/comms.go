// Package comms provides the coordination event log. The engine appends a
// structured Event for every mutation; observers own persistence and
// formatting.
package comms

import (
	"context"
	"time"
)

// EventType identifies the kind of coordination event.
type EventType string

const (
	TypeTaskCreated      EventType = "task.created"
	TypeTaskUpdated      EventType = "task.updated"
	TypeStateChanged     EventType = "task.state_changed"
	TypeClaimed          EventType = "task.claimed"
	TypeReleased         EventType = "task.released"
	TypeReclaimed        EventType = "task.reclaimed"
	TypeProgress         EventType = "task.progress"
	TypeFailureReported  EventType = "task.failure_reported"
	TypeQuarantined      EventType = "task.quarantined"
	TypeUnquarantined    EventType = "task.unquarantined"
	TypeHandoffInitiated EventType = "handoff.initiated"
	TypeHandoffCompleted EventType = "handoff.completed"
	TypeHandoffRejected  EventType = "handoff.rejected"
	TypeHandoffReviewed  EventType = "handoff.reviewed"
	TypeSessionStarted   EventType = "session.started"
	TypeSessionPaused    EventType = "session.paused"
	TypeSessionResumed   EventType = "session.resumed"
	TypeSessionFinished  EventType = "session.finished"
	TypeWorkerExpired    EventType = "worker.expired"
)

// Event is one entry of the coordination log. TaskCode is the foreign key
// external messaging and knowledge systems join on.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	TaskID    int64             `json:"task_id,omitempty"`
	TaskCode  string            `json:"task_code,omitempty"`
	Worker    string            `json:"worker,omitempty"`
	From      string            `json:"from,omitempty"` // previous state
	To        string            `json:"to,omitempty"`   // new state
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes an appended event.
type Handler func(ctx context.Context, ev *Event) error

// Log is the append-only sink the engine writes to.
type Log interface {
	Append(ctx context.Context, ev *Event) error
}

// Bus is a Log that also fans events out to subscribers and keeps a
// bounded history.
type Bus interface {
	Log

	// Subscribe registers a handler for events of the given task code, or
	// for every event when code is AllTasks. Returns an unsubscribe function.
	Subscribe(code string, handler Handler) (unsubscribe func())

	// History returns the most recent events for the task code (or all
	// events for AllTasks), oldest first.
	History(code string, limit int) ([]*Event, error)
}

// AllTasks subscribes to, or reads the history of, every task.
const AllTasks = "*"

// Discard drops every event.
var Discard Log = discard{}

type discard struct{}

func (discard) Append(context.Context, *Event) error { return nil }
