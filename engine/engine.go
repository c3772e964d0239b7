// Package engine coordinates workers over the task store: discovery,
// claiming, failure containment, handoff and work sessions. Every
// operation returns either a value or a *task.Error.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/capability"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/handoff"
	"github.com/GoCodeAlone/dispatch/session"
	"github.com/GoCodeAlone/dispatch/task"
)

// Options tunes scheduling policy.
type Options struct {
	// PollInterval is how often a blocked discovery re-evaluates the store.
	PollInterval time.Duration
	// DefaultTimeout bounds a discovery call that does not set one.
	DefaultTimeout time.Duration
	// MaxWait is the transport's reply deadline; discovery never waits
	// longer than MaxWait minus SafetyMargin. Zero disables the cap.
	MaxWait      time.Duration
	SafetyMargin time.Duration
	// DefaultLimit caps discovery results when the request does not.
	DefaultLimit int
	// ClaimTimeout is how long a claim may go without progress before the
	// reclamation sweep releases it.
	ClaimTimeout time.Duration
	// FailureThreshold is the failure count that quarantines a task.
	FailureThreshold int
	// WriteRetries bounds retries of writes that must not be lost, such as
	// failure reports.
	WriteRetries int
}

// DefaultOptions returns the standard scheduling policy.
func DefaultOptions() Options {
	return Options{
		PollInterval:     3 * time.Second,
		DefaultTimeout:   120 * time.Second,
		MaxWait:          0,
		SafetyMargin:     5 * time.Second,
		DefaultLimit:     10,
		ClaimTimeout:     15 * time.Minute,
		FailureThreshold: 3,
		WriteRetries:     8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.SafetyMargin < 0 {
		o.SafetyMargin = 0
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = d.DefaultLimit
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = d.ClaimTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.WriteRetries <= 0 {
		o.WriteRetries = d.WriteRetries
	}
	return o
}

// Caller identifies who invokes an administrative operation.
type Caller struct {
	ID       string `json:"id"`
	Elevated bool   `json:"elevated"`
}

// Deps are the collaborators an Engine is built from. Tasks is required;
// the rest default to in-memory implementations.
type Deps struct {
	Tasks    task.Store
	Sessions session.Store
	Handoffs handoff.Store
	Workers  *agent.Registry
	Events   comms.Log
	Logger   *slog.Logger
}

// Engine is the coordination engine.
type Engine struct {
	tasks    *task.Manager
	sessions *session.Tracker
	handoffs handoff.Store
	workers  *agent.Registry
	events   comms.Log
	logger   *slog.Logger
	matcher  capability.Matcher
	opts     Options
	now      func() time.Time
	prereqs  []Prerequisite
}

// New builds an engine.
func New(deps Deps, opts Options) *Engine {
	if deps.Sessions == nil {
		deps.Sessions = session.NewMemoryStore()
	}
	if deps.Handoffs == nil {
		deps.Handoffs = handoff.NewMemoryStore()
	}
	if deps.Workers == nil {
		deps.Workers = agent.NewRegistry()
	}
	if deps.Events == nil {
		deps.Events = comms.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Engine{
		tasks:    task.NewManager(deps.Tasks),
		sessions: session.NewTracker(deps.Sessions),
		handoffs: deps.Handoffs,
		workers:  deps.Workers,
		events:   deps.Events,
		logger:   deps.Logger,
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.prereqs = []Prerequisite{e.pendingHandoffFor}
	return e
}

// SetClock overrides the time source of the engine and its trackers.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.tasks.SetClock(now)
	e.sessions.SetClock(now)
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Workers returns the worker registry.
func (e *Engine) Workers() *agent.Registry { return e.workers }

// Tasks returns the task manager.
func (e *Engine) Tasks() *task.Manager { return e.tasks }

// emit appends an event. Sink failures are logged, never returned.
func (e *Engine) emit(ctx context.Context, ev *comms.Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = e.now()
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("append event", "type", ev.Type, "task", ev.TaskCode, "error", err)
	}
}

func taskEvent(typ comms.EventType, t *task.Task, worker string) *comms.Event {
	return &comms.Event{Type: typ, TaskID: t.ID, TaskCode: t.Code, Worker: worker}
}

func stateEvent(typ comms.EventType, before task.State, t *task.Task, worker string) *comms.Event {
	ev := taskEvent(typ, t, worker)
	ev.From = string(before)
	ev.To = string(t.State)
	return ev
}

func requireWorker(id int64, worker string) (string, error) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return "", task.Validationf(id, "worker identity must not be empty")
	}
	return worker, nil
}

// sessionError maps session failures onto the engine taxonomy.
func sessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return &task.Error{Kind: task.ErrNotFound, Msg: err.Error()}
	case errors.Is(err, session.ErrActiveSession),
		errors.Is(err, session.ErrEnded),
		errors.Is(err, session.ErrPaused),
		errors.Is(err, session.ErrNotPaused):
		return &task.Error{Kind: task.ErrValidation, Msg: err.Error()}
	default:
		return task.StorageError("session", err)
	}
}

// handoffError maps handoff store failures onto the engine taxonomy. A
// package consumed by someone else reads as not found.
func handoffError(id int64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, handoff.ErrNotFound), errors.Is(err, handoff.ErrResolved):
		return &task.Error{Kind: task.ErrNotFound, TaskID: id, Msg: err.Error()}
	case errors.Is(err, handoff.ErrOpenPackage):
		return &task.Error{Kind: task.ErrValidation, TaskID: id, Msg: err.Error()}
	default:
		return task.StorageError("handoff", err)
	}
}

// startSession opens a work session for the new owner. A failure is logged:
// the claim it accompanies has already been committed.
func (e *Engine) startSession(ctx context.Context, t *task.Task, worker string) {
	s, err := e.sessions.Start(ctx, worker, t.ID)
	if err != nil {
		e.logger.Warn("start session", "task", t.Code, "worker", worker, "error", err)
		return
	}
	ev := taskEvent(comms.TypeSessionStarted, t, worker)
	ev.Metadata = map[string]string{"session_id": s.ID}
	e.emit(ctx, ev)
}

// finishSession closes the worker's active session on t, if any.
func (e *Engine) finishSession(ctx context.Context, t *task.Task, worker string) {
	if worker == "" {
		return
	}
	s, ok, err := e.sessions.FinishActive(ctx, worker, t.ID)
	if err != nil {
		e.logger.Warn("finish session", "task", t.Code, "worker", worker, "error", err)
		return
	}
	if ok {
		e.emitSessionFinished(ctx, t, s)
	}
}

func (e *Engine) emitSessionFinished(ctx context.Context, t *task.Task, s *session.Session) {
	ev := taskEvent(comms.TypeSessionFinished, t, s.Worker)
	ev.Metadata = map[string]string{
		"session_id":     s.ID,
		"worked_seconds": strconv.FormatFloat(s.Worked(e.now()).Seconds(), 'f', 0, 64),
	}
	e.emit(ctx, ev)
}

// heartbeat refreshes a registered worker. Expired workers stay offline
// until they register again.
func (e *Engine) heartbeat(worker string, taskID int64) {
	if info, ok := e.workers.Get(worker); ok && info.Status != agent.StatusOffline {
		if _, err := e.workers.Heartbeat(worker, taskID); err != nil {
			e.logger.Debug("heartbeat", "worker", worker, "error", err)
		}
	}
}

func (e *Engine) mustTask(ctx context.Context, id int64) (*task.Task, error) {
	t, ok, err := e.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, task.NotFoundError(id)
	}
	return t, nil
}

func elevated(c Caller, id int64, op string) error {
	if !c.Elevated {
		return task.ForbiddenError(id, op)
	}
	return nil
}
