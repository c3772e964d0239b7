package engine

import (
	"context"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/session"
	"github.com/GoCodeAlone/dispatch/task"
)

// StartSession opens a work session for worker on task id.
func (e *Engine) StartSession(ctx context.Context, id int64, worker string) (*session.Session, error) {
	worker, err := requireWorker(id, worker)
	if err != nil {
		return nil, err
	}
	t, err := e.mustTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := e.sessions.Start(ctx, worker, id)
	if err != nil {
		return nil, sessionError(err)
	}
	ev := taskEvent(comms.TypeSessionStarted, t, worker)
	ev.Metadata = map[string]string{"session_id": s.ID}
	e.emit(ctx, ev)
	return s, nil
}

// PauseSession records an interruption.
func (e *Engine) PauseSession(ctx context.Context, id, reason string) (*session.Session, error) {
	s, err := e.sessions.Pause(ctx, id, reason)
	if err != nil {
		return nil, sessionError(err)
	}
	e.emitSession(ctx, comms.TypeSessionPaused, s, reason)
	return s, nil
}

// ResumeSession closes the open interruption.
func (e *Engine) ResumeSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.sessions.Resume(ctx, id)
	if err != nil {
		return nil, sessionError(err)
	}
	e.emitSession(ctx, comms.TypeSessionResumed, s, "")
	return s, nil
}

// FinishSession ends a session. Finishing twice fails and leaves the
// session as it was.
func (e *Engine) FinishSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.sessions.Finish(ctx, id)
	if err != nil {
		return nil, sessionError(err)
	}
	code := ""
	if t, ok, err := e.tasks.Get(ctx, s.TaskID); err == nil && ok {
		code = t.Code
	}
	e.emitSessionFinished(ctx, &task.Task{ID: s.TaskID, Code: code}, s)
	return s, nil
}

// GetSession returns a session by id.
func (e *Engine) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.sessions.Get(ctx, id)
	return s, sessionError(err)
}

// ActiveSession returns worker's open session on task id.
func (e *Engine) ActiveSession(ctx context.Context, worker string, id int64) (*session.Session, error) {
	s, err := e.sessions.Active(ctx, worker, id)
	return s, sessionError(err)
}

// ListSessions returns every session recorded against task id.
func (e *Engine) ListSessions(ctx context.Context, id int64) ([]*session.Session, error) {
	out, err := e.sessions.ListByTask(ctx, id)
	return out, sessionError(err)
}

func (e *Engine) emitSession(ctx context.Context, typ comms.EventType, s *session.Session, msg string) {
	code := ""
	if t, ok, err := e.tasks.Get(ctx, s.TaskID); err == nil && ok {
		code = t.Code
	}
	ev := &comms.Event{Type: typ, TaskID: s.TaskID, TaskCode: code, Worker: s.Worker, Message: msg}
	ev.Metadata = map[string]string{"session_id": s.ID}
	e.emit(ctx, ev)
}
