package engine

import (
	"context"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

// CreateTask validates and stores a new task.
func (e *Engine) CreateTask(ctx context.Context, nt task.NewTask) (*task.Task, error) {
	t, err := e.tasks.Create(ctx, nt)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, taskEvent(comms.TypeTaskCreated, t, ""))
	return t, nil
}

// GetTask returns a task by id. ok is false when absent.
func (e *Engine) GetTask(ctx context.Context, id int64) (*task.Task, bool, error) {
	return e.tasks.Get(ctx, id)
}

// GetTaskByCode returns a task by code. ok is false when absent.
func (e *Engine) GetTaskByCode(ctx context.Context, code string) (*task.Task, bool, error) {
	return e.tasks.GetByCode(ctx, code)
}

// ListTasks returns tasks matching f.
func (e *Engine) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return e.tasks.List(ctx, f)
}

// UpdateTask applies a metadata patch.
func (e *Engine) UpdateTask(ctx context.Context, id int64, p task.Patch) (*task.Task, error) {
	t, err := e.tasks.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, taskEvent(comms.TypeTaskUpdated, t, ""))
	return t, nil
}

// SetState requests a state change. Quarantine requested this way clears
// the owner like the automatic path does.
func (e *Engine) SetState(ctx context.Context, id int64, to task.State) (*task.Task, error) {
	return e.SetStateAs(ctx, id, to, "")
}

// SetStateAs requests a state change on behalf of worker, which must own the
// task at the time of the write. An empty worker is not checked.
func (e *Engine) SetStateAs(ctx context.Context, id int64, to task.State, worker string) (*task.Task, error) {
	before, err := e.mustTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := e.tasks.SetStateAs(ctx, id, to, worker)
	if err != nil {
		return nil, err
	}
	typ := comms.TypeStateChanged
	if to == task.StateQuarantined {
		typ = comms.TypeQuarantined
	}
	e.emit(ctx, stateEvent(typ, before.State, t, before.Owner))
	if t.Owner == "" || t.State.Complete() {
		e.finishSession(ctx, t, before.Owner)
	}
	return t, nil
}

// Assign administratively hands an unassigned task to owner.
func (e *Engine) Assign(ctx context.Context, id int64, owner string) (*task.Task, error) {
	t, err := e.tasks.Assign(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, stateEvent(comms.TypeClaimed, task.StateCreated, t, t.Owner))
	e.startSession(ctx, t, t.Owner)
	e.heartbeat(t.Owner, t.ID)
	return t, nil
}

// Archive retires a Done task.
func (e *Engine) Archive(ctx context.Context, id int64) (*task.Task, error) {
	t, err := e.tasks.Archive(ctx, id)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, stateEvent(comms.TypeStateChanged, task.StateDone, t, ""))
	return t, nil
}
