package engine

import (
	"context"
	"strconv"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

// ReportFailure records a failed attempt. The increment is retried on
// version conflicts so no report is lost. When the count reaches the
// threshold the task is quarantined and its claim dropped; below it, a
// reporter that owns the task releases it back to the pool.
func (e *Engine) ReportFailure(ctx context.Context, id int64, worker, reason string) (*task.Task, error) {
	worker, err := requireWorker(id, worker)
	if err != nil {
		return nil, err
	}
	var (
		before      task.State
		owner       string
		quarantined bool
		released    bool
	)
	t, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		before, owner = t.State, t.Owner
		quarantined, released = false, false
		switch t.State {
		case task.StateQuarantined:
			return task.QuarantinedError(id, "already quarantined")
		case task.StateDone, task.StateArchived:
			return task.Validationf(id, "cannot report failure on a %s task", t.State)
		}
		t.FailureCount++
		if t.FailureCount >= e.opts.FailureThreshold {
			if err := task.Apply(t, task.StateQuarantined, task.CauseRequest, e.now()); err != nil {
				return err
			}
			quarantine(t)
			quarantined = true
			return nil
		}
		if t.Owner == worker && (t.State == task.StateInProgress || t.State == task.StateBlocked) {
			released = true
			return release(t, e.now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := stateEvent(comms.TypeFailureReported, before, t, worker)
	ev.Message = reason
	ev.Metadata = map[string]string{"failure_count": strconv.Itoa(t.FailureCount)}
	e.emit(ctx, ev)
	switch {
	case quarantined:
		q := stateEvent(comms.TypeQuarantined, before, t, owner)
		q.Message = "failure threshold reached"
		e.emit(ctx, q)
		e.finishSession(ctx, t, owner)
		e.logger.Warn("task quarantined", "task", t.Code, "failures", t.FailureCount)
	case released:
		e.finishSession(ctx, t, owner)
		e.heartbeat(worker, 0)
	}
	return t, nil
}

// quarantine drops the claim of a task entering quarantine.
func quarantine(t *task.Task) {
	t.Owner = ""
	t.ClaimedAt = nil
	t.ProgressAt = nil
}

// Quarantine is the manual emergency stop. Any non-archived task may be
// quarantined.
func (e *Engine) Quarantine(ctx context.Context, c Caller, id int64, reason string) (*task.Task, error) {
	var before task.State
	var owner string
	t, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		before, owner = t.State, t.Owner
		if t.State == task.StateQuarantined {
			return task.QuarantinedError(id, "already quarantined")
		}
		if err := task.Apply(t, task.StateQuarantined, task.CauseRequest, e.now()); err != nil {
			return err
		}
		quarantine(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ev := stateEvent(comms.TypeQuarantined, before, t, c.ID)
	ev.Message = reason
	e.emit(ctx, ev)
	e.finishSession(ctx, t, owner)
	return t, nil
}

// Unquarantine returns a quarantined task to Created. Only elevated callers
// may do this.
func (e *Engine) Unquarantine(ctx context.Context, c Caller, id int64, resetFailures bool) (*task.Task, error) {
	if err := elevated(c, id, "unquarantine"); err != nil {
		return nil, err
	}
	t, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		if err := task.Apply(t, task.StateCreated, task.CauseAdminReset, e.now()); err != nil {
			return err
		}
		if resetFailures {
			t.FailureCount = 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, stateEvent(comms.TypeUnquarantined, task.StateQuarantined, t, c.ID))
	return t, nil
}

// ResetFailures zeroes the failure count without a state change.
func (e *Engine) ResetFailures(ctx context.Context, c Caller, id int64) (*task.Task, error) {
	if err := elevated(c, id, "reset failures"); err != nil {
		return nil, err
	}
	t, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		t.FailureCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	ev := taskEvent(comms.TypeTaskUpdated, t, c.ID)
	ev.Message = "failure count reset"
	e.emit(ctx, ev)
	return t, nil
}
