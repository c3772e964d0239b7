package engine

import (
	"context"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/capability"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

// Claim assigns an eligible task to worker. Eligibility is re-checked
// against the stored copy and the write is conditioned on its version, so
// of several concurrent claimers exactly one wins and the rest receive a
// ClaimConflict.
func (e *Engine) Claim(ctx context.Context, id int64, worker string) (*task.Task, error) {
	worker, err := requireWorker(id, worker)
	if err != nil {
		return nil, err
	}
	caps, _, _ := e.workers.Capabilities(worker)

	var before task.State
	t, err := e.tasks.Mutate(ctx, id, func(t *task.Task) error {
		before = t.State
		switch {
		case t.State == task.StateQuarantined:
			return task.QuarantinedError(id, "cannot claim")
		case !t.Unassigned():
			return task.ConflictError(id, "already claimed by "+t.Owner)
		case t.State != task.StateCreated:
			return task.Validationf(id, "task is %s, not claimable", t.State)
		}
		ok, err := e.tasks.DependenciesComplete(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			return task.Validationf(id, "dependencies are not complete")
		}
		if !capability.Subset(t.RequiredCapabilities, caps) {
			return task.Validationf(id, "worker %s lacks capabilities %s",
				worker, strings.Join(t.RequiredCapabilities, ","))
		}
		if err := task.Apply(t, task.StateInProgress, task.CauseRequest, e.now()); err != nil {
			return err
		}
		now := e.now()
		t.Owner = worker
		t.ClaimedAt = &now
		t.ProgressAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, stateEvent(comms.TypeClaimed, before, t, worker))
	e.startSession(ctx, t, worker)
	e.heartbeat(worker, t.ID)
	return t, nil
}

// Release returns an owned task to the pool. A caller that is not the owner
// gets a Validation error and nothing changes.
func (e *Engine) Release(ctx context.Context, id int64, worker, reason string) (*task.Task, error) {
	worker, err := requireWorker(id, worker)
	if err != nil {
		return nil, err
	}
	var before task.State
	t, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		if t.Owner != worker {
			return task.Validationf(id, "worker %s does not own the task", worker)
		}
		before = t.State
		return release(t, e.now())
	})
	if err != nil {
		return nil, err
	}
	e.finishSession(ctx, t, worker)
	ev := stateEvent(comms.TypeReleased, before, t, worker)
	ev.Message = reason
	e.emit(ctx, ev)
	e.heartbeat(worker, 0)
	return t, nil
}

// release clears ownership and returns t to Created.
func release(t *task.Task, now time.Time) error {
	if err := task.Apply(t, task.StateCreated, task.CauseRelease, now); err != nil {
		return err
	}
	t.Owner = ""
	t.ClaimedAt = nil
	t.ProgressAt = nil
	return nil
}

// ReportProgress stamps ProgressAt on an owned task, holding off the
// reclamation sweep.
func (e *Engine) ReportProgress(ctx context.Context, id int64, worker, note string) (*task.Task, error) {
	worker, err := requireWorker(id, worker)
	if err != nil {
		return nil, err
	}
	t, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		if t.Owner != worker {
			return task.Validationf(id, "worker %s does not own the task", worker)
		}
		switch t.State {
		case task.StateInProgress, task.StateBlocked, task.StateReview:
		default:
			return task.Validationf(id, "cannot report progress on a %s task", t.State)
		}
		now := e.now()
		t.ProgressAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	ev := taskEvent(comms.TypeProgress, t, worker)
	ev.Message = note
	e.emit(ctx, ev)
	e.heartbeat(worker, t.ID)
	return t, nil
}

// ReclaimStale releases InProgress tasks whose last activity is older than
// the claim timeout. Each release is conditioned on the version read, so a
// worker reporting progress at the same moment keeps its claim. It returns
// the number of tasks reclaimed.
func (e *Engine) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.opts.ClaimTimeout)
	stale, err := e.tasks.List(ctx, task.Filter{States: []task.State{task.StateInProgress}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stale {
		if s.Unassigned() || !s.LastActivity().Before(cutoff) {
			continue
		}
		owner := s.Owner
		t, err := e.tasks.Mutate(ctx, s.ID, func(t *task.Task) error {
			if t.Owner != owner || t.State != task.StateInProgress || !t.LastActivity().Before(cutoff) {
				return task.ConflictError(t.ID, "task moved since it was found stale")
			}
			return release(t, e.now())
		})
		if err != nil {
			if task.Retryable(err) {
				continue
			}
			return n, err
		}
		n++
		e.finishSession(ctx, t, owner)
		ev := stateEvent(comms.TypeReclaimed, task.StateInProgress, t, owner)
		ev.Message = "claim timed out"
		e.emit(ctx, ev)
		e.logger.Info("reclaimed stale task", "task", t.Code, "worker", owner)
	}
	return n, nil
}

// ReleaseWorker returns every task owned by worker to the pool. It is the
// liveness monitor's expiry hook.
func (e *Engine) ReleaseWorker(ctx context.Context, worker string) (int, error) {
	owned, err := e.tasks.List(ctx, task.Filter{
		Owner:  worker,
		States: []task.State{task.StateInProgress, task.StateBlocked},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range owned {
		if _, err := e.Release(ctx, o.ID, worker, "worker expired"); err != nil {
			e.logger.Warn("release expired worker task", "task", o.Code, "worker", worker, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
