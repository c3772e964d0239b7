package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/task"
)

// PromoteReady moves WaitingForDependency tasks whose dependencies are all
// complete back to Created. It returns the number promoted.
func (e *Engine) PromoteReady(ctx context.Context) (int, error) {
	waiting, err := e.tasks.List(ctx, task.Filter{States: []task.State{task.StateWaitingForDependency}})
	if err != nil {
		return 0, err
	}
	memo := map[int64]bool{}
	n := 0
	for _, w := range waiting {
		ok, err := e.dependenciesComplete(ctx, w, memo)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		t, err := e.tasks.Mutate(ctx, w.ID, func(t *task.Task) error {
			return task.Apply(t, task.StateCreated, task.CauseRequest, e.now())
		})
		if err != nil {
			if task.Retryable(err) {
				continue
			}
			return n, err
		}
		n++
		ev := stateEvent(comms.TypeStateChanged, task.StateWaitingForDependency, t, "")
		ev.Message = "dependencies complete"
		e.emit(ctx, ev)
	}
	return n, nil
}

// Decompose creates children under a PendingDecomposition parent and
// returns the parent to Created. Children inherit nothing but the parent
// link.
func (e *Engine) Decompose(ctx context.Context, parentID int64, children []task.NewTask) (*task.Task, []*task.Task, error) {
	parent, err := e.mustTask(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if parent.State != task.StatePendingDecomposition {
		return nil, nil, task.Validationf(parentID, "task is %s, not pending decomposition", parent.State)
	}
	if len(children) == 0 {
		return nil, nil, task.Validationf(parentID, "decomposition needs at least one child")
	}
	created := make([]*task.Task, 0, len(children))
	for _, nt := range children {
		pid := parentID
		nt.ParentTaskID = &pid
		c, err := e.CreateTask(ctx, nt)
		if err != nil {
			return nil, created, err
		}
		created = append(created, c)
	}
	t, err := e.tasks.MutateRetry(ctx, parentID, e.opts.WriteRetries, func(t *task.Task) error {
		return task.Apply(t, task.StateCreated, task.CauseRequest, e.now())
	})
	if err != nil {
		return nil, created, err
	}
	ev := stateEvent(comms.TypeStateChanged, task.StatePendingDecomposition, t, "")
	ev.Message = "decomposed"
	e.emit(ctx, ev)
	return t, created, nil
}

// ExpireWorker adapts ReleaseWorker to the liveness monitor's callback.
func (e *Engine) ExpireWorker(ctx context.Context, w *agent.Info) error {
	n, err := e.ReleaseWorker(ctx, w.ID)
	e.emit(ctx, &comms.Event{Type: comms.TypeWorkerExpired, Worker: w.ID, Message: "missed heartbeats"})
	if n > 0 {
		e.logger.Info("released tasks of expired worker", "worker", w.ID, "tasks", n)
	}
	return err
}

// Reaper periodically reclaims stale claims and promotes tasks whose
// dependencies completed.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper. A zero interval uses one minute.
func NewReaper(e *Engine, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{engine: e, interval: interval, logger: e.logger}
}

// Sweep runs one pass and reports what it did.
func (r *Reaper) Sweep(ctx context.Context) (reclaimed, promoted int) {
	var err error
	if reclaimed, err = r.engine.ReclaimStale(ctx); err != nil {
		r.logger.Error("reclaim stale claims", "error", err)
	}
	if promoted, err = r.engine.PromoteReady(ctx); err != nil {
		r.logger.Error("promote ready tasks", "error", err)
	}
	return reclaimed, promoted
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, promoted := r.Sweep(ctx)
			if reclaimed > 0 || promoted > 0 {
				r.logger.Debug("reaper sweep", "reclaimed", reclaimed, "promoted", promoted)
			}
		}
	}
}
