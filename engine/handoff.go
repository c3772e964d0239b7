package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/dispatch/capability"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/handoff"
	"github.com/GoCodeAlone/dispatch/task"
)

// HandoffRequest describes the work being passed on.
type HandoffRequest struct {
	TaskID           int64    `json:"task_id"`
	Worker           string   `json:"worker"`
	TargetCapability string   `json:"target_capability,omitempty"`
	Summary          string   `json:"summary"`
	Confidence       float64  `json:"confidence"`
	Limitations      []string `json:"limitations,omitempty"`
	NextSteps        []string `json:"next_steps,omitempty"`
	Artifacts        []string `json:"artifacts,omitempty"`
}

// InitiateHandoff parks an owned InProgress task in PendingHandoff and
// stores its package. A confidence below the task's threshold marks the
// package for review before anyone may take it.
func (e *Engine) InitiateHandoff(ctx context.Context, req HandoffRequest) (*handoff.Package, error) {
	id := req.TaskID
	worker, err := requireWorker(id, req.Worker)
	if err != nil {
		return nil, err
	}
	summary := strings.TrimSpace(req.Summary)
	if summary == "" {
		return nil, task.Validationf(id, "handoff summary must not be empty")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, task.Validationf(id, "confidence %.2f outside [0,1]", req.Confidence)
	}
	if _, err := e.handoffs.Open(ctx, id); err == nil {
		return nil, task.Validationf(id, "task already has an open handoff package")
	} else if !errors.Is(err, handoff.ErrNotFound) {
		return nil, task.StorageError("get open handoff", err)
	}

	t, err := e.tasks.Mutate(ctx, id, func(t *task.Task) error {
		if t.Owner != worker {
			return task.Validationf(id, "worker %s does not own the task", worker)
		}
		if t.State != task.StateInProgress {
			return task.TransitionError(id, t.State, task.StatePendingHandoff)
		}
		return task.Apply(t, task.StatePendingHandoff, task.CauseRequest, e.now())
	})
	if err != nil {
		return nil, err
	}

	status := handoff.StatusPending
	if req.Confidence < t.ConfidenceThreshold {
		status = handoff.StatusNeedsReview
	}
	targets := capability.Normalize([]string{req.TargetCapability})
	target := ""
	if len(targets) > 0 {
		target = targets[0]
	}
	pkg := &handoff.Package{
		ID:               uuid.New().String(),
		TaskID:           t.ID,
		TaskCode:         t.Code,
		FromWorker:       worker,
		TargetCapability: target,
		Summary:          summary,
		Confidence:       req.Confidence,
		Limitations:      req.Limitations,
		NextSteps:        req.NextSteps,
		Artifacts:        req.Artifacts,
		Status:           status,
		CreatedAt:        e.now(),
	}
	if err := e.handoffs.Create(ctx, pkg); err != nil {
		e.revertHandoff(ctx, t.ID, worker)
		return nil, handoffError(id, err)
	}

	e.finishSession(ctx, t, worker)
	ev := stateEvent(comms.TypeHandoffInitiated, task.StateInProgress, t, worker)
	ev.Message = summary
	ev.Metadata = map[string]string{"package_id": pkg.ID, "status": string(status)}
	if target != "" {
		ev.Metadata["target_capability"] = target
	}
	e.emit(ctx, ev)
	return pkg, nil
}

// revertHandoff puts the task back in the hands of worker after the package
// could not be stored.
func (e *Engine) revertHandoff(ctx context.Context, id int64, worker string) {
	_, err := e.tasks.MutateRetry(ctx, id, e.opts.WriteRetries, func(t *task.Task) error {
		if t.State != task.StatePendingHandoff || t.Owner != worker {
			return nil
		}
		return task.Apply(t, task.StateInProgress, task.CauseRequest, e.now())
	})
	if err != nil {
		e.logger.Error("revert handoff", "task", id, "worker", worker, "error", err)
	}
}

// CompleteHandoff consumes a pending package and gives its task to worker.
// A package can be consumed once; later attempts read as not found.
func (e *Engine) CompleteHandoff(ctx context.Context, packageID, worker string) (*task.Task, error) {
	worker, err := requireWorker(0, worker)
	if err != nil {
		return nil, err
	}
	pkg, err := e.handoffs.Get(ctx, packageID)
	if err != nil {
		return nil, handoffError(0, err)
	}
	switch pkg.Status {
	case handoff.StatusNeedsReview:
		return nil, task.Validationf(pkg.TaskID, "handoff package %s awaits review", pkg.ID)
	case handoff.StatusPending:
	default:
		return nil, handoffError(pkg.TaskID, handoff.ErrResolved)
	}
	if pkg.TargetCapability != "" {
		caps, _, _ := e.workers.Capabilities(worker)
		if !capability.Subset([]string{pkg.TargetCapability}, caps) {
			return nil, task.Validationf(pkg.TaskID, "worker %s lacks capability %s", worker, pkg.TargetCapability)
		}
	}
	if err := e.awaitingHandoff(ctx, pkg.TaskID); err != nil {
		return nil, err
	}

	next := pkg.Clone()
	next.Status = handoff.StatusAccepted
	next.AcceptedBy = worker
	now := e.now()
	next.ResolvedAt = &now
	if _, err := e.handoffs.Transition(ctx, next, handoff.StatusPending); err != nil {
		return nil, handoffError(pkg.TaskID, err)
	}

	t, err := e.tasks.MutateRetry(ctx, pkg.TaskID, e.opts.WriteRetries, func(t *task.Task) error {
		if t.State != task.StatePendingHandoff {
			return task.TransitionError(t.ID, t.State, task.StateInProgress)
		}
		if err := task.Apply(t, task.StateInProgress, task.CauseRequest, e.now()); err != nil {
			return err
		}
		claimed := e.now()
		t.Owner = worker
		t.ClaimedAt = &claimed
		t.ProgressAt = nil
		return nil
	})
	if err != nil {
		e.reopenHandoff(ctx, pkg, next.Status)
		return nil, err
	}

	ev := stateEvent(comms.TypeHandoffCompleted, task.StatePendingHandoff, t, worker)
	ev.Metadata = map[string]string{"package_id": pkg.ID, "from_worker": pkg.FromWorker}
	e.emit(ctx, ev)
	e.startSession(ctx, t, worker)
	e.heartbeat(worker, t.ID)
	return t, nil
}

// RejectHandoff consumes an open package and returns its task to the worker
// that initiated it.
func (e *Engine) RejectHandoff(ctx context.Context, packageID, worker, note string) (*task.Task, error) {
	worker, err := requireWorker(0, worker)
	if err != nil {
		return nil, err
	}
	pkg, err := e.handoffs.Get(ctx, packageID)
	if err != nil {
		return nil, handoffError(0, err)
	}
	if !pkg.Status.Open() {
		return nil, handoffError(pkg.TaskID, handoff.ErrResolved)
	}
	return e.reject(ctx, pkg, worker, note)
}

func (e *Engine) reject(ctx context.Context, pkg *handoff.Package, by, note string) (*task.Task, error) {
	if err := e.awaitingHandoff(ctx, pkg.TaskID); err != nil {
		return nil, err
	}
	next := pkg.Clone()
	next.Status = handoff.StatusRejected
	next.ReviewNote = note
	now := e.now()
	next.ResolvedAt = &now
	if _, err := e.handoffs.Transition(ctx, next, pkg.Status); err != nil {
		return nil, handoffError(pkg.TaskID, err)
	}

	t, err := e.tasks.MutateRetry(ctx, pkg.TaskID, e.opts.WriteRetries, func(t *task.Task) error {
		if t.State != task.StatePendingHandoff {
			return task.TransitionError(t.ID, t.State, task.StateInProgress)
		}
		if err := task.Apply(t, task.StateInProgress, task.CauseRequest, e.now()); err != nil {
			return err
		}
		claimed := e.now()
		t.Owner = pkg.FromWorker
		t.ClaimedAt = &claimed
		t.ProgressAt = nil
		return nil
	})
	if err != nil {
		e.reopenHandoff(ctx, pkg, next.Status)
		return nil, err
	}

	ev := stateEvent(comms.TypeHandoffRejected, task.StatePendingHandoff, t, by)
	ev.Message = note
	ev.Metadata = map[string]string{"package_id": pkg.ID, "from_worker": pkg.FromWorker}
	e.emit(ctx, ev)
	e.startSession(ctx, t, pkg.FromWorker)
	return t, nil
}

// awaitingHandoff fails unless the task is parked in PendingHandoff. A task
// that left that state (quarantine, administrative SetState) has nothing
// left to hand over.
func (e *Engine) awaitingHandoff(ctx context.Context, id int64) error {
	t, err := e.mustTask(ctx, id)
	if err != nil {
		return err
	}
	if t.State != task.StatePendingHandoff {
		return task.TransitionError(id, t.State, task.StateInProgress)
	}
	return nil
}

// reopenHandoff puts a package consumed as status back to where it was
// after the task write behind it failed.
func (e *Engine) reopenHandoff(ctx context.Context, pkg *handoff.Package, status handoff.Status) {
	if _, err := e.handoffs.Transition(ctx, pkg.Clone(), status); err != nil {
		e.logger.Error("reopen handoff", "package", pkg.ID, "task", pkg.TaskID, "error", err)
	}
}

// ReviewHandoff approves or rejects a low-confidence package. Approval makes
// it available to receivers; rejection returns the task to its author.
func (e *Engine) ReviewHandoff(ctx context.Context, c Caller, packageID string, approve bool, note string) (*handoff.Package, error) {
	pkg, err := e.handoffs.Get(ctx, packageID)
	if err != nil {
		return nil, handoffError(0, err)
	}
	if err := elevated(c, pkg.TaskID, "review handoff"); err != nil {
		return nil, err
	}
	if pkg.Status != handoff.StatusNeedsReview {
		return nil, task.Validationf(pkg.TaskID, "handoff package %s is %s, not awaiting review", pkg.ID, pkg.Status)
	}
	if !approve {
		if _, err := e.reject(ctx, pkg, c.ID, note); err != nil {
			return nil, err
		}
		return e.handoffs.Get(ctx, pkg.ID)
	}

	next := pkg.Clone()
	next.Status = handoff.StatusPending
	next.ReviewNote = note
	out, err := e.handoffs.Transition(ctx, next, handoff.StatusNeedsReview)
	if err != nil {
		return nil, handoffError(pkg.TaskID, err)
	}
	ev := taskEvent(comms.TypeHandoffReviewed, &task.Task{ID: pkg.TaskID, Code: pkg.TaskCode}, c.ID)
	ev.Message = note
	ev.Metadata = map[string]string{"package_id": pkg.ID, "status": string(out.Status)}
	e.emit(ctx, ev)
	return out, nil
}

// GetHandoff returns a package by id.
func (e *Engine) GetHandoff(ctx context.Context, id string) (*handoff.Package, error) {
	pkg, err := e.handoffs.Get(ctx, id)
	if err != nil {
		return nil, handoffError(0, err)
	}
	return pkg, nil
}

// ListOpenHandoffs returns every unconsumed package, oldest first.
func (e *Engine) ListOpenHandoffs(ctx context.Context) ([]*handoff.Package, error) {
	pkgs, err := e.handoffs.ListOpen(ctx)
	if err != nil {
		return nil, task.StorageError("list handoffs", err)
	}
	return pkgs, nil
}
