package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/capability"
	"github.com/GoCodeAlone/dispatch/handoff"
	"github.com/GoCodeAlone/dispatch/task"
)

// DiscoverRequest asks for claimable work.
type DiscoverRequest struct {
	Worker string `json:"worker"`
	// Capabilities, when nil, falls back to the worker's registration.
	Capabilities    []string `json:"capabilities,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	// Timeout is the longest the call may block. Zero uses the default;
	// a negative value returns the current snapshot without waiting.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DiscoverStatus tells the caller which field of DiscoverResult to read.
type DiscoverStatus string

const (
	StatusTasks          DiscoverStatus = "tasks"
	StatusNoTasks        DiscoverStatus = "no_tasks"
	StatusActionRequired DiscoverStatus = "action_required"
)

// Action is a call the worker must make before discovery can hand it work.
type Action struct {
	Kind      string `json:"kind"`
	TaskID    int64  `json:"task_id,omitempty"`
	TaskCode  string `json:"task_code,omitempty"`
	PackageID string `json:"package_id,omitempty"`
	Message   string `json:"message"`
}

// ActionCompleteHandoff asks the worker to pick up a handoff package.
const ActionCompleteHandoff = "complete_handoff"

// DiscoverResult is the outcome of a discovery call.
type DiscoverResult struct {
	Status DiscoverStatus `json:"status"`
	Tasks  []*task.Task   `json:"tasks,omitempty"`
	Action *Action        `json:"action,omitempty"`
	Waited time.Duration  `json:"waited"`
}

// Prerequisite inspects a discovery request and returns a non-nil Action
// when the worker must do something else first.
type Prerequisite func(ctx context.Context, req DiscoverRequest) (*Action, error)

// AddPrerequisite registers an extra check run on every discovery cycle.
func (e *Engine) AddPrerequisite(p Prerequisite) { e.prereqs = append(e.prereqs, p) }

// Discover returns eligible tasks, blocking while none exist. The wait ends
// when tasks appear, a prerequisite reports an action, the timeout passes
// (StatusNoTasks, not an error) or ctx is cancelled (ctx.Err()).
func (e *Engine) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	worker, err := requireWorker(0, req.Worker)
	if err != nil {
		return nil, err
	}
	req.Worker = worker
	req = e.resolveCapabilities(req)

	start := time.Now()
	timeout := e.waitBudget(req.Timeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		action, err := e.checkPrerequisites(ctx, req)
		if err != nil {
			return nil, err
		}
		if action != nil {
			return &DiscoverResult{Status: StatusActionRequired, Action: action, Waited: time.Since(start)}, nil
		}
		tasks, err := e.available(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			return &DiscoverResult{Status: StatusTasks, Tasks: tasks, Waited: time.Since(start)}, nil
		}
		if timeout <= 0 {
			return &DiscoverResult{Status: StatusNoTasks, Waited: time.Since(start)}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return &DiscoverResult{Status: StatusNoTasks, Waited: time.Since(start)}, nil
		case <-ticker.C:
		}
	}
}

// Available is the non-blocking snapshot behind Discover.
func (e *Engine) Available(ctx context.Context, req DiscoverRequest) ([]*task.Task, error) {
	return e.available(ctx, e.resolveCapabilities(req))
}

// waitBudget clamps the requested timeout to the transport's deadline.
func (e *Engine) waitBudget(requested time.Duration) time.Duration {
	if requested < 0 {
		return 0
	}
	if requested == 0 {
		requested = e.opts.DefaultTimeout
	}
	if e.opts.MaxWait > 0 {
		if ceiling := e.opts.MaxWait - e.opts.SafetyMargin; ceiling > 0 && requested > ceiling {
			requested = ceiling
		}
	}
	return requested
}

func (e *Engine) resolveCapabilities(req DiscoverRequest) DiscoverRequest {
	if req.Capabilities == nil || req.Specializations == nil {
		if caps, specs, ok := e.workers.Capabilities(strings.TrimSpace(req.Worker)); ok {
			if req.Capabilities == nil {
				req.Capabilities = caps
			}
			if req.Specializations == nil {
				req.Specializations = specs
			}
		}
	}
	return req
}

func (e *Engine) checkPrerequisites(ctx context.Context, req DiscoverRequest) (*Action, error) {
	for _, p := range e.prereqs {
		action, err := p(ctx, req)
		if err != nil {
			return nil, err
		}
		if action != nil {
			return action, nil
		}
	}
	return nil, nil
}

type candidate struct {
	t     *task.Task
	bonus float64
}

func (e *Engine) available(ctx context.Context, req DiscoverRequest) ([]*task.Task, error) {
	caps := capability.Normalize(req.Capabilities)
	if caps == nil {
		caps = []string{}
	}
	open, err := e.tasks.List(ctx, task.Filter{
		States:       []task.State{task.StateCreated},
		Unassigned:   true,
		Capabilities: caps,
		OrderBy:      task.OrderPriority,
	})
	if err != nil {
		return nil, err
	}

	complete := map[int64]bool{}
	var ranked []candidate
	for _, t := range open {
		ok, err := e.dependenciesComplete(ctx, t, complete)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m := e.matcher.Score(t.RequiredCapabilities, caps, req.Specializations)
		if !m.Eligible {
			continue
		}
		ranked = append(ranked, candidate{t: t, bonus: m.Bonus})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.t.PriorityScore != b.t.PriorityScore {
			return a.t.PriorityScore > b.t.PriorityScore
		}
		if a.t.FailureCount != b.t.FailureCount {
			return a.t.FailureCount < b.t.FailureCount
		}
		if a.bonus != b.bonus {
			return a.bonus > b.bonus
		}
		return a.t.ID < b.t.ID
	})

	limit := req.Limit
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*task.Task, len(ranked))
	for i, c := range ranked {
		out[i] = c.t
	}
	return out, nil
}

// dependenciesComplete checks t's dependencies, memoizing lookups across a
// single discovery pass.
func (e *Engine) dependenciesComplete(ctx context.Context, t *task.Task, memo map[int64]bool) (bool, error) {
	for _, dep := range t.DependsOn {
		done, seen := memo[dep]
		if !seen {
			d, ok, err := e.tasks.Get(ctx, dep)
			if err != nil {
				return false, err
			}
			done = ok && d.State.Complete()
			memo[dep] = done
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// pendingHandoffFor reports an open, reviewed package aimed at one of the
// worker's capabilities and left by someone else. Packages whose task is no
// longer parked in PendingHandoff are skipped.
func (e *Engine) pendingHandoffFor(ctx context.Context, req DiscoverRequest) (*Action, error) {
	caps := capability.Normalize(req.Capabilities)
	if len(caps) == 0 {
		return nil, nil
	}
	pkgs, err := e.handoffs.ListOpen(ctx)
	if err != nil {
		return nil, task.StorageError("list handoffs", err)
	}
	for _, p := range pkgs {
		if p.Status != handoff.StatusPending || p.FromWorker == req.Worker || p.TargetCapability == "" {
			continue
		}
		if !capability.Subset([]string{p.TargetCapability}, caps) {
			continue
		}
		t, ok, err := e.tasks.Get(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		if !ok || t.State != task.StatePendingHandoff {
			continue
		}
		return &Action{
			Kind:      ActionCompleteHandoff,
			TaskID:    p.TaskID,
			TaskCode:  p.TaskCode,
			PackageID: p.ID,
			Message:   "a handoff for " + p.TargetCapability + " is waiting; complete it before taking new work",
		}, nil
	}
	return nil, nil
}
