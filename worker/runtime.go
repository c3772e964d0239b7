// Package worker runs in-process workers against an engine: each runtime
// discovers work, claims it, executes it and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/task"
)

// Status is the local state of a runtime.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusStopped Status = "stopped"
)

// ErrYield tells the runtime to hand the task back to the pool instead of
// completing or failing it.
var ErrYield = errors.New("yield task")

// Executor performs one claimed task. A nil error completes the task,
// ErrYield releases it and any other error is reported as a failure.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task) error

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) error { return f(ctx, t) }

// Config holds the configuration for a runtime.
type Config struct {
	ID              string
	Name            string
	Capabilities    []string
	Specializations []string
	Executor        Executor
	// DiscoverTimeout bounds each blocking discovery. Keep it below the
	// liveness window so the runtime heartbeats between calls.
	DiscoverTimeout time.Duration
	// Backoff is the pause after a failed discovery.
	Backoff time.Duration
	// ProgressInterval is how often a running task reports progress.
	// Defaults to a third of the engine's claim timeout.
	ProgressInterval time.Duration
	Logger  *slog.Logger
}

// Info is a snapshot of a runtime.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CurrentTask string    `json:"current_task,omitempty"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
}

// Runtime is a worker loop bound to an engine.
type Runtime struct {
	mu        sync.RWMutex
	cfg       Config
	eng       *engine.Engine
	logger    *slog.Logger
	status    Status
	startedAt time.Time
	curTask   string
	completed int
	failed    int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime creates a runtime from the given config.
func NewRuntime(eng *engine.Engine, cfg Config) *Runtime {
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = eng.Options().ClaimTimeout / 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:    cfg,
		eng:    eng,
		logger: logger.With("worker", cfg.ID),
		status: StatusIdle,
	}
}

// ID returns the worker identity.
func (r *Runtime) ID() string { return r.cfg.ID }

// Info returns the runtime's current state.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		ID:          r.cfg.ID,
		Name:        r.cfg.Name,
		Status:      r.status,
		StartedAt:   r.startedAt,
		CurrentTask: r.curTask,
		Completed:   r.completed,
		Failed:      r.failed,
	}
}

// Start registers the worker and begins its loop.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.Executor == nil {
		return fmt.Errorf("worker %s has no executor", r.cfg.ID)
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker %s already running (status=%s)", r.cfg.ID, r.status)
	}
	if _, err := r.eng.Workers().Register(agent.Registration{
		ID:              r.cfg.ID,
		Name:            r.cfg.Name,
		Capabilities:    r.cfg.Capabilities,
		Specializations: r.cfg.Specializations,
		Metadata:        map[string]string{"runtime": "in-process"},
	}); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker %s: %w", r.cfg.ID, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.status = StatusIdle
	r.startedAt = time.Now()
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.loop(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit or for ctx to end. A task
// in flight is released back to the pool.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop worker %s: %w", r.cfg.ID, ctx.Err())
	}
	r.eng.Workers().Deregister(r.cfg.ID)
	r.setStatus(StatusStopped, "")
	return nil
}

// loop is the discover, claim, execute cycle.
func (r *Runtime) loop(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := r.eng.Discover(ctx, engine.DiscoverRequest{
			Worker:  r.cfg.ID,
			Timeout: r.cfg.DiscoverTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("discover", "error", err)
			r.sleep(ctx, r.cfg.Backoff)
			continue
		}
		switch res.Status {
		case engine.StatusActionRequired:
			r.handleAction(ctx, res.Action)
		case engine.StatusTasks:
			r.claimFirst(ctx, res.Tasks)
		default:
			if _, err := r.eng.Workers().Heartbeat(r.cfg.ID, 0); err != nil {
				r.logger.Warn("heartbeat", "error", err)
			}
		}
	}
}

func (r *Runtime) handleAction(ctx context.Context, a *engine.Action) {
	if a == nil || a.Kind != engine.ActionCompleteHandoff {
		r.logger.Warn("unsupported action", "action", a)
		r.sleep(ctx, r.cfg.Backoff)
		return
	}
	t, err := r.eng.CompleteHandoff(ctx, a.PackageID, r.cfg.ID)
	if err != nil {
		r.logger.Debug("complete handoff", "package", a.PackageID, "error", err)
		r.sleep(ctx, r.cfg.Backoff)
		return
	}
	r.process(ctx, t)
}

// claimFirst claims the best-ranked task it can win.
func (r *Runtime) claimFirst(ctx context.Context, candidates []*task.Task) {
	for _, c := range candidates {
		t, err := r.eng.Claim(ctx, c.ID, r.cfg.ID)
		if err != nil {
			if !task.Retryable(err) {
				r.logger.Debug("claim", "task", c.Code, "error", err)
			}
			continue
		}
		r.process(ctx, t)
		return
	}
}

// process runs the executor for a single claimed task.
func (r *Runtime) process(ctx context.Context, t *task.Task) {
	r.setStatus(StatusWorking, t.Code)
	defer r.setStatus(StatusIdle, "")

	r.logger.Info("starting task", "task", t.Code, "name", t.Name)
	stop := r.keepAlive(ctx, t)
	err := r.cfg.Executor.Execute(ctx, t)
	stop()

	// The run context may be gone; the outcome must still be recorded.
	bg := context.WithoutCancel(ctx)
	switch {
	case ctx.Err() != nil:
		r.release(bg, t, "worker stopping")
	case errors.Is(err, ErrYield):
		r.release(bg, t, err.Error())
	case err != nil:
		r.logger.Warn("task failed", "task", t.Code, "error", err)
		if _, rerr := r.eng.ReportFailure(bg, t.ID, r.cfg.ID, err.Error()); rerr != nil {
			r.logger.Error("report failure", "task", t.Code, "error", rerr)
		}
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
	default:
		if _, err := r.eng.SetState(bg, t.ID, task.StateDone); err != nil {
			r.logger.Error("complete task", "task", t.Code, "error", err)
			return
		}
		r.logger.Info("task complete", "task", t.Code)
		r.mu.Lock()
		r.completed++
		r.mu.Unlock()
	}
}

// keepAlive reports progress on t until the returned func is called, so
// a long execution is not reclaimed as stale.
func (r *Runtime) keepAlive(ctx context.Context, t *task.Task) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.eng.ReportProgress(ctx, t.ID, r.cfg.ID, "running"); err != nil && ctx.Err() == nil {
					r.logger.Warn("report progress", "task", t.Code, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runtime) release(ctx context.Context, t *task.Task, reason string) {
	if _, err := r.eng.Release(ctx, t.ID, r.cfg.ID, reason); err != nil {
		r.logger.Error("release task", "task", t.Code, "error", err)
	}
}

func (r *Runtime) setStatus(s Status, current string) {
	r.mu.Lock()
	r.status = s
	r.curTask = current
	r.mu.Unlock()
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
