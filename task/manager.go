package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/capability"
)

// maxPatchAttempts bounds retries of merge-style writes that lose a version race.
const maxPatchAttempts = 5

// Manager implements the task store contract on top of a Store. Every write
// goes through Store.CompareAndSet and every state change through the state
// machine.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager returns a Manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Create validates and persists a new task in the Created state.
func (m *Manager) Create(ctx context.Context, nt NewTask) (*Task, error) {
	t := &Task{
		Code:                 strings.TrimSpace(nt.Code),
		Name:                 strings.TrimSpace(nt.Name),
		Description:          strings.TrimSpace(nt.Description),
		State:                StateCreated,
		PriorityScore:        DefaultPriority,
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		RequiredCapabilities: capability.Normalize(nt.RequiredCapabilities),
		ParentTaskID:         nt.ParentTaskID,
		DependsOn:            dedupeIDs(nt.DependsOn),
		EstimatedEffort:      nt.EstimatedEffort,
		CreatedAt:            m.now(),
	}
	if nt.PriorityScore != nil {
		t.PriorityScore = *nt.PriorityScore
	}
	if nt.ConfidenceThreshold != nil {
		t.ConfidenceThreshold = *nt.ConfidenceThreshold
	}
	if t.Code == "" {
		return nil, Validationf(0, "code must not be empty")
	}
	if err := validateFields(t); err != nil {
		return nil, err
	}
	if err := m.validateLinks(ctx, t); err != nil {
		return nil, err
	}
	created, err := m.store.Insert(ctx, t)
	if err != nil {
		return nil, StorageError("insert task", err)
	}
	return created, nil
}

// Get returns the task with the given id; ok is false when absent.
func (m *Manager) Get(ctx context.Context, id int64) (*Task, bool, error) {
	t, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, StorageError("get task", err)
	}
	return t, ok, nil
}

// GetByCode returns the task with the given code; ok is false when absent.
func (m *Manager) GetByCode(ctx context.Context, code string) (*Task, bool, error) {
	t, ok, err := m.store.GetByCode(ctx, code)
	if err != nil {
		return nil, false, StorageError("get task by code", err)
	}
	return t, ok, nil
}

// List returns tasks matching the filter.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Task, error) {
	if f.Capabilities != nil {
		f.Capabilities = nonNil(capability.Normalize(f.Capabilities))
	}
	tasks, err := m.store.List(ctx, f)
	if err != nil {
		return nil, StorageError("list tasks", err)
	}
	return tasks, nil
}

// Update applies a metadata patch. State, owner and counters are not
// reachable from here.
func (m *Manager) Update(ctx context.Context, id int64, p Patch) (*Task, error) {
	return m.MutateRetry(ctx, id, maxPatchAttempts, func(t *Task) error {
		if p.Name != nil {
			t.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			t.Description = strings.TrimSpace(*p.Description)
		}
		if p.PriorityScore != nil {
			t.PriorityScore = *p.PriorityScore
		}
		if p.RequiredCapabilities != nil {
			t.RequiredCapabilities = capability.Normalize(*p.RequiredCapabilities)
		}
		if p.ConfidenceThreshold != nil {
			t.ConfidenceThreshold = *p.ConfidenceThreshold
		}
		if p.ClearParent {
			t.ParentTaskID = nil
		} else if p.ParentTaskID != nil {
			parent := *p.ParentTaskID
			t.ParentTaskID = &parent
		}
		if p.DependsOn != nil {
			t.DependsOn = dedupeIDs(*p.DependsOn)
		}
		if p.EstimatedEffort != nil {
			t.EstimatedEffort = *p.EstimatedEffort
		}
		if err := validateFields(t); err != nil {
			return err
		}
		return m.validateLinks(ctx, t)
	})
}

// SetState moves a task to state to. Legality is decided by the state
// machine; an illegal request changes nothing. An unowned task cannot be
// moved to InProgress here: work starts through a claim or an assignment.
func (m *Manager) SetState(ctx context.Context, id int64, to State) (*Task, error) {
	return m.SetStateAs(ctx, id, to, "")
}

// SetStateAs is SetState on behalf of actor, who must own the task when the
// write lands. An empty actor is not checked.
func (m *Manager) SetStateAs(ctx context.Context, id int64, to State, actor string) (*Task, error) {
	if !to.Valid() {
		return nil, Validationf(id, "unknown state %q", to)
	}
	return m.MutateRetry(ctx, id, maxPatchAttempts, func(t *Task) error {
		if actor != "" && t.Owner != actor {
			return ForbiddenError(id, "changing the state of another worker's task")
		}
		from := t.State
		if to == StateInProgress && t.Owner == "" {
			if err := CheckTransition(id, from, to); err != nil {
				return err
			}
			return Validationf(id, "an unowned task starts through claim or assign")
		}
		if err := Apply(t, to, CauseRequest, m.now()); err != nil {
			return err
		}
		if to == StateQuarantined || (from == StateInProgress && to == StateDone) {
			t.ClaimedAt = nil
		}
		if to == StateQuarantined {
			t.Owner = ""
		}
		return nil
	})
}

// Assign hands an unassigned Created task to owner and starts it.
func (m *Manager) Assign(ctx context.Context, id int64, owner string) (*Task, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, Validationf(id, "owner must not be empty")
	}
	return m.Mutate(ctx, id, func(t *Task) error {
		if t.State == StateQuarantined {
			return QuarantinedError(id, "cannot assign")
		}
		if !t.Unassigned() {
			return ConflictError(id, "already owned by "+t.Owner)
		}
		if err := Apply(t, StateInProgress, CauseRequest, m.now()); err != nil {
			return err
		}
		now := m.now()
		t.Owner = owner
		t.ClaimedAt = &now
		t.ProgressAt = nil
		return nil
	})
}

// Archive retires a Done task.
func (m *Manager) Archive(ctx context.Context, id int64) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task) error {
		return Apply(t, StateArchived, CauseRequest, m.now())
	})
}

// Mutate reads the task, lets fn edit a private copy and writes it back
// conditioned on the version that was read. A lost race surfaces as
// ErrClaimConflict; fn errors abort without writing.
func (m *Manager) Mutate(ctx context.Context, id int64, fn func(t *Task) error) (*Task, error) {
	cur, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, StorageError("get task", err)
	}
	if !ok {
		return nil, NotFoundError(id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	stored, err := m.store.CompareAndSet(ctx, next, cur.Version)
	if errors.Is(err, ErrStale) {
		return nil, ConflictError(id, fmt.Sprintf("task changed concurrently (version %d)", cur.Version))
	}
	if err != nil {
		return nil, StorageError("update task", err)
	}
	return stored, nil
}

// MutateRetry is Mutate with up to attempts tries when the version moved.
// fn is re-run against the fresh copy each time.
func (m *Manager) MutateRetry(ctx context.Context, id int64, attempts int, fn func(t *Task) error) (*Task, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var t *Task
		t, err = m.Mutate(ctx, id, fn)
		if !errors.Is(err, ErrClaimConflict) {
			return t, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// DependenciesComplete reports whether every dependency of t is Done or
// Archived. Missing dependencies count as incomplete.
func (m *Manager) DependenciesComplete(ctx context.Context, t *Task) (bool, error) {
	for _, dep := range t.DependsOn {
		d, ok, err := m.Get(ctx, dep)
		if err != nil {
			return false, err
		}
		if !ok || !d.State.Complete() {
			return false, nil
		}
	}
	return true, nil
}

func validateFields(t *Task) error {
	switch {
	case t.Name == "":
		return Validationf(t.ID, "name must not be empty")
	case t.Description == "":
		return Validationf(t.ID, "description must not be empty")
	case t.PriorityScore < MinPriority || t.PriorityScore > MaxPriority:
		return Validationf(t.ID, "priority_score %.2f outside [%.0f,%.0f]", t.PriorityScore, MinPriority, MaxPriority)
	case t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 1:
		return Validationf(t.ID, "confidence_threshold %.2f outside [0,1]", t.ConfidenceThreshold)
	case t.EstimatedEffort < 0:
		return Validationf(t.ID, "estimated_effort must be positive")
	}
	return nil
}

// validateLinks checks that the parent and dependencies exist and that the
// parent chain stays acyclic.
func (m *Manager) validateLinks(ctx context.Context, t *Task) error {
	if t.ParentTaskID != nil {
		parent := *t.ParentTaskID
		if t.ID != 0 && parent == t.ID {
			return Validationf(t.ID, "task cannot be its own parent")
		}
		seen := map[int64]bool{}
		for cur := &parent; cur != nil; {
			if t.ID != 0 && *cur == t.ID {
				return Validationf(t.ID, "parent %d would create a cycle", parent)
			}
			if seen[*cur] {
				return Validationf(t.ID, "parent chain of %d is cyclic", parent)
			}
			seen[*cur] = true
			p, ok, err := m.Get(ctx, *cur)
			if err != nil {
				return err
			}
			if !ok {
				return Validationf(t.ID, "parent task %d does not exist", *cur)
			}
			cur = p.ParentTaskID
		}
	}
	for _, dep := range t.DependsOn {
		if t.ID != 0 && dep == t.ID {
			return Validationf(t.ID, "task cannot depend on itself")
		}
		_, ok, err := m.Get(ctx, dep)
		if err != nil {
			return err
		}
		if !ok {
			return Validationf(t.ID, "dependency %d does not exist", dep)
		}
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
