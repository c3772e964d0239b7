// Package task defines the task model, its state machine and persistence for
// work items that autonomous workers discover, claim and hand off.
package task

import (
	"context"
	"slices"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	StateCreated              State = "created"
	StateInProgress           State = "in_progress"
	StateBlocked              State = "blocked"
	StateReview               State = "review"
	StateDone                 State = "done"
	StateArchived             State = "archived"
	StatePendingDecomposition State = "pending_decomposition"
	StatePendingHandoff       State = "pending_handoff"
	StateQuarantined          State = "quarantined"
	StateWaitingForDependency State = "waiting_for_dependency"
)

// States lists every state in declaration order.
var States = []State{
	StateCreated,
	StateInProgress,
	StateBlocked,
	StateReview,
	StateDone,
	StateArchived,
	StatePendingDecomposition,
	StatePendingHandoff,
	StateQuarantined,
	StateWaitingForDependency,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return slices.Contains(States, s) }

// Complete reports whether s satisfies dependencies (Done or Archived).
func (s State) Complete() bool { return s == StateDone || s == StateArchived }

// Scheduling defaults and bounds.
const (
	DefaultPriority            = 5.0
	MinPriority                = 0.0
	MaxPriority                = 10.0
	DefaultConfidenceThreshold = 0.8
)

// Task is a unit of work for a worker.
type Task struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Owner       string `json:"owner,omitempty"` // worker identity, empty when unassigned
	State       State  `json:"state"`

	PriorityScore        float64       `json:"priority_score"`
	FailureCount         int           `json:"failure_count"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	ConfidenceThreshold  float64       `json:"confidence_threshold"`
	ParentTaskID         *int64        `json:"parent_task_id,omitempty"`
	DependsOn            []int64       `json:"depends_on,omitempty"`
	EstimatedEffort      time.Duration `json:"estimated_effort,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ProgressAt *time.Time `json:"progress_at,omitempty"`
	DoneAt     *time.Time `json:"done_at,omitempty"`

	// Version is bumped by every successful write and is the token
	// CompareAndSet conditions on.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	c.DependsOn = slices.Clone(t.DependsOn)
	c.ParentTaskID = clonePtr(t.ParentTaskID)
	c.ClaimedAt = clonePtr(t.ClaimedAt)
	c.ProgressAt = clonePtr(t.ProgressAt)
	c.DoneAt = clonePtr(t.DoneAt)
	return &c
}

// Unassigned reports whether the task has no owner.
func (t *Task) Unassigned() bool { return t.Owner == "" }

// LastActivity is the later of ClaimedAt and ProgressAt. Zero when unclaimed.
func (t *Task) LastActivity() time.Time {
	var last time.Time
	if t.ClaimedAt != nil {
		last = *t.ClaimedAt
	}
	if t.ProgressAt != nil && t.ProgressAt.After(last) {
		last = *t.ProgressAt
	}
	return last
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NewTask is the submission payload for Manager.Create.
type NewTask struct {
	Code                 string        `json:"code"`
	Name                 string        `json:"name"`
	Description          string        `json:"description"`
	PriorityScore        *float64      `json:"priority_score,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	ConfidenceThreshold  *float64      `json:"confidence_threshold,omitempty"`
	ParentTaskID         *int64        `json:"parent_task_id,omitempty"`
	DependsOn            []int64       `json:"depends_on,omitempty"`
	EstimatedEffort      time.Duration `json:"estimated_effort,omitempty"`
}

// Patch carries a partial metadata update. Nil fields are left unchanged.
type Patch struct {
	Name                 *string        `json:"name,omitempty"`
	Description          *string        `json:"description,omitempty"`
	PriorityScore        *float64       `json:"priority_score,omitempty"`
	RequiredCapabilities *[]string      `json:"required_capabilities,omitempty"`
	ConfidenceThreshold  *float64       `json:"confidence_threshold,omitempty"`
	ParentTaskID         *int64         `json:"parent_task_id,omitempty"`
	ClearParent          bool           `json:"clear_parent,omitempty"`
	DependsOn            *[]int64       `json:"depends_on,omitempty"`
	EstimatedEffort      *time.Duration `json:"estimated_effort,omitempty"`
}

// Order selects the sort order of List.
type Order string

const (
	OrderCreated  Order = "created" // id ascending (default)
	OrderPriority Order = "priority"
	OrderUpdated  Order = "updated"
)

// Filter controls which tasks are returned by List. Zero-valued fields do
// not constrain the result.
type Filter struct {
	Owner      string  `json:"owner,omitempty"`
	Unassigned bool    `json:"unassigned,omitempty"`
	States     []State `json:"states,omitempty"`
	// Capabilities, when non-nil, keeps tasks whose required capabilities
	// are a subset of this set.
	Capabilities  []string   `json:"capabilities,omitempty"`
	MinPriority   *float64   `json:"min_priority,omitempty"`
	MaxPriority   *float64   `json:"max_priority,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	ParentTaskID  *int64     `json:"parent_task_id,omitempty"`
	OrderBy       Order      `json:"order_by,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// Store persists and retrieves tasks. Implementations never delete tasks.
type Store interface {
	// Insert persists a new task, assigning its ID and initial Version.
	// It fails with ErrDuplicateCode when the code is taken.
	Insert(ctx context.Context, t *Task) (*Task, error)

	// Get returns the task with the given ID. ok is false when absent.
	Get(ctx context.Context, id int64) (t *Task, ok bool, err error)

	// GetByCode returns the task with the given code. ok is false when absent.
	GetByCode(ctx context.Context, code string) (t *Task, ok bool, err error)

	// List returns tasks matching the filter.
	List(ctx context.Context, f Filter) ([]*Task, error)

	// CompareAndSet replaces the stored task with next if, and only if, the
	// stored Version still equals expect. It returns ErrStale when another
	// writer got there first and the stored copy with its new Version on
	// success. ID, Code and CreatedAt are never overwritten.
	CompareAndSet(ctx context.Context, next *Task, expect int64) (*Task, error)

	// Close releases backend resources.
	Close() error
}
