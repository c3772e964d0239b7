// Package handoff stores transfer packages that move an in-progress task
// to another worker or capability.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a package.
type Status string

const (
	StatusPending     Status = "pending"
	StatusNeedsReview Status = "needs_review"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
)

// Open reports whether the package is still waiting to be consumed.
func (s Status) Open() bool { return s == StatusPending || s == StatusNeedsReview }

var (
	ErrNotFound = errors.New("handoff package not found")
	// ErrOpenPackage is returned when a task already has an unresolved package.
	ErrOpenPackage = errors.New("task already has an open handoff package")
	// ErrResolved is returned when a package was already consumed.
	ErrResolved = errors.New("handoff package already resolved")
)

// Package carries a task's progress and context to its next owner.
type Package struct {
	ID               string     `json:"id"`
	TaskID           int64      `json:"task_id"`
	TaskCode         string     `json:"task_code"`
	FromWorker       string     `json:"from_worker"`
	TargetCapability string     `json:"target_capability,omitempty"`
	Summary          string     `json:"summary"`
	Confidence       float64    `json:"confidence"`
	Limitations      []string   `json:"limitations,omitempty"`
	NextSteps        []string   `json:"next_steps,omitempty"`
	Artifacts        []string   `json:"artifacts,omitempty"`
	Status           Status     `json:"status"`
	AcceptedBy       string     `json:"accepted_by,omitempty"`
	ReviewNote       string     `json:"review_note,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	c := *p
	c.Limitations = slices.Clone(p.Limitations)
	c.NextSteps = slices.Clone(p.NextSteps)
	c.Artifacts = slices.Clone(p.Artifacts)
	if p.ResolvedAt != nil {
		r := *p.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

// Store persists handoff packages.
type Store interface {
	// Create persists p. It fails with ErrOpenPackage when the task already
	// has an open package.
	Create(ctx context.Context, p *Package) error
	Get(ctx context.Context, id string) (*Package, error)
	// Open returns the open package of a task, or ErrNotFound.
	Open(ctx context.Context, taskID int64) (*Package, error)
	// ListOpen returns every open package, oldest first.
	ListOpen(ctx context.Context) ([]*Package, error)
	ListByTask(ctx context.Context, taskID int64) ([]*Package, error)
	// Transition moves the package from status from to next.Status,
	// writing next's resolution fields. It fails with ErrResolved when the
	// stored status is no longer from, so a package is consumed once.
	Transition(ctx context.Context, next *Package, from Status) (*Package, error)
}

func notFound(id string) error {
	return fmt.Errorf("handoff %s: %w", id, ErrNotFound)
}
