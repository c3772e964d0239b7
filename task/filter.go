package task

import (
	"slices"
	"sort"

	"github.com/GoCodeAlone/dispatch/capability"
)

// Match reports whether t satisfies every predicate of f. Ordering and
// paging fields are ignored.
func (f Filter) Match(t *Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.Unassigned && t.Owner != "" {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
		return false
	}
	if f.Capabilities != nil && !capability.Subset(t.RequiredCapabilities, f.Capabilities) {
		return false
	}
	if f.MinPriority != nil && t.PriorityScore < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && t.PriorityScore > *f.MaxPriority {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.ParentTaskID != nil && (t.ParentTaskID == nil || *t.ParentTaskID != *f.ParentTaskID) {
		return false
	}
	return true
}

// Sort orders tasks in place according to order.
func Sort(tasks []*Task, order Order) {
	switch order {
	case OrderPriority:
		sort.SliceStable(tasks, func(i, j int) bool {
			a, b := tasks[i], tasks[j]
			if a.PriorityScore != b.PriorityScore {
				return a.PriorityScore > b.PriorityScore
			}
			if a.FailureCount != b.FailureCount {
				return a.FailureCount < b.FailureCount
			}
			return a.ID < b.ID
		})
	case OrderUpdated:
		sort.SliceStable(tasks, func(i, j int) bool {
			if !tasks[i].UpdatedAt.Equal(tasks[j].UpdatedAt) {
				return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
			}
			return tasks[i].ID < tasks[j].ID
		})
	default:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	}
}

// page applies offset and limit.
func page(tasks []*Task, offset, limit int) []*Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}
