package task

import "time"

// transitions is the legal request table. Quarantine from any non-archived
// state is added by CanTransition.
var transitions = map[State][]State{
	StateCreated:              {StateInProgress, StatePendingDecomposition, StateWaitingForDependency, StateQuarantined},
	StateInProgress:           {StateBlocked, StateReview, StateDone, StatePendingHandoff, StateQuarantined},
	StateBlocked:              {StateInProgress, StateQuarantined},
	StateReview:               {StateInProgress, StateDone, StateQuarantined},
	StateDone:                 {StateArchived},
	StatePendingDecomposition: {StateCreated},
	StatePendingHandoff:       {StateInProgress, StateQuarantined},
	StateQuarantined:          {StateCreated},
	StateWaitingForDependency: {StateCreated},
	StateArchived:             {},
}

// CanTransition reports whether from -> to is a legal state change. It is a
// pure function of its arguments.
func CanTransition(from, to State) bool {
	if from == to || !from.Valid() || !to.Valid() {
		return false
	}
	if to == StateQuarantined && from != StateArchived {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a TransitionError when from -> to is illegal.
func CheckTransition(id int64, from, to State) error {
	if !CanTransition(from, to) {
		return TransitionError(id, from, to)
	}
	return nil
}

// Cause names who is driving a state change.
type Cause int

const (
	// CauseRequest is an ordinary state change request.
	CauseRequest Cause = iota
	// CauseRelease returns owned work to the pool (release, reclamation,
	// failure below threshold).
	CauseRelease
	// CauseAdminReset leaves quarantine.
	CauseAdminReset
)

// CheckEdge validates from -> to for the given cause. Release and admin
// reset edges live here next to the request table.
func CheckEdge(id int64, from, to State, cause Cause) error {
	switch cause {
	case CauseRelease:
		if to == StateCreated && (from == StateInProgress || from == StateBlocked) {
			return nil
		}
		return TransitionError(id, from, to)
	case CauseAdminReset:
		if from == StateQuarantined && to == StateCreated {
			return nil
		}
		return TransitionError(id, from, to)
	default:
		if err := CheckTransition(id, from, to); err != nil {
			return err
		}
		if from == StateQuarantined {
			return &Error{Kind: ErrQuarantined, TaskID: id, From: from, To: to, Msg: "use unquarantine to leave quarantine"}
		}
		return nil
	}
}

// apply moves t into state to, keeping DoneAt set exactly while the task is
// Done or Archived.
func apply(t *Task, to State, now time.Time) {
	t.State = to
	switch to {
	case StateDone:
		if t.DoneAt == nil {
			t.DoneAt = &now
		}
	case StateArchived:
		if t.DoneAt == nil {
			t.DoneAt = &now
		}
	default:
		t.DoneAt = nil
	}
}

// Apply validates from -> to for cause and mutates t accordingly.
func Apply(t *Task, to State, cause Cause, now time.Time) error {
	if err := CheckEdge(t.ID, t.State, to, cause); err != nil {
		return err
	}
	apply(t, to, now)
	return nil
}
