package task

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateCode     = errors.New("duplicate code")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrValidation        = errors.New("validation failed")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrQuarantined       = errors.New("task quarantined")
	ErrForbidden         = errors.New("forbidden")
	ErrStorage           = errors.New("storage failure")

	// ErrStale is returned by Store.CompareAndSet when the stored version
	// moved. It never crosses the engine boundary; callers translate it.
	ErrStale = errors.New("stale task version")
)

var kindNames = map[error]string{
	ErrNotFound:          "not_found",
	ErrDuplicateCode:     "duplicate_code",
	ErrInvalidTransition: "invalid_state_transition",
	ErrValidation:        "validation",
	ErrClaimConflict:     "claim_conflict",
	ErrQuarantined:       "quarantined",
	ErrForbidden:         "forbidden",
	ErrStorage:           "storage",
}

// Error is the typed failure returned by every engine operation.
type Error struct {
	Kind   error  `json:"-"`
	TaskID int64  `json:"task_id,omitempty"`
	Code   string `json:"code,omitempty"`
	From   State  `json:"from,omitempty"`
	To     State  `json:"to,omitempty"`
	Msg    string `json:"message,omitempty"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	switch {
	case e.TaskID != 0:
		fmt.Fprintf(&b, "task %d: ", e.TaskID)
	case e.Code != "":
		fmt.Fprintf(&b, "task %s: ", e.Code)
	}
	b.WriteString(e.Kind.Error())
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " %s -> %s", e.From, e.To)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the wire name of err's kind, or "" for foreign errors.
func KindOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return kindNames[e.Kind]
}

// Retryable reports whether the caller may retry the same request as-is.
func Retryable(err error) bool { return errors.Is(err, ErrClaimConflict) }

// NotFoundError reports a missing task id.
func NotFoundError(id int64) error {
	return &Error{Kind: ErrNotFound, TaskID: id}
}

// NotFoundCodeError reports a missing task code.
func NotFoundCodeError(code string) error {
	return &Error{Kind: ErrNotFound, Code: code}
}

// DuplicateCodeError reports a code collision on create.
func DuplicateCodeError(code string) error {
	return &Error{Kind: ErrDuplicateCode, Code: code}
}

// TransitionError reports an illegal from -> to move.
func TransitionError(id int64, from, to State) error {
	return &Error{Kind: ErrInvalidTransition, TaskID: id, From: from, To: to}
}

// Validationf reports malformed input or a precondition the caller broke.
func Validationf(id int64, format string, args ...any) error {
	return &Error{Kind: ErrValidation, TaskID: id, Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lost race.
func ConflictError(id int64, msg string) error {
	return &Error{Kind: ErrClaimConflict, TaskID: id, Msg: msg}
}

// QuarantinedError rejects an operation on a quarantined task.
func QuarantinedError(id int64, msg string) error {
	return &Error{Kind: ErrQuarantined, TaskID: id, From: StateQuarantined, Msg: msg}
}

// ForbiddenError rejects an operation that needs an elevated caller.
func ForbiddenError(id int64, op string) error {
	return &Error{Kind: ErrForbidden, TaskID: id, Msg: op + " requires an elevated caller"}
}

// StorageError wraps a lower-layer failure. Typed errors pass through.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: ErrStorage, Msg: op, Err: err}
}
