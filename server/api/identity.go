package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/task"
)

// Roles carried in API tokens.
const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

// Identity is the authenticated principal of a request.
type Identity struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

type contextKey int

const ctxKeyIdentity contextKey = 0

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}

// caller converts the request identity into an engine caller.
func caller(r *http.Request) engine.Caller {
	id, _ := IdentityFrom(r.Context())
	return engine.Caller{ID: id.Subject, Elevated: id.Role == RoleAdmin}
}

// resolveWorker decides which worker a request acts for. Admins may act for
// any worker; everyone else acts as their own token subject.
func resolveWorker(r *http.Request, taskID int64, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	id, ok := IdentityFrom(r.Context())
	if !ok || id.Role == RoleAdmin {
		if requested == "" && ok {
			return id.Subject, nil
		}
		return requested, nil
	}
	if requested != "" && requested != id.Subject {
		return "", task.ForbiddenError(taskID, "act as worker "+requested)
	}
	return id.Subject, nil
}
