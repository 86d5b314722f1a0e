package authz

import (
	"context"
	"fmt"
	"strings"
)

// Action is an operation category checked independently by the gate.
type Action string

const (
	ActionRead     Action = "read"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionValidate Action = "validate"
)

// Scope bounds which records a caller may act upon.
type Scope string

const (
	ScopeOwn  Scope = "OWN"
	ScopeTeam Scope = "TEAM"
	ScopeAll  Scope = "ALL"
)

// ParseScope parses a scope name, case-insensitively.
func ParseScope(s string) (Scope, error) {
	switch scope := Scope(strings.ToUpper(strings.TrimSpace(s))); scope {
	case ScopeOwn, ScopeTeam, ScopeAll:
		return scope, nil
	default:
		return "", fmt.Errorf("invalid scope %q: must be one of OWN, TEAM, ALL", s)
	}
}

// Subject identifies the caller on whose behalf an operation runs.
type Subject struct {
	ID     string   `json:"id"`
	Roles  []string `json:"roles,omitempty"`
	TeamID string   `json:"team_id,omitempty"`
}

type subjectKey struct{}
type scopeKey struct{}

// WithSubject returns a context carrying the caller's identity.
func WithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the subject stored on ctx.
func SubjectFrom(ctx context.Context) (Subject, bool) {
	subject, ok := ctx.Value(subjectKey{}).(Subject)
	return subject, ok
}

// WithScope returns a context carrying the requested scope.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope stored on ctx.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok && scope != ""
}

// Permission names the permission guarding action on resource.
func Permission(resource string, action Action) string {
	return resource + ":" + string(action)
}
