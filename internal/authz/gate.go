// Package authz wraps bridge operations with a permission check and audit
// emission. The decision itself is delegated to a PermissionChecker; the gate
// implements no policy of its own.
package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/proposalhub/apibridge/pkg/errors"
)

// Request describes one access decision.
type Request struct {
	Resource   string  `json:"resource"`
	Action     Action  `json:"action"`
	Scope      Scope   `json:"scope"`
	Permission string  `json:"permission"`
	Subject    Subject `json:"subject"`
}

// PermissionChecker is the external RBAC collaborator.
type PermissionChecker interface {
	Check(ctx context.Context, req Request) (bool, error)
}

// CheckerFunc adapts a function to the PermissionChecker interface.
type CheckerFunc func(ctx context.Context, req Request) (bool, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// AllowAll grants every request.
var AllowAll PermissionChecker = CheckerFunc(func(context.Context, Request) (bool, error) {
	return true, nil
})

// DenyAll denies every request.
var DenyAll PermissionChecker = CheckerFunc(func(context.Context, Request) (bool, error) {
	return false, nil
})

// Gate checks access and emits an audit record for every decision.
type Gate struct {
	checker PermissionChecker
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAuditor sets the audit sink.
func WithAuditor(auditor Auditor) GateOption {
	return func(g *Gate) {
		if auditor != nil {
			g.auditor = auditor
		}
	}
}

// WithLogger sets the logger used for contained auditor panics.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock replaces the clock used to stamp audit records.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a gate delegating decisions to checker. A nil checker
// denies everything.
func NewGate(checker PermissionChecker, opts ...GateOption) *Gate {
	if checker == nil {
		checker = DenyAll
	}

	g := &Gate{
		checker: checker,
		auditor: NopAuditor{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "authz")
	return g
}

// CheckAccess asks the checker whether the subject on ctx may perform action
// on resource within scope. A denial, or a checker failure, is audited and
// returned as a non-retryable ACCESS_DENIED error. A grant is audited and
// returns nil.
func (g *Gate) CheckAccess(ctx context.Context, resource string, action Action, scope Scope) error {
	req := newRequest(ctx, resource, action, scope)

	allowed, checkErr := g.check(ctx, req)

	record := g.record(req, allowed && checkErr == nil)
	if checkErr != nil {
		record.Error = checkErr.Error()
	} else if !allowed {
		record.Error = "permission denied"
	}
	g.Audit(ctx, record)

	if checkErr != nil || !allowed {
		denied := errors.AccessDenied(resource, string(action))
		if checkErr != nil {
			denied = denied.WithCause(checkErr)
		}
		return denied
	}
	return nil
}

// Deny refuses action without consulting the checker, for actions the
// resource does not enable. The denial is audited with reason.
func (g *Gate) Deny(ctx context.Context, resource string, action Action, scope Scope, reason string) error {
	record := g.record(newRequest(ctx, resource, action, scope), false)
	record.Error = reason
	g.Audit(ctx, record)
	return errors.AccessDenied(resource, string(action))
}

func newRequest(ctx context.Context, resource string, action Action, scope Scope) Request {
	subject, _ := SubjectFrom(ctx)
	return Request{
		Resource:   resource,
		Action:     action,
		Scope:      scope,
		Permission: Permission(resource, action),
		Subject:    subject,
	}
}

func (g *Gate) check(ctx context.Context, req Request) (allowed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("permission checker panicked", "panic", r, "permission", req.Permission)
			allowed, err = false, errors.Newf(errors.ErrCodeUnknownError, "permission checker panicked: %v", r)
		}
	}()
	return g.checker.Check(ctx, req)
}

// Audit emits record to the configured auditor. A panicking auditor is
// logged and never affects the caller.
func (g *Gate) Audit(ctx context.Context, record Record) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = g.now()
	}
	safeAudit(ctx, g.auditor, record, g.logger)
}

// FailureRecord builds the audit record for a failed operation that passed
// the gate.
func (g *Gate) FailureRecord(ctx context.Context, resource string, action Action, scope Scope, cause error) Record {
	record := g.record(newRequest(ctx, resource, action, scope), false)
	if cause != nil {
		record.Error = cause.Error()
	}
	return record
}

func (g *Gate) record(req Request, success bool) Record {
	return Record{
		ID:         uuid.NewString(),
		Resource:   req.Resource,
		Action:     req.Action,
		Scope:      req.Scope,
		Permission: req.Permission,
		Subject:    req.Subject.ID,
		Success:    success,
		Timestamp:  g.now(),
	}
}
