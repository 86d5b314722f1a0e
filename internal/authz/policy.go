package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

// PolicyChecker decides access by evaluating CEL expressions keyed by
// permission. Lookup tries the exact permission ("rfps:delete"), then the
// resource wildcard ("rfps:*"), then "*".
//
// Expressions see the variables subject (map with id, roles, team), resource,
// action, scope and permission, and must evaluate to a bool:
//
//	"rfps:delete": `"admin" in subject.roles || scope == "OWN"`
type PolicyChecker struct {
	programs     map[string]cel.Program
	defaultAllow bool
}

// NewPolicyChecker compiles policies. Permissions without a matching policy
// are granted only when defaultAllow is set.
func NewPolicyChecker(policies map[string]string, defaultAllow bool) (*PolicyChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("permission", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}

	keys := make([]string, 0, len(policies))
	for key := range policies {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	programs := make(map[string]cel.Program, len(policies))
	for _, key := range keys {
		ast, issues := env.Compile(policies[key])
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %q: %w", key, issues.Err())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", key, err)
		}
		programs[key] = prg
	}

	return &PolicyChecker{programs: programs, defaultAllow: defaultAllow}, nil
}

// Check evaluates the policy matching req.
func (p *PolicyChecker) Check(ctx context.Context, req Request) (bool, error) {
	prg, ok := p.lookup(req)
	if !ok {
		return p.defaultAllow, nil
	}

	roles := req.Subject.Roles
	if roles == nil {
		roles = []string{}
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"subject": map[string]any{
			"id":    req.Subject.ID,
			"roles": roles,
			"team":  req.Subject.TeamID,
		},
		"resource":   req.Resource,
		"action":     string(req.Action),
		"scope":      string(req.Scope),
		"permission": req.Permission,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating policy for %s: %w", req.Permission, err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy for %s returned %T, want bool", req.Permission, out.Value())
	}
	return allowed, nil
}

func (p *PolicyChecker) lookup(req Request) (cel.Program, bool) {
	for _, key := range []string{req.Permission, req.Resource + ":*", "*"} {
		if prg, ok := p.programs[key]; ok {
			return prg, true
		}
	}
	return nil, false
}
