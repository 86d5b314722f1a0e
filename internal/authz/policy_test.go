package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyChecker(t *testing.T) {
	checker, err := NewPolicyChecker(map[string]string{
		"rfps:delete":      `"admin" in subject.roles`,
		"rfps:*":           `subject.id != ""`,
		"workflows:update": `scope == "OWN" || ("manager" in subject.roles && subject.team != "")`,
	}, false)
	require.NoError(t, err)

	admin := Subject{ID: "u-1", Roles: []string{"admin"}}
	editor := Subject{ID: "u-2", Roles: []string{"editor"}}
	manager := Subject{ID: "u-3", Roles: []string{"manager"}, TeamID: "t-1"}

	tests := []struct {
		name    string
		req     Request
		allowed bool
	}{
		{"admin may delete", Request{Resource: "rfps", Action: ActionDelete, Subject: admin}, true},
		{"editor may not delete", Request{Resource: "rfps", Action: ActionDelete, Subject: editor}, false},
		{"resource wildcard grants read", Request{Resource: "rfps", Action: ActionRead, Subject: editor}, true},
		{"wildcard requires a subject", Request{Resource: "rfps", Action: ActionRead}, false},
		{"own scope update", Request{Resource: "workflows", Action: ActionUpdate, Scope: ScopeOwn, Subject: editor}, true},
		{"team manager update", Request{Resource: "workflows", Action: ActionUpdate, Scope: ScopeTeam, Subject: manager}, true},
		{"team editor update", Request{Resource: "workflows", Action: ActionUpdate, Scope: ScopeTeam, Subject: editor}, false},
		{"no policy falls back to default", Request{Resource: "admin-users", Action: ActionRead, Subject: admin}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Permission = Permission(tt.req.Resource, tt.req.Action)
			allowed, err := checker.Check(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, allowed)
		})
	}
}

func TestPolicyChecker_GlobalWildcardAndDefault(t *testing.T) {
	checker, err := NewPolicyChecker(map[string]string{"*": `action == "read"`}, false)
	require.NoError(t, err)

	allowed, err := checker.Check(context.Background(), Request{Resource: "rfps", Action: ActionRead, Permission: "rfps:read"})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = checker.Check(context.Background(), Request{Resource: "rfps", Action: ActionCreate, Permission: "rfps:create"})
	require.NoError(t, err)
	assert.False(t, allowed)

	open, err := NewPolicyChecker(nil, true)
	require.NoError(t, err)
	allowed, err = open.Check(context.Background(), Request{Resource: "rfps", Action: ActionDelete, Permission: "rfps:delete"})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestPolicyChecker_CompileErrors(t *testing.T) {
	_, err := NewPolicyChecker(map[string]string{"rfps:read": `subject.roles +`}, false)
	assert.Error(t, err)

	_, err = NewPolicyChecker(map[string]string{"rfps:read": `unknown_variable == 1`}, false)
	assert.Error(t, err)
}

func TestPolicyChecker_NonBoolResult(t *testing.T) {
	checker, err := NewPolicyChecker(map[string]string{"rfps:read": `subject.id`}, false)
	require.NoError(t, err)

	_, err = checker.Check(context.Background(), Request{
		Resource:   "rfps",
		Action:     ActionRead,
		Permission: "rfps:read",
		Subject:    Subject{ID: "u-1"},
	})
	assert.Error(t, err)
}

func TestPolicyChecker_ThroughGate(t *testing.T) {
	checker, err := NewPolicyChecker(map[string]string{"rfps:read": `"viewer" in subject.roles`}, false)
	require.NoError(t, err)
	gate := NewGate(checker)

	viewer := WithSubject(context.Background(), Subject{ID: "u-1", Roles: []string{"viewer"}})
	assert.NoError(t, gate.CheckAccess(viewer, "rfps", ActionRead, ScopeTeam))
	assert.Error(t, gate.CheckAccess(context.Background(), "rfps", ActionRead, ScopeTeam))
}
