package resources

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/errors"
)

// AdminUsersResource is the registry name of the admin users facade.
const AdminUsersResource = "admin-users"

// AdminUsersEndpoint is the backend collection of admin users.
const AdminUsersEndpoint = "/admin/users"

// OpValidateFields is the operation name of remote field validation.
const OpValidateFields = "validateFields"

// MaxNameLength bounds an admin user's display name.
const MaxNameLength = 100

// Roles an admin user may hold.
var Roles = []string{"admin", "manager", "editor", "viewer"}

// AdminUser is a managed user account.
type AdminUser struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	TeamID    string `json:"team_id,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ValidationResult is the backend's verdict on a set of user fields.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors,omitempty"`
}

// AdminUsers is the admin users facade.
type AdminUsers struct {
	*bridge.Facade[AdminUser]
}

// NewAdminUsers builds a standalone admin users facade.
func NewAdminUsers(t transport.Transport, opts ...bridge.Option) (*AdminUsers, error) {
	opts = append([]bridge.Option{
		bridge.WithEndpoint(AdminUsersEndpoint),
		bridge.WithActions(extensionActions[AdminUsersResource]...),
	}, opts...)
	f, err := bridge.New[AdminUser](AdminUsersResource, t, opts...)
	if err != nil {
		return nil, err
	}
	return &AdminUsers{Facade: f}, nil
}

// ValidateFields checks user locally and then asks the backend, which may
// apply rules such as email uniqueness. Local failures never reach the
// transport. The call is gated by the validate action and never cached.
func (u *AdminUsers) ValidateFields(ctx context.Context, user AdminUser) (ValidationResult, error) {
	call := bridge.Call{
		Name:   OpValidateFields,
		Action: authz.ActionValidate,
		Method: transport.MethodPost,
		Path:   "/validate",
		Body:   user,
	}
	if problems := CheckUserFields(user); len(problems) > 0 {
		call.Reject = errors.Validation("%s", formatProblems(problems))
	}
	return bridge.Invoke[ValidationResult](ctx, u.Facade, call)
}

// CheckUserFields returns a problem description per invalid field.
func CheckUserFields(user AdminUser) map[string]string {
	problems := make(map[string]string)

	email := strings.TrimSpace(user.Email)
	switch {
	case email == "":
		problems["email"] = "is required"
	default:
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
			problems["email"] = "is not a valid address"
		}
	}

	name := strings.TrimSpace(user.Name)
	switch {
	case name == "":
		problems["name"] = "is required"
	case len([]rune(name)) > MaxNameLength:
		problems["name"] = fmt.Sprintf("must be at most %d characters", MaxNameLength)
	}

	if !validRole(user.Role) {
		problems["role"] = "must be one of " + strings.Join(Roles, ", ")
	}

	return problems
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

func formatProblems(problems map[string]string) string {
	fields := make([]string, 0, len(problems))
	for field := range problems {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+" "+problems[field])
	}
	return strings.Join(parts, "; ")
}
