package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/cache"
	"github.com/proposalhub/apibridge/pkg/errors"
)

// Config is the per-facade configuration. It is copied at construction and
// never changes afterwards.
type Config struct {
	EnableCache   bool          `yaml:"enable_cache"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	RetryAttempts int           `yaml:"retry_attempts"`
	Timeout       time.Duration `yaml:"timeout"`
	RequireAuth   bool          `yaml:"require_auth"`
	// RequiredPermissions lists the "<resource>:<action>" permissions the
	// facade enables. Each is checked by the gate on its own; an action
	// outside the list is denied without asking the checker. An empty list
	// means DefaultPermissions plus the facade's extension actions.
	RequiredPermissions []string    `yaml:"required_permissions"`
	DefaultScope        authz.Scope `yaml:"default_scope"`

	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the facade defaults.
func DefaultConfig() Config {
	return Config{
		EnableCache:   true,
		CacheTTL:      5 * time.Minute,
		RetryAttempts: 3,
		Timeout:       15 * time.Second,
		RequireAuth:   true,
		DefaultScope:  authz.ScopeTeam,
		MaxEntries:    1000,
	}
}

// DefaultPermissions returns the CRUD permission set of a resource, followed
// by the permissions of its extension actions.
func DefaultPermissions(resource string, extra ...authz.Action) []string {
	actions := append([]authz.Action{
		authz.ActionRead,
		authz.ActionCreate,
		authz.ActionUpdate,
		authz.ActionDelete,
	}, extra...)

	permissions := make([]string, 0, len(actions))
	for _, action := range actions {
		p := authz.Permission(resource, action)
		if !contains(permissions, p) {
			permissions = append(permissions, p)
		}
	}
	return permissions
}

// Validate reports the first invalid setting as an INVALID_CONFIG error.
func (c Config) Validate() error {
	if c.CacheTTL < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "cache_ttl must not be negative, got %s", c.CacheTTL)
	}
	if c.RetryAttempts < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	if c.Timeout < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "timeout must not be negative, got %s", c.Timeout)
	}
	if c.MaxEntries < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "max_entries must not be negative, got %d", c.MaxEntries)
	}
	if c.CleanupInterval < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "cleanup_interval must not be negative, got %s", c.CleanupInterval)
	}
	if _, err := authz.ParseScope(string(c.DefaultScope)); err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).WithCause(err)
	}
	for _, p := range c.RequiredPermissions {
		if resource, action, ok := strings.Cut(p, ":"); !ok || resource == "" || action == "" {
			return errors.Newf(errors.ErrCodeInvalidConfig, "required permission %q must look like <resource>:<action>", p)
		}
	}
	return nil
}

// enables reports whether action on resource is in the permission set.
func (c Config) enables(resource string, action authz.Action) bool {
	return contains(c.RequiredPermissions, authz.Permission(resource, action))
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (c Config) cacheConfig() *cache.Config {
	return &cache.Config{
		Enabled:         c.EnableCache,
		TTL:             c.CacheTTL,
		MaxEntries:      c.MaxEntries,
		CleanupInterval: c.CleanupInterval,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("cache=%t ttl=%s timeout=%s auth=%t scope=%s",
		c.EnableCache, c.CacheTTL, c.Timeout, c.RequireAuth, c.DefaultScope)
}
