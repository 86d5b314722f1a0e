package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/circuit"
	"github.com/proposalhub/apibridge/internal/logging"
	"github.com/proposalhub/apibridge/internal/metrics"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/api"
	"github.com/proposalhub/apibridge/pkg/health"
	"github.com/proposalhub/apibridge/pkg/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APIBRIDGE_"

// Transport kinds.
const (
	TransportHTTP        = "http"
	TransportObjectStore = "objectstore"
)

// Configuration represents the complete service configuration
type Configuration struct {
	Server    api.ServerConfig          `yaml:"server"`
	Logging   logging.Config            `yaml:"logging"`
	Bridge    bridge.Config             `yaml:"bridge"`
	Resources map[string]ResourceConfig `yaml:"resources"`
	Transport TransportConfig           `yaml:"transport"`
	Authz     AuthzConfig               `yaml:"authz"`
	Metrics   metrics.Config            `yaml:"metrics"`
	Health    health.Config             `yaml:"health"`
}

// ResourceConfig overrides bridge settings for one resource. Unset fields
// inherit from the bridge section.
type ResourceConfig struct {
	EnableCache         *bool          `yaml:"enable_cache"`
	CacheTTL            *time.Duration `yaml:"cache_ttl"`
	RetryAttempts       *int           `yaml:"retry_attempts"`
	Timeout             *time.Duration `yaml:"timeout"`
	RequireAuth         *bool          `yaml:"require_auth"`
	RequiredPermissions []string       `yaml:"required_permissions"`
	DefaultScope        authz.Scope    `yaml:"default_scope"`
	MaxEntries          *int           `yaml:"max_entries"`
}

// TransportConfig selects and configures the backend transport.
type TransportConfig struct {
	Kind        string                      `yaml:"kind"`
	HTTP        transport.HTTPConfig        `yaml:"http"`
	ObjectStore transport.ObjectStoreConfig `yaml:"objectstore"`
}

// AuthzConfig configures the authorization gate.
type AuthzConfig struct {
	// Policies maps a permission ("rfps:delete", "rfps:*" or "*") to a CEL expression.
	Policies     map[string]string `yaml:"policies"`
	DefaultAllow bool              `yaml:"default_allow"`
	Audit        bool              `yaml:"audit"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = 0 // inherits bridge.retry_attempts

	return &Configuration{
		Server:    api.DefaultServerConfig(),
		Logging:   logging.DefaultConfig(),
		Bridge:    bridge.DefaultConfig(),
		Resources: make(map[string]ResourceConfig),
		Transport: TransportConfig{
			Kind: TransportHTTP,
			HTTP: transport.HTTPConfig{
				BaseURL:          "http://localhost:3000/api",
				Timeout:          15 * time.Second,
				MaxResponseBytes: 10 << 20,
				Retry:            retryConfig,
				Circuit: circuit.Config{
					MaxRequests:      1,
					Interval:         60 * time.Second,
					Timeout:          30 * time.Second,
					FailureThreshold: 5,
				},
			},
			ObjectStore: transport.ObjectStoreConfig{
				Region:             "us-east-1",
				Prefix:             "apibridge/",
				MaxRetries:         3,
				MultipartThreshold: 32 << 20,
				MultipartChunkSize: 8 << 20,
				Concurrency:        4,
			},
		},
		Authz: AuthzConfig{
			Policies: map[string]string{
				"*": `"admin" in subject.roles`,
			},
			Audit: true,
		},
		Metrics: *metrics.DefaultConfig(),
		Health:  health.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, then validates it.
func Load(filename string) (*Configuration, error) {
	c := NewDefault()
	if filename != "" {
		if err := c.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies APIBRIDGE_* environment overrides.
func (c *Configuration) LoadFromEnv() error {
	e := envReader{}

	// Server and logging
	e.str("LISTEN_ADDR", &c.Server.Address)
	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_FILE", &c.Logging.File)

	// Bridge defaults
	e.boolean("CACHE_ENABLED", &c.Bridge.EnableCache)
	e.duration("CACHE_TTL", &c.Bridge.CacheTTL)
	e.integer("CACHE_MAX_ENTRIES", &c.Bridge.MaxEntries)
	e.integer("RETRY_ATTEMPTS", &c.Bridge.RetryAttempts)
	e.duration("TIMEOUT", &c.Bridge.Timeout)
	e.boolean("REQUIRE_AUTH", &c.Bridge.RequireAuth)
	if val := os.Getenv(EnvPrefix + "DEFAULT_SCOPE"); val != "" {
		scope, err := authz.ParseScope(val)
		if err != nil {
			e.fail("DEFAULT_SCOPE", err)
		} else {
			c.Bridge.DefaultScope = scope
		}
	}

	// Transport
	e.str("TRANSPORT", &c.Transport.Kind)
	e.str("BASE_URL", &c.Transport.HTTP.BaseURL)
	e.float("RATE_LIMIT", &c.Transport.HTTP.RateLimit)
	e.str("S3_BUCKET", &c.Transport.ObjectStore.Bucket)
	e.str("S3_PREFIX", &c.Transport.ObjectStore.Prefix)
	e.str("S3_REGION", &c.Transport.ObjectStore.Region)
	e.str("S3_ENDPOINT", &c.Transport.ObjectStore.Endpoint)

	// Authorization and monitoring
	e.boolean("AUTHZ_DEFAULT_ALLOW", &c.Authz.DefaultAllow)
	e.boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	return e.err
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	for _, name := range c.resourceNames() {
		if err := c.resourceConfig(name).Validate(); err != nil {
			return fmt.Errorf("resources.%s: %w", name, err)
		}
	}

	switch c.Transport.Kind {
	case TransportHTTP:
		if c.Transport.HTTP.BaseURL == "" {
			return fmt.Errorf("transport.http.base_url is required")
		}
	case TransportObjectStore:
		if c.Transport.ObjectStore.Bucket == "" {
			return fmt.Errorf("transport.objectstore.bucket is required")
		}
	default:
		return fmt.Errorf("invalid transport.kind: %s (must be one of: %s, %s)",
			c.Transport.Kind, TransportHTTP, TransportObjectStore)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	return nil
}

// BridgeConfigs returns the effective bridge configuration of each named
// resource: the bridge section with that resource's overrides applied.
func (c *Configuration) BridgeConfigs(names []string) map[string]bridge.Config {
	out := make(map[string]bridge.Config, len(names))
	for _, name := range names {
		out[name] = c.resourceConfig(name)
	}
	return out
}

// HTTPTransport returns the HTTP transport settings. An unset retry budget
// inherits bridge.retry_attempts.
func (c *Configuration) HTTPTransport() transport.HTTPConfig {
	cfg := c.Transport.HTTP
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = c.Bridge.RetryAttempts
	}
	return cfg
}

// ObjectStoreTransport returns the object store settings serving collections.
func (c *Configuration) ObjectStoreTransport(collections []string) transport.ObjectStoreConfig {
	cfg := c.Transport.ObjectStore
	if len(cfg.Collections) == 0 {
		cfg.Collections = collections
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = c.Bridge.RetryAttempts
	}
	return cfg
}

func (c *Configuration) resourceNames() []string {
	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Configuration) resourceConfig(name string) bridge.Config {
	cfg := c.Bridge
	cfg.RequiredPermissions = append([]string(nil), c.Bridge.RequiredPermissions...)

	o, ok := c.Resources[name]
	if !ok {
		return cfg
	}
	if o.EnableCache != nil {
		cfg.EnableCache = *o.EnableCache
	}
	if o.CacheTTL != nil {
		cfg.CacheTTL = *o.CacheTTL
	}
	if o.RetryAttempts != nil {
		cfg.RetryAttempts = *o.RetryAttempts
	}
	if o.Timeout != nil {
		cfg.Timeout = *o.Timeout
	}
	if o.RequireAuth != nil {
		cfg.RequireAuth = *o.RequireAuth
	}
	if o.RequiredPermissions != nil {
		cfg.RequiredPermissions = append([]string(nil), o.RequiredPermissions...)
	}
	if o.DefaultScope != "" {
		cfg.DefaultScope = o.DefaultScope
	}
	if o.MaxEntries != nil {
		cfg.MaxEntries = *o.MaxEntries
	}
	return cfg
}

// envReader applies APIBRIDGE_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	val := os.Getenv(EnvPrefix + name)
	return val, val != ""
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if val, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}
