package bridge

import (
	"log/slog"
	"time"

	"github.com/proposalhub/apibridge/internal/authz"
)

// HealthRecorder is fed with the outcome of every transport call.
type HealthRecorder interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
}

type options struct {
	config    *Config
	gate      *authz.Gate
	analytics AnalyticsSink
	logger    *slog.Logger
	now       func() time.Time
	health    HealthRecorder
	endpoint  string
	actions   []authz.Action
}

// Option configures a Facade. Options are independent of the item type, so
// one option set can be shared by facades of different resources.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(o *options) {
		o.config = &config
	}
}

// WithGate sets the authorization gate. A facade that requires auth cannot
// be built without one.
func WithGate(gate *authz.Gate) Option {
	return func(o *options) {
		o.gate = gate
	}
}

// WithAnalytics sets the initial analytics sink.
func WithAnalytics(sink AnalyticsSink) Option {
	return func(o *options) {
		o.analytics = sink
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces the clock used for cache TTLs and durations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHealth reports transport outcomes to a health tracker.
func WithHealth(health HealthRecorder) Option {
	return func(o *options) {
		o.health = health
	}
}

// WithEndpoint overrides the base endpoint, which defaults to "/<resource>".
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithActions declares the extension actions of a resource, such as
// validate. Their permissions join the default permission set.
func WithActions(actions ...authz.Action) Option {
	return func(o *options) {
		o.actions = append(o.actions, actions...)
	}
}
