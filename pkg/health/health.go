// Package health tracks per-component health from operation outcomes and
// derives an overall service state.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/proposalhub/apibridge/pkg/errors"
)

// State is the health of one component or of the whole service.
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates upstream failures are accumulating
	StateDegraded

	// StateReadOnly indicates writes are failing while reads may still work
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Component is a snapshot of one component's health.
type Component struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastCheck            time.Time `json:"last_check"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastError            string    `json:"last_error,omitempty"`
}

// Config configures state transitions.
type Config struct {
	// ErrorThreshold is the number of consecutive errors before a component degrades
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before it is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes to become healthy again
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`

	// CheckInterval is the period of Run's active checks
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
		CheckInterval:        30 * time.Second,
	}
}

// Validate checks that the thresholds are ordered.
func (c Config) Validate() error {
	if c.ErrorThreshold <= 0 {
		return fmt.Errorf("error_threshold must be greater than 0")
	}
	if c.UnavailableThreshold < c.ErrorThreshold {
		return fmt.Errorf("unavailable_threshold must be at least error_threshold")
	}
	if c.RecoveryThreshold <= 0 {
		return fmt.Errorf("recovery_threshold must be greater than 0")
	}
	return nil
}

// ChangeFunc observes state transitions. It runs on its own goroutine.
type ChangeFunc func(component string, from, to State, err error)

// Tracker tracks the health of registered components. Outcomes recorded for
// unknown components are ignored.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*Component
	config     Config
	onChange   []ChangeFunc
	now        func() time.Time
}

// NewTracker creates a tracker. Non-positive thresholds take their defaults.
func NewTracker(config Config) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	return &Tracker{
		components: make(map[string]*Component),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent starts tracking name as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &Component{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
}

// UnregisterComponent stops tracking name.
func (t *Tracker) UnregisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.components, name)
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	c, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	c.LastCheck = t.now()
	c.ConsecutiveSuccesses++
	from := c.State
	switch {
	case c.State == StateHealthy:
		c.ConsecutiveErrors = 0
	case c.ConsecutiveSuccesses >= t.config.RecoveryThreshold:
		t.transition(c, StateHealthy)
	}
	to := c.State
	t.mu.Unlock()

	if from != to {
		t.notify(component, from, to, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	c, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	c.LastCheck = t.now()
	c.ConsecutiveErrors++
	c.ConsecutiveSuccesses = 0
	if err != nil {
		c.LastError = err.Error()
	}

	from := c.State
	next := from
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		next = StateUnavailable
	case c.ConsecutiveErrors >= t.config.ErrorThreshold:
		next = StateDegraded
		if from == StateReadOnly || isWriteError(err) {
			next = StateReadOnly
		}
	}
	if next != from {
		t.transition(c, next)
	}
	t.mu.Unlock()

	if next != from {
		t.notify(component, from, next, err)
	}
}

// GetState returns the state of a component; unknown components are unavailable.
func (t *Tracker) GetState(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[component]; exists {
		return c.State
	}
	return StateUnavailable
}

// GetComponent returns a copy of a component's health.
func (t *Tracker) GetComponent(component string) (Component, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[component]
	if !exists {
		return Component{}, fmt.Errorf("component %s not registered", component)
	}
	return *c, nil
}

// Components returns copies of all components sorted by name.
func (t *Tracker) Components() []Component {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst component state, or healthy with no components.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// IsHealthy reports whether the component is healthy.
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead reports whether reads against the component are expected to work.
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite reports whether writes against the component are expected to work.
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// OnStateChange registers fn for every transition.
func (t *Tracker) OnStateChange(fn ChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Run calls check for every component each CheckInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context, check func(ctx context.Context, component string) error) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(ctx, check)
		}
	}
}

// CheckAll runs check once per component and records the outcome.
func (t *Tracker) CheckAll(ctx context.Context, check func(ctx context.Context, component string) error) {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range names {
		if err := check(ctx, name); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// transition must be called with the lock held.
func (t *Tracker) transition(c *Component, to State) {
	c.State = to
	c.LastStateChange = t.now()
	if to == StateHealthy {
		c.ConsecutiveErrors = 0
		c.LastError = ""
	}
}

func (t *Tracker) notify(component string, from, to State, err error) {
	t.mu.RLock()
	callbacks := append([]ChangeFunc(nil), t.onChange...)
	t.mu.RUnlock()

	for _, fn := range callbacks {
		go fn(component, from, to, err)
	}
}

// isWriteError reports whether err came from a write operation.
func isWriteError(err error) bool {
	bridgeErr, ok := errors.As(err)
	if !ok {
		return false
	}
	switch bridgeErr.Operation {
	case "create", "update", "delete":
		return true
	}
	return false
}
