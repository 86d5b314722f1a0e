package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/errors"
)

// Handle is the item-type-free view of a facade, used by callers that serve
// every resource the same way, such as the HTTP API.
type Handle interface {
	Resource() string
	List(ctx context.Context, params map[string]string) (any, error)
	Get(ctx context.Context, id string) (any, error)
	CreateRaw(ctx context.Context, payload json.RawMessage) (any, error)
	UpdateRaw(ctx context.Context, id string, payload json.RawMessage) (any, error)
	Delete(ctx context.Context, id string) error
	ClearCache(pattern string) int
	Stats() Stats
	Close() error
}

// List implements Handle.
func (f *Facade[T]) List(ctx context.Context, params map[string]string) (any, error) {
	items, err := f.FetchList(ctx, params)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Get implements Handle.
func (f *Facade[T]) Get(ctx context.Context, id string) (any, error) {
	item, err := f.FetchOne(ctx, id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateRaw implements Handle.
func (f *Facade[T]) CreateRaw(ctx context.Context, payload json.RawMessage) (any, error) {
	item, err := f.Create(ctx, rawPayload(payload))
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateRaw implements Handle.
func (f *Facade[T]) UpdateRaw(ctx context.Context, id string, payload json.RawMessage) (any, error) {
	item, err := f.Update(ctx, id, rawPayload(payload))
	if err != nil {
		return nil, err
	}
	return item, nil
}

func rawPayload(payload json.RawMessage) any {
	if isEmpty(payload) {
		return nil
	}
	return payload
}

// Registry owns exactly one facade per resource name. Facades are created by
// Init and released by Teardown; nothing is constructed implicitly.
type Registry struct {
	mu      sync.RWMutex
	facades map[string]Handle
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		facades: make(map[string]Handle),
		logger:  logger.With("component", "registry"),
	}
}

// Init creates and registers the facade for resource. Initializing a
// resource twice fails with ALREADY_INITIALIZED.
func Init[T any](r *Registry, resource string, t transport.Transport, opts ...Option) (*Facade[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.facades[resource]; exists {
		return nil, errors.Newf(errors.ErrCodeAlreadyInitialized, "%s is already initialized", resource).
			WithOperation("init").WithResource(resource)
	}

	f, err := New[T](resource, t, opts...)
	if err != nil {
		return nil, err
	}
	r.facades[resource] = f
	r.logger.Info("resource initialized", "resource", resource, "endpoint", f.Endpoint())
	return f, nil
}

// Lookup returns the facade registered for resource. An unknown resource
// fails with NOT_INITIALIZED, an item type mismatch with INVALID_CONFIG.
func Lookup[T any](r *Registry, resource string) (*Facade[T], error) {
	h, err := r.Get(resource)
	if err != nil {
		return nil, err
	}
	f, ok := h.(*Facade[T])
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "%s is registered with a different item type", resource).
			WithOperation("lookup").WithResource(resource)
	}
	return f, nil
}

// Get returns the type-free handle of resource.
func (r *Registry) Get(resource string) (Handle, error) {
	r.mu.RLock()
	h, ok := r.facades[resource]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotInitialized, "%s is not initialized", resource).
			WithOperation("lookup").WithResource(resource)
	}
	return h, nil
}

// Resources returns the registered resource names, sorted.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.facades))
	for name := range r.facades {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the stats of every registered facade, sorted by resource.
func (r *Registry) Stats() []Stats {
	names := r.Resources()
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		if h, err := r.Get(name); err == nil {
			out = append(out, h.Stats())
		}
	}
	return out
}

// Teardown closes and unregisters the facade of resource. Tearing down an
// unknown resource fails with NOT_INITIALIZED.
func (r *Registry) Teardown(resource string) error {
	r.mu.Lock()
	h, ok := r.facades[resource]
	delete(r.facades, resource)
	r.mu.Unlock()

	if !ok {
		return errors.Newf(errors.ErrCodeNotInitialized, "%s is not initialized", resource).
			WithOperation("teardown").WithResource(resource)
	}
	if err := h.Close(); err != nil {
		return errors.Normalize(err, "teardown").WithResource(resource)
	}
	r.logger.Info("resource torn down", "resource", resource)
	return nil
}

// TeardownAll closes every facade and empties the registry.
func (r *Registry) TeardownAll() error {
	r.mu.Lock()
	facades := r.facades
	r.facades = make(map[string]Handle)
	r.mu.Unlock()

	var first error
	for name, h := range facades {
		if err := h.Close(); err != nil && first == nil {
			first = errors.Normalize(err, "teardown").WithResource(name)
		}
	}
	r.logger.Info("registry torn down", "resources", len(facades))
	return first
}
