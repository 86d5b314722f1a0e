// Package bridge provides the per-resource facade that combines a TTL cache,
// in-flight request coalescing, an authorization gate and error
// normalization over a transport.
//
// Every facade method returns (value, error). A non-nil error is always a
// *errors.BridgeError that has been normalized exactly once.
//
// Reads go through the cache first. On a miss the call is coordinated, so
// concurrent identical reads cause one transport call. Authorization runs
// inside the coordinated call, which means a cache hit is served without a
// gate check and waiters that join an in-flight read share its decision.
// Cache entries and in-flight calls are keyed by the caller's identity and
// scope, so a hit only returns data the same caller was granted.
//
// Writes are never cached or coalesced. A successful write invalidates the
// cached lists, every cached idempotent extension read, and the detail entry
// of the record it touched. A read that was in flight across a write does not
// store its result.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/cache"
	"github.com/proposalhub/apibridge/internal/coordinator"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/errors"
)

// Operation names used in errors, cache keys and analytics.
const (
	OpFetchList = "fetchList"
	OpFetchOne  = "fetchOne"
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
)

// pathParam is the cache-key parameter holding an extension's sub-path.
const pathParam = "_path"

// identitySeparator joins a cache key and the caller's identity. Key
// parameters are URL-encoded, so it cannot occur inside them.
const identitySeparator = "#"

// Facade is the orchestrator for one resource type.
type Facade[T any] struct {
	resource  string
	endpoint  string
	transport transport.Transport
	config    Config

	cache *cache.Store
	coord *coordinator.Coordinator
	gate  *authz.Gate

	health HealthRecorder
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	analytics  AnalyticsSink
	extensions map[string]struct{}

	// generation counts successful writes. writeMu orders cache fills
	// against invalidation.
	writeMu    sync.Mutex
	generation uint64

	closed atomic.Bool
}

// Stats is a point-in-time view of a facade's cache and coordinator.
type Stats struct {
	Resource    string            `json:"resource"`
	Cache       cache.Stats       `json:"cache"`
	Coordinator coordinator.Stats `json:"coordinator"`
}

// Call describes a resource-specific extension operation.
type Call struct {
	// Name is the operation name reported in errors and analytics.
	Name string
	// Action is the gated action. Empty means read for GET calls.
	Action authz.Action
	// Method defaults to GET.
	Method transport.Method
	// Path is appended to the facade endpoint.
	Path string
	// Params are sent as the query string and identify cached results.
	Params map[string]string
	Body   any
	// Idempotent calls are cached and coalesced like reads.
	Idempotent bool
	// Reject fails the call before authorization and transport.
	Reject error
}

// New builds the facade for resource. The configuration defaults to
// DefaultConfig and is validated. A facade that requires authorization must
// be given a gate.
func New[T any](resource string, t transport.Transport, opts ...Option) (*Facade[T], error) {
	o := options{
		analytics: NopSink{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	config := DefaultConfig()
	if o.config != nil {
		config = *o.config
	}
	if len(config.RequiredPermissions) == 0 {
		config.RequiredPermissions = DefaultPermissions(resource, o.actions...)
	} else {
		config.RequiredPermissions = append([]string(nil), config.RequiredPermissions...)
	}

	if strings.TrimSpace(resource) == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "resource name is required")
	}
	if t == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "transport is required for %s", resource).WithResource(resource)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Normalize(err, "init").WithResource(resource)
	}
	if config.RequireAuth && o.gate == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "%s requires authorization but no gate was given", resource).WithResource(resource)
	}
	if o.analytics == nil {
		o.analytics = NopSink{}
	}

	endpoint := o.endpoint
	if endpoint == "" {
		endpoint = "/" + resource
	}

	f := &Facade[T]{
		resource:   resource,
		endpoint:   strings.TrimRight(endpoint, "/"),
		transport:  t,
		config:     config,
		cache:      cache.New(config.cacheConfig(), cache.WithClock(o.now)),
		coord:      coordinator.New(config.Timeout),
		gate:       o.gate,
		health:     o.health,
		logger:     o.logger.With("component", "bridge", "resource", resource),
		now:        o.now,
		analytics:  o.analytics,
		extensions: make(map[string]struct{}),
	}

	f.logger.Debug("facade initialized", "endpoint", f.endpoint, "config", config.String())
	return f, nil
}

// Resource returns the resource name.
func (f *Facade[T]) Resource() string {
	return f.resource
}

// Endpoint returns the base endpoint.
func (f *Facade[T]) Endpoint() string {
	return f.endpoint
}

// Config returns a copy of the configuration.
func (f *Facade[T]) Config() Config {
	c := f.config
	c.RequiredPermissions = append([]string(nil), f.config.RequiredPermissions...)
	return c
}

// FetchList returns the items matching params. An empty result is an empty,
// non-nil slice.
func (f *Facade[T]) FetchList(ctx context.Context, params map[string]string) ([]T, error) {
	var items []T
	err := f.execute(ctx, operation{
		name:     OpFetchList,
		action:   authz.ActionRead,
		method:   transport.MethodGet,
		endpoint: f.endpoint + encodeQuery(params),
		cacheKey: cache.Key(f.resource, OpFetchList, params),
		decode:   decodeInto(&items),
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// FetchOne returns the item with id.
func (f *Facade[T]) FetchOne(ctx context.Context, id string) (T, error) {
	var item T
	op := operation{
		name:     OpFetchOne,
		action:   authz.ActionRead,
		method:   transport.MethodGet,
		endpoint: f.itemEndpoint(id),
		cacheKey: f.detailKey(id),
		decode: func(data json.RawMessage) error {
			if isEmpty(data) {
				return errors.Newf(errors.ErrCodeNotFound, "%s %s not found", f.resource, id)
			}
			return decodeInto(&item)(data)
		},
	}
	if id == "" {
		op.invalid = errors.Validation("%s id is required", f.resource)
	}
	if err := f.execute(ctx, op); err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Create posts payload and returns the created item.
func (f *Facade[T]) Create(ctx context.Context, payload any) (T, error) {
	var item T
	op := operation{
		name:       OpCreate,
		action:     authz.ActionCreate,
		method:     transport.MethodPost,
		endpoint:   f.endpoint,
		body:       payload,
		decode:     decodeInto(&item),
		invalidate: func() { f.invalidateAfterWrite("") },
	}
	if payload == nil {
		op.invalid = errors.Validation("%s payload is required", f.resource)
	}
	if err := f.execute(ctx, op); err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Update patches the item with id and returns the updated item.
func (f *Facade[T]) Update(ctx context.Context, id string, payload any) (T, error) {
	var item T
	op := operation{
		name:       OpUpdate,
		action:     authz.ActionUpdate,
		method:     transport.MethodPatch,
		endpoint:   f.itemEndpoint(id),
		body:       payload,
		decode:     decodeInto(&item),
		invalidate: func() { f.invalidateAfterWrite(id) },
	}
	switch {
	case id == "":
		op.invalid = errors.Validation("%s id is required", f.resource)
	case payload == nil:
		op.invalid = errors.Validation("%s payload is required", f.resource)
	}
	if err := f.execute(ctx, op); err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Delete removes the item with id.
func (f *Facade[T]) Delete(ctx context.Context, id string) error {
	op := operation{
		name:       OpDelete,
		action:     authz.ActionDelete,
		method:     transport.MethodDelete,
		endpoint:   f.itemEndpoint(id),
		invalidate: func() { f.invalidateAfterWrite(id) },
	}
	if id == "" {
		op.invalid = errors.Validation("%s id is required", f.resource)
	}
	return f.execute(ctx, op)
}

// Invoke runs an extension call and returns its raw data.
func (f *Facade[T]) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	var out json.RawMessage
	if err := f.InvokeInto(ctx, call, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvokeInto runs an extension call and decodes its data into out. A nil
// out discards the data.
func (f *Facade[T]) InvokeInto(ctx context.Context, call Call, out any) error {
	method := call.Method
	if method == "" {
		method = transport.MethodGet
	}
	action := call.Action
	if action == "" && method == transport.MethodGet {
		action = authz.ActionRead
	}

	op := operation{
		name:     call.Name,
		action:   action,
		method:   method,
		endpoint: f.endpoint + call.Path + encodeQuery(call.Params),
		body:     call.Body,
	}
	if out != nil {
		op.decode = decodeInto(out)
	}

	switch {
	case call.Name == "":
		op.name = "invoke"
		op.invalid = errors.Validation("%s extension call needs a name", f.resource)
	case action == "":
		op.invalid = errors.Validation("%s %s needs an action", f.resource, call.Name)
	case call.Reject != nil:
		op.invalid = call.Reject
	case call.Idempotent:
		f.mu.Lock()
		f.extensions[call.Name] = struct{}{}
		f.mu.Unlock()
		op.cacheKey = cache.Key(f.resource, call.Name, keyParams(call))
	}

	return f.execute(ctx, op)
}

// Invoke runs an extension call on f and decodes its data as R.
func Invoke[R, T any](ctx context.Context, f *Facade[T], call Call) (R, error) {
	var out R
	if err := f.InvokeInto(ctx, call, &out); err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}

// ClearCache removes every entry whose key contains pattern. An empty
// pattern clears the cache. It returns the number of removed entries.
func (f *Facade[T]) ClearCache(pattern string) int {
	n := f.cache.Invalidate(pattern)
	f.logger.Debug("cache cleared", "pattern", pattern, "removed", n)
	return n
}

// SetAnalyticsSink replaces the analytics sink. Nil restores the no-op sink.
func (f *Facade[T]) SetAnalyticsSink(sink AnalyticsSink) {
	if sink == nil {
		sink = NopSink{}
	}
	f.mu.Lock()
	f.analytics = sink
	f.mu.Unlock()
}

// Stats returns cache and coordinator counters.
func (f *Facade[T]) Stats() Stats {
	return Stats{
		Resource:    f.resource,
		Cache:       f.cache.Stats(),
		Coordinator: f.coord.Stats(),
	}
}

// Close stops the cache sweep. Operations on a closed facade fail with
// NOT_INITIALIZED. Close is idempotent.
func (f *Facade[T]) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cache.Close()
	f.logger.Debug("facade closed")
	return nil
}

type operation struct {
	name     string
	action   authz.Action
	method   transport.Method
	endpoint string
	body     any

	// cacheKey is empty for calls that are neither cached nor coordinated.
	cacheKey   string
	decode     func(json.RawMessage) error
	invalidate func()
	invalid    error
}

// execute is the single exit point of every facade operation: errors are
// normalized here and analytics are emitted here, once.
func (f *Facade[T]) execute(ctx context.Context, op operation) error {
	start := f.now()

	cached, shared, err := f.run(ctx, op)

	var bridgeErr *errors.BridgeError
	if err != nil {
		bridgeErr = errors.Normalize(err, op.name).WithResource(f.resource)
		f.logger.Warn("operation failed",
			"operation", op.name,
			"code", bridgeErr.Code,
			"retryable", bridgeErr.Retryable,
			"error", err)
	}

	f.notify(op.name, f.now().Sub(start), cached, shared, bridgeErr)

	if bridgeErr != nil {
		return bridgeErr
	}
	return nil
}

func (f *Facade[T]) run(ctx context.Context, op operation) (cached, shared bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("operation panicked", "operation", op.name, "panic", r)
			err = fmt.Errorf("%s %s panicked: %v", f.resource, op.name, r)
		}
	}()

	if f.closed.Load() {
		return false, false, errors.Newf(errors.ErrCodeNotInitialized, "%s facade is closed", f.resource)
	}
	if op.invalid != nil {
		return false, false, op.invalid
	}
	if err := ctx.Err(); err != nil {
		return false, false, err
	}

	scope := f.scope(ctx)

	if op.cacheKey == "" {
		callCtx, cancel := f.withTimeout(ctx)
		defer cancel()

		data, err := f.call(callCtx, op, scope)
		if err != nil {
			return false, false, err
		}
		if op.invalidate != nil {
			op.invalidate()
		}
		return false, false, f.decode(op, data)
	}

	key := f.scopedKey(ctx, op.cacheKey, scope)
	if data, ok := f.cache.Get(key); ok {
		return true, false, f.decode(op, data)
	}

	data, shared, err := f.coord.Do(ctx, key, func(callCtx context.Context) ([]byte, error) {
		generation := f.currentGeneration()
		data, err := f.call(callCtx, op, scope)
		if err != nil {
			return nil, err
		}
		f.storeIfCurrent(key, data, generation)
		return data, nil
	})
	if err != nil {
		return false, shared, err
	}
	if err := f.decode(op, data); err != nil {
		f.cache.Delete(key)
		return false, shared, err
	}
	return false, shared, nil
}

// call authorizes op and performs the transport call.
func (f *Facade[T]) call(ctx context.Context, op operation, scope authz.Scope) (json.RawMessage, error) {
	ctx = authz.WithScope(ctx, scope)

	if f.config.RequireAuth {
		if !f.config.enables(f.resource, op.action) {
			return nil, f.gate.Deny(ctx, f.resource, op.action, scope, "permission not enabled")
		}
		if err := f.gate.CheckAccess(ctx, f.resource, op.action, scope); err != nil {
			return nil, err
		}
	}

	env, err := transport.Do(ctx, f.transport, op.method, op.endpoint, op.body)
	if err == nil {
		err = env.Err()
	}
	if err != nil {
		if f.gate != nil {
			f.gate.Audit(ctx, f.gate.FailureRecord(ctx, f.resource, op.action, scope, err))
		}
		f.recordHealth(errors.Normalize(err, op.name))
		return nil, err
	}

	f.recordHealth(nil)
	return env.Data, nil
}

func (f *Facade[T]) decode(op operation, data json.RawMessage) error {
	if op.decode == nil {
		return nil
	}
	if err := op.decode(data); err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.Newf(errors.ErrCodeDecodeFailed, "decoding %s %s response: %v", f.resource, op.name, err).WithCause(err)
	}
	return nil
}

func (f *Facade[T]) notify(operation string, elapsed time.Duration, cached, shared bool, err *errors.BridgeError) {
	payload := map[string]any{
		FieldResource:   f.resource,
		FieldOperation:  operation,
		FieldDurationMs: float64(elapsed) / float64(time.Millisecond),
		FieldSuccess:    err == nil,
		FieldCached:     cached,
		FieldShared:     shared,
		FieldCode:       "",
		FieldRetryable:  false,
	}

	priority := PriorityNormal
	switch {
	case err != nil:
		payload[FieldCode] = string(err.Code)
		payload[FieldRetryable] = err.Retryable
		priority = PriorityHigh
	case cached:
		priority = PriorityLow
	}

	f.mu.RLock()
	sink := f.analytics
	f.mu.RUnlock()

	safeNotify(sink, EventOperation, payload, priority, f.logger)
}

func (f *Facade[T]) recordHealth(err error) {
	if f.health == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("health recorder panicked", "panic", r)
		}
	}()

	// Only failures of the backend itself count against its health.
	switch {
	case err == nil:
		f.health.RecordSuccess(f.resource)
	case errors.CodeOf(err) == errors.ErrCodeCanceled:
	case errors.IsRetryable(err):
		f.health.RecordError(f.resource, err)
	default:
		f.health.RecordSuccess(f.resource)
	}
}

func (f *Facade[T]) currentGeneration() uint64 {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.generation
}

// storeIfCurrent caches data unless a write completed since generation was
// read.
func (f *Facade[T]) storeIfCurrent(key string, data []byte, generation uint64) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.generation != generation {
		f.logger.Debug("read overlapped a write, not cached", "key", key)
		return
	}
	f.cache.Set(key, data)
}

func (f *Facade[T]) invalidateAfterWrite(id string) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.generation++

	removed := f.cache.Invalidate(cache.Prefix(f.resource, OpFetchList))

	f.mu.RLock()
	names := make([]string, 0, len(f.extensions))
	for name := range f.extensions {
		names = append(names, name)
	}
	f.mu.RUnlock()

	for _, name := range names {
		removed += f.cache.Invalidate(cache.Prefix(f.resource, name))
	}
	if id != "" {
		removed += f.cache.Invalidate(f.detailKey(id) + identitySeparator)
	}

	f.logger.Debug("cache invalidated after write", "id", id, "removed", removed)
}

func (f *Facade[T]) scope(ctx context.Context) authz.Scope {
	if scope, ok := authz.ScopeFrom(ctx); ok && scope != "" {
		return scope
	}
	return f.config.DefaultScope
}

func (f *Facade[T]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.config.Timeout)
}

// scopedKey binds a cache key to the caller's identity and scope. Roles and
// team are part of the identity because policies decide on them.
func (f *Facade[T]) scopedKey(ctx context.Context, cacheKey string, scope authz.Scope) string {
	subject, _ := authz.SubjectFrom(ctx)
	roles := append([]string(nil), subject.Roles...)
	sort.Strings(roles)

	identity := url.Values{}
	identity.Set("sub", subject.ID)
	identity.Set("team", subject.TeamID)
	identity.Set("roles", strings.Join(roles, ","))
	identity.Set("scope", string(scope))
	return cacheKey + identitySeparator + identity.Encode()
}

func (f *Facade[T]) detailKey(id string) string {
	return cache.Key(f.resource, OpFetchOne, map[string]string{"id": id})
}

func (f *Facade[T]) itemEndpoint(id string) string {
	return f.endpoint + "/" + url.PathEscape(id)
}

func keyParams(call Call) map[string]string {
	if call.Path == "" {
		return call.Params
	}
	params := make(map[string]string, len(call.Params)+1)
	for k, v := range call.Params {
		params[k] = v
	}
	params[pathParam] = call.Path
	return params
}

func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := make(url.Values, len(params))
	for name, value := range params {
		values.Set(name, value)
	}
	return "?" + values.Encode()
}

func decodeInto(target any) func(json.RawMessage) error {
	return func(data json.RawMessage) error {
		if isEmpty(data) {
			return nil
		}
		return json.Unmarshal(data, target)
	}
}

func isEmpty(data json.RawMessage) bool {
	s := strings.TrimSpace(string(data))
	return s == "" || s == "null"
}
