package bridge

import (
	"context"
	"encoding/json"
	stderr "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/cache"
	"github.com/proposalhub/apibridge/internal/transport"
	"github.com/proposalhub/apibridge/pkg/errors"
)

type rfp struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   []string
	bodies  []any
	block   chan struct{}
	respond func(method transport.Method, endpoint string, body any) (*transport.Envelope, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{respond: defaultResponse}
}

func defaultResponse(method transport.Method, endpoint string, _ any) (*transport.Envelope, error) {
	path, _, _ := strings.Cut(endpoint, "?")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case method == transport.MethodGet && len(segments) == 1:
		return transport.Success([]rfp{{ID: "1", Title: "Bridge"}, {ID: "2", Title: "Tunnel"}})
	case method == transport.MethodGet:
		return transport.Success(rfp{ID: segments[len(segments)-1], Title: "Bridge"})
	case method == transport.MethodPost:
		return transport.Success(rfp{ID: "new", Title: "Created"})
	case method == transport.MethodPatch:
		return transport.Success(rfp{ID: segments[len(segments)-1], Title: "Updated"})
	default:
		return transport.Success(nil)
	}
}

func (b *fakeBackend) transport() transport.Transport {
	return transport.Func(func(ctx context.Context, method transport.Method, endpoint string, body any) (*transport.Envelope, error) {
		b.mu.Lock()
		b.calls = append(b.calls, string(method)+" "+endpoint)
		b.bodies = append(b.bodies, body)
		respond, block := b.respond, b.block
		b.mu.Unlock()

		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return respond(method, endpoint, body)
	})
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []authz.Record
}

func (a *recordingAuditor) Audit(_ context.Context, record authz.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
}

func (a *recordingAuditor) Records() []authz.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]authz.Record(nil), a.records...)
}

type notification struct {
	event    string
	payload  map[string]any
	priority Priority
}

type recordingSink struct {
	mu     sync.Mutex
	events []notification
}

func (s *recordingSink) Notify(event string, payload map[string]any, priority Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, notification{event: event, payload: payload, priority: priority})
}

func (s *recordingSink) Events() []notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification(nil), s.events...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	facade  *Facade[rfp]
	backend *fakeBackend
	auditor *recordingAuditor
	sink    *recordingSink
	clock   *testClock
}

func newFixture(t *testing.T, checker authz.PermissionChecker, opts ...Option) *fixture {
	t.Helper()

	fx := &fixture{
		backend: newFakeBackend(),
		auditor: &recordingAuditor{},
		sink:    &recordingSink{},
		clock:   newTestClock(),
	}
	gate := authz.NewGate(checker, authz.WithAuditor(fx.auditor), authz.WithClock(fx.clock.Now))

	base := []Option{WithGate(gate), WithAnalytics(fx.sink), WithClock(fx.clock.Now)}
	f, err := New[rfp]("rfps", fx.backend.transport(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	fx.facade = f
	return fx
}

// cached reports whether key holds an entry for an anonymous caller with
// the default scope.
func (fx *fixture) cached(key string) bool {
	_, hit := fx.facade.cache.Get(fx.facade.scopedKey(context.Background(), key, authz.ScopeTeam))
	return hit
}

func requireBridgeError(t *testing.T, err error, code errors.ErrorCode) *errors.BridgeError {
	t.Helper()
	require.Error(t, err)
	bridgeErr, ok := err.(*errors.BridgeError)
	require.True(t, ok, "error should be a *BridgeError, got %T", err)
	assert.Equal(t, code, bridgeErr.Code)
	return bridgeErr
}

func TestFacade_FetchListCacheHitIgnoresParamOrder(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	first := map[string]string{}
	first["status"] = "active"
	first["owner"] = "team-7"

	second := map[string]string{}
	second["owner"] = "team-7"
	second["status"] = "active"

	items, err := fx.facade.FetchList(ctx, first)
	require.NoError(t, err)
	require.Len(t, items, 2)

	again, err := fx.facade.FetchList(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, items, again)

	assert.Equal(t, []string{"GET /rfps?owner=team-7&status=active"}, fx.backend.Calls())

	events := fx.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, false, events[0].payload[FieldCached])
	assert.Equal(t, true, events[1].payload[FieldCached])
	assert.Equal(t, PriorityLow, events[1].priority)
}

func TestFacade_ConcurrentFetchOneCoalesces(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.block = make(chan struct{})
	ctx := context.Background()

	key := fx.facade.scopedKey(ctx, fx.facade.detailKey("123"), authz.ScopeTeam)

	type result struct {
		item rfp
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			item, err := fx.facade.FetchOne(ctx, "123")
			results <- result{item, err}
		}()
	}

	require.Eventually(t, func() bool {
		return fx.facade.coord.Waiters(key) == 2
	}, time.Second, time.Millisecond)
	close(fx.backend.block)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.item, b.item)
	assert.Equal(t, "123", a.item.ID)
	assert.Equal(t, []string{"GET /rfps/123"}, fx.backend.Calls())

	events := fx.sink.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, true, e.payload[FieldShared])
	}
	assert.Equal(t, uint64(1), fx.facade.Stats().Coordinator.Calls)
}

func TestFacade_CreateInvalidatesList(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, err := fx.facade.FetchList(ctx, nil)
	require.NoError(t, err)

	created, err := fx.facade.Create(ctx, map[string]any{"title": "Created"})
	require.NoError(t, err)
	assert.Equal(t, "new", created.ID)

	_, err = fx.facade.FetchList(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"GET /rfps", "POST /rfps", "GET /rfps"}, fx.backend.Calls())
}

func TestFacade_UpdateInvalidatesDetailAndLists(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "1")
	require.NoError(t, err)
	_, err = fx.facade.FetchList(ctx, nil)
	require.NoError(t, err)
	_, err = fx.facade.FetchList(ctx, map[string]string{"status": "open"})
	require.NoError(t, err)
	_, err = fx.facade.FetchOne(ctx, "2")
	require.NoError(t, err)

	updated, err := fx.facade.Update(ctx, "1", map[string]any{"title": "Updated"})
	require.NoError(t, err)
	assert.Equal(t, "Updated", updated.Title)

	hit := fx.cached(fx.facade.detailKey("1"))
	assert.False(t, hit, "detail entry should be invalidated")
	hit = fx.cached(cache.Key("rfps", OpFetchList, nil))
	assert.False(t, hit, "list entry should be invalidated")
	hit = fx.cached(cache.Key("rfps", OpFetchList, map[string]string{"status": "open"}))
	assert.False(t, hit, "filtered list entry should be invalidated")
	hit = fx.cached(fx.facade.detailKey("2"))
	assert.True(t, hit, "unrelated detail entry should survive")
}

func TestFacade_DeleteInvalidatesDetail(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "9")
	require.NoError(t, err)
	require.NoError(t, fx.facade.Delete(ctx, "9"))

	_, err = fx.facade.FetchOne(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /rfps/9", "DELETE /rfps/9", "GET /rfps/9"}, fx.backend.Calls())
}

func TestFacade_TransportFailureIsNormalized(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		return nil, stderr.New("network timeout")
	}

	items, err := fx.facade.FetchList(context.Background(), nil)
	assert.Nil(t, items)

	bridgeErr := requireBridgeError(t, err, errors.ErrCodeUnknownError)
	assert.True(t, bridgeErr.Retryable)
	assert.Equal(t, "fetchList", bridgeErr.Operation)
	assert.Equal(t, "network timeout", bridgeErr.Message)
	assert.Equal(t, "rfps", bridgeErr.Resource)

	records := fx.auditor.Records()
	require.Len(t, records, 2)
	assert.True(t, records[0].Success, "gate grant is audited")
	assert.False(t, records[1].Success, "transport failure is audited")
	assert.Equal(t, "network timeout", records[1].Error)

	hit := fx.cached(cache.Key("rfps", OpFetchList, nil))
	assert.False(t, hit, "failures are never cached")

	events := fx.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, false, events[0].payload[FieldSuccess])
	assert.Equal(t, "UNKNOWN_ERROR", events[0].payload[FieldCode])
	assert.Equal(t, true, events[0].payload[FieldRetryable])
	assert.Equal(t, PriorityHigh, events[0].priority)
}

func TestFacade_FailedEnvelope(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		return &transport.Envelope{Success: false, Error: "title is required", Code: "VALIDATION_FAILED"}, nil
	}

	_, err := fx.facade.Create(context.Background(), map[string]any{})
	bridgeErr := requireBridgeError(t, err, errors.ErrCodeValidationFailed)
	assert.False(t, bridgeErr.Retryable)
	assert.Equal(t, "title is required", bridgeErr.Message)
	assert.Equal(t, "create", bridgeErr.Operation)
}

func TestFacade_DeniedDeleteNeverReachesTransport(t *testing.T) {
	checker := authz.CheckerFunc(func(_ context.Context, req authz.Request) (bool, error) {
		return req.Action != authz.ActionDelete, nil
	})
	fx := newFixture(t, checker)

	err := fx.facade.Delete(context.Background(), "42")
	bridgeErr := requireBridgeError(t, err, errors.ErrCodeAccessDenied)
	assert.False(t, bridgeErr.Retryable)
	assert.Equal(t, "delete", bridgeErr.Operation)
	assert.Empty(t, fx.backend.Calls())

	records := fx.auditor.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, authz.ActionDelete, records[0].Action)
	assert.Equal(t, "rfps", records[0].Resource)
	assert.Equal(t, authz.ScopeTeam, records[0].Scope)
}

func TestFacade_ReadAccessDoesNotGrantWrite(t *testing.T) {
	checker := authz.CheckerFunc(func(_ context.Context, req authz.Request) (bool, error) {
		return req.Action == authz.ActionRead, nil
	})
	fx := newFixture(t, checker)
	ctx := context.Background()

	_, err := fx.facade.FetchList(ctx, nil)
	require.NoError(t, err)

	_, err = fx.facade.Create(ctx, map[string]any{"title": "x"})
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)
	_, err = fx.facade.Update(ctx, "1", map[string]any{"title": "x"})
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)

	assert.Equal(t, []string{"GET /rfps"}, fx.backend.Calls())
}

func TestFacade_PermissionOutsideSetIsDenied(t *testing.T) {
	config := DefaultConfig()
	config.RequiredPermissions = []string{"rfps:read"}
	fx := newFixture(t, authz.AllowAll, WithConfig(config))
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "1")
	require.NoError(t, err)

	err = fx.facade.Delete(ctx, "1")
	bridgeErr := requireBridgeError(t, err, errors.ErrCodeAccessDenied)
	assert.False(t, bridgeErr.Retryable)

	_, err = fx.facade.Invoke(ctx, Call{Name: "validate", Action: authz.ActionValidate, Method: transport.MethodPost, Path: "/validate"})
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)

	assert.Equal(t, []string{"GET /rfps/1"}, fx.backend.Calls())

	records := fx.auditor.Records()
	require.Len(t, records, 3)
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.Equal(t, "rfps:delete", records[1].Permission)
	assert.Equal(t, "permission not enabled", records[1].Error)
	assert.Equal(t, "rfps:validate", records[2].Permission)
}

func TestFacade_PermissionSetNeverSkipsChecker(t *testing.T) {
	config := DefaultConfig()
	config.RequiredPermissions = []string{"rfps:read"}
	fx := newFixture(t, authz.DenyAll, WithConfig(config))
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "1")
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)
	err = fx.facade.Delete(ctx, "42")
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)

	assert.Empty(t, fx.backend.Calls())
}

func TestFacade_DefaultPermissionSet(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	assert.Equal(t, DefaultPermissions("rfps"), fx.facade.Config().RequiredPermissions)

	_, err := fx.facade.Invoke(context.Background(), Call{Name: "validate", Action: authz.ActionValidate, Method: transport.MethodPost, Path: "/validate"})
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)

	declared := newFixture(t, authz.AllowAll, WithActions(authz.ActionValidate))
	assert.Contains(t, declared.facade.Config().RequiredPermissions, "rfps:validate")
	_, err = declared.facade.Invoke(context.Background(), Call{Name: "validate", Action: authz.ActionValidate, Method: transport.MethodPost, Path: "/validate"})
	require.NoError(t, err)
}

func TestFacade_CacheIsPerIdentity(t *testing.T) {
	checker := authz.CheckerFunc(func(_ context.Context, req authz.Request) (bool, error) {
		return req.Subject.ID != "mallory", nil
	})
	fx := newFixture(t, checker)

	alice := authz.WithScope(authz.WithSubject(context.Background(), authz.Subject{ID: "alice", Roles: []string{"admin"}}), authz.ScopeAll)
	mallory := authz.WithScope(authz.WithSubject(context.Background(), authz.Subject{ID: "mallory"}), authz.ScopeOwn)
	bob := authz.WithScope(authz.WithSubject(context.Background(), authz.Subject{ID: "bob"}), authz.ScopeOwn)

	items, err := fx.facade.FetchList(alice, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = fx.facade.FetchList(mallory, nil)
	requireBridgeError(t, err, errors.ErrCodeAccessDenied)
	assert.Nil(t, items)

	_, err = fx.facade.FetchList(bob, nil)
	require.NoError(t, err)
	_, err = fx.facade.FetchList(alice, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"GET /rfps", "GET /rfps"}, fx.backend.Calls(), "bob's narrower scope is fetched, alice hits her own entry")

	roles := authz.WithScope(authz.WithSubject(context.Background(), authz.Subject{ID: "alice"}), authz.ScopeAll)
	_, err = fx.facade.FetchList(roles, nil)
	require.NoError(t, err)
	assert.Len(t, fx.backend.Calls(), 3, "a different role set is a different identity")
}

func TestFacade_WriteInvalidatesEveryIdentity(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	alice := authz.WithSubject(context.Background(), authz.Subject{ID: "alice"})
	bob := authz.WithSubject(context.Background(), authz.Subject{ID: "bob"})

	_, err := fx.facade.FetchOne(alice, "1")
	require.NoError(t, err)
	_, err = fx.facade.FetchOne(bob, "1")
	require.NoError(t, err)
	_, err = fx.facade.FetchOne(bob, "10")
	require.NoError(t, err)
	require.Equal(t, 3, fx.facade.Stats().Cache.Entries)

	_, err = fx.facade.Update(alice, "1", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.facade.Stats().Cache.Entries, "only the entry of record 10 survives")
}

func TestFacade_ReadOverlappingWriteIsNotCached(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	release := make(chan struct{})
	fx.backend.respond = func(method transport.Method, endpoint string, body any) (*transport.Envelope, error) {
		if method == transport.MethodGet {
			<-release
		}
		return defaultResponse(method, endpoint, body)
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := fx.facade.FetchList(ctx, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(fx.backend.Calls()) == 1 }, time.Second, time.Millisecond)

	_, err := fx.facade.Create(ctx, map[string]any{"title": "Created"})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, fx.cached(cache.Key("rfps", OpFetchList, nil)), "pre-write data is not cached")

	_, err = fx.facade.FetchList(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /rfps", "POST /rfps", "GET /rfps"}, fx.backend.Calls())

	_, err = fx.facade.FetchList(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, fx.backend.Calls(), 3, "reads after the write are cached again")
}

func TestFacade_RequireAuthDisabled(t *testing.T) {
	config := DefaultConfig()
	config.RequireAuth = false

	backend := newFakeBackend()
	f, err := New[rfp]("rfps", backend.transport(), WithConfig(config))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Delete(context.Background(), "1"))
}

func TestFacade_ScopeFromContext(t *testing.T) {
	var mu sync.Mutex
	var scopes []authz.Scope
	checker := authz.CheckerFunc(func(_ context.Context, req authz.Request) (bool, error) {
		mu.Lock()
		scopes = append(scopes, req.Scope)
		mu.Unlock()
		return true, nil
	})
	fx := newFixture(t, checker)

	ctx := authz.WithSubject(context.Background(), authz.Subject{ID: "u-1"})
	require.NoError(t, fx.facade.Delete(ctx, "1"))
	require.NoError(t, fx.facade.Delete(authz.WithScope(ctx, authz.ScopeOwn), "2"))

	assert.Equal(t, []authz.Scope{authz.ScopeTeam, authz.ScopeOwn}, scopes)
	assert.Equal(t, "u-1", fx.auditor.Records()[0].Subject)
}

func TestFacade_CacheExpiresAfterTTL(t *testing.T) {
	config := DefaultConfig()
	config.CacheTTL = time.Minute
	fx := newFixture(t, authz.AllowAll, WithConfig(config))
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "1")
	require.NoError(t, err)

	fx.clock.Advance(time.Minute)
	_, err = fx.facade.FetchOne(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, fx.backend.Calls(), 1, "entry is valid at exactly the TTL")

	fx.clock.Advance(time.Millisecond)
	_, err = fx.facade.FetchOne(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, fx.backend.Calls(), 2)
	assert.Equal(t, uint64(1), fx.facade.Stats().Cache.Expirations)
}

func TestFacade_CacheDisabled(t *testing.T) {
	config := DefaultConfig()
	config.EnableCache = false
	fx := newFixture(t, authz.AllowAll, WithConfig(config))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.facade.FetchList(ctx, nil)
		require.NoError(t, err)
	}
	assert.Len(t, fx.backend.Calls(), 3)
}

func TestFacade_TimeoutIsRetryable(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 20 * time.Millisecond
	fx := newFixture(t, authz.AllowAll, WithConfig(config))
	fx.backend.block = make(chan struct{})
	defer close(fx.backend.block)

	_, err := fx.facade.FetchOne(context.Background(), "1")
	bridgeErr := requireBridgeError(t, err, errors.ErrCodeTimeout)
	assert.True(t, bridgeErr.Retryable)

	err = fx.facade.Delete(context.Background(), "1")
	bridgeErr = requireBridgeError(t, err, errors.ErrCodeTimeout)
	assert.True(t, bridgeErr.Retryable)
}

func TestFacade_CallerCancellationLeavesSharedCall(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fx.facade.FetchOne(ctx, "5")
		done <- err
	}()

	require.Eventually(t, func() bool { return fx.facade.coord.InFlight() == 1 }, time.Second, time.Millisecond)
	cancel()
	requireBridgeError(t, <-done, errors.ErrCodeCanceled)

	close(fx.backend.block)
	require.Eventually(t, func() bool {
		return fx.cached(fx.facade.detailKey("5"))
	}, time.Second, time.Millisecond, "the shared call completes and fills the cache")
}

func TestFacade_ValidationBeforeTransport(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "")
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)
	_, err = fx.facade.Create(ctx, nil)
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)
	_, err = fx.facade.Update(ctx, "", map[string]any{})
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)
	err = fx.facade.Delete(ctx, "")
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)

	assert.Empty(t, fx.backend.Calls())
	assert.Len(t, fx.sink.Events(), 4)
}

func TestFacade_DecodeFailure(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		return &transport.Envelope{Success: true, Data: json.RawMessage(`"not an object"`)}, nil
	}

	_, err := fx.facade.FetchOne(context.Background(), "1")
	bridgeErr := requireBridgeError(t, err, errors.ErrCodeDecodeFailed)
	assert.False(t, bridgeErr.Retryable)

	hit := fx.cached(fx.facade.detailKey("1"))
	assert.False(t, hit, "undecodable data is dropped from the cache")
}

func TestFacade_MissingItemIsNotFound(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		return transport.Success(nil)
	}

	_, err := fx.facade.FetchOne(context.Background(), "404")
	requireBridgeError(t, err, errors.ErrCodeNotFound)

	items, err := fx.facade.FetchList(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestFacade_TransportPanicIsContained(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		panic("backend exploded")
	}

	_, err := fx.facade.Create(context.Background(), map[string]any{"title": "x"})
	bridgeErr := requireBridgeError(t, err, errors.ErrCodeUnknownError)
	assert.Contains(t, bridgeErr.Message, "backend exploded")

	_, err = fx.facade.FetchOne(context.Background(), "1")
	bridgeErr = requireBridgeError(t, err, errors.ErrCodeUnknownError)
	assert.Contains(t, bridgeErr.Message, "backend exploded")
}

func TestFacade_AnalyticsOncePerOperation(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, _ = fx.facade.FetchList(ctx, nil)
	_, _ = fx.facade.FetchList(ctx, nil)
	_, _ = fx.facade.FetchOne(ctx, "1")
	_, _ = fx.facade.Create(ctx, map[string]any{"title": "x"})
	_, _ = fx.facade.Update(ctx, "1", map[string]any{"title": "y"})
	_ = fx.facade.Delete(ctx, "1")

	events := fx.sink.Events()
	require.Len(t, events, 6)

	ops := make([]string, 0, len(events))
	for _, e := range events {
		assert.Equal(t, EventOperation, e.event)
		assert.Equal(t, "rfps", e.payload[FieldResource])
		assert.Contains(t, e.payload, FieldDurationMs)
		assert.NotContains(t, e.payload, "stack")
		ops = append(ops, e.payload[FieldOperation].(string))
	}
	assert.Equal(t, []string{OpFetchList, OpFetchList, OpFetchOne, OpCreate, OpUpdate, OpDelete}, ops)
}

func TestFacade_PanickingSinkDoesNotAffectResult(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.facade.SetAnalyticsSink(SinkFunc(func(string, map[string]any, Priority) {
		panic("sink down")
	}))

	item, err := fx.facade.FetchOne(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", item.ID)

	fx.facade.SetAnalyticsSink(nil)
	_, err = fx.facade.FetchOne(context.Background(), "1")
	require.NoError(t, err)
}

func TestFacade_PanickingAuditorDoesNotAffectResult(t *testing.T) {
	backend := newFakeBackend()
	gate := authz.NewGate(authz.AllowAll, authz.WithAuditor(authz.AuditorFunc(func(context.Context, authz.Record) {
		panic("audit store down")
	})))
	f, err := New[rfp]("rfps", backend.transport(), WithGate(gate))
	require.NoError(t, err)
	defer f.Close()

	item, err := f.FetchOne(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", item.ID)
}

func TestFacade_InvokeIdempotentIsCachedAndInvalidated(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	fx.backend.respond = func(method transport.Method, endpoint string, body any) (*transport.Envelope, error) {
		if strings.HasSuffix(endpoint, "/relationships") {
			return transport.Success(map[string]any{"linked": []string{"a", "b"}})
		}
		return defaultResponse(method, endpoint, body)
	}
	ctx := context.Background()

	call := Call{Name: "relationships", Path: "/7/relationships", Idempotent: true}

	type relationships struct {
		Linked []string `json:"linked"`
	}
	rel, err := Invoke[relationships](ctx, fx.facade, call)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rel.Linked)

	raw, err := fx.facade.Invoke(ctx, call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"linked":["a","b"]}`, string(raw))

	other := Call{Name: "relationships", Path: "/8/relationships", Idempotent: true}
	_, err = fx.facade.Invoke(ctx, other)
	require.NoError(t, err)

	assert.Equal(t, []string{"GET /rfps/7/relationships", "GET /rfps/8/relationships"}, fx.backend.Calls())

	_, err = fx.facade.Update(ctx, "7", map[string]any{"title": "z"})
	require.NoError(t, err)
	_, err = fx.facade.Invoke(ctx, call)
	require.NoError(t, err)
	assert.Len(t, fx.backend.Calls(), 4, "writes invalidate extension reads")
}

func TestFacade_InvokeNonIdempotent(t *testing.T) {
	var seen []authz.Action
	var mu sync.Mutex
	checker := authz.CheckerFunc(func(_ context.Context, req authz.Request) (bool, error) {
		mu.Lock()
		seen = append(seen, req.Action)
		mu.Unlock()
		return true, nil
	})
	fx := newFixture(t, checker, WithActions(authz.ActionValidate))
	ctx := context.Background()

	call := Call{
		Name:   "validate",
		Action: authz.ActionValidate,
		Method: transport.MethodPost,
		Path:   "/validate",
		Body:   map[string]any{"title": "x"},
	}
	for i := 0; i < 2; i++ {
		_, err := fx.facade.Invoke(ctx, call)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"POST /rfps/validate", "POST /rfps/validate"}, fx.backend.Calls())
	assert.Equal(t, []authz.Action{authz.ActionValidate, authz.ActionValidate}, seen)
}

func TestFacade_InvokeRequiresNameAndAction(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, err := fx.facade.Invoke(ctx, Call{})
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)

	_, err = fx.facade.Invoke(ctx, Call{Name: "archive", Method: transport.MethodPost})
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)

	assert.Empty(t, fx.backend.Calls())
}

func TestFacade_ClearCache(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	ctx := context.Background()

	_, _ = fx.facade.FetchOne(ctx, "1")
	_, _ = fx.facade.FetchOne(ctx, "2")
	_, _ = fx.facade.FetchList(ctx, nil)

	assert.Equal(t, 1, fx.facade.ClearCache(OpFetchList))
	assert.Equal(t, 2, fx.facade.ClearCache(""))
	assert.Equal(t, 0, fx.facade.Stats().Cache.Entries)
}

type recordingHealth struct {
	mu        sync.Mutex
	successes int
	errors    []error
}

func (h *recordingHealth) RecordSuccess(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func (h *recordingHealth) RecordError(_ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func TestFacade_HealthFedByTransportOutcomes(t *testing.T) {
	health := &recordingHealth{}
	fx := newFixture(t, authz.AllowAll, WithHealth(health))
	ctx := context.Background()

	_, err := fx.facade.FetchOne(ctx, "1")
	require.NoError(t, err)

	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		return nil, stderr.New("upstream returned 503")
	}
	_, err = fx.facade.FetchOne(ctx, "2")
	require.Error(t, err)

	fx.backend.respond = func(transport.Method, string, any) (*transport.Envelope, error) {
		return &transport.Envelope{Success: false, Error: "bad title", Code: "VALIDATION_FAILED"}, nil
	}
	_, err = fx.facade.Create(ctx, map[string]any{})
	require.Error(t, err)

	health.mu.Lock()
	defer health.mu.Unlock()
	assert.Equal(t, 2, health.successes, "client errors do not count against the backend")
	assert.Len(t, health.errors, 1)
}

func TestFacade_ClosedFacade(t *testing.T) {
	fx := newFixture(t, authz.AllowAll)
	require.NoError(t, fx.facade.Close())
	require.NoError(t, fx.facade.Close())

	_, err := fx.facade.FetchList(context.Background(), nil)
	requireBridgeError(t, err, errors.ErrCodeNotInitialized)
	assert.Empty(t, fx.backend.Calls())
}

func TestFacade_EndpointOverride(t *testing.T) {
	fx := newFixture(t, authz.AllowAll, WithEndpoint("/v2/proposals/"))
	_, err := fx.facade.FetchOne(context.Background(), "a b")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /v2/proposals/a%20b"}, fx.backend.Calls())
}

func TestNew_Validation(t *testing.T) {
	backend := newFakeBackend()
	gate := authz.NewGate(authz.AllowAll)

	tests := []struct {
		name     string
		resource string
		t        transport.Transport
		opts     []Option
	}{
		{"empty resource", "", backend.transport(), []Option{WithGate(gate)}},
		{"nil transport", "rfps", nil, []Option{WithGate(gate)}},
		{"auth without gate", "rfps", backend.transport(), nil},
		{"negative ttl", "rfps", backend.transport(), []Option{WithGate(gate), WithConfig(Config{CacheTTL: -1, DefaultScope: authz.ScopeTeam})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New[rfp](tt.resource, tt.t, tt.opts...)
			assert.Nil(t, f)
			requireBridgeError(t, err, errors.ErrCodeInvalidConfig)
		})
	}
}
