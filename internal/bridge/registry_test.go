package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/pkg/errors"
)

type workflow struct {
	ID    string `json:"id"`
	Stage string `json:"stage,omitempty"`
}

func TestRegistry_InitAndLookup(t *testing.T) {
	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.TeardownAll() })

	backend := newFakeBackend()
	gate := WithGate(authz.NewGate(authz.AllowAll))

	rfps, err := Init[rfp](reg, "rfps", backend.transport(), gate)
	require.NoError(t, err)
	_, err = Init[workflow](reg, "workflows", backend.transport(), gate)
	require.NoError(t, err)

	found, err := Lookup[rfp](reg, "rfps")
	require.NoError(t, err)
	assert.Same(t, rfps, found)

	assert.Equal(t, []string{"rfps", "workflows"}, reg.Resources())
	assert.Len(t, reg.Stats(), 2)
}

func TestRegistry_InitTwice(t *testing.T) {
	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.TeardownAll() })

	gate := WithGate(authz.NewGate(authz.AllowAll))
	_, err := Init[rfp](reg, "rfps", newFakeBackend().transport(), gate)
	require.NoError(t, err)

	_, err = Init[rfp](reg, "rfps", newFakeBackend().transport(), gate)
	requireBridgeError(t, err, errors.ErrCodeAlreadyInitialized)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := Lookup[rfp](reg, "rfps")
	requireBridgeError(t, err, errors.ErrCodeNotInitialized)

	_, err = reg.Get("rfps")
	requireBridgeError(t, err, errors.ErrCodeNotInitialized)
}

func TestRegistry_LookupWrongType(t *testing.T) {
	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.TeardownAll() })

	_, err := Init[rfp](reg, "rfps", newFakeBackend().transport(), WithGate(authz.NewGate(authz.AllowAll)))
	require.NoError(t, err)

	_, err = Lookup[workflow](reg, "rfps")
	requireBridgeError(t, err, errors.ErrCodeInvalidConfig)
}

func TestRegistry_FailedInitRegistersNothing(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := Init[rfp](reg, "rfps", newFakeBackend().transport())
	requireBridgeError(t, err, errors.ErrCodeInvalidConfig)
	assert.Empty(t, reg.Resources())
}

func TestRegistry_Teardown(t *testing.T) {
	reg := NewRegistry(nil)
	gate := WithGate(authz.NewGate(authz.AllowAll))

	f, err := Init[rfp](reg, "rfps", newFakeBackend().transport(), gate)
	require.NoError(t, err)

	require.NoError(t, reg.Teardown("rfps"))
	requireBridgeError(t, reg.Teardown("rfps"), errors.ErrCodeNotInitialized)

	_, err = f.FetchList(context.Background(), nil)
	requireBridgeError(t, err, errors.ErrCodeNotInitialized)

	_, err = Init[rfp](reg, "rfps", newFakeBackend().transport(), gate)
	require.NoError(t, err, "a torn down resource can be initialized again")
	require.NoError(t, reg.TeardownAll())
	assert.Empty(t, reg.Resources())
}

func TestHandle_TypeFreeOperations(t *testing.T) {
	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.TeardownAll() })

	backend := newFakeBackend()
	_, err := Init[rfp](reg, "rfps", backend.transport(), WithGate(authz.NewGate(authz.AllowAll)))
	require.NoError(t, err)

	h, err := reg.Get("rfps")
	require.NoError(t, err)
	ctx := context.Background()

	list, err := h.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	one, err := h.Get(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, rfp{ID: "3", Title: "Bridge"}, one)

	created, err := h.CreateRaw(ctx, json.RawMessage(`{"title":"Created"}`))
	require.NoError(t, err)
	assert.Equal(t, "new", created.(rfp).ID)

	_, err = h.CreateRaw(ctx, nil)
	requireBridgeError(t, err, errors.ErrCodeValidationFailed)

	updated, err := h.UpdateRaw(ctx, "3", json.RawMessage(`{"title":"Updated"}`))
	require.NoError(t, err)
	assert.Equal(t, "Updated", updated.(rfp).Title)

	require.NoError(t, h.Delete(ctx, "3"))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, json.RawMessage(`{"title":"Created"}`), backend.bodies[2])
}
