// Package coordinator coalesces concurrent identical in-flight operations into
// a single underlying call.
//
// Cancellation is not propagated into a shared call: a caller whose context
// ends stops waiting and gets its context error, while the call keeps running
// for everyone else still waiting on it. The shared call runs on a context
// detached from the first caller's cancellation and bounded by the
// coordinator's timeout.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Func produces the value for a coordination key.
type Func func(ctx context.Context) ([]byte, error)

// Coordinator guarantees at most one in-flight call per key.
type Coordinator struct {
	group   singleflight.Group
	timeout time.Duration

	mu       sync.Mutex
	waiters  map[string]int
	inFlight map[string]struct{}
	calls    uint64
	shared   uint64
}

// Stats holds coordinator counters.
type Stats struct {
	Calls    uint64 `json:"calls"`
	Shared   uint64 `json:"shared"`
	InFlight int    `json:"in_flight"`
}

// New creates a coordinator whose shared calls are bounded by timeout.
// A zero timeout leaves the call unbounded.
func New(timeout time.Duration) *Coordinator {
	return &Coordinator{
		timeout:  timeout,
		waiters:  make(map[string]int),
		inFlight: make(map[string]struct{}),
	}
}

// Do runs fn once for all concurrent callers of the same key. shared reports
// whether the outcome was delivered to more than one caller. The returned
// slice is shared between waiters and must not be modified.
func (c *Coordinator) Do(ctx context.Context, key string, fn Func) (value []byte, shared bool, err error) {
	key = SanitizeKey(key)

	c.mu.Lock()
	c.waiters[key]++
	ch := c.group.DoChan(key, func() (any, error) {
		return c.run(ctx, key, fn)
	})
	c.mu.Unlock()

	defer c.leave(key)

	select {
	case res := <-ch:
		if res.Shared {
			c.mu.Lock()
			c.shared++
			c.mu.Unlock()
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		data, _ := res.Val.([]byte)
		return data, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, key string, fn Func) (value any, err error) {
	c.mu.Lock()
	c.inFlight[key] = struct{}{}
	c.calls++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinated call %s panicked: %v", key, r)
		}
	}()

	callCtx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.timeout)
		defer cancel()
	}

	data, err := fn(callCtx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Coordinator) leave(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiters[key]--
	if c.waiters[key] <= 0 {
		delete(c.waiters, key)
	}
}

// InFlight returns the number of keys with a call currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Waiters returns the number of callers currently waiting on key.
func (c *Coordinator) Waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[SanitizeKey(key)]
}

// Stats returns coordinator statistics
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Calls:    c.calls,
		Shared:   c.shared,
		InFlight: len(c.inFlight),
	}
}

// SanitizeKey strips characters outside [A-Za-z0-9:_-] and appends a short
// digest of the raw key, so two distinct keys never sanitize to the same value.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 17)
	for _, r := range key {
		if isAllowed(r) {
			b.WriteRune(r)
		}
	}

	sum := sha256.Sum256([]byte(key))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(sum[:8]))
	return b.String()
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == ':', r == '_', r == '-':
		return true
	}
	return false
}
