package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/cache"
	"github.com/proposalhub/apibridge/internal/coordinator"
)

func operationPayload(resource, operation string, success, cached, shared bool, code string) map[string]any {
	return map[string]any{
		bridge.FieldResource:   resource,
		bridge.FieldOperation:  operation,
		bridge.FieldDurationMs: 12.5,
		bridge.FieldSuccess:    success,
		bridge.FieldCached:     cached,
		bridge.FieldShared:     shared,
		bridge.FieldCode:       code,
		bridge.FieldRetryable:  code == "TIMEOUT",
	}
}

func scrape(t *testing.T, sink *Sink) string {
	t.Helper()

	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading scrape body: %v", err)
	}
	return string(body)
}

func TestNewSink(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "apibridge",
			Subsystem: "test",
		}
		sink, err := NewSink(config)
		if err != nil {
			t.Fatalf("NewSink() error = %v, want nil", err)
		}
		if sink.Registry() == nil {
			t.Error("sink registry is nil")
		}
		if sink.operations == nil {
			t.Error("sink operations map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		sink, err := NewSink(nil)
		if err != nil {
			t.Fatalf("NewSink(nil) error = %v, want nil", err)
		}
		if sink.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", sink.config.Path, "/metrics")
		}
		if sink.config.Namespace != "apibridge" {
			t.Errorf("default namespace = %q, want %q", sink.config.Namespace, "apibridge")
		}
	})

	t.Run("with runtime collectors", func(t *testing.T) {
		sink, err := NewSink(&Config{Enabled: true, Namespace: "rt", Runtime: true})
		if err != nil {
			t.Fatalf("NewSink() error = %v", err)
		}
		if !strings.Contains(scrape(t, sink), "go_goroutines") {
			t.Error("runtime collector metrics missing")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		sink, err := NewSink(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewSink() error = %v, want nil", err)
		}
		if sink.Registry() != nil {
			t.Error("disabled sink should not have a registry")
		}
		if sink.Enabled() {
			t.Error("Enabled() = true, want false")
		}
	})
}

func TestNotify(t *testing.T) {
	t.Parallel()

	t.Run("records operations by outcome", func(t *testing.T) {
		sink, err := NewSink(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewSink() error = %v", err)
		}

		sink.Notify(bridge.EventOperation, operationPayload("rfps", "fetchList", true, false, false, ""), bridge.PriorityNormal)
		sink.Notify(bridge.EventOperation, operationPayload("rfps", "fetchList", true, true, false, ""), bridge.PriorityLow)
		sink.Notify(bridge.EventOperation, operationPayload("rfps", "fetchList", false, false, true, "TIMEOUT"), bridge.PriorityHigh)

		op, ok := sink.Snapshot()["rfps:fetchList"]
		if !ok {
			t.Fatal("rfps:fetchList not tracked")
		}
		if op.Count != 3 {
			t.Errorf("Count = %d, want 3", op.Count)
		}
		if op.Errors != 1 {
			t.Errorf("Errors = %d, want 1", op.Errors)
		}
		if op.CacheHits != 1 {
			t.Errorf("CacheHits = %d, want 1", op.CacheHits)
		}
		if op.Shared != 1 {
			t.Errorf("Shared = %d, want 1", op.Shared)
		}
		if op.LastCode != "TIMEOUT" {
			t.Errorf("LastCode = %q, want TIMEOUT", op.LastCode)
		}
		if op.AvgDuration != 12500*time.Microsecond {
			t.Errorf("AvgDuration = %v, want 12.5ms", op.AvgDuration)
		}

		body := scrape(t, sink)
		for _, want := range []string{
			`test_operations_total{operation="fetchList",resource="rfps",status="success"} 2`,
			`test_operations_total{operation="fetchList",resource="rfps",status="error"} 1`,
			`test_cache_hits_total{operation="fetchList",resource="rfps"} 1`,
			`test_coalesced_total{operation="fetchList",resource="rfps"} 1`,
			`test_errors_total{code="TIMEOUT",operation="fetchList",resource="rfps",retryable="true"} 1`,
			`test_analytics_events_total{event="bridge.operation",priority="high"} 1`,
		} {
			if !strings.Contains(body, want) {
				t.Errorf("scrape output missing %q", want)
			}
		}
	})

	t.Run("failure without code counts as unknown", func(t *testing.T) {
		sink, err := NewSink(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewSink() error = %v", err)
		}

		sink.Notify(bridge.EventOperation, operationPayload("workflows", "stats", false, false, false, ""), bridge.PriorityHigh)

		if !strings.Contains(scrape(t, sink), `code="UNKNOWN_ERROR"`) {
			t.Error("missing UNKNOWN_ERROR error series")
		}
	})

	t.Run("other events are only counted", func(t *testing.T) {
		sink, err := NewSink(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewSink() error = %v", err)
		}

		sink.Notify("page.view", map[string]any{"page": "/rfps"}, bridge.PriorityLow)

		if len(sink.Snapshot()) != 0 {
			t.Error("non-operation events should not be tracked as operations")
		}
		if !strings.Contains(scrape(t, sink), `test_analytics_events_total{event="page.view",priority="low"} 1`) {
			t.Error("event counter not incremented")
		}
	})

	t.Run("disabled sink ignores events", func(t *testing.T) {
		sink, err := NewSink(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewSink() error = %v", err)
		}

		// Should not panic
		sink.Notify(bridge.EventOperation, operationPayload("rfps", "fetchOne", true, false, false, ""), bridge.PriorityNormal)
		sink.Watch("rfps", func() bridge.Stats { return bridge.Stats{} })

		if len(sink.Snapshot()) != 0 {
			t.Error("disabled sink should not track operations")
		}
	})
}

func TestWatch(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}

	sink.Watch("rfps", func() bridge.Stats {
		return bridge.Stats{
			Resource:    "rfps",
			Cache:       cache.Stats{Entries: 7, HitRate: 0.5, Evictions: 2},
			Coordinator: coordinator.Stats{InFlight: 3},
		}
	})

	body := scrape(t, sink)
	for _, want := range []string{
		`test_cache_entries{resource="rfps"} 7`,
		`test_cache_hit_ratio{resource="rfps"} 0.5`,
		`test_cache_evictions{resource="rfps"} 2`,
		`test_in_flight_requests{resource="rfps"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}

	sink.Unwatch("rfps")
	if strings.Contains(scrape(t, sink), `resource="rfps"} 7`) {
		t.Error("unwatched resource still exported")
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}

	sink.RecordOperation("rfps", "create", 5*time.Millisecond, true)
	if len(sink.Snapshot()) != 1 {
		t.Fatal("operation not recorded")
	}

	sink.ResetMetrics()
	if len(sink.Snapshot()) != 0 {
		t.Error("ResetMetrics() should clear tracked operations")
	}
	if sink.Uptime() > time.Second {
		t.Errorf("Uptime() = %v after reset", sink.Uptime())
	}
}
