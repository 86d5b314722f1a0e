package bridge

import (
	"log/slog"
)

// EventOperation is the analytics event emitted once per completed facade
// operation.
const EventOperation = "bridge.operation"

// Payload keys of an EventOperation notification.
const (
	FieldResource   = "resource"
	FieldOperation  = "operation"
	FieldDurationMs = "duration_ms"
	FieldSuccess    = "success"
	FieldCached     = "cached"
	FieldShared     = "shared"
	FieldCode       = "code"
	FieldRetryable  = "retryable"
)

// Priority ranks an analytics event.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// AnalyticsSink receives timing and outcome metadata. Notify must not block;
// a panic inside it is contained by the facade.
type AnalyticsSink interface {
	Notify(event string, payload map[string]any, priority Priority)
}

// NopSink discards every event.
type NopSink struct{}

// Notify implements AnalyticsSink.
func (NopSink) Notify(string, map[string]any, Priority) {}

// SinkFunc adapts a function to AnalyticsSink.
type SinkFunc func(event string, payload map[string]any, priority Priority)

// Notify implements AnalyticsSink.
func (f SinkFunc) Notify(event string, payload map[string]any, priority Priority) {
	f(event, payload, priority)
}

func safeNotify(sink AnalyticsSink, event string, payload map[string]any, priority Priority, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("analytics sink panicked", "event", event, "panic", r)
		}
	}()
	sink.Notify(event, payload, priority)
}
