package authz

import (
	"context"
	"log/slog"
	"time"
)

// Record is one audit entry emitted by the gate or the facade. Records are
// never read back by the bridge.
type Record struct {
	ID         string    `json:"id"`
	Resource   string    `json:"resource"`
	Action     Action    `json:"action"`
	Scope      Scope     `json:"scope"`
	Permission string    `json:"permission"`
	Subject    string    `json:"subject,omitempty"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// Auditor receives audit records. Audit is fire-and-forget: the gate contains
// panics raised by an Auditor.
type Auditor interface {
	Audit(ctx context.Context, record Record)
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(ctx context.Context, record Record)

// Audit calls f.
func (f AuditorFunc) Audit(ctx context.Context, record Record) {
	f(ctx, record)
}

// NopAuditor discards every record.
type NopAuditor struct{}

// Audit does nothing.
func (NopAuditor) Audit(context.Context, Record) {}

// LogAuditor writes audit records to a structured logger.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor creates an auditor logging through logger, or slog.Default when nil.
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditor{logger: logger.With("component", "audit")}
}

// Audit logs the record. Denials and failures log at warn level.
func (a *LogAuditor) Audit(ctx context.Context, record Record) {
	level := slog.LevelInfo
	if !record.Success {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("audit_id", record.ID),
		slog.String("resource", record.Resource),
		slog.String("action", string(record.Action)),
		slog.String("scope", string(record.Scope)),
		slog.String("permission", record.Permission),
		slog.String("subject", record.Subject),
		slog.Bool("success", record.Success),
		slog.Time("timestamp", record.Timestamp),
	}
	if record.Error != "" {
		attrs = append(attrs, slog.String("error", record.Error))
	}

	a.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// MultiAuditor fans a record out to several auditors.
type MultiAuditor []Auditor

// Audit forwards the record to every auditor, isolating each one.
func (m MultiAuditor) Audit(ctx context.Context, record Record) {
	for _, auditor := range m {
		safeAudit(ctx, auditor, record, nil)
	}
}

func safeAudit(ctx context.Context, auditor Auditor, record Record, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("auditor panicked", "panic", r, "resource", record.Resource, "action", record.Action)
		}
	}()
	auditor.Audit(ctx, record)
}
