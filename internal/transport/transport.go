// Package transport defines the collaborator a bridge facade calls to reach
// its backend, the {success, data, error} envelope it speaks, and two
// implementations: an HTTP client and an S3-backed object store.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/proposalhub/apibridge/pkg/errors"
)

// Method is a transport verb.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// Transport is the backend collaborator. Implementations must be safe for
// concurrent use. Body may be nil; it is JSON encoded when present.
type Transport interface {
	Get(ctx context.Context, endpoint string, body any) (*Envelope, error)
	Post(ctx context.Context, endpoint string, body any) (*Envelope, error)
	Patch(ctx context.Context, endpoint string, body any) (*Envelope, error)
	Delete(ctx context.Context, endpoint string, body any) (*Envelope, error)
}

// Envelope is the response wrapper returned by every transport call.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Err returns nil for a successful envelope and an *EnvelopeError otherwise.
func (e *Envelope) Err() error {
	if e == nil {
		return &EnvelopeError{Message: "empty response envelope"}
	}
	if e.Success {
		return nil
	}
	return &EnvelopeError{Message: e.Error, Code: e.Code}
}

// EnvelopeError is a failure reported inside a well-formed envelope.
type EnvelopeError struct {
	Message string
	Code    string
}

func (e *EnvelopeError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// ErrorCode returns the code the backend attached, if any.
func (e *EnvelopeError) ErrorCode() string {
	return e.Code
}

// Do dispatches a call by method.
func Do(ctx context.Context, t Transport, method Method, endpoint string, body any) (*Envelope, error) {
	switch Method(strings.ToUpper(string(method))) {
	case MethodGet:
		return t.Get(ctx, endpoint, body)
	case MethodPost:
		return t.Post(ctx, endpoint, body)
	case MethodPatch:
		return t.Patch(ctx, endpoint, body)
	case MethodDelete:
		return t.Delete(ctx, endpoint, body)
	default:
		return nil, errors.Validation("unsupported transport method %q", method)
	}
}

// Success wraps data in a successful envelope.
func Success(data any) (*Envelope, error) {
	if data == nil {
		return &Envelope{Success: true}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding response data: %w", err)
	}
	return &Envelope{Success: true, Data: raw}, nil
}

// Func adapts a single function to the Transport interface.
type Func func(ctx context.Context, method Method, endpoint string, body any) (*Envelope, error)

func (f Func) Get(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return f(ctx, MethodGet, endpoint, body)
}

func (f Func) Post(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return f(ctx, MethodPost, endpoint, body)
}

func (f Func) Patch(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return f(ctx, MethodPatch, endpoint, body)
}

func (f Func) Delete(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return f(ctx, MethodDelete, endpoint, body)
}
