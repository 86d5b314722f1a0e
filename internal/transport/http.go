package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/circuit"
	"github.com/proposalhub/apibridge/pkg/errors"
	"github.com/proposalhub/apibridge/pkg/retry"
)

// Headers used to forward the caller's identity upstream.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
	HeaderTeamID    = "X-Team-ID"
	HeaderScope     = "X-Scope"
	HeaderRequestID = "X-Request-ID"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	BaseURL          string            `yaml:"base_url"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxResponseBytes int64             `yaml:"max_response_bytes"`
	RateLimit        float64           `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst        int               `yaml:"rate_burst"`
	Headers          map[string]string `yaml:"headers"`
	Retry            retry.Config      `yaml:"retry"`
	Circuit          circuit.Config    `yaml:"circuit"`
}

// HTTP is a Transport speaking JSON envelopes over net/http.
type HTTP struct {
	client   *http.Client
	baseURL  *url.URL
	config   HTTPConfig
	retryer  *retry.Retryer
	breakers *circuit.Manager
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTP) {
		if client != nil {
			t.client = client
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTP) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewHTTP creates an HTTP transport rooted at config.BaseURL.
func NewHTTP(config HTTPConfig, opts ...HTTPOption) (*HTTP, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", config.BaseURL)
	}

	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = 10 << 20
	}

	t := &HTTP{
		client:   &http.Client{Timeout: config.Timeout},
		baseURL:  base,
		config:   config,
		retryer:  retry.New(config.Retry),
		breakers: circuit.NewManager(config.Circuit),
		logger:   slog.Default(),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "http-transport", "base_url", base.Redacted())

	return t, nil
}

func (t *HTTP) Get(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return t.call(ctx, MethodGet, endpoint, body)
}

func (t *HTTP) Post(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return t.call(ctx, MethodPost, endpoint, body)
}

func (t *HTTP) Patch(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return t.call(ctx, MethodPatch, endpoint, body)
}

func (t *HTTP) Delete(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return t.call(ctx, MethodDelete, endpoint, body)
}

// Breakers exposes the per-endpoint circuit breakers for health reporting.
func (t *HTTP) Breakers() *circuit.Manager {
	return t.breakers
}

// call runs one logical request: breaker, then retries of rate-limited attempts.
// POST is never retried since it is not idempotent.
func (t *HTTP) call(ctx context.Context, method Method, endpoint string, body any) (*Envelope, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	retryer := t.retryer
	if method == MethodPost {
		retryer = retryer.WithMaxAttempts(1)
	}
	retryer = retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		t.logger.Warn("retrying request",
			"method", method,
			"endpoint", endpoint,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})

	var env *Envelope
	err = t.breakers.Breaker(breakerName(endpoint)).Execute(ctx, func(ctx context.Context) error {
		return retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var attemptErr error
			env, attemptErr = t.attempt(ctx, method, endpoint, payload)
			return attemptErr
		})
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (t *HTTP) attempt(ctx context.Context, method Method, endpoint string, payload []byte) (*Envelope, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Newf(errors.ErrCodeRateLimited, "client rate limit: %v", err)
		}
	}

	req, err := t.newRequest(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBytes+1))
	if err != nil {
		return nil, &NetworkError{Method: method, Endpoint: endpoint, Err: err}
	}
	if int64(len(raw)) > t.config.MaxResponseBytes {
		return nil, errors.Newf(errors.ErrCodeTransportFailure, "response from %s %s exceeds %d bytes", method, endpoint, t.config.MaxResponseBytes).WithRetryable(false)
	}

	t.logger.Debug("request completed",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	return decodeResponse(method, endpoint, resp.StatusCode, raw)
}

func (t *HTTP) newRequest(ctx context.Context, method Method, endpoint string, payload []byte) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Validation("invalid endpoint %q: %v", endpoint, err)
	}
	target := t.baseURL.JoinPath(ref.Path)
	target.RawQuery = ref.RawQuery

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, string(method), target.String(), reader)
	if err != nil {
		return nil, errors.Validation("building request for %s: %v", endpoint, err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())

	if subject, ok := authz.SubjectFrom(ctx); ok {
		req.Header.Set(HeaderUserID, subject.ID)
		if len(subject.Roles) > 0 {
			req.Header.Set(HeaderUserRoles, strings.Join(subject.Roles, ","))
		}
		if subject.TeamID != "" {
			req.Header.Set(HeaderTeamID, subject.TeamID)
		}
	}
	if scope, ok := authz.ScopeFrom(ctx); ok {
		req.Header.Set(HeaderScope, string(scope))
	}

	return req, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Validation("encoding request body: %v", err)
		}
		return payload, nil
	}
}

// decodeResponse turns a status and body into an envelope. Bodies that are
// not envelopes are treated as bare data on success.
func decodeResponse(method Method, endpoint string, status int, raw []byte) (*Envelope, error) {
	var peek struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Code    string          `json:"code"`
	}
	isEnvelope := len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &peek) == nil && peek.Success != nil

	if status < 200 || status > 299 {
		statusErr := &StatusError{Method: method, Endpoint: endpoint, StatusCode: status}
		if isEnvelope {
			statusErr.Message = peek.Error
			statusErr.Code = peek.Code
		} else {
			statusErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, statusErr
	}

	if !isEnvelope {
		env := &Envelope{Success: true}
		if len(bytes.TrimSpace(raw)) > 0 {
			if !json.Valid(raw) {
				return nil, errors.Newf(errors.ErrCodeDecodeFailed, "response from %s %s is not JSON", method, endpoint)
			}
			env.Data = raw
		}
		return env, nil
	}

	return &Envelope{
		Success: *peek.Success,
		Data:    peek.Data,
		Error:   peek.Error,
		Code:    peek.Code,
	}, nil
}

func breakerName(endpoint string) string {
	p := endpoint
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.Trim(p, "/")
	if i := strings.Index(p, "/"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	return p
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     Method
	Endpoint   string
	StatusCode int
	Message    string
	Code       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: upstream returned %d", e.Method, e.Endpoint, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// ErrorCode classifies the status, preferring a code sent by the upstream.
func (e *StatusError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return string(errors.ErrCodeAccessDenied)
	case e.StatusCode == http.StatusNotFound:
		return string(errors.ErrCodeNotFound)
	case e.StatusCode == http.StatusConflict:
		return string(errors.ErrCodeConflict)
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusGatewayTimeout:
		return string(errors.ErrCodeTimeout)
	case e.StatusCode == http.StatusTooManyRequests:
		return string(errors.ErrCodeRateLimited)
	case e.StatusCode >= 500:
		return string(errors.ErrCodeTransportFailure)
	case e.StatusCode >= 400:
		return string(errors.ErrCodeValidationFailed)
	default:
		return string(errors.ErrCodeUnknownError)
	}
}

// IsRetryable reports 5xx, 408 and 429 responses as transient.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// NetworkError is a failure to exchange a request with the upstream.
type NetworkError struct {
	Method   Method
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ErrorCode reports TIMEOUT for deadlines, CANCELED for canceled callers and
// TRANSPORT_FAILURE otherwise.
func (e *NetworkError) ErrorCode() string {
	var netErr net.Error
	switch {
	case stderr.Is(e.Err, context.Canceled):
		return string(errors.ErrCodeCanceled)
	case stderr.Is(e.Err, context.DeadlineExceeded), stderr.As(e.Err, &netErr) && netErr.Timeout():
		return string(errors.ErrCodeTimeout)
	default:
		return string(errors.ErrCodeTransportFailure)
	}
}

// IsRetryable reports every network failure except caller cancellation as transient.
func (e *NetworkError) IsRetryable() bool {
	return !stderr.Is(e.Err, context.Canceled)
}
