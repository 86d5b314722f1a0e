package errors

import (
	"context"
	stderr "errors"
	"net"
	"strings"
	"time"
)

// TransientMarkers are the message fragments that classify an otherwise
// unclassified failure as retryable.
var TransientMarkers = []string{"timeout", "network", "500", "503"}

// coder is implemented by errors that carry their own code.
type coder interface {
	ErrorCode() string
}

// retryClassifier is implemented by errors that know whether they are transient.
type retryClassifier interface {
	IsRetryable() bool
}

// Normalize converts any failure into a BridgeError stamped with the operation name.
// Normalizing a BridgeError (directly or wrapped) yields an equivalent error
// with the same code, message and retry hint instead of nesting it.
// A nil error normalizes to nil.
func Normalize(err error, operation string) *BridgeError {
	if err == nil {
		return nil
	}

	var existing *BridgeError
	if stderr.As(err, &existing) {
		out := *existing
		if out.Operation == "" {
			out.Operation = operation
		}
		if out.Category == "" {
			out.Category = GetCategory(out.Code)
		}
		if out.HTTPStatus == 0 {
			out.HTTPStatus = GetDefaultHTTPStatus(out.Code)
		}
		if out.Timestamp.IsZero() {
			out.Timestamp = time.Now()
		}
		return &out
	}

	code := ErrCodeUnknownError
	var c coder
	switch {
	case stderr.As(err, &c) && c.ErrorCode() != "":
		code = ErrorCode(c.ErrorCode())
	case stderr.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case stderr.Is(err, context.Canceled):
		code = ErrCodeCanceled
	}

	message := err.Error()

	return &BridgeError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Operation:  operation,
		Timestamp:  time.Now(),
		Retryable:  classifyRetryable(err, message),
		HTTPStatus: GetDefaultHTTPStatus(code),
		Cause:      err,
	}
}

func classifyRetryable(err error, message string) bool {
	var rc retryClassifier
	if stderr.As(err, &rc) {
		return rc.IsRetryable()
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderr.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return hasTransientMarker(message)
}

func hasTransientMarker(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range TransientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Normalize(err, "").Retryable
}

// CodeOf returns the error code err normalizes to.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return Normalize(err, "").Code
}

// As is a convenience over the standard library for *BridgeError targets.
func As(err error) (*BridgeError, bool) {
	var bridgeErr *BridgeError
	ok := stderr.As(err, &bridgeErr)
	return bridgeErr, ok
}
