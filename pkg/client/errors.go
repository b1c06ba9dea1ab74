package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/inference-client/pkg/breaker"
)

// Common errors returned by the client.
var (
	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller's context ends the call.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidRequest is returned for requests rejected before any attempt.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClientClosed is returned by Chat after Close.
	ErrClientClosed = errors.New("client closed")
)

// FailureKind classifies a failed attempt.
type FailureKind string

const (
	// FailureNetwork represents connection refused/reset and DNS errors.
	FailureNetwork FailureKind = "network"

	// FailureTimeout represents an attempt that exceeded its deadline.
	FailureTimeout FailureKind = "timeout"

	// FailureHTTPStatus represents a non-2xx response.
	FailureHTTPStatus FailureKind = "http_status"

	// FailureParsing represents a malformed response body.
	FailureParsing FailureKind = "parsing"

	// FailureCancelled represents a call ended by the caller's context.
	FailureCancelled FailureKind = "cancelled"

	// FailureCircuitOpen represents a call rejected by the breaker.
	FailureCircuitOpen FailureKind = "circuit_open"
)

// RequestError is a classified transport failure.
type RequestError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	prefix := fmt.Sprintf("inference %s error", e.Kind)
	if e.StatusCode != 0 {
		prefix = fmt.Sprintf("%s (status %d)", prefix, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// NetworkError builds a FailureNetwork error.
func NetworkError(err error) *RequestError {
	return &RequestError{Kind: FailureNetwork, Message: "request failed", Err: err}
}

// TimeoutError builds a FailureTimeout error.
func TimeoutError(err error) *RequestError {
	return &RequestError{Kind: FailureTimeout, Message: "request timed out", Err: err}
}

// StatusError builds a FailureHTTPStatus error.
func StatusError(code int, message string) *RequestError {
	return &RequestError{Kind: FailureHTTPStatus, StatusCode: code, Message: message}
}

// ParsingError builds a FailureParsing error.
func ParsingError(err error) *RequestError {
	return &RequestError{Kind: FailureParsing, Message: "malformed response body", Err: err}
}

// CircuitOpenError is returned when the breaker rejects a call before any
// network attempt.
type CircuitOpenError struct {
	State      breaker.State
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %s: retry after %s", e.State, e.RetryAfter)
	}
	return fmt.Sprintf("circuit %s: call rejected", e.State)
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// KindOf returns the failure kind of err, or "" when err is not classified.
func KindOf(err error) FailureKind {
	if errors.Is(err, ErrCircuitOpen) {
		return FailureCircuitOpen
	}
	if errors.Is(err, ErrContextCancelled) {
		return FailureCancelled
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	return ""
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// classify turns an arbitrary operation error into a *RequestError.
// Unclassified errors are treated as network failures, and context deadline
// errors as timeouts.
func classify(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	return NetworkError(err)
}

// isRetryable determines if a failure should be retried.
func isRetryable(err *RequestError, retryableStatus map[int]bool) bool {
	switch err.Kind {
	case FailureNetwork, FailureTimeout:
		return true
	case FailureHTTPStatus:
		return retryableStatus[err.StatusCode]
	default:
		// Parsing failures will not fix themselves; cancellation is final.
		return false
	}
}
