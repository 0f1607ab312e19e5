package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind buckets provider failures coarsely enough that retry and
// recovery policy can switch on it without knowing the provider.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth covers authentication and authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest means the request itself is bad; resending
	// it unchanged cannot succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindContextLength means the prompt overflowed the model's
	// context window. The runtime compresses the trajectory and retries once.
	ProviderErrorKindContextLength ProviderErrorKind = "context_length_exceeded"

	// ProviderErrorKindRateLimited means the provider is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable covers transient failures (5xx, network)
	// worth retrying.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindTimeout means the call ran past its deadline.
	ProviderErrorKindTimeout ProviderErrorKind = "timeout"

	// ProviderErrorKindUnknown is the bucket for everything unclassified.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError carries structured failure detail from a model provider so
// callers never have to parse provider message strings. Fields are read
// through accessors; the zero value is not valid.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	code      string
	message   string
	requestID string
	retryable bool
	cause     error
}

// NewProviderError builds a ProviderError. provider and kind must be set;
// pass the original error as cause to keep the chain unwrappable.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider names the provider, e.g. "openai".
func (e *ProviderError) Provider() string { return e.provider }

// Operation names the provider call that failed, when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus is the HTTP status, or 0 when none applies.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the failure bucket.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code is the provider-specific error code, when one was given.
func (e *ProviderError) Code() string { return e.code }

// Message is the provider's own error text, when one was given.
func (e *ProviderError) Message() string { return e.message }

// RequestID is the provider request identifier, when one was given.
func (e *ProviderError) RequestID() string { return e.requestID }

// Retryable reports whether resending the same request may succeed.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap exposes the underlying cause.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
