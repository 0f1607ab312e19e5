// Package recovery classifies model call failures and applies the recovery
// policies around the invoker: exponential backoff with jitter for transient
// failures, trajectory compression for context overflow, and cleaning of raw
// provider error payloads before they become LLM-visible observations.
package recovery

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/penguiflow/penguiflow/runtime/model"
)

// Class is the recovery-relevant failure classification.
type Class string

const (
	// ClassContextLength triggers trajectory compression then a single retry.
	ClassContextLength Class = "context_length_exceeded"
	// ClassRateLimit backs off with jitter and retries.
	ClassRateLimit Class = "rate_limit"
	// ClassServer backs off with jitter and retries.
	ClassServer Class = "server"
	// ClassTimeout backs off and retries.
	ClassTimeout Class = "timeout"
	// ClassAuth is non-retryable and surfaces.
	ClassAuth Class = "auth"
	// ClassBadRequest becomes a cleaned observation step the model reacts to.
	ClassBadRequest Class = "bad_request"
	// ClassCancelled means the call was cancelled. Terminal.
	ClassCancelled Class = "cancelled"
	// ClassUnknown surfaces as fatal.
	ClassUnknown Class = "unknown"
)

// Retryable reports whether the class allows a retry without changing the
// request (after backoff or compression).
func (c Class) Retryable() bool {
	switch c {
	case ClassContextLength, ClassRateLimit, ClassServer, ClassTimeout:
		return true
	}
	return false
}

// Classify maps a model call error to its recovery class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	pe, ok := model.AsProviderError(err)
	if !ok {
		return ClassUnknown
	}
	switch pe.Kind() {
	case model.ProviderErrorKindContextLength:
		return ClassContextLength
	case model.ProviderErrorKindRateLimited:
		return ClassRateLimit
	case model.ProviderErrorKindUnavailable:
		return ClassServer
	case model.ProviderErrorKindTimeout:
		return ClassTimeout
	case model.ProviderErrorKindAuth:
		return ClassAuth
	case model.ProviderErrorKindInvalidRequest:
		return ClassBadRequest
	default:
		if pe.Retryable() {
			return ClassServer
		}
		return ClassUnknown
	}
}

// Backoff computes retry delays: exponential growth from Base, capped at Max,
// with up to Jitter fraction of random spread.
type Backoff struct {
	// Base is the first delay. Zero defaults to 500ms.
	Base time.Duration
	// Max caps the delay. Zero defaults to 30s.
	Max time.Duration
	// Jitter is the random fraction applied to the delay, in [0, 1].
	Jitter float64
	// rand is a seam for deterministic tests.
	rand func() float64
}

// Delay returns the delay before the given retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread/2 + r()*spread)
	}
	return d
}

// Wait sleeps the attempt's delay, returning early if ctx ends.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
