// Package middleware provides composable model.Client wrappers: client-side
// rate limiting and structured call logging. Middlewares preserve the Client
// contract so they stack in any order.
package middleware

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

type (
	// Middleware wraps a model client.
	Middleware func(model.Client) model.Client

	rateLimited struct {
		next    model.Client
		limiter *rate.Limiter
	}

	logged struct {
		next    model.Client
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// Chain applies middlewares left to right: the first wraps closest to the
// caller.
func Chain(client model.Client, mws ...Middleware) model.Client {
	for i := len(mws) - 1; i >= 0; i-- {
		client = mws[i](client)
	}
	return client
}

// RateLimited blocks calls until the limiter grants a token, honoring ctx.
func RateLimited(limiter *rate.Limiter) Middleware {
	return func(next model.Client) model.Client {
		return &rateLimited{next: next, limiter: limiter}
	}
}

func (c *rateLimited) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Response{}, fmt.Errorf("middleware: rate limit wait: %w", err)
	}
	return c.next.Complete(ctx, req)
}

func (c *rateLimited) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("middleware: rate limit wait: %w", err)
	}
	return c.next.Stream(ctx, req)
}

// Logged records call duration, usage, and failures.
func Logged(logger telemetry.Logger, metrics telemetry.Metrics) Middleware {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return func(next model.Client) model.Client {
		return &logged{next: next, logger: logger, metrics: metrics}
	}
}

func (c *logged) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	elapsed := time.Since(start)
	c.metrics.RecordTimer("penguiflow.model.complete", elapsed, "model", req.Model)
	if err != nil {
		c.logger.Error(ctx, "model complete failed", "model", req.Model, "elapsed_ms", elapsed.Milliseconds(), "error", err.Error())
		return resp, err
	}
	c.logger.Debug(ctx, "model complete",
		"model", req.Model,
		"elapsed_ms", elapsed.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return resp, nil
}

func (c *logged) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	start := time.Now()
	st, err := c.next.Stream(ctx, req)
	if err != nil {
		c.logger.Error(ctx, "model stream failed", "model", req.Model, "error", err.Error())
		return nil, err
	}
	c.logger.Debug(ctx, "model stream started", "model", req.Model, "elapsed_ms", time.Since(start).Milliseconds())
	return st, nil
}
