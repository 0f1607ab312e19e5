// Package invoker turns one "what should I do next" question into a validated
// planner action. It plans the response schema for the target model, picks the
// structured-output mode (native, forced tool call, or schema-in-prompt),
// calls the model with retry and backoff, and parses the reply, asking the
// model to correct itself when the reply does not decode.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/recovery"
	"github.com/penguiflow/penguiflow/runtime/schema"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// ErrContextLength signals that the request exceeded the model context window.
// The caller compresses the trajectory and calls again; the invoker never
// retries this class itself.
var ErrContextLength = errors.New("invoker: context length exceeded")

// actionToolName is the synthetic tool used for forced tool-call output.
const actionToolName = "planner_action"

type (
	// Call describes one planner-action request.
	Call struct {
		// Model is the provider model identifier.
		Model string
		// Messages is the full prompt, system message included.
		Messages []model.Message
		// ResponseSchema is the JSON schema the action must conform to.
		ResponseSchema map[string]any
		// Profile describes the target model's structured-output capabilities.
		Profile schema.ModelProfile
		// Temperature is passed through to the provider.
		Temperature float32
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
	}

	// Result is a validated planner action plus call accounting.
	Result struct {
		// Action is the decoded planner action.
		Action trajectory.PlannerAction
		// Reasoning is provider reasoning text, when present.
		Reasoning string
		// Mode is the output mode actually used.
		Mode schema.OutputMode
		// Usage aggregates token usage across all attempts.
		Usage model.TokenUsage
		// CostUSD is the estimated cost across all attempts.
		CostUSD float64
		// Retries counts extra attempts beyond the first.
		Retries int
	}

	// Invoker issues planner-action calls against a model client.
	Invoker struct {
		client     model.Client
		plans      *schema.Planner
		backoff    recovery.Backoff
		maxRetries int
		prices     PriceTable
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}

	// Option configures an Invoker.
	Option func(*Invoker)
)

// DefaultMaxRetries bounds parse and transient retries per call.
const DefaultMaxRetries = 3

// WithMaxRetries overrides the per-call retry budget.
func WithMaxRetries(n int) Option {
	return func(v *Invoker) { v.maxRetries = n }
}

// WithBackoff overrides the transient-failure backoff policy.
func WithBackoff(b recovery.Backoff) Option {
	return func(v *Invoker) { v.backoff = b }
}

// WithPrices installs a price table for cost estimation.
func WithPrices(p PriceTable) Option {
	return func(v *Invoker) { v.prices = p }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(v *Invoker) { v.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(v *Invoker) { v.metrics = m }
}

// New constructs an Invoker around the given client.
func New(client model.Client, opts ...Option) (*Invoker, error) {
	if client == nil {
		return nil, fmt.Errorf("invoker: model client is required")
	}
	plans, err := schema.NewPlanner(0)
	if err != nil {
		return nil, err
	}
	v := &Invoker{
		client:     client,
		plans:      plans,
		maxRetries: DefaultMaxRetries,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Next asks the model for the next planner action. Transient provider
// failures back off and retry; malformed replies trigger a corrective user
// message and a re-ask. Both share the retry budget. Context-length failures
// return ErrContextLength immediately so the caller can compress.
func (v *Invoker) Next(ctx context.Context, call Call) (Result, error) {
	plan, err := v.plans.Plan(call.ResponseSchema, call.Profile)
	if err != nil {
		return Result{}, err
	}
	compiled, err := compileResponseSchema(call.ResponseSchema)
	if err != nil {
		return Result{}, fmt.Errorf("invoker: compile response schema: %w", err)
	}
	mode := plan.Mode(call.Profile)

	messages := make([]model.Message, len(call.Messages))
	copy(messages, call.Messages)
	if mode == schema.ModePrompted {
		messages = append(messages, promptedInstruction(plan.TransformedSchema))
	}

	var res Result
	res.Mode = mode
	for {
		req := v.buildRequest(call, plan, mode, messages)
		resp, err := v.client.Complete(ctx, req)
		res.Usage.Add(resp.Usage)
		res.CostUSD += v.prices.Cost(call.Model, resp.Usage)
		if err != nil {
			class := recovery.Classify(err)
			if class == recovery.ClassContextLength {
				return res, fmt.Errorf("%w: %v", ErrContextLength, err)
			}
			if class.Retryable() && res.Retries < v.maxRetries {
				v.logger.Warn(ctx, "model call failed, retrying",
					"class", string(class), "attempt", res.Retries, "error", err.Error())
				if werr := v.backoff.Wait(ctx, res.Retries); werr != nil {
					return res, werr
				}
				res.Retries++
				continue
			}
			return res, fmt.Errorf("invoker: model call: %w", err)
		}

		action, raw, perr := parseAction(mode, resp)
		if perr == nil && compiled != nil {
			perr = conformsTo(compiled, action)
		}
		if perr == nil {
			res.Action = action
			res.Reasoning = resp.ReasoningContent
			v.metrics.IncCounter("penguiflow.invoker.calls", 1, "mode", string(mode))
			return res, nil
		}
		if res.Retries >= v.maxRetries {
			return res, fmt.Errorf("invoker: parse planner action after %d retries: %w", res.Retries, perr)
		}
		v.logger.Warn(ctx, "planner action parse failed, re-asking",
			"attempt", res.Retries, "error", perr.Error())
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: raw},
			correctionMessage(perr),
		)
		res.Retries++
	}
}

// buildRequest shapes the provider request for the chosen mode.
func (v *Invoker) buildRequest(call Call, plan schema.Plan, mode schema.OutputMode, messages []model.Message) model.Request {
	req := model.Request{
		Model:       call.Model,
		Messages:    messages,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
	}
	switch mode {
	case schema.ModeNative:
		req.StructuredOutput = &model.StructuredOutputSpec{
			Name:   actionToolName,
			Schema: plan.TransformedSchema,
			Strict: plan.StrictApplied,
		}
	case schema.ModeTools:
		req.Tools = []model.ToolDefinition{{
			Name:        actionToolName,
			Description: "Record the next planner action.",
			InputSchema: plan.TransformedSchema,
		}}
		req.ToolChoice = actionToolName
	}
	return req
}

// parseAction decodes the provider response into an action. The returned raw
// string is the model output echoed back on a corrective retry.
func parseAction(mode schema.OutputMode, resp model.Response) (trajectory.PlannerAction, string, error) {
	switch mode {
	case schema.ModeTools:
		if len(resp.ToolCalls) == 0 {
			return trajectory.PlannerAction{}, resp.Message.Content,
				fmt.Errorf("invoker: expected a %s tool call, got none", actionToolName)
		}
		tc := resp.ToolCalls[0]
		action, err := decodeAction(tc.Arguments)
		return action, tc.Arguments, err
	case schema.ModeNative:
		action, err := decodeAction(resp.Message.Content)
		return action, resp.Message.Content, err
	default:
		action, err := decodePrompted(resp.Message.Content)
		return action, resp.Message.Content, err
	}
}

// decodeAction parses a strict JSON planner action.
func decodeAction(raw string) (trajectory.PlannerAction, error) {
	var action trajectory.PlannerAction
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		return trajectory.PlannerAction{}, fmt.Errorf("invoker: decode action: %w", err)
	}
	return validated(action)
}

// decodePrompted parses free-form model output: code fences are stripped, the
// JSON object is located inside surrounding prose, and near-JSON is repaired
// before giving up.
func decodePrompted(raw string) (trajectory.PlannerAction, error) {
	candidate := extractObject(stripFences(raw))
	if candidate == "" {
		return trajectory.PlannerAction{}, fmt.Errorf("invoker: no JSON object in model output")
	}
	var action trajectory.PlannerAction
	if err := json.Unmarshal([]byte(candidate), &action); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(candidate)
		if rerr != nil {
			return trajectory.PlannerAction{}, fmt.Errorf("invoker: decode action: %w", err)
		}
		if jerr := json.Unmarshal([]byte(repaired), &action); jerr != nil {
			return trajectory.PlannerAction{}, fmt.Errorf("invoker: decode repaired action: %w", jerr)
		}
	}
	return validated(action)
}

// compileResponseSchema compiles the caller's action schema once per call. A
// nil schema skips structural validation.
func compileResponseSchema(raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	const url = "inline://" + actionToolName + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// conformsTo checks the decoded action against the response schema so a reply
// that decodes but has the wrong shape is re-asked instead of executed.
func conformsTo(compiled *jsonschema.Schema, action trajectory.PlannerAction) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("invoker: encode action for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invoker: decode action for validation: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("invoker: action violates the response schema: %w", err)
	}
	return nil
}

func validated(action trajectory.PlannerAction) (trajectory.PlannerAction, error) {
	if action.NextNode == "" {
		return trajectory.PlannerAction{}, fmt.Errorf("invoker: action is missing next_node")
	}
	if action.Args == nil {
		action.Args = map[string]any{}
	}
	return action, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// extractObject returns the first balanced top-level JSON object in the text.
// Braces inside strings do not count.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unbalanced: return the tail and let jsonrepair close it.
	return text[start:]
}

func promptedInstruction(transformed map[string]any) model.Message {
	raw, err := json.Marshal(transformed)
	if err != nil {
		raw = []byte("{}")
	}
	return model.Message{
		Role: model.RoleSystem,
		Content: "Respond with a single JSON object conforming to this schema. " +
			"Output only the JSON object, no prose and no code fences.\n\nSchema:\n" + string(raw),
	}
}

func correctionMessage(perr error) model.Message {
	return model.Message{
		Role: model.RoleUser,
		Content: fmt.Sprintf(
			"Your previous reply could not be used: %s. Reply again with a single JSON object containing \"next_node\" and \"args\".",
			perr.Error()),
	}
}
