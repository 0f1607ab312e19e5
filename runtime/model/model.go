// Package model defines the provider-agnostic LLM client contract consumed by
// the planner runtime. Provider adapters (OpenAI, Anthropic, Bedrock, ...)
// live outside this module; they translate Request/Response to wire formats
// and classify failures into ProviderError values the runtime can act on.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract the invoker uses for LLM calls. Implementations
	// wrap provider SDKs and must be safe for concurrent use. Cancellation and
	// timeouts are carried on the context.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Failures should be returned as (or wrapping) *ProviderError
		// so the runtime can classify them for retry and recovery.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental chunks. Providers without streaming support return
		// ErrStreamingUnsupported; the invoker then falls back to Complete.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls return
	// chunks until io.EOF. Callers must Close the streamer.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases underlying resources.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Messages is the ordered chat history, including system prompts, user
		// inputs, and prior assistant turns.
		Messages []Message

		// Tools describes tool schemas exposed for function calling. Empty when
		// the model should not invoke tools.
		Tools []ToolDefinition

		// ToolChoice optionally forces the model to call a specific tool. Empty
		// means the provider default (auto).
		ToolChoice string

		// StructuredOutput, when non-nil, requests native structured output
		// conforming to the given JSON schema.
		StructuredOutput *StructuredOutputSpec

		// Temperature controls sampling temperature. Zero means greedy decoding.
		Temperature float32

		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int

		// Stream indicates the caller prefers streaming output.
		Stream bool
	}

	// StructuredOutputSpec describes a native structured-output request.
	StructuredOutputSpec struct {
		// Name labels the response schema for providers that require one.
		Name string
		// Schema is the JSON schema the output must conform to.
		Schema map[string]any
		// Strict requests provider-enforced strict schema adherence.
		Strict bool
	}

	// Response wraps the generated content returned by the provider.
	Response struct {
		// Message is the assistant message. For tool-choice responses the
		// content may be empty and ToolCalls populated instead.
		Message Message

		// ToolCalls lists tool invocations requested by the model. Used when the
		// runtime selected the "tools" output mode.
		ToolCalls []ToolCall

		// ReasoningContent carries provider reasoning text when present
		// (thinking blocks, chain-of-thought channels). Optional.
		ReasoningContent string

		// Usage reports token usage when available.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message mirrors an LLM chat message.
	Message struct {
		// Role is "system", "user", "assistant", or "tool".
		Role string `json:"role"`
		// Content is the message text.
		Content string `json:"content"`
		// Meta carries provider-specific metadata. Optional.
		Meta map[string]any `json:"meta,omitempty"`
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON schema describing the tool input.
		InputSchema map[string]any
	}

	// ToolCall captures a tool invocation requested by the provider.
	ToolCall struct {
		// Name identifies the requested tool.
		Name string
		// Arguments is the raw JSON argument payload produced by the model.
		Arguments string
	}

	// Chunk is a streaming event emitted by the model.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Text is the content delta when Type == ChunkTypeText.
		Text string
		// Reasoning is the reasoning delta when Type == ChunkTypeReasoning.
		Reasoning string
		// ToolCall carries a requested invocation when Type == ChunkTypeToolCall.
		ToolCall *ToolCall
		// UsageDelta reports incremental usage when Type == ChunkTypeUsage.
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records token counts reported by the provider. All fields are
	// zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts tokens produced in this completion.
		OutputTokens int `json:"output_tokens"`
		// TotalTokens is the aggregate when reported; prefer it over summing.
		TotalTokens int `json:"total_tokens"`
	}
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Chunk type constants.
const (
	ChunkTypeText      = "text"
	ChunkTypeReasoning = "reasoning"
	ChunkTypeToolCall  = "tool_call"
	ChunkTypeUsage     = "usage"
	ChunkTypeStop      = "stop"
)

// Add accumulates usage deltas across attempts and streams.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens += delta.TotalTokens
}

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")
