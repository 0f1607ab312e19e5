package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/penguiflow/penguiflow/runtime/extract"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/recovery"
	"github.com/penguiflow/penguiflow/runtime/schema"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// DeltaFunc receives incremental answer text during a streamed call. Returning
// an error aborts the stream.
type DeltaFunc func(delta string) error

// NextStreaming behaves like Next but streams the final-response answer text
// through onDelta as it is generated. Deltas flow only once the action is
// known to be a final response; tool actions produce no deltas. Providers
// without streaming fall back to Complete, delivering the whole answer as one
// delta when the action is terminal.
func (v *Invoker) NextStreaming(ctx context.Context, call Call, onDelta DeltaFunc) (Result, error) {
	plan, err := v.plans.Plan(call.ResponseSchema, call.Profile)
	if err != nil {
		return Result{}, err
	}
	compiled, err := compileResponseSchema(call.ResponseSchema)
	if err != nil {
		return Result{}, fmt.Errorf("invoker: compile response schema: %w", err)
	}
	mode := plan.Mode(call.Profile)
	// Forced tool calls cannot stream answer text; stream prompted JSON instead.
	if mode == schema.ModeTools {
		mode = schema.ModePrompted
	}

	messages := make([]model.Message, len(call.Messages))
	copy(messages, call.Messages)
	if mode == schema.ModePrompted {
		messages = append(messages, promptedInstruction(plan.TransformedSchema))
	}

	req := v.buildRequest(call, plan, mode, messages)
	req.Stream = true

	st, err := v.client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return v.completeWithDelta(ctx, call, onDelta)
	}
	if err != nil {
		class := recovery.Classify(err)
		if class == recovery.ClassContextLength {
			return Result{Mode: mode}, fmt.Errorf("%w: %v", ErrContextLength, err)
		}
		return Result{Mode: mode}, fmt.Errorf("invoker: open stream: %w", err)
	}
	defer st.Close()

	res := Result{Mode: mode}
	ex := extract.New()
	var full strings.Builder
	var reasoning strings.Builder
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("invoker: stream recv: %w", err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			full.WriteString(chunk.Text)
			for _, delta := range ex.Feed(chunk.Text) {
				if derr := onDelta(delta); derr != nil {
					return res, derr
				}
			}
		case model.ChunkTypeReasoning:
			reasoning.WriteString(chunk.Reasoning)
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				res.Usage.Add(*chunk.UsageDelta)
			}
		}
	}
	res.CostUSD = v.prices.Cost(call.Model, res.Usage)
	res.Reasoning = reasoning.String()

	action, err := decodePrompted(full.String())
	if err != nil {
		return res, fmt.Errorf("invoker: parse streamed action: %w", err)
	}
	// The stream is spent, so a shape violation fails the call outright
	// instead of re-asking.
	if compiled != nil {
		if err := conformsTo(compiled, action); err != nil {
			return res, err
		}
	}
	res.Action = action
	v.metrics.IncCounter("penguiflow.invoker.calls", 1, "mode", string(mode)+"_stream")
	return res, nil
}

// completeWithDelta is the non-streaming fallback: one Complete call, with the
// whole answer surfaced as a single delta when the action is terminal.
func (v *Invoker) completeWithDelta(ctx context.Context, call Call, onDelta DeltaFunc) (Result, error) {
	res, err := v.Next(ctx, call)
	if err != nil {
		return res, err
	}
	if res.Action.NextNode == trajectory.NodeFinalResponse {
		if answer := finalAnswer(res.Action); answer != "" {
			if derr := onDelta(answer); derr != nil {
				return res, derr
			}
		}
	}
	return res, nil
}

// finalAnswer pulls the answer text out of a final_response action.
func finalAnswer(action trajectory.PlannerAction) string {
	for _, key := range []string{"raw_answer", "answer"} {
		if s, ok := action.Args[key].(string); ok {
			return s
		}
	}
	return ""
}
