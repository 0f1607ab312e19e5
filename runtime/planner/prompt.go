package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/penguiflow/penguiflow/runtime/invoker"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// DefaultSystemPrompt is the preamble used when no override is configured.
const DefaultSystemPrompt = `You are a planner. Decide the single next action for the task.
Choose "plan" to run tools in parallel, "task" to spawn a background task,
"final_response" to answer the user, or a tool name to call that tool.`

// invoke performs one model call, streaming answer deltas as artifact chunks
// when streaming is enabled.
func (rt *Runtime) invoke(ctx context.Context, rs *runState, call invoker.Call) (invoker.Result, error) {
	if !rt.cfg.Runtime.StreamingEnabled {
		return rt.inv.Next(ctx, call)
	}

	streamed := false
	res, err := rt.inv.NextStreaming(ctx, call, func(delta string) error {
		streamed = true
		rt.emit(ctx, rs, stream.Update{
			Type:    stream.UpdateArtifactChunk,
			Content: map[string]any{"phase": "answer", "delta": delta},
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, invoker.ErrContextLength) {
			return res, err
		}
		// Malformed streamed payload or stream failure: one corrective
		// non-streaming ask, which carries its own retry budget.
		fixed, ferr := rt.inv.Next(ctx, call)
		fixed.Usage.Add(res.Usage)
		fixed.CostUSD += res.CostUSD
		return fixed, ferr
	}
	if streamed && res.Action.NextNode == trajectory.NodeFinalResponse {
		rt.emit(ctx, rs, stream.Update{
			Type:    stream.UpdateArtifactChunk,
			Content: map[string]any{"phase": "answer", "done": true},
		})
	}
	return res, nil
}

// buildMessages renders the prompt: system preamble with tool catalog and
// frozen context, the user query, the canonical trajectory, and any injected
// steering inputs.
func (rt *Runtime) buildMessages(rs *runState) []model.Message {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: rt.renderSystemPrompt(rs)},
		{Role: model.RoleUser, Content: rs.spec.Query},
	}
	if rs.traj.Len() > 0 {
		if raw, err := rs.traj.SerializeForLLM(); err == nil {
			msgs = append(msgs, model.Message{Role: model.RoleUser, Content: "Trajectory so far:\n" + string(raw)})
		}
	}
	for _, input := range rs.traj.Metadata.SteeringInputs {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: input})
	}
	return msgs
}

func (rt *Runtime) renderSystemPrompt(rs *runState) string {
	var sb strings.Builder
	if rt.systemPrompt != "" {
		sb.WriteString(rt.systemPrompt)
	} else {
		sb.WriteString(DefaultSystemPrompt)
	}

	descs := rt.tools.List()
	if len(descs) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, d := range descs {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", d.Name, d.SideEffects, d.Description)
		}
	}

	if rs.spec.Snapshot != nil && len(rs.spec.Snapshot.LLMContext) > 0 {
		sb.WriteString("\nContext:\n")
		sb.Write(rs.spec.Snapshot.LLMContext)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// responseSchema is the planner-action schema: next_node constrained to the
// reserved nodes plus every registered tool.
func (rt *Runtime) responseSchema() map[string]any {
	nodes := []any{trajectory.NodePlan, trajectory.NodeTask, trajectory.NodeFinalResponse}
	for _, d := range rt.tools.List() {
		nodes = append(nodes, d.Name)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"next_node": map[string]any{"type": "string", "enum": nodes},
			"args":      map[string]any{"type": "object"},
		},
		"required": []any{"next_node", "args"},
	}
}
