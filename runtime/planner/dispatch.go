package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/penguiflow/penguiflow/runtime/hooks"
	"github.com/penguiflow/penguiflow/runtime/recovery"
	"github.com/penguiflow/penguiflow/runtime/steering"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/task"
	"github.com/penguiflow/penguiflow/runtime/tools"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// toolError carries the failure kind and fatality of a tool invocation.
type toolError struct {
	kind  string
	fatal bool
	err   error
}

func (e *toolError) Error() string { return e.err.Error() }
func (e *toolError) Unwrap() error { return e.err }

// dispatch executes one action. A true done flag ends the run with out.
func (rt *Runtime) dispatch(ctx context.Context, rs *runState, action trajectory.PlannerAction, reasoning string, deterministic bool) (bool, Outcome) {
	switch action.NextNode {
	case trajectory.NodeFinalResponse:
		return true, rt.execFinal(ctx, rs, action, reasoning)
	case trajectory.NodePlan:
		return rt.execPlan(ctx, rs, action, reasoning)
	case trajectory.NodeTask:
		return rt.execSpawn(ctx, rs, action, reasoning)
	default:
		return rt.execTool(ctx, rs, action, reasoning, deterministic)
	}
}

func (rt *Runtime) execFinal(ctx context.Context, rs *runState, action trajectory.PlannerAction, reasoning string) Outcome {
	answer := answerText(action)
	idx := rs.traj.AppendStep(action, reasoning, rt.now())
	obs := map[string]any{"answer": answer}
	if err := rs.traj.RecordObservation(idx, obs, obs); err != nil {
		rt.logger.Warn(ctx, "record final observation", "error", err.Error())
	}
	return rt.finishComplete(ctx, rs, answer)
}

// execTool runs one tool call as one step. Failures become step errors the
// model reacts to, unless the tool is marked fatal.
func (rt *Runtime) execTool(ctx context.Context, rs *runState, action trajectory.PlannerAction, reasoning string, deterministic bool) (bool, Outcome) {
	idx := rs.traj.AppendStep(action, reasoning, rt.now())
	rt.emit(ctx, rs, stream.Update{
		Type:      stream.UpdateToolCall,
		Content:   map[string]any{"tool": action.NextNode, "args": action.Args},
		StepIndex: stepIndex(idx),
	})

	out, terr := rt.invokeTool(ctx, rs, action.NextNode, action.Args)
	if terr != nil {
		return rt.recordToolFailure(ctx, rs, idx, action.NextNode, terr)
	}

	desc, _ := rt.tools.Get(action.NextNode)
	redacted, refs, rerr := tools.Redact(ctx, rt.artifacts, desc, rs.spec.SessionID, rs.spec.TaskID, out)
	if rerr != nil {
		rt.logger.Warn(ctx, "artifact redaction failed", "tool", action.NextNode, "error", rerr.Error())
		redacted = out
	}
	if err := rs.traj.RecordObservation(idx, out, redacted); err != nil {
		rt.logger.Warn(ctx, "record observation", "error", err.Error())
	}

	content := map[string]any{"tool": action.NextNode, "status": "done"}
	if len(refs) > 0 {
		content["artifact_refs"] = refs
	}
	rt.emit(ctx, rs, stream.Update{Type: stream.UpdateProgress, Content: content, StepIndex: stepIndex(idx)})

	if deterministic {
		rt.publish(ctx, hooks.AutoSeqExecuted{
			SessionID: rs.spec.SessionID,
			TaskID:    rs.spec.TaskID,
			ToolName:  action.NextNode,
			StepIndex: idx,
		})
	}
	return false, Outcome{}
}

func (rt *Runtime) recordToolFailure(ctx context.Context, rs *runState, idx int, tool string, terr *toolError) (bool, Outcome) {
	cleaned := recovery.CleanErrorMessage(terr.Error())
	if err := rs.traj.RecordError(idx, trajectory.StepError{Kind: terr.kind, Message: cleaned}); err != nil {
		rt.logger.Warn(ctx, "record step error", "error", err.Error())
	}
	rt.emit(ctx, rs, stream.Update{
		Type:      stream.UpdateProgress,
		Content:   map[string]any{"tool": tool, "status": "error", "error": cleaned},
		StepIndex: stepIndex(idx),
	})
	if terr.kind == "cancelled" {
		return true, rt.finishCancelled(ctx, rs, cleaned)
	}
	if terr.fatal {
		return true, rt.finishFailed(ctx, rs, task.ErrInfo{Kind: "tool_fatal", Message: cleaned})
	}
	return false, Outcome{}
}

// invokeTool validates and executes one tool under the task's cancel token
// and the configured timeout.
func (rt *Runtime) invokeTool(ctx context.Context, rs *runState, name string, args map[string]any) (any, *toolError) {
	desc, ok := rt.tools.Get(name)
	if !ok {
		return nil, &toolError{kind: "unknown_tool", err: fmt.Errorf("tool %q is not registered", name)}
	}
	if err := rt.tools.ValidateArgs(name, args); err != nil {
		return nil, &toolError{kind: "validation", err: err}
	}

	tctx, cancel := withCancelToken(ctx, rs.spec.Token)
	defer cancel()
	if rt.cfg.Runtime.TimeoutS > 0 {
		var tcancel context.CancelFunc
		tctx, tcancel = context.WithTimeout(tctx, rt.cfg.Runtime.LLMTimeout())
		defer tcancel()
	}

	out, err := desc.Invoke(tctx, args)
	if err != nil {
		kind := "tool_error"
		if rs.spec.Token != nil && rs.spec.Token.Cancelled() {
			kind = "cancelled"
		} else if tctx.Err() != nil {
			kind = "timeout"
		}
		return nil, &toolError{kind: kind, fatal: desc.Fatal, err: err}
	}
	return out, nil
}

// planEntry is one sub-call's contribution to the join input. Failures are
// recorded here rather than failing the whole plan.
type planEntry struct {
	Node   string `json:"node"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// execPlan fans the plan's sub-calls out concurrently, bounded by the
// parallelism cap, then joins the ordered results into a single step.
func (rt *Runtime) execPlan(ctx context.Context, rs *runState, action trajectory.PlannerAction, reasoning string) (bool, Outcome) {
	idx := rs.traj.AppendStep(action, reasoning, rt.now())

	steps, join, err := trajectory.ParsePlanArgs(action.Args)
	if err != nil {
		if rerr := rs.traj.RecordError(idx, trajectory.StepError{Kind: "validation", Message: err.Error()}); rerr != nil {
			rt.logger.Warn(ctx, "record plan error", "error", rerr.Error())
		}
		return false, Outcome{}
	}

	total := len(steps)
	rt.emit(ctx, rs, stream.Update{
		Type:       stream.UpdateToolCall,
		Content:    map[string]any{"tool": trajectory.NodePlan, "parallel": total},
		StepIndex:  stepIndex(idx),
		TotalSteps: &total,
	})

	entries := make([]planEntry, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.maxParallel)
	for i, ps := range steps {
		i, ps := i, ps
		g.Go(func() error {
			out, terr := rt.invokeTool(gctx, rs, ps.Node, ps.Args)
			if terr != nil {
				entries[i] = planEntry{Node: ps.Node, Error: recovery.CleanErrorMessage(terr.Error())}
				return nil
			}
			entries[i] = planEntry{Node: ps.Node, Output: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rt.logger.Warn(ctx, "plan fan-out", "error", err.Error())
	}
	if rs.spec.Token != nil && rs.spec.Token.Cancelled() {
		if rerr := rs.traj.RecordError(idx, trajectory.StepError{Kind: "cancelled", Message: rs.spec.Token.Reason()}); rerr != nil {
			rt.logger.Warn(ctx, "record plan cancel", "error", rerr.Error())
		}
		return true, rt.finishCancelled(ctx, rs, rs.spec.Token.Reason())
	}

	observation, joinErr := rt.joinResults(ctx, rs, join, entries)
	if joinErr != nil {
		if rerr := rs.traj.RecordError(idx, trajectory.StepError{Kind: "join_error", Message: recovery.CleanErrorMessage(joinErr.Error())}); rerr != nil {
			rt.logger.Warn(ctx, "record join error", "error", rerr.Error())
		}
		return false, Outcome{}
	}
	if canonical, err := canonicalJSON(observation); err == nil {
		observation = canonical
	} else {
		rt.logger.Warn(ctx, "canonicalize plan observation", "error", err.Error())
	}
	if err := rs.traj.RecordObservation(idx, observation, observation); err != nil {
		rt.logger.Warn(ctx, "record plan observation", "error", err.Error())
	}
	rt.emit(ctx, rs, stream.Update{
		Type:      stream.UpdateProgress,
		Content:   map[string]any{"tool": trajectory.NodePlan, "status": "done", "sub_calls": total},
		StepIndex: stepIndex(idx),
	})
	return false, Outcome{}
}

// joinResults combines ordered sub-call outputs. A join tool receives the
// injected selections; with no join tool the raw results become the
// observation and the next LLM turn aggregates them.
func (rt *Runtime) joinResults(ctx context.Context, rs *runState, join *trajectory.JoinSpec, entries []planEntry) (any, error) {
	if join == nil || join.Node == "" {
		results := make([]any, len(entries))
		for i, e := range entries {
			results[i] = e
		}
		return map[string]any{"results": results}, nil
	}

	args := make(map[string]any, len(join.Args)+len(join.Inject))
	for k, v := range join.Args {
		args[k] = v
	}
	outputs := make([]any, len(entries))
	for i, e := range entries {
		if e.Error != "" {
			outputs[i] = map[string]any{"node": e.Node, "error": e.Error}
			continue
		}
		outputs[i] = e.Output
	}
	for name, selector := range join.Inject {
		val, err := selectResults(selector, outputs)
		if err != nil {
			return nil, err
		}
		args[name] = val
	}

	out, terr := rt.invokeTool(ctx, rs, join.Node, args)
	if terr != nil {
		return nil, terr
	}
	return out, nil
}

// canonicalJSON round-trips a value through encoding/json so observations
// hold decoded JSON values rather than typed Go structs.
func canonicalJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// selectResults resolves a join injection selector: "$all" for the ordered
// output slice, "$<n>" for a single output.
func selectResults(selector string, outputs []any) (any, error) {
	if selector == "$all" {
		return outputs, nil
	}
	var n int
	if _, err := fmt.Sscanf(selector, "$%d", &n); err != nil {
		return nil, fmt.Errorf("planner: unknown join selector %q", selector)
	}
	if n < 0 || n >= len(outputs) {
		return nil, fmt.Errorf("planner: join selector %q out of range", selector)
	}
	return outputs[n], nil
}

// taskArgs is the decoded payload of a "task" action.
type taskArgs struct {
	Description   string `json:"description"`
	Query         string `json:"query"`
	Group         string `json:"group,omitempty"`
	MergeStrategy string `json:"merge_strategy,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	RetainTurn    bool   `json:"retain_turn,omitempty"`
}

// execSpawn hands a "task" action to the session's spawn callback and records
// the new task id as the step observation.
func (rt *Runtime) execSpawn(ctx context.Context, rs *runState, action trajectory.PlannerAction, reasoning string) (bool, Outcome) {
	idx := rs.traj.AppendStep(action, reasoning, rt.now())

	if rs.spec.Spawn == nil {
		if err := rs.traj.RecordError(idx, trajectory.StepError{Kind: "unsupported", Message: "background tasks are not available"}); err != nil {
			rt.logger.Warn(ctx, "record spawn error", "error", err.Error())
		}
		return false, Outcome{}
	}

	var args taskArgs
	if err := trajectory.DecodeArgs(action.Args, &args); err != nil {
		if rerr := rs.traj.RecordError(idx, trajectory.StepError{Kind: "validation", Message: err.Error()}); rerr != nil {
			rt.logger.Warn(ctx, "record spawn error", "error", rerr.Error())
		}
		return false, Outcome{}
	}
	if args.Query == "" {
		args.Query = args.Description
	}

	taskID, err := rs.spec.Spawn(ctx, SpawnRequest{
		SessionID:     rs.spec.SessionID,
		ParentTaskID:  rs.spec.TaskID,
		Description:   args.Description,
		Query:         args.Query,
		GroupName:     args.Group,
		MergeStrategy: args.MergeStrategy,
		Priority:      args.Priority,
		RetainTurn:    args.RetainTurn,
	})
	if err != nil {
		if rerr := rs.traj.RecordError(idx, trajectory.StepError{Kind: "spawn_failed", Message: recovery.CleanErrorMessage(err.Error())}); rerr != nil {
			rt.logger.Warn(ctx, "record spawn error", "error", rerr.Error())
		}
		return false, Outcome{}
	}

	obs := map[string]any{"task_id": taskID, "status": string(task.StatusPending)}
	if err := rs.traj.RecordObservation(idx, obs, obs); err != nil {
		rt.logger.Warn(ctx, "record spawn observation", "error", err.Error())
	}
	rt.publish(ctx, hooks.TaskSpawned{
		SessionID:    rs.spec.SessionID,
		TaskID:       taskID,
		ParentTaskID: rs.spec.TaskID,
	})
	rt.emit(ctx, rs, stream.Update{
		Type:      stream.UpdateProgress,
		Content:   map[string]any{"spawned_task_id": taskID},
		StepIndex: stepIndex(idx),
	})
	return false, Outcome{}
}

// answerText pulls the answer from a final_response action, preferring the
// raw form when both are present.
func answerText(action trajectory.PlannerAction) string {
	for _, key := range []string{"raw_answer", "answer"} {
		if s, ok := action.Args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// steeringText extracts the human-visible text of a steering payload.
func steeringText(ev steering.Event) string {
	if len(ev.Payload) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"text", "message", "instruction", "context", "reason"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// withCancelToken derives a context that ends when the task's cancel token
// fires.
func withCancelToken(ctx context.Context, token *task.CancelToken) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	if token == nil {
		return cctx, cancel
	}
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-cctx.Done():
		}
	}()
	return cctx, cancel
}
