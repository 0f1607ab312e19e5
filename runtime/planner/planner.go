// Package planner implements the per-task run loop: drain steering, pick the
// next action (queued, deterministic, or LLM-chosen), dispatch it, and emit
// ordered state updates until the task finishes, pauses, or runs out of
// budget. One Runtime is shared across tasks; each Run call owns exactly one
// trajectory and never touches another task's state.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/config"
	"github.com/penguiflow/penguiflow/runtime/hooks"
	"github.com/penguiflow/penguiflow/runtime/invoker"
	"github.com/penguiflow/penguiflow/runtime/recovery"
	"github.com/penguiflow/penguiflow/runtime/schema"
	"github.com/penguiflow/penguiflow/runtime/snapshot"
	"github.com/penguiflow/penguiflow/runtime/steering"
	"github.com/penguiflow/penguiflow/runtime/store"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/task"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
	"github.com/penguiflow/penguiflow/runtime/tools"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// Finish reasons reported in Outcome.Reason.
const (
	ReasonComplete       = "complete"
	ReasonCancelled      = "cancelled"
	ReasonPaused         = "paused"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonFailed         = "failed"
)

type (
	// SpawnRequest asks the session to spawn a background task on behalf of a
	// "task" action.
	SpawnRequest struct {
		SessionID     string
		ParentTaskID  string
		Description   string
		Query         string
		GroupName     string
		MergeStrategy string
		Priority      int
		// RetainTurn asks the foreground to hold its turn until this task
		// settles, bounded by the retain-turn timeout.
		RetainTurn bool
	}

	// SpawnFunc is supplied by the session coordinator; the planner never
	// creates tasks itself.
	SpawnFunc func(ctx context.Context, req SpawnRequest) (taskID string, err error)

	// ControlFunc receives control events the planner does not consume itself
	// (APPROVE, REJECT, PRIORITIZE). Supplied by the session.
	ControlFunc func(ctx context.Context, ev steering.Event) error

	// RunSpec describes one task run.
	RunSpec struct {
		SessionID string
		TaskID    string
		Query     string
		// Snapshot is the frozen context for background tasks. Nil for a fresh
		// foreground run.
		Snapshot *snapshot.Snapshot
		// Token is the task's cancel token, checked at every suspension point.
		Token *task.CancelToken
		// Inbox delivers steering events. Nil means no steering.
		Inbox *steering.Inbox
		// Trajectory resumes a prior run when non-nil.
		Trajectory *trajectory.Trajectory
		// Spawn handles "task" actions. Nil makes them a step error.
		Spawn SpawnFunc
		// OnControl handles APPROVE/REJECT/PRIORITIZE events. Nil drops them.
		OnControl ControlFunc
	}

	// Outcome is the terminal result of one Run call.
	Outcome struct {
		Reason string
		// Answer is the final response text when Reason is complete.
		Answer string
		// Trajectory is the run's full step history.
		Trajectory *trajectory.Trajectory
		// PauseToken resumes a paused run. Set only when Reason is paused.
		PauseToken string
		// CostUSD is the accumulated LLM cost across the run.
		CostUSD float64
		// Err describes the failure when Reason is failed or cancelled.
		Err *task.ErrInfo
	}

	// Runtime holds the per-process collaborators shared by all runs.
	Runtime struct {
		cfg       config.Config
		inv       *invoker.Invoker
		tools     *tools.Registry
		emitter   *stream.Emitter
		bus       *hooks.Bus
		compress  recovery.Compressor
		artifacts store.ArtifactStore
		pauses    store.PlannerStateStore
		steps     store.PlannerEventStore
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time

		modelID      string
		profile      schema.ModelProfile
		systemPrompt string
		maxParallel  int
	}

	// RuntimeOption configures a Runtime.
	RuntimeOption func(*Runtime)

	// runState is the per-run mutable state.
	runState struct {
		spec RunSpec
		traj *trajectory.Trajectory
		cost float64
	}
)

// DefaultMaxParallel bounds concurrent plan sub-calls.
const DefaultMaxParallel = 4

// WithArtifactStore enables artifact redaction of tool outputs.
func WithArtifactStore(s store.ArtifactStore) RuntimeOption {
	return func(rt *Runtime) { rt.artifacts = s }
}

// WithPauseStore enables durable pause/resume.
func WithPauseStore(s store.PlannerStateStore) RuntimeOption {
	return func(rt *Runtime) { rt.pauses = s }
}

// WithPlannerEventStore enables step-level planner event persistence.
func WithPlannerEventStore(s store.PlannerEventStore) RuntimeOption {
	return func(rt *Runtime) { rt.steps = s }
}

// WithHooks sets the hook bus for run-loop milestones.
func WithHooks(b *hooks.Bus) RuntimeOption {
	return func(rt *Runtime) { rt.bus = b }
}

// WithCompressor overrides the context-length compressor.
func WithCompressor(c recovery.Compressor) RuntimeOption {
	return func(rt *Runtime) { rt.compress = c }
}

// WithSystemPrompt overrides the default system prompt preamble.
func WithSystemPrompt(p string) RuntimeOption {
	return func(rt *Runtime) { rt.systemPrompt = p }
}

// WithMaxParallel bounds plan fan-out concurrency.
func WithMaxParallel(n int) RuntimeOption {
	return func(rt *Runtime) { rt.maxParallel = n }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) RuntimeOption {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) RuntimeOption {
	return func(rt *Runtime) { rt.now = now }
}

// NewRuntime constructs a planner runtime. The model identifier and profile
// select how structured output is requested from the provider.
func NewRuntime(cfg config.Config, inv *invoker.Invoker, reg *tools.Registry, emitter *stream.Emitter, modelID string, profile schema.ModelProfile, opts ...RuntimeOption) (*Runtime, error) {
	if inv == nil {
		return nil, fmt.Errorf("planner: invoker is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("planner: tool registry is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("planner: emitter is required")
	}
	rt := &Runtime{
		cfg:         cfg,
		inv:         inv,
		tools:       reg,
		emitter:     emitter,
		bus:         hooks.NewBus(),
		compress:    recovery.Compressor{ThresholdChars: cfg.Recovery.CompressionThresholdChars},
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		now:         time.Now,
		modelID:     modelID,
		profile:     profile,
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// Run executes the loop for one task until a terminal outcome.
func (rt *Runtime) Run(ctx context.Context, spec RunSpec) (Outcome, error) {
	if spec.SessionID == "" || spec.TaskID == "" {
		return Outcome{}, fmt.Errorf("planner: session and task ids are required")
	}
	rs := &runState{spec: spec, traj: spec.Trajectory}
	if rs.traj == nil {
		rs.traj = trajectory.New(spec.Query, rt.now())
	}
	return rt.loop(ctx, rs)
}

func (rt *Runtime) loop(ctx context.Context, rs *runState) (Outcome, error) {
	for {
		if rs.spec.Token != nil && rs.spec.Token.Cancelled() {
			return rt.finishCancelled(ctx, rs, rs.spec.Token.Reason()), nil
		}
		if err := ctx.Err(); err != nil {
			return rt.finishCancelled(ctx, rs, err.Error()), nil
		}

		if out, stopped := rt.drainSteering(ctx, rs); stopped {
			return out, nil
		}

		if rs.traj.Len() >= rt.cfg.Runtime.MaxIters {
			return rt.finishBudgetExceeded(ctx, rs), nil
		}

		action, reasoning, deterministic, out, stopped, err := rt.nextAction(ctx, rs)
		if err != nil {
			return Outcome{}, err
		}
		if stopped {
			return out, nil
		}

		rt.recordStepEvent(ctx, rs, action, deterministic)
		if done, out := rt.dispatch(ctx, rs, action, reasoning, deterministic); done {
			return out, nil
		}
	}
}

// recordStepEvent persists one step-level planner event when the store offers
// the capability. Best effort; a write failure only logs.
func (rt *Runtime) recordStepEvent(ctx context.Context, rs *runState, action trajectory.PlannerAction, deterministic bool) {
	if rt.steps == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"action": action, "deterministic": deterministic})
	if err != nil {
		rt.logger.Warn(ctx, "encode planner event", "task_id", rs.spec.TaskID, "error", err.Error())
		return
	}
	if err := rt.steps.SavePlannerEvent(ctx, store.PlannerEventRecord{
		TraceID:   rs.spec.TaskID,
		SessionID: rs.spec.SessionID,
		TaskID:    rs.spec.TaskID,
		EventID:   uuid.NewString(),
		Seq:       rs.traj.Len(),
		Kind:      action.NextNode,
		Payload:   payload,
		CreatedAt: rt.now(),
	}); err != nil {
		rt.logger.Warn(ctx, "planner event write failed", "task_id", rs.spec.TaskID, "error", err.Error())
	}
}

// nextAction picks the next planner action: the pending queue first, then the
// deterministic auto-seq gate, then the LLM. A true stopped flag means the
// run finished while choosing (cancellation or a fatal model failure).
func (rt *Runtime) nextAction(ctx context.Context, rs *runState) (action trajectory.PlannerAction, reasoning string, deterministic bool, out Outcome, stopped bool, err error) {
	if queued, ok := rs.traj.DequeuePendingAction(); ok {
		return queued, "", true, Outcome{}, false, nil
	}

	if auto, ok := rt.autoSeqCandidate(ctx, rs); ok {
		return auto, "", true, Outcome{}, false, nil
	}

	res, callErr := rt.callModel(ctx, rs)
	if callErr != nil {
		out, stopped = rt.handleModelFailure(ctx, rs, callErr)
		return trajectory.PlannerAction{}, "", false, out, stopped, nil
	}
	if res.Reasoning != "" {
		rt.emit(ctx, rs, stream.Update{
			Type:    stream.UpdateThinking,
			Content: map[string]any{"text": res.Reasoning},
		})
	}
	return res.Action, res.Reasoning, false, Outcome{}, false, nil
}

// autoSeqCandidate applies the deterministic-sequencing gate: the last step
// was not a plan, its observation coerces to a structured mapping, and exactly
// one visible, policy-compliant tool validates it.
func (rt *Runtime) autoSeqCandidate(ctx context.Context, rs *runState) (trajectory.PlannerAction, bool) {
	if !rt.cfg.Runtime.AutoSeqEnabled {
		return trajectory.PlannerAction{}, false
	}
	last := rs.traj.LastStep()
	if last == nil || last.Action.NextNode == trajectory.NodePlan {
		return trajectory.PlannerAction{}, false
	}
	obs := trajectory.CoerceObservation(last)
	if obs == nil {
		return trajectory.PlannerAction{}, false
	}
	policy := tools.SequencePolicy{
		ReadOnlyOnly:  rt.cfg.Runtime.AutoSeqReadOnlyOnly,
		AllowStateful: rt.cfg.Runtime.AutoSeqAllowStateful,
	}
	desc, ok := rt.tools.UniqueCandidate(obs, policy)
	if !ok {
		return trajectory.PlannerAction{}, false
	}
	rt.publish(ctx, hooks.AutoSeqDetectedUnique{
		SessionID: rs.spec.SessionID,
		TaskID:    rs.spec.TaskID,
		ToolName:  desc.Name,
		StepIndex: rs.traj.Len(),
	})
	if !rt.cfg.Runtime.AutoSeqExecute {
		// Detection-only mode: report the candidate and let the LLM decide.
		return trajectory.PlannerAction{}, false
	}
	return trajectory.PlannerAction{NextNode: desc.Name, Args: obs}, true
}

// callModel asks the invoker for the next action, compressing the trajectory
// and retrying on context overflow.
func (rt *Runtime) callModel(ctx context.Context, rs *runState) (invoker.Result, error) {
	compressAttempts := 0
	for {
		call := invoker.Call{
			Model:          rt.modelID,
			Messages:       rt.buildMessages(rs),
			ResponseSchema: rt.responseSchema(),
			Profile:        rt.profile,
		}
		cctx := ctx
		var cancel context.CancelFunc
		if rt.cfg.Runtime.TimeoutS > 0 {
			cctx, cancel = context.WithTimeout(ctx, rt.cfg.Runtime.LLMTimeout())
		}
		res, err := rt.invoke(cctx, rs, call)
		if cancel != nil {
			cancel()
		}
		rs.cost += res.CostUSD
		res.CostUSD = 0 // already accumulated
		if err == nil {
			return res, nil
		}
		if errors.Is(err, invoker.ErrContextLength) &&
			rt.cfg.Recovery.Enabled && compressAttempts < rt.cfg.Recovery.MaxCompressRetries {
			n, cerr := rt.compress.Compress(ctx, rs.traj)
			if cerr != nil {
				return res, cerr
			}
			rt.publish(ctx, hooks.TrajectoryCompressed{
				SessionID:       rs.spec.SessionID,
				TaskID:          rs.spec.TaskID,
				StepsCompressed: n,
			})
			compressAttempts++
			if n > 0 {
				continue
			}
		}
		return res, err
	}
}

// handleModelFailure applies the error taxonomy to a model call that did not
// produce an action. Cancellation and fatal classes end the run; bad-request
// classes become an observation step the model can react to.
func (rt *Runtime) handleModelFailure(ctx context.Context, rs *runState, err error) (Outcome, bool) {
	switch recovery.Classify(err) {
	case recovery.ClassCancelled:
		return rt.finishCancelled(ctx, rs, "llm call cancelled"), true
	case recovery.ClassBadRequest:
		// Synthesize an observation step carrying the cleaned error so the next
		// LLM turn can react instead of failing the task.
		cleaned := recovery.CleanErrorMessage(err.Error())
		idx := rs.traj.AppendStep(trajectory.PlannerAction{NextNode: "llm_error", Args: map[string]any{}}, "", rt.now())
		if rerr := rs.traj.RecordError(idx, trajectory.StepError{Kind: "bad_request", Message: cleaned}); rerr != nil {
			rt.logger.Warn(ctx, "record llm error step", "error", rerr.Error())
		}
		return Outcome{}, false
	default:
		return rt.finishFailed(ctx, rs, task.ErrInfo{
			Kind:    string(recovery.Classify(err)),
			Message: recovery.CleanErrorMessage(err.Error()),
		}), true
	}
}

// drainSteering applies queued steering in arrival order. Control events take
// effect before the next action: CANCEL and PAUSE stop the loop here.
func (rt *Runtime) drainSteering(ctx context.Context, rs *runState) (Outcome, bool) {
	if rs.spec.Inbox == nil {
		return Outcome{}, false
	}
	for _, ev := range rs.spec.Inbox.Drain() {
		switch ev.Type {
		case steering.EventCancel:
			reason := steeringText(ev)
			if reason == "" {
				reason = "cancelled by steering"
			}
			if rs.spec.Token != nil {
				rs.spec.Token.Cancel(reason)
			}
			return rt.finishCancelled(ctx, rs, reason), true
		case steering.EventPause:
			out, err := rt.pause(ctx, rs)
			if err != nil {
				rt.logger.Error(ctx, "pause failed", "task_id", rs.spec.TaskID, "error", err.Error())
				return rt.finishFailed(ctx, rs, task.ErrInfo{Kind: "pause_failed", Message: err.Error()}), true
			}
			return out, true
		case steering.EventResume:
			// Already running.
		case steering.EventApprove, steering.EventReject, steering.EventPrioritize:
			if rs.spec.OnControl != nil {
				if err := rs.spec.OnControl(ctx, ev); err != nil {
					rt.logger.Warn(ctx, "control handler failed", "event_type", string(ev.Type), "error", err.Error())
				}
			}
		default:
			if text := steeringText(ev); text != "" {
				rs.traj.AddSteeringInput(text)
			}
		}
	}
	return Outcome{}, false
}

func (rt *Runtime) finishCancelled(ctx context.Context, rs *runState, reason string) Outcome {
	info := &task.ErrInfo{Kind: "cancelled", Message: reason}
	rt.emit(ctx, rs, stream.Update{
		Type:    stream.UpdateResult,
		Content: map[string]any{"success": false, "error": map[string]any{"kind": info.Kind, "message": info.Message}},
	})
	rt.emitStatus(ctx, rs, task.StatusCancelled, reason)
	rt.finishHook(ctx, rs, ReasonCancelled)
	return Outcome{Reason: ReasonCancelled, Trajectory: rs.traj, CostUSD: rs.cost, Err: info}
}

func (rt *Runtime) finishFailed(ctx context.Context, rs *runState, info task.ErrInfo) Outcome {
	rt.emit(ctx, rs, stream.Update{
		Type:    stream.UpdateError,
		Content: map[string]any{"kind": info.Kind, "message": info.Message},
	})
	rt.emit(ctx, rs, stream.Update{
		Type: stream.UpdateResult,
		Content: map[string]any{
			"success":  false,
			"error":    map[string]any{"kind": info.Kind, "message": info.Message},
			"fallback": rt.fallbackAnswer(rs),
		},
	})
	rt.emitStatus(ctx, rs, task.StatusFailed, info.Kind)
	rt.finishHook(ctx, rs, ReasonFailed)
	return Outcome{Reason: ReasonFailed, Trajectory: rs.traj, CostUSD: rs.cost, Err: &info}
}

func (rt *Runtime) finishBudgetExceeded(ctx context.Context, rs *runState) Outcome {
	rt.emit(ctx, rs, stream.Update{
		Type: stream.UpdateResult,
		Content: map[string]any{
			"success":  false,
			"error":    map[string]any{"kind": "budget_exceeded", "message": fmt.Sprintf("stopped after %d steps", rs.traj.Len())},
			"fallback": rt.fallbackAnswer(rs),
		},
	})
	rt.emitStatus(ctx, rs, task.StatusFailed, ReasonBudgetExceeded)
	rt.finishHook(ctx, rs, ReasonBudgetExceeded)
	return Outcome{
		Reason:     ReasonBudgetExceeded,
		Trajectory: rs.traj,
		CostUSD:    rs.cost,
		Err:        &task.ErrInfo{Kind: "budget_exceeded", Message: "max iterations reached"},
	}
}

func (rt *Runtime) finishComplete(ctx context.Context, rs *runState, answer string) Outcome {
	rt.emit(ctx, rs, stream.Update{
		Type:    stream.UpdateResult,
		Content: map[string]any{"success": true, "answer": answer},
	})
	rt.emitStatus(ctx, rs, task.StatusComplete, ReasonComplete)
	rt.finishHook(ctx, rs, ReasonComplete)
	return Outcome{Reason: ReasonComplete, Answer: answer, Trajectory: rs.traj, CostUSD: rs.cost}
}

// fallbackAnswer derives a safe user-facing fallback from the last recorded
// observation.
func (rt *Runtime) fallbackAnswer(rs *runState) string {
	for i := rs.traj.Len() - 1; i >= 0; i-- {
		step := &rs.traj.Steps[i]
		if obs := trajectory.CoerceObservation(step); obs != nil {
			if s, ok := obs["summary"].(string); ok {
				return s
			}
			return fmt.Sprintf("partial result from %s available", step.Action.NextNode)
		}
	}
	return "no result available"
}

func (rt *Runtime) finishHook(ctx context.Context, rs *runState, reason string) {
	rt.publish(ctx, hooks.PlannerFinished{
		SessionID: rs.spec.SessionID,
		TaskID:    rs.spec.TaskID,
		Reason:    reason,
		Steps:     rs.traj.Len(),
	})
	rt.metrics.IncCounter("penguiflow.planner.finished", 1, "reason", reason)
}

func (rt *Runtime) emitStatus(ctx context.Context, rs *runState, status task.Status, reason string) {
	rt.emit(ctx, rs, stream.Update{
		Type:    stream.UpdateStatusChange,
		Content: map[string]any{"status": string(status), "reason": reason},
	})
}

func (rt *Runtime) emit(ctx context.Context, rs *runState, u stream.Update) {
	u.SessionID = rs.spec.SessionID
	u.TaskID = rs.spec.TaskID
	if _, err := rt.emitter.Emit(ctx, u); err != nil {
		rt.logger.Warn(ctx, "emit update", "update_type", string(u.Type), "error", err.Error())
	}
}

func (rt *Runtime) publish(ctx context.Context, ev hooks.Event) {
	if rt.bus == nil {
		return
	}
	if err := rt.bus.Publish(ctx, ev); err != nil {
		rt.logger.Warn(ctx, "hook publish failed", "event", ev.Name(), "error", err.Error())
	}
}

func newToken() string { return uuid.NewString() }

func stepIndex(i int) *int { return &i }
