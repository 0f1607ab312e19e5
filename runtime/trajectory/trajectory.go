// Package trajectory defines the typed action and step model for planner
// runs: the actions an LLM can choose, the ordered history of (action,
// observation) pairs for one task, and the canonical JSON form fed back to
// the model. A Trajectory is owned by exactly one planner runtime; it is not
// safe for concurrent mutation and cross-task access is forbidden.
package trajectory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved next_node values. Any other value names a tool.
const (
	// NodePlan expands into parallel sub-calls joined into a single step.
	NodePlan = "plan"
	// NodeTask spawns a background task with a frozen context snapshot.
	NodeTask = "task"
	// NodeFinalResponse terminates the run with the final answer.
	NodeFinalResponse = "final_response"
)

type (
	// PlannerAction is the structured decision produced by the LLM for one
	// step. It carries exactly two fields; reasoning text travels out-of-band
	// on the step.
	PlannerAction struct {
		// NextNode is a tool name or one of the reserved node values.
		NextNode string `json:"next_node"`
		// Args is the argument payload for the node.
		Args map[string]any `json:"args"`
	}

	// PlanStep is a single sub-call inside a "plan" action.
	PlanStep struct {
		// Node names the tool to invoke.
		Node string `json:"node"`
		// Args is the tool argument payload.
		Args map[string]any `json:"args"`
	}

	// JoinSpec describes how parallel plan results are combined. When Node is
	// empty the runtime aggregates results with an LLM call.
	JoinSpec struct {
		// Node optionally names a join tool.
		Node string `json:"node,omitempty"`
		// Args is the static argument payload for the join tool.
		Args map[string]any `json:"args,omitempty"`
		// Inject maps join argument names to plan-result selectors. The
		// selector "$all" injects the ordered slice of sub-call outputs.
		Inject map[string]string `json:"inject,omitempty"`
	}

	// StepError records a step failure in a JSON-friendly form.
	StepError struct {
		// Kind is a stable error category (tool_error, cancelled, ...).
		Kind string `json:"kind"`
		// Message is a safe, human-readable description.
		Message string `json:"message"`
	}

	// Step is one entry in a trajectory. Observation is the full tool output;
	// LLMObservation is the redacted form fed back to the model. Both are
	// immutable once recorded.
	Step struct {
		// Action is the decision that produced this step.
		Action PlannerAction `json:"action"`
		// Observation is the full tool output. Nil until recorded.
		Observation any `json:"observation,omitempty"`
		// LLMObservation is the artifact-redacted observation visible to the
		// model. Nil until recorded.
		LLMObservation any `json:"llm_observation,omitempty"`
		// Err records a step failure, if any.
		Err *StepError `json:"error,omitempty"`
		// Timestamp records when the action was chosen.
		Timestamp time.Time `json:"timestamp"`
		// StepIndex is the dense 0-based position of the step.
		StepIndex int `json:"step_index"`
		// Reasoning carries optional model reasoning text for this step.
		Reasoning string `json:"reasoning,omitempty"`

		observed bool
	}

	// Metadata holds run-scoped trajectory state that is not part of the step
	// history: queued deterministic actions, planner hints, and steering
	// inputs injected as user messages.
	Metadata struct {
		// PendingActions are dequeued in insertion order before consulting the
		// LLM for the next action.
		PendingActions []PlannerAction `json:"pending_actions,omitempty"`
		// Hints carries free-form planner hints surfaced in prompts.
		Hints map[string]any `json:"hints,omitempty"`
		// SteeringInputs accumulates injected user/context messages.
		SteeringInputs []string `json:"steering_inputs,omitempty"`
	}

	// Trajectory is the ordered, append-only history of steps for one task.
	Trajectory struct {
		// Query is the user query that started the run.
		Query string `json:"query"`
		// StartedAt records when the run began.
		StartedAt time.Time `json:"started_at"`
		// Steps holds the dense, ordered step history.
		Steps []Step `json:"steps"`
		// Metadata holds pending actions, hints, and steering inputs.
		Metadata Metadata `json:"metadata"`
	}
)

// New constructs an empty trajectory for the given query.
func New(query string, startedAt time.Time) *Trajectory {
	return &Trajectory{Query: query, StartedAt: startedAt.UTC()}
}

// AppendStep appends a step for the chosen action and returns its index.
// Indices are dense from zero; a step becomes visible as soon as its action
// is chosen.
func (t *Trajectory) AppendStep(action PlannerAction, reasoning string, at time.Time) int {
	idx := len(t.Steps)
	t.Steps = append(t.Steps, Step{
		Action:    action,
		Timestamp: at.UTC(),
		StepIndex: idx,
		Reasoning: reasoning,
	})
	return idx
}

// RecordObservation stores the full and redacted observations for the step.
// Observations are write-once: recording twice returns an error.
func (t *Trajectory) RecordObservation(stepIndex int, observation, redacted any) error {
	step, err := t.step(stepIndex)
	if err != nil {
		return err
	}
	if step.observed || step.Err != nil {
		return fmt.Errorf("trajectory: step %d already recorded", stepIndex)
	}
	step.Observation = observation
	step.LLMObservation = redacted
	step.observed = true
	return nil
}

// RecordError stores a step failure. Like observations, errors are write-once.
func (t *Trajectory) RecordError(stepIndex int, stepErr StepError) error {
	step, err := t.step(stepIndex)
	if err != nil {
		return err
	}
	if step.observed || step.Err != nil {
		return fmt.Errorf("trajectory: step %d already recorded", stepIndex)
	}
	step.Err = &stepErr
	return nil
}

// Len returns the number of steps.
func (t *Trajectory) Len() int { return len(t.Steps) }

// LastStep returns the most recent step, or nil when the trajectory is empty.
func (t *Trajectory) LastStep() *Step {
	if len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[len(t.Steps)-1]
}

// EnqueuePendingActions appends deterministic actions preserving order.
func (t *Trajectory) EnqueuePendingActions(actions ...PlannerAction) {
	t.Metadata.PendingActions = append(t.Metadata.PendingActions, actions...)
}

// DequeuePendingAction pops the oldest queued action. The boolean reports
// whether an action was available.
func (t *Trajectory) DequeuePendingAction() (PlannerAction, bool) {
	if len(t.Metadata.PendingActions) == 0 {
		return PlannerAction{}, false
	}
	action := t.Metadata.PendingActions[0]
	t.Metadata.PendingActions = t.Metadata.PendingActions[1:]
	return action, true
}

// AddSteeringInput records an injected steering message surfaced to the model
// on the next call.
func (t *Trajectory) AddSteeringInput(text string) {
	t.Metadata.SteeringInputs = append(t.Metadata.SteeringInputs, text)
}

// SerializeForLLM renders the trajectory in its canonical JSON form. Map keys
// are emitted in sorted order so the same trajectory always serializes to the
// same bytes.
func (t *Trajectory) SerializeForLLM() ([]byte, error) {
	return json.Marshal(t)
}

// CoerceObservation returns the step's LLM-visible observation as a structured
// mapping, or nil when the observation is absent or not a mapping. Auto-seq
// and validation paths skip non-structured observations.
func CoerceObservation(step *Step) map[string]any {
	if step == nil || step.LLMObservation == nil {
		return nil
	}
	switch obs := step.LLMObservation.(type) {
	case map[string]any:
		return obs
	default:
		// Structured values that arrived as typed structs still coerce if they
		// round-trip through JSON to an object.
		raw, err := json.Marshal(obs)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		return m
	}
}

// ParsePlanArgs decodes the args of a "plan" action. It returns an error when
// the steps list is missing or empty.
func ParsePlanArgs(args map[string]any) ([]PlanStep, *JoinSpec, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("trajectory: encode plan args: %w", err)
	}
	var decoded struct {
		Steps []PlanStep `json:"steps"`
		Join  *JoinSpec  `json:"join"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, fmt.Errorf("trajectory: decode plan args: %w", err)
	}
	if len(decoded.Steps) == 0 {
		return nil, nil, fmt.Errorf("trajectory: plan action requires at least one step")
	}
	return decoded.Steps, decoded.Join, nil
}

// DecodeArgs decodes an action's args into the provided typed value via a
// JSON round trip.
func DecodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("trajectory: encode args: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("trajectory: decode args: %w", err)
	}
	return nil
}

// IsReserved reports whether the node name is one of the reserved planner
// nodes rather than a tool.
func IsReserved(node string) bool {
	switch node {
	case NodePlan, NodeTask, NodeFinalResponse:
		return true
	}
	return false
}

func (t *Trajectory) step(stepIndex int) (*Step, error) {
	if stepIndex < 0 || stepIndex >= len(t.Steps) {
		return nil, fmt.Errorf("trajectory: step index %d out of range [0,%d)", stepIndex, len(t.Steps))
	}
	return &t.Steps[stepIndex], nil
}
