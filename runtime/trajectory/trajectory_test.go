package trajectory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendStepIndicesAreDense(t *testing.T) {
	traj := New("analyze q4", time.Now())
	for i := 0; i < 5; i++ {
		idx := traj.AppendStep(PlannerAction{NextNode: "fetch_sales"}, "", time.Now())
		assert.Equal(t, i, idx)
	}
	require.Equal(t, 5, traj.Len())
	for i, step := range traj.Steps {
		assert.Equal(t, i, step.StepIndex)
	}
}

func TestRecordObservationIsWriteOnce(t *testing.T) {
	traj := New("q", time.Now())
	idx := traj.AppendStep(PlannerAction{NextNode: "triage"}, "", time.Now())

	require.NoError(t, traj.RecordObservation(idx, map[string]any{"route": "docs"}, map[string]any{"route": "docs"}))
	err := traj.RecordObservation(idx, map[string]any{"route": "other"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already recorded")

	assert.Equal(t, map[string]any{"route": "docs"}, traj.Steps[idx].Observation)
}

func TestRecordErrorExcludesObservation(t *testing.T) {
	traj := New("q", time.Now())
	idx := traj.AppendStep(PlannerAction{NextNode: "fetch_sales"}, "", time.Now())

	require.NoError(t, traj.RecordError(idx, StepError{Kind: "tool_error", Message: "boom"}))
	require.Error(t, traj.RecordObservation(idx, "late", nil))
	require.Error(t, traj.RecordError(idx, StepError{Kind: "tool_error", Message: "again"}))
	require.NotNil(t, traj.Steps[idx].Err)
	assert.Equal(t, "tool_error", traj.Steps[idx].Err.Kind)
}

func TestRecordObservationOutOfRange(t *testing.T) {
	traj := New("q", time.Now())
	require.Error(t, traj.RecordObservation(0, nil, nil))
	require.Error(t, traj.RecordError(-1, StepError{}))
}

func TestPendingActionsPreserveInsertionOrder(t *testing.T) {
	traj := New("q", time.Now())
	traj.EnqueuePendingActions(
		PlannerAction{NextNode: "a"},
		PlannerAction{NextNode: "b"},
	)
	traj.EnqueuePendingActions(PlannerAction{NextNode: "c"})

	var got []string
	for {
		action, ok := traj.DequeuePendingAction()
		if !ok {
			break
		}
		got = append(got, action.NextNode)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, ok := traj.DequeuePendingAction()
	assert.False(t, ok)
}

func TestSerializeForLLMRoundTrip(t *testing.T) {
	traj := New("analyze q4", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	idx := traj.AppendStep(PlannerAction{
		NextNode: "fetch_sales",
		Args:     map[string]any{"quarter": "Q4"},
	}, "need the raw numbers first", time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC))
	require.NoError(t, traj.RecordObservation(idx, map[string]any{"rows": float64(10)}, map[string]any{"rows": float64(10)}))
	traj.AddSteeringInput("focus on EMEA")

	raw, err := traj.SerializeForLLM()
	require.NoError(t, err)

	var decoded Trajectory
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, traj.Query, decoded.Query)
	require.Len(t, decoded.Steps, 1)
	assert.Equal(t, traj.Steps[0].Action, decoded.Steps[0].Action)
	assert.Equal(t, traj.Steps[0].Observation, decoded.Steps[0].Observation)
	assert.Equal(t, traj.Metadata.SteeringInputs, decoded.Metadata.SteeringInputs)

	// Canonical form: identical trajectories serialize to identical bytes.
	again, err := traj.SerializeForLLM()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestCoerceObservation(t *testing.T) {
	traj := New("q", time.Now())

	idx := traj.AppendStep(PlannerAction{NextNode: "triage"}, "", time.Now())
	require.NoError(t, traj.RecordObservation(idx, nil, map[string]any{"route": "docs"}))
	assert.Equal(t, map[string]any{"route": "docs"}, CoerceObservation(&traj.Steps[idx]))

	idx = traj.AppendStep(PlannerAction{NextNode: "echo"}, "", time.Now())
	require.NoError(t, traj.RecordObservation(idx, nil, "plain text"))
	assert.Nil(t, CoerceObservation(&traj.Steps[idx]))

	idx = traj.AppendStep(PlannerAction{NextNode: "typed"}, "", time.Now())
	type routeDecision struct {
		Route string `json:"route"`
	}
	require.NoError(t, traj.RecordObservation(idx, nil, routeDecision{Route: "docs"}))
	assert.Equal(t, map[string]any{"route": "docs"}, CoerceObservation(&traj.Steps[idx]))

	assert.Nil(t, CoerceObservation(nil))
	idx = traj.AppendStep(PlannerAction{NextNode: "pending"}, "", time.Now())
	assert.Nil(t, CoerceObservation(&traj.Steps[idx]))
}

func TestParsePlanArgs(t *testing.T) {
	steps, join, err := ParsePlanArgs(map[string]any{
		"steps": []any{
			map[string]any{"node": "search_a", "args": map[string]any{"q": "x"}},
			map[string]any{"node": "search_b", "args": map[string]any{"q": "y"}},
		},
		"join": map[string]any{
			"node":   "combine",
			"inject": map[string]any{"results": "$all"},
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "search_a", steps[0].Node)
	assert.Equal(t, map[string]any{"q": "y"}, steps[1].Args)
	require.NotNil(t, join)
	assert.Equal(t, "combine", join.Node)
	assert.Equal(t, "$all", join.Inject["results"])

	_, _, err = ParsePlanArgs(map[string]any{"steps": []any{}})
	require.Error(t, err)

	_, _, err = ParsePlanArgs(nil)
	require.Error(t, err)
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved(NodePlan))
	assert.True(t, IsReserved(NodeTask))
	assert.True(t, IsReserved(NodeFinalResponse))
	assert.False(t, IsReserved("fetch_sales"))
}
