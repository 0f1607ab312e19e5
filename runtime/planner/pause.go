package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/penguiflow/penguiflow/runtime/store"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/task"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// ErrAlreadyResumed reports a pause token that was consumed by an earlier
// Resume call. The second resume is a no-op.
var ErrAlreadyResumed = errors.New("planner: pause token already consumed")

// pauseRecord is the durable form of a suspended run.
type pauseRecord struct {
	Query      string          `json:"query"`
	Trajectory json.RawMessage `json:"trajectory"`
}

// pause persists the run under a fresh resume token and stops the loop.
func (rt *Runtime) pause(ctx context.Context, rs *runState) (Outcome, error) {
	if rt.pauses == nil {
		return Outcome{}, fmt.Errorf("planner: pause requires planner-state persistence")
	}

	rawTraj, err := json.Marshal(rs.traj)
	if err != nil {
		return Outcome{}, fmt.Errorf("planner: encode trajectory: %w", err)
	}
	data, err := json.Marshal(pauseRecord{Query: rs.spec.Query, Trajectory: rawTraj})
	if err != nil {
		return Outcome{}, fmt.Errorf("planner: encode pause record: %w", err)
	}

	token := newToken()
	if err := rt.pauses.SavePlannerState(ctx, store.PlannerState{
		Token:     token,
		SessionID: rs.spec.SessionID,
		TaskID:    rs.spec.TaskID,
		Data:      data,
		SavedAt:   rt.now(),
	}); err != nil {
		return Outcome{}, fmt.Errorf("planner: save pause record: %w", err)
	}

	rt.emit(ctx, rs, stream.Update{
		Type:    stream.UpdateCheckpoint,
		Content: map[string]any{"resume_token": token},
	})
	rt.emitStatus(ctx, rs, task.StatusPaused, "steering pause")
	return Outcome{Reason: ReasonPaused, Trajectory: rs.traj, PauseToken: token, CostUSD: rs.cost}, nil
}

// Resume continues a paused run from its durable record. Consuming the token
// is atomic: the first call resumes, any later call returns ErrAlreadyResumed.
func (rt *Runtime) Resume(ctx context.Context, token string, spec RunSpec) (Outcome, error) {
	if rt.pauses == nil {
		return Outcome{}, fmt.Errorf("planner: resume requires planner-state persistence")
	}
	st, ok, err := rt.pauses.ConsumePlannerState(ctx, token)
	if err != nil {
		return Outcome{}, fmt.Errorf("planner: consume pause token: %w", err)
	}
	if !ok {
		return Outcome{}, ErrAlreadyResumed
	}

	var rec pauseRecord
	if err := json.Unmarshal(st.Data, &rec); err != nil {
		return Outcome{}, fmt.Errorf("planner: decode pause record: %w", err)
	}
	var traj trajectory.Trajectory
	if err := json.Unmarshal(rec.Trajectory, &traj); err != nil {
		return Outcome{}, fmt.Errorf("planner: decode trajectory: %w", err)
	}

	if spec.SessionID == "" {
		spec.SessionID = st.SessionID
	}
	if spec.TaskID == "" {
		spec.TaskID = st.TaskID
	}
	if spec.Query == "" {
		spec.Query = rec.Query
	}
	spec.Trajectory = &traj

	rs := &runState{spec: spec, traj: &traj}
	rt.emitStatus(ctx, rs, task.StatusRunning, "resumed")
	return rt.loop(ctx, rs)
}
