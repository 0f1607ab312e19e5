// Package store defines the persistence surface shared by the planner
// runtime. Implementations provide a small required core (the audit event
// log) plus optional capability-gated interfaces; the session coordinator
// detects capabilities at startup and degrades features whose interface is
// missing. All writes are idempotent by natural key so crashed runs can be
// replayed safely.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event log kinds covering the task lifecycle.
const (
	KindTaskCreated         = "task.created"
	KindTaskStatusChanged   = "task.status_changed"
	KindTaskProgress        = "task.progress"
	KindTaskResultReady     = "task.result_ready"
	KindContextPatchReady   = "task.context_patch_ready"
	KindContextPatchApplied = "task.context_patch_applied"
	KindSteeringReceived    = "task.steering_received"
	KindControlRequested    = "task.control_requested"
	KindControlConfirmed    = "task.control_confirmed"
)

// ErrNotFound is returned by point lookups when no record matches.
var ErrNotFound = errors.New("store: not found")

type (
	// Event is one append-only audit log row. Events are idempotent by
	// (TraceID, EventID).
	Event struct {
		TraceID  string          `json:"trace_id"`
		EventID  string          `json:"event_id"`
		TS       time.Time       `json:"ts"`
		Kind     string          `json:"kind"`
		NodeID   string          `json:"node_id,omitempty"`
		NodeName string          `json:"node_name,omitempty"`
		Payload  json.RawMessage `json:"payload_json,omitempty"`
	}

	// RemoteBinding links a local task to a remote agent execution so results
	// can be correlated after a restart.
	RemoteBinding struct {
		SessionID       string    `json:"session_id"`
		TaskID          string    `json:"task_id"`
		RemoteAgentURL  string    `json:"remote_agent_url"`
		RemoteContextID string    `json:"remote_context_id"`
		RemoteTaskID    string    `json:"remote_task_id"`
		CreatedAt       time.Time `json:"created_at"`
	}

	// Store is the required core: durable audit events and remote bindings.
	// Core write failures are surfaced to callers; they fail the task.
	Store interface {
		// SaveEvent appends an audit event. Idempotent by (TraceID, EventID).
		SaveEvent(ctx context.Context, ev Event) error
		// LoadHistory returns all events for the trace ascending by
		// (TS, EventID).
		LoadHistory(ctx context.Context, traceID string) ([]Event, error)
		// SaveRemoteBinding records a task-to-remote correlation. Idempotent by
		// (SessionID, TaskID).
		SaveRemoteBinding(ctx context.Context, b RemoteBinding) error
	}

	// UpdateRecord is a persisted StateUpdate row.
	UpdateRecord struct {
		SessionID string          `json:"session_id"`
		TaskID    string          `json:"task_id"`
		UpdateID  string          `json:"update_id"`
		Seq       uint64          `json:"seq"`
		Type      string          `json:"update_type"`
		Payload   json.RawMessage `json:"content"`
		StepIndex *int            `json:"step_index,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}

	// SteeringRecord is a persisted steering event row.
	SteeringRecord struct {
		SessionID string          `json:"session_id"`
		TaskID    string          `json:"task_id"`
		EventID   string          `json:"event_id"`
		Type      string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}

	// TaskRecord is a persisted task state row. State is the serialized
	// TaskState; Status is duplicated for filtered listing.
	TaskRecord struct {
		SessionID string          `json:"session_id"`
		TaskID    string          `json:"task_id"`
		Status    string          `json:"status"`
		State     json.RawMessage `json:"state"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// TrajectoryRecord is a persisted trajectory snapshot keyed by trace.
	TrajectoryRecord struct {
		TraceID   string          `json:"trace_id"`
		SessionID string          `json:"session_id"`
		TaskID    string          `json:"task_id"`
		Data      json.RawMessage `json:"data"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// PlannerState is a durable pause record keyed by resume token. Consumed
	// marks a token whose resume already happened; consuming it again is a
	// no-op.
	PlannerState struct {
		Token     string          `json:"token"`
		SessionID string          `json:"session_id"`
		TaskID    string          `json:"task_id"`
		Data      json.RawMessage `json:"data"`
		Consumed  bool            `json:"consumed"`
		SavedAt   time.Time       `json:"saved_at"`
	}

	// PlannerEventRecord is one fine-grained planner step event, kept apart
	// from the audit log so step-level replay does not bloat the core trace.
	PlannerEventRecord struct {
		TraceID   string          `json:"trace_id"`
		SessionID string          `json:"session_id"`
		TaskID    string          `json:"task_id"`
		EventID   string          `json:"event_id"`
		Seq       int             `json:"seq"`
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}

	// MemoryState is a persisted memory adapter snapshot for a session.
	MemoryState struct {
		SessionID string          `json:"session_id"`
		Strategy  string          `json:"strategy"`
		Data      json.RawMessage `json:"data"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// PlannerStateStore enables durable pause/resume.
	PlannerStateStore interface {
		// SavePlannerState upserts the pause record. Idempotent by Token.
		SavePlannerState(ctx context.Context, st PlannerState) error
		// LoadPlannerState returns the pause record for the token, or
		// ErrNotFound.
		LoadPlannerState(ctx context.Context, token string) (PlannerState, error)
		// ConsumePlannerState atomically marks the token consumed. It reports
		// false when the token was already consumed or unknown.
		ConsumePlannerState(ctx context.Context, token string) (PlannerState, bool, error)
	}

	// PlannerEventStore enables step-level planner event persistence.
	PlannerEventStore interface {
		// SavePlannerEvent appends a planner event. Idempotent by
		// (TraceID, EventID).
		SavePlannerEvent(ctx context.Context, rec PlannerEventRecord) error
		// ListPlannerEvents returns the trace's planner events ascending by
		// (Seq, EventID).
		ListPlannerEvents(ctx context.Context, traceID string) ([]PlannerEventRecord, error)
	}

	// MemoryStateStore enables durable memory adapter state.
	MemoryStateStore interface {
		SaveMemoryState(ctx context.Context, st MemoryState) error
		LoadMemoryState(ctx context.Context, sessionID string) (MemoryState, error)
	}

	// TaskStore enables task listing across restarts.
	TaskStore interface {
		// SaveTask upserts the task row. Idempotent by (SessionID, TaskID).
		SaveTask(ctx context.Context, rec TaskRecord) error
		// ListTasks returns the session's tasks ascending by
		// (UpdatedAt, TaskID). Empty statuses means all.
		ListTasks(ctx context.Context, sessionID string, statuses ...string) ([]TaskRecord, error)
	}

	// UpdateStore enables replay of the outbound update stream.
	UpdateStore interface {
		// SaveUpdate appends an update row. Idempotent by
		// (SessionID, TaskID, UpdateID).
		SaveUpdate(ctx context.Context, rec UpdateRecord) error
		// ListUpdates returns updates for the stream ascending by
		// (Seq, UpdateID). sinceUpdateID is an exclusive cursor; empty means
		// from the beginning.
		ListUpdates(ctx context.Context, sessionID, taskID, sinceUpdateID string) ([]UpdateRecord, error)
	}

	// SteeringStore enables steering audit and replay.
	SteeringStore interface {
		// SaveSteering appends a steering row. Idempotent by
		// (SessionID, TaskID, EventID).
		SaveSteering(ctx context.Context, rec SteeringRecord) error
		// ListSteering returns steering rows ascending by (CreatedAt, EventID).
		ListSteering(ctx context.Context, sessionID, taskID string) ([]SteeringRecord, error)
	}

	// TrajectoryStore enables trajectory persistence and trace listing.
	TrajectoryStore interface {
		SaveTrajectory(ctx context.Context, rec TrajectoryRecord) error
		GetTrajectory(ctx context.Context, traceID string) (TrajectoryRecord, error)
		// ListTraces returns trace ids for the session ascending by first-write
		// time.
		ListTraces(ctx context.Context, sessionID string) ([]string, error)
	}

	// ArtifactStore persists heavy tool outputs by reference.
	ArtifactStore interface {
		PutArtifact(ctx context.Context, sessionID, taskID string, payload []byte) (string, error)
		GetArtifact(ctx context.Context, ref string) ([]byte, error)
	}

	// Capabilities reports which optional interfaces a store implements.
	Capabilities struct {
		PlannerState  bool
		PlannerEvents bool
		MemoryState   bool
		Tasks         bool
		Updates       bool
		Steering      bool
		Trajectories  bool
		Artifacts     bool
	}
)

// Detect probes the store for optional capabilities via interface assertions.
func Detect(s Store) Capabilities {
	var c Capabilities
	_, c.PlannerState = s.(PlannerStateStore)
	_, c.PlannerEvents = s.(PlannerEventStore)
	_, c.MemoryState = s.(MemoryStateStore)
	_, c.Tasks = s.(TaskStore)
	_, c.Updates = s.(UpdateStore)
	_, c.Steering = s.(SteeringStore)
	_, c.Trajectories = s.(TrajectoryStore)
	_, c.Artifacts = s.(ArtifactStore)
	return c
}

// Missing lists the names of disabled optional capabilities, for the single
// startup warning.
func (c Capabilities) Missing() []string {
	var missing []string
	for _, probe := range []struct {
		name string
		ok   bool
	}{
		{"planner_state", c.PlannerState},
		{"planner_events", c.PlannerEvents},
		{"memory_state", c.MemoryState},
		{"tasks", c.Tasks},
		{"updates", c.Updates},
		{"steering", c.Steering},
		{"trajectories", c.Trajectories},
		{"artifacts", c.Artifacts},
	} {
		if !probe.ok {
			missing = append(missing, probe.name)
		}
	}
	return missing
}
