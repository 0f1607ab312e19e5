// Package stream carries the outbound StateUpdate flow: ordered, deduped
// updates per (session, task), fan-out to live subscribers with bounded
// backpressure, durable projection into the state store, and replay from a
// cursor.
package stream

import (
	"encoding/json"
	"time"
)

// UpdateType identifies the kind of state update.
type UpdateType string

const (
	// UpdateThinking carries model reasoning text.
	UpdateThinking UpdateType = "THINKING"
	// UpdateProgress carries low-priority progress information.
	UpdateProgress UpdateType = "PROGRESS"
	// UpdateToolCall announces a tool invocation.
	UpdateToolCall UpdateType = "TOOL_CALL"
	// UpdateResult carries a task result, final or streamed chunk phase.
	UpdateResult UpdateType = "RESULT"
	// UpdateError carries a task error.
	UpdateError UpdateType = "ERROR"
	// UpdateCheckpoint marks a durable pause point.
	UpdateCheckpoint UpdateType = "CHECKPOINT"
	// UpdateStatusChange announces a lifecycle transition.
	UpdateStatusChange UpdateType = "STATUS_CHANGE"
	// UpdateNotification carries user-facing notices, including group reports
	// and human-gated approval requests.
	UpdateNotification UpdateType = "NOTIFICATION"
	// UpdateArtifactChunk carries a streamed artifact fragment.
	UpdateArtifactChunk UpdateType = "ARTIFACT_CHUNK"
)

// Update is one outbound state update. Per (SessionID, TaskID) the Seq is
// strictly increasing and UpdateID unique; duplicates are allowed on the wire
// and deduped by consumers via UpdateID.
type Update struct {
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	UpdateID   string         `json:"update_id"`
	Seq        uint64         `json:"seq"`
	Type       UpdateType     `json:"update_type"`
	Content    map[string]any `json:"content,omitempty"`
	StepIndex  *int           `json:"step_index,omitempty"`
	TotalSteps *int           `json:"total_steps,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Droppable reports whether the update may be shed under backpressure.
// Terminal and control-relevant types are always delivered.
func (u Update) Droppable() bool {
	switch u.Type {
	case UpdateThinking, UpdateProgress, UpdateArtifactChunk:
		return true
	}
	return false
}

// MarshalContent encodes the content payload for persistence.
func (u Update) MarshalContent() (json.RawMessage, error) {
	if u.Content == nil {
		return nil, nil
	}
	return json.Marshal(u.Content)
}

// streamKey identifies one (session, task) stream.
func streamKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

// Deduper tracks delivered update ids so consumers process each update at
// most once even when replay and live delivery overlap. Not safe for
// concurrent use; each consumer owns one.
type Deduper struct {
	seen map[string]struct{}
}

// NewDeduper constructs an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// First reports whether the update id is new, recording it.
func (d *Deduper) First(updateID string) bool {
	if _, dup := d.seen[updateID]; dup {
		return false
	}
	d.seen[updateID] = struct{}{}
	return true
}
