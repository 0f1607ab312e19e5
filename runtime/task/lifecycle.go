// Package task implements the per-session task registry: lifecycle state
// machine, spawn limits with a priority queue, idempotent spawn, cooperative
// cancellation tokens, and cascading cancel.
package task

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/snapshot"
)

// Status is a task lifecycle state.
type Status string

const (
	// StatusPending waits for a concurrency slot.
	StatusPending Status = "PENDING"
	// StatusRunning is actively executing.
	StatusRunning Status = "RUNNING"
	// StatusPaused is durably suspended awaiting resume.
	StatusPaused Status = "PAUSED"
	// StatusComplete finished successfully. Terminal.
	StatusComplete Status = "COMPLETE"
	// StatusFailed finished with an error. Terminal.
	StatusFailed Status = "FAILED"
	// StatusCancelled was cancelled. Terminal.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is a legal lifecycle edge.
// Terminal states have no outgoing edges.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusPaused || to == StatusComplete || to == StatusFailed || to == StatusCancelled
	case StatusPaused:
		return to == StatusRunning || to == StatusCancelled
	}
	return false
}

// Type distinguishes the single user-facing task from background work.
type Type string

const (
	// TypeForeground is the user-facing task. At most one per session runs.
	TypeForeground Type = "FOREGROUND"
	// TypeBackground runs concurrently behind the foreground.
	TypeBackground Type = "BACKGROUND"
)

// ErrInfo is the JSON-safe error attached to a failed task.
type ErrInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// State is the registry's record of one task. Values returned by the registry
// are copies; mutations go through registry methods.
type State struct {
	TaskID         string             `json:"task_id"`
	SessionID      string             `json:"session_id"`
	Status         Status             `json:"status"`
	Type           Type               `json:"task_type"`
	Priority       int                `json:"priority"`
	Description    string             `json:"description,omitempty"`
	GroupID        string             `json:"group_id,omitempty"`
	ParentTaskID   string             `json:"parent_task_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Snapshot       *snapshot.Snapshot `json:"context_snapshot,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"`
	Error          *ErrInfo           `json:"error,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// CancelToken signals cooperative cancellation. Running work checks it at
// loop boundaries and after each tool call.
type CancelToken struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
}

// NewCancelToken constructs an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token with a reason. Only the first call takes effect.
func (t *CancelToken) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.reason = reason
	close(t.done)
}

// Cancelled reports whether the token is set.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, empty while unset.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed on cancellation, for select loops.
func (t *CancelToken) Done() <-chan struct{} { return t.done }
