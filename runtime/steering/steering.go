// Package steering implements the per-task inbox for inbound control and
// context events. The inbox is bounded and non-blocking on the producer side;
// the owning planner runtime drains it at loop iteration boundaries, so
// control events always take effect before the next LLM call.
package steering

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of steering event.
type EventType string

const (
	// EventUserMessage injects a user message into the running task.
	EventUserMessage EventType = "USER_MESSAGE"
	// EventRedirect replaces the current objective.
	EventRedirect EventType = "REDIRECT"
	// EventInjectContext adds context visible on the next LLM call.
	EventInjectContext EventType = "INJECT_CONTEXT"
	// EventCancel requests cooperative cancellation.
	EventCancel EventType = "CANCEL"
	// EventPause requests a durable pause.
	EventPause EventType = "PAUSE"
	// EventResume resumes a paused task.
	EventResume EventType = "RESUME"
	// EventPrioritize changes task priority.
	EventPrioritize EventType = "PRIORITIZE"
	// EventApprove approves a queued human-gated patch.
	EventApprove EventType = "APPROVE"
	// EventReject rejects a queued human-gated patch.
	EventReject EventType = "REJECT"
)

// Event is one inbound steering event. Deduped by EventID within
// (SessionID, TaskID).
type Event struct {
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	EventID   string          `json:"event_id"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsControl reports whether the event type preempts a full inbox. Control
// events are always accepted; the oldest non-control event is evicted to make
// room.
func (e Event) IsControl() bool {
	switch e.Type {
	case EventCancel, EventPause, EventResume, EventApprove, EventReject:
		return true
	}
	return false
}

// PushResult explains the outcome of a Push.
type PushResult string

const (
	// PushAccepted means the event was queued.
	PushAccepted PushResult = "accepted"
	// PushDuplicate means the event id was already seen for this task.
	PushDuplicate PushResult = "duplicate"
	// PushRejectedFull means the inbox was full and the event is not control.
	PushRejectedFull PushResult = "rejected_full"
	// PushRejectedUserCap means the USER_MESSAGE cap was reached.
	PushRejectedUserCap PushResult = "rejected_user_cap"
)

// Inbox is a bounded FIFO of steering events for one task. Safe for
// concurrent producers with a single draining consumer.
type Inbox struct {
	mu      sync.Mutex
	queue   []Event
	seen    map[string]struct{}
	maxSize int
	userCap int
}

const (
	// DefaultMaxSize bounds the inbox length.
	DefaultMaxSize = 32
	// DefaultUserMessageCap bounds queued USER_MESSAGE events per task.
	DefaultUserMessageCap = 2
)

// NewInbox constructs an inbox. Non-positive sizes fall back to the defaults.
func NewInbox(maxSize, userMessageCap int) *Inbox {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if userMessageCap <= 0 {
		userMessageCap = DefaultUserMessageCap
	}
	return &Inbox{
		seen:    make(map[string]struct{}),
		maxSize: maxSize,
		userCap: userMessageCap,
	}
}

// Push enqueues the event without blocking. Duplicates by event id are
// dropped, including ids already drained, so an event is processed at most
// once per task. Control events are always accepted: when the inbox is full
// the oldest non-control event is evicted.
func (in *Inbox) Push(ev Event) (bool, PushResult) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, dup := in.seen[ev.EventID]; ev.EventID != "" && dup {
		return false, PushDuplicate
	}

	if ev.Type == EventUserMessage && in.countLocked(EventUserMessage) >= in.userCap {
		return false, PushRejectedUserCap
	}

	if len(in.queue) >= in.maxSize {
		if !ev.IsControl() {
			return false, PushRejectedFull
		}
		if !in.evictOldestNonControlLocked() {
			// Queue full of control events; grow by one rather than lose a
			// control event.
			in.maxSize++
		}
	}

	if ev.EventID != "" {
		in.seen[ev.EventID] = struct{}{}
	}
	in.queue = append(in.queue, ev)
	return true, PushAccepted
}

// Drain atomically removes and returns all queued events in FIFO order.
func (in *Inbox) Drain() []Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return nil
	}
	drained := in.queue
	in.queue = nil
	return drained
}

// Len returns the number of queued events.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

func (in *Inbox) countLocked(t EventType) int {
	n := 0
	for _, ev := range in.queue {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (in *Inbox) evictOldestNonControlLocked() bool {
	for i, ev := range in.queue {
		if !ev.IsControl() {
			in.queue = append(in.queue[:i], in.queue[i+1:]...)
			return true
		}
	}
	return false
}
