// Package hooks fans out runtime milestone events to registered subscribers.
// Hooks observe decisions the runtime makes on its own (deterministic
// sequencing, trajectory compression, lifecycle milestones) so embedding
// applications can audit or veto-free observe them. Subscribers run in
// registration order; a subscriber error aborts the publish and is returned
// to the caller.
package hooks

import (
	"context"
	"sync"
)

type (
	// Event is a runtime milestone. Name returns a stable identifier.
	Event interface {
		Name() string
	}

	// Subscriber handles one published event.
	Subscriber func(ctx context.Context, ev Event) error

	// Bus delivers events to subscribers. Safe for concurrent use.
	Bus struct {
		mu   sync.RWMutex
		subs []entry
		next int
	}

	entry struct {
		id int
		fn Subscriber
	}
)

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, entry{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.subs {
			if e.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber in registration order,
// stopping at the first error.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := append([]entry(nil), b.subs...)
	b.mu.RUnlock()
	for _, e := range subs {
		if err := e.fn(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// AutoSeqDetectedUnique fires when exactly one policy-compliant tool
// validates the previous structured observation.
type AutoSeqDetectedUnique struct {
	SessionID string
	TaskID    string
	ToolName  string
	StepIndex int
}

// Name implements Event.
func (AutoSeqDetectedUnique) Name() string { return "auto_seq_detected_unique" }

// AutoSeqExecuted fires after each deterministic step executes.
type AutoSeqExecuted struct {
	SessionID string
	TaskID    string
	ToolName  string
	StepIndex int
}

// Name implements Event.
func (AutoSeqExecuted) Name() string { return "auto_seq_executed" }

// TrajectoryCompressed fires when context-length recovery compresses large
// observations.
type TrajectoryCompressed struct {
	SessionID       string
	TaskID          string
	StepsCompressed int
}

// Name implements Event.
func (TrajectoryCompressed) Name() string { return "trajectory_compressed" }

// TaskSpawned fires when a planner action spawns a background task.
type TaskSpawned struct {
	SessionID    string
	TaskID       string
	ParentTaskID string
	GroupID      string
}

// Name implements Event.
func (TaskSpawned) Name() string { return "task_spawned" }

// PlannerFinished fires when a planner run reaches a terminal outcome.
type PlannerFinished struct {
	SessionID string
	TaskID    string
	Reason    string
	Steps     int
}

// Name implements Event.
func (PlannerFinished) Name() string { return "planner_finished" }

// GroupReportReady fires when a group report is emitted.
type GroupReportReady struct {
	SessionID string
	GroupID   string
}

// Name implements Event.
func (GroupReportReady) Name() string { return "group_report_ready" }
