// Package group coordinates related background tasks so their results are
// reported together. Groups are named per foreground turn, sealed explicitly
// or when the turn yields, and emit exactly one group-level report once every
// member task has reached a terminal state.
package group

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/snapshot"
)

// Status is a task group lifecycle state.
type Status string

const (
	// StatusOpen accepts new member tasks.
	StatusOpen Status = "OPEN"
	// StatusSealed accepts no new members and waits for members to finish.
	StatusSealed Status = "SEALED"
	// StatusComplete has all members terminal with a successful outcome.
	StatusComplete Status = "COMPLETE"
	// StatusFailed has all members terminal without a successful outcome.
	StatusFailed Status = "FAILED"
)

// ReportStrategy controls what the group report contains.
type ReportStrategy string

const (
	// ReportAll requires every member to succeed; the report bundles every
	// patch.
	ReportAll ReportStrategy = "all"
	// ReportAny succeeds when at least one member does; the report bundles the
	// successful patches.
	ReportAny ReportStrategy = "any"
	// ReportNone suppresses the group report entirely.
	ReportNone ReportStrategy = "none"
)

// Registry errors.
var (
	// ErrNotFound means no group with the given id exists.
	ErrNotFound = errors.New("group: not found")
	// ErrSealed means the group no longer accepts members.
	ErrSealed = errors.New("group: sealed")
	// ErrCrossSessionGroup means a task from another session tried to join.
	ErrCrossSessionGroup = errors.New("group: cross-session joining is not allowed")
)

type (
	// Group is the registry's record of one task group.
	Group struct {
		GroupID        string                 `json:"group_id"`
		DisplayName    string                 `json:"display_name"`
		SessionID      string                 `json:"session_id"`
		TurnID         string                 `json:"turn_id"`
		Status         Status                 `json:"status"`
		MergeStrategy  snapshot.MergeStrategy `json:"merge_strategy"`
		ReportStrategy ReportStrategy         `json:"report_strategy"`
		TaskIDs        []string               `json:"task_ids"`
		CreatedAt      time.Time              `json:"created_at"`
		SealedAt       *time.Time             `json:"sealed_at,omitempty"`
		CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	}

	// Report is the deduped group-level result bundle.
	Report struct {
		GroupID        string                 `json:"group_id"`
		DisplayName    string                 `json:"display_name"`
		Status         Status                 `json:"status"`
		MergeStrategy  snapshot.MergeStrategy `json:"merge_strategy"`
		Patches        []snapshot.Patch       `json:"patches,omitempty"`
		FailedTaskIDs  []string               `json:"failed_task_ids,omitempty"`
		MemberCount    int                    `json:"member_count"`
		SucceededCount int                    `json:"succeeded_count"`
	}

	memberOutcome struct {
		done   bool
		failed bool
		patch  *snapshot.Patch
	}

	record struct {
		group    Group
		members  map[string]*memberOutcome
		order    []string
		reported bool
	}

	// Registry tracks groups for the process, keyed by group id with
	// turn-scoped name resolution. Safe for concurrent use.
	Registry struct {
		mu     sync.Mutex
		now    func() time.Time
		groups map[string]*record
		// session_id/turn_id/display_name -> group_id for OPEN groups
		names map[string]string
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs an empty group registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:    func() time.Time { return time.Now().UTC() },
		groups: make(map[string]*record),
		names:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrJoin resolves displayName to an OPEN group created earlier in the
// same foreground turn, or creates a new group. The boolean reports creation.
func (r *Registry) CreateOrJoin(sessionID, turnID, displayName string, merge snapshot.MergeStrategy, report ReportStrategy) (Group, bool, error) {
	if sessionID == "" {
		return Group{}, false, fmt.Errorf("group: session_id is required")
	}
	if report == "" {
		report = ReportAll
	}
	if merge == "" {
		merge = snapshot.MergeAppend
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if displayName != "" {
		if id, ok := r.names[nameKey(sessionID, turnID, displayName)]; ok {
			rec := r.groups[id]
			if rec.group.Status == StatusOpen {
				return rec.group, false, nil
			}
		}
	}

	g := Group{
		GroupID:        uuid.NewString(),
		DisplayName:    displayName,
		SessionID:      sessionID,
		TurnID:         turnID,
		Status:         StatusOpen,
		MergeStrategy:  merge,
		ReportStrategy: report,
		CreatedAt:      r.now(),
	}
	r.groups[g.GroupID] = &record{group: g, members: make(map[string]*memberOutcome)}
	if displayName != "" {
		r.names[nameKey(sessionID, turnID, displayName)] = g.GroupID
	}
	return g, true, nil
}

// Join adds a member by explicit group id. Cross-session joins are rejected.
func (r *Registry) Join(groupID, sessionID, taskID string) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	if rec.group.SessionID != sessionID {
		return Group{}, ErrCrossSessionGroup
	}
	if rec.group.Status != StatusOpen {
		return Group{}, ErrSealed
	}
	if _, member := rec.members[taskID]; !member {
		rec.members[taskID] = &memberOutcome{}
		rec.order = append(rec.order, taskID)
		rec.group.TaskIDs = append(rec.group.TaskIDs, taskID)
	}
	return rec.group, nil
}

// Seal closes the group to new members. Sealing twice is a no-op. Returns the
// group after any resulting completion.
func (r *Registry) Seal(groupID string) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	r.sealLocked(rec)
	return rec.group, nil
}

// AutoSealTurn seals every OPEN group created in the given foreground turn.
// Called when the foreground yields. Returns the sealed group ids.
func (r *Registry) AutoSealTurn(sessionID, turnID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sealed []string
	for _, rec := range r.groups {
		if rec.group.SessionID == sessionID && rec.group.TurnID == turnID && rec.group.Status == StatusOpen {
			r.sealLocked(rec)
			sealed = append(sealed, rec.group.GroupID)
		}
	}
	return sealed
}

// MemberDone records a member task's terminal outcome. A successful member
// may carry a context patch. Recording the same member twice keeps the first
// outcome. Returns the group after any resulting completion.
func (r *Registry) MemberDone(groupID, taskID string, patch *snapshot.Patch, failed bool) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	m, member := rec.members[taskID]
	if !member {
		return Group{}, fmt.Errorf("group: task %s is not a member of %s", taskID, groupID)
	}
	if !m.done {
		m.done = true
		m.failed = failed
		m.patch = patch
	}
	r.maybeCompleteLocked(rec)
	return rec.group, nil
}

// Get returns the group record.
func (r *Registry) Get(groupID string) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	return rec.group, nil
}

// CollectReport returns the group report exactly once after the group reaches
// a terminal status. It returns false when the group is not terminal yet, the
// report was already collected, or the strategy is "none".
func (r *Registry) CollectReport(groupID string) (Report, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[groupID]
	if !ok {
		return Report{}, false, ErrNotFound
	}
	if rec.group.Status != StatusComplete && rec.group.Status != StatusFailed {
		return Report{}, false, nil
	}
	if rec.reported || rec.group.ReportStrategy == ReportNone {
		rec.reported = true
		return Report{}, false, nil
	}
	rec.reported = true

	rep := Report{
		GroupID:       rec.group.GroupID,
		DisplayName:   rec.group.DisplayName,
		Status:        rec.group.Status,
		MergeStrategy: rec.group.MergeStrategy,
		MemberCount:   len(rec.order),
	}
	for _, taskID := range rec.order {
		m := rec.members[taskID]
		if m.failed {
			rep.FailedTaskIDs = append(rep.FailedTaskIDs, taskID)
			continue
		}
		rep.SucceededCount++
		if m.patch != nil {
			rep.Patches = append(rep.Patches, *m.patch)
		}
	}
	return rep, true, nil
}

func (r *Registry) sealLocked(rec *record) {
	if rec.group.Status != StatusOpen {
		return
	}
	rec.group.Status = StatusSealed
	now := r.now()
	rec.group.SealedAt = &now
	delete(r.names, nameKey(rec.group.SessionID, rec.group.TurnID, rec.group.DisplayName))
	r.maybeCompleteLocked(rec)
}

// maybeCompleteLocked transitions a sealed group whose members are all
// terminal to COMPLETE or FAILED per its report strategy.
func (r *Registry) maybeCompleteLocked(rec *record) {
	if rec.group.Status != StatusSealed {
		return
	}
	succeeded, failed := 0, 0
	for _, m := range rec.members {
		if !m.done {
			return
		}
		if m.failed {
			failed++
		} else {
			succeeded++
		}
	}

	status := StatusComplete
	switch rec.group.ReportStrategy {
	case ReportAll:
		if failed > 0 {
			status = StatusFailed
		}
	case ReportAny:
		if succeeded == 0 && len(rec.members) > 0 {
			status = StatusFailed
		}
	}
	rec.group.Status = status
	now := r.now()
	rec.group.CompletedAt = &now
}

func nameKey(sessionID, turnID, displayName string) string {
	return sessionID + "/" + turnID + "/" + displayName
}
