package task

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/snapshot"
)

// Registry errors.
var (
	// ErrNotFound means no task with the given id exists.
	ErrNotFound = errors.New("task: not found")
	// ErrTaskLimit means the session reached max_total_tasks.
	ErrTaskLimit = errors.New("task: session task limit reached")
	// ErrInvalidTransition means the requested lifecycle edge is illegal.
	ErrInvalidTransition = errors.New("task: invalid transition")
)

// Limits bounds per-session task admission.
type Limits struct {
	// MaxTotal caps non-terminal tasks per session. Zero means unlimited.
	MaxTotal int
	// MaxConcurrent caps RUNNING tasks per session. Zero means unlimited.
	MaxConcurrent int
}

type (
	// Spec describes a task to spawn.
	Spec struct {
		SessionID      string
		Type           Type
		Priority       int
		Description    string
		GroupID        string
		ParentTaskID   string
		IdempotencyKey string
		Snapshot       *snapshot.Snapshot
	}

	record struct {
		state State
		token *CancelToken
		seq   uint64
	}

	// Registry tracks every task for one process, indexed by task id with
	// per-session admission control. Safe for concurrent use.
	Registry struct {
		mu      sync.Mutex
		limits  Limits
		now     func() time.Time
		nextSeq uint64
		tasks   map[string]*record
		// idempotency key -> task id, per session
		idem map[string]string
		// session id -> pending heap
		pending map[string]*pendingHeap
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs a registry with the given limits.
func NewRegistry(limits Limits, opts ...Option) *Registry {
	r := &Registry{
		limits:  limits,
		now:     func() time.Time { return time.Now().UTC() },
		tasks:   make(map[string]*record),
		idem:    make(map[string]string),
		pending: make(map[string]*pendingHeap),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn admits a task. When the spec carries an idempotency key matching an
// existing non-terminal task, that task is returned unchanged and created is
// false. New tasks start PENDING and wait for Claim.
func (r *Registry) Spawn(spec Spec) (State, bool, error) {
	if spec.SessionID == "" {
		return State{}, false, fmt.Errorf("task: spawn requires session_id")
	}
	if spec.Type == "" {
		spec.Type = TypeBackground
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.IdempotencyKey != "" {
		if existingID, ok := r.idem[spec.SessionID+"/"+spec.IdempotencyKey]; ok {
			if rec, live := r.tasks[existingID]; live && !rec.state.Status.Terminal() {
				return rec.state, false, nil
			}
		}
	}

	if r.limits.MaxTotal > 0 && r.countNonTerminalLocked(spec.SessionID) >= r.limits.MaxTotal {
		return State{}, false, ErrTaskLimit
	}

	now := r.now()
	r.nextSeq++
	rec := &record{
		state: State{
			TaskID:         uuid.NewString(),
			SessionID:      spec.SessionID,
			Status:         StatusPending,
			Type:           spec.Type,
			Priority:       spec.Priority,
			Description:    spec.Description,
			GroupID:        spec.GroupID,
			ParentTaskID:   spec.ParentTaskID,
			CreatedAt:      now,
			UpdatedAt:      now,
			Snapshot:       spec.Snapshot,
			IdempotencyKey: spec.IdempotencyKey,
		},
		token: NewCancelToken(),
		seq:   r.nextSeq,
	}
	r.tasks[rec.state.TaskID] = rec
	if spec.IdempotencyKey != "" {
		r.idem[spec.SessionID+"/"+spec.IdempotencyKey] = rec.state.TaskID
	}
	r.heapFor(spec.SessionID).pushRecord(rec)
	return rec.state, true, nil
}

// Claim pops the highest-priority PENDING task that may run now, transitions
// it to RUNNING, and returns it. The foreground policy (one RUNNING
// foreground per session) and MaxConcurrent both gate claims.
func (r *Registry) Claim(sessionID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limits.MaxConcurrent > 0 && r.countStatusLocked(sessionID, StatusRunning) >= r.limits.MaxConcurrent {
		return State{}, false
	}
	h := r.heapFor(sessionID)
	foregroundBusy := r.foregroundActiveLocked(sessionID)

	var skipped []*record
	defer func() {
		for _, rec := range skipped {
			h.pushRecord(rec)
		}
	}()
	for h.Len() > 0 {
		rec := heap.Pop(h).(*record)
		if rec.state.Status != StatusPending {
			continue // cancelled while queued
		}
		if rec.state.Type == TypeForeground && foregroundBusy {
			skipped = append(skipped, rec)
			continue
		}
		rec.state.Status = StatusRunning
		rec.state.UpdatedAt = r.now()
		return rec.state, true
	}
	return State{}, false
}

// Get returns a copy of the task state.
func (r *Registry) Get(taskID string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return State{}, ErrNotFound
	}
	return rec.state, nil
}

// List returns the session's tasks, optionally filtered by status, ordered by
// creation.
func (r *Registry) List(sessionID string, statuses ...Status) []State {
	allowed := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		allowed[s] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var recs []*record
	for _, rec := range r.tasks {
		if rec.state.SessionID != sessionID {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[rec.state.Status]; !ok {
				continue
			}
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	out := make([]State, len(recs))
	for i, rec := range recs {
		out[i] = rec.state
	}
	return out
}

// Foreground returns the session's RUNNING or PAUSED foreground task, if any.
func (r *Registry) Foreground(sessionID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.tasks {
		if rec.state.SessionID == sessionID && rec.state.Type == TypeForeground &&
			(rec.state.Status == StatusRunning || rec.state.Status == StatusPaused) {
			return rec.state, true
		}
	}
	return State{}, false
}

// Transition moves the task along a lifecycle edge. Terminal states absorb:
// transitioning a terminal task is an ErrInvalidTransition except for
// cancel-on-terminal which callers handle via Cancel.
func (r *Registry) Transition(taskID string, to Status) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(taskID, to)
}

func (r *Registry) transitionLocked(taskID string, to Status) (State, error) {
	rec, ok := r.tasks[taskID]
	if !ok {
		return State{}, ErrNotFound
	}
	from := rec.state.Status
	if !ValidTransition(from, to) {
		return State{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StatusRunning && rec.state.Type == TypeForeground && r.foregroundActiveExceptLocked(rec.state.SessionID, taskID) {
		return State{}, fmt.Errorf("task: session %s already has an active foreground task", rec.state.SessionID)
	}
	rec.state.Status = to
	rec.state.UpdatedAt = r.now()
	return rec.state, nil
}

// Complete finishes the task with a result payload.
func (r *Registry) Complete(taskID string, result []byte) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.transitionLocked(taskID, StatusComplete); err != nil {
		return State{}, err
	}
	rec := r.tasks[taskID]
	rec.state.Result = append([]byte(nil), result...)
	return rec.state, nil
}

// Fail finishes the task with an error.
func (r *Registry) Fail(taskID string, info ErrInfo) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.transitionLocked(taskID, StatusFailed); err != nil {
		return State{}, err
	}
	rec := r.tasks[taskID]
	rec.state.Error = &info
	return rec.state, nil
}

// Cancel sets the task CANCELLED and signals its token. Terminal tasks are
// ignored. With cascade, every descendant (by parent link) is cancelled too.
// The ids actually cancelled are returned in parent-before-child order.
func (r *Registry) Cancel(taskID, reason string, cascade bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	var cancelled []string
	r.cancelLocked(taskID, reason, cascade, &cancelled)
	return cancelled, nil
}

func (r *Registry) cancelLocked(taskID, reason string, cascade bool, cancelled *[]string) {
	rec, ok := r.tasks[taskID]
	if ok && !rec.state.Status.Terminal() {
		rec.state.Status = StatusCancelled
		rec.state.UpdatedAt = r.now()
		rec.state.Error = &ErrInfo{Kind: "cancelled", Message: reason}
		rec.token.Cancel(reason)
		*cancelled = append(*cancelled, taskID)
	}
	if !cascade {
		return
	}
	var children []*record
	for _, child := range r.tasks {
		if child.state.ParentTaskID == taskID {
			children = append(children, child)
		}
	}
	sortRecords(children)
	for _, child := range children {
		r.cancelLocked(child.state.TaskID, reason, true, cancelled)
	}
}

// Pause suspends a RUNNING task.
func (r *Registry) Pause(taskID string) (State, error) {
	return r.Transition(taskID, StatusPaused)
}

// Resume continues a PAUSED task.
func (r *Registry) Resume(taskID string) (State, error) {
	return r.Transition(taskID, StatusRunning)
}

// Prioritize updates a task's priority; queued tasks are re-ranked.
func (r *Registry) Prioritize(taskID string, priority int) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return State{}, ErrNotFound
	}
	rec.state.Priority = priority
	rec.state.UpdatedAt = r.now()
	if rec.state.Status == StatusPending {
		r.heapFor(rec.state.SessionID).reorder(rec)
	}
	return rec.state, nil
}

// Token returns the cancellation token for the task.
func (r *Registry) Token(taskID string) (*CancelToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.token, nil
}

func (r *Registry) countNonTerminalLocked(sessionID string) int {
	n := 0
	for _, rec := range r.tasks {
		if rec.state.SessionID == sessionID && !rec.state.Status.Terminal() {
			n++
		}
	}
	return n
}

func (r *Registry) countStatusLocked(sessionID string, status Status) int {
	n := 0
	for _, rec := range r.tasks {
		if rec.state.SessionID == sessionID && rec.state.Status == status {
			n++
		}
	}
	return n
}

func (r *Registry) foregroundActiveLocked(sessionID string) bool {
	return r.foregroundActiveExceptLocked(sessionID, "")
}

func (r *Registry) foregroundActiveExceptLocked(sessionID, exceptTaskID string) bool {
	for _, rec := range r.tasks {
		if rec.state.SessionID == sessionID && rec.state.Type == TypeForeground &&
			rec.state.TaskID != exceptTaskID && rec.state.Status == StatusRunning {
			return true
		}
	}
	return false
}

func (r *Registry) heapFor(sessionID string) *pendingHeap {
	h, ok := r.pending[sessionID]
	if !ok {
		h = &pendingHeap{}
		heap.Init(h)
		r.pending[sessionID] = h
	}
	return h
}

func sortRecords(recs []*record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
}

// pendingHeap orders PENDING tasks by priority descending, then admission
// order.
type pendingHeap struct {
	items []*record
}

func (h *pendingHeap) Len() int { return len(h.items) }

func (h *pendingHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.state.Priority != b.state.Priority {
		return a.state.Priority > b.state.Priority
	}
	return a.seq < b.seq
}

func (h *pendingHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *pendingHeap) Push(x any) { h.items = append(h.items, x.(*record)) }

func (h *pendingHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (h *pendingHeap) pushRecord(rec *record) { heap.Push(h, rec) }

func (h *pendingHeap) reorder(rec *record) {
	for i, item := range h.items {
		if item == rec {
			heap.Fix(h, i)
			return
		}
	}
}
