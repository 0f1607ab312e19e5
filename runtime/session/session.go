// Package session implements the coordinator that owns everything scoped to
// one conversation: the task registry, per-task steering inboxes, the
// foreground context and its patch merger, and task groups. All mutations to
// a session's state are serialized through the session's lock while tasks
// themselves run as independent flows, so cross-session parallelism is
// unbounded and within a session only the shared context is single-writer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/config"
	"github.com/penguiflow/penguiflow/runtime/group"
	"github.com/penguiflow/penguiflow/runtime/hooks"
	"github.com/penguiflow/penguiflow/runtime/memory"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/snapshot"
	"github.com/penguiflow/penguiflow/runtime/steering"
	"github.com/penguiflow/penguiflow/runtime/store"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/task"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

// ForegroundTaskID is the routing alias steering events may use instead of a
// concrete task id. It resolves to the session's current foreground task.
const ForegroundTaskID = "foreground"

// Coordinator errors.
var (
	// ErrNoForeground means a "foreground" steering event arrived while no
	// foreground task was active and buffering is disabled.
	ErrNoForeground = errors.New("session: no active foreground task")
	// ErrClosed means the coordinator was shut down.
	ErrClosed = errors.New("session: coordinator closed")
	// ErrContinuationBudget means a background spawn chain exceeded the
	// configured hop limit.
	ErrContinuationBudget = errors.New("session: background continuation budget exhausted")
)

type (
	// SpawnSpec describes a task to spawn into a session. Type defaults to
	// foreground; background tasks receive a frozen copy of the session
	// context.
	SpawnSpec struct {
		SessionID      string
		Query          string
		Description    string
		Type           task.Type
		Priority       int
		ParentTaskID   string
		GroupName      string
		MergeStrategy  string
		IdempotencyKey string
		// RetainTurn keeps the spawning turn open until this background task
		// settles, bounded by tasks.retain_turn_timeout_s.
		RetainTurn bool
	}

	// Coordinator routes inbound control events and spawn requests to tasks
	// and drives each claimed task through the planner runtime.
	Coordinator struct {
		cfg     config.Config
		rt      *planner.Runtime
		tasks   *task.Registry
		groups  *group.Registry
		st      store.Store
		caps    store.Capabilities
		steers  store.SteeringStore // nil when the capability is missing
		rows    store.TaskStore     // nil when the capability is missing
		emitter *stream.Emitter
		bus     *hooks.Bus
		mem     memory.Adapter
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time

		// bufferForeground accepts "foreground" steering while no foreground
		// task is active and replays it into the next foreground spawn.
		bufferForeground bool

		base   context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu       sync.Mutex
		sessions map[string]*session
		closed   bool
	}

	// Option configures a Coordinator.
	Option func(*Coordinator)

	// session is the per-conversation record. Its lock serializes every
	// mutation of the shared context, routing tables, and turn bookkeeping.
	session struct {
		id string

		mu          sync.Mutex
		turn        int
		foreground  string
		llmContext  map[string]any
		merger      *snapshot.Merger
		inboxes     map[string]*steering.Inbox
		queries     map[string]string
		taskMerges  map[string]snapshot.MergeStrategy
		pauseTokens map[string]string
		buffered    []steering.Event
		// retained lists background tasks spawned with retain_turn in the
		// current foreground turn. The yield waits for them.
		retained []string
		// fgProgress counts foreground context advances (new turns, applied
		// patches). spawnMarks remembers the counter at each background spawn
		// so a merge can tell when the foreground moved past the spawn point.
		fgProgress uint64
		spawnMarks map[string]uint64
	}
)

// WithMemory sets the conversation memory adapter. Defaults to no memory.
func WithMemory(m memory.Adapter) Option {
	return func(c *Coordinator) { c.mem = m }
}

// WithHooks sets the hook bus for coordinator milestones.
func WithHooks(b *hooks.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithForegroundBuffering controls what happens to "foreground" steering when
// no foreground task is active: buffer it for the next foreground spawn, or
// reject it with ErrNoForeground. Buffering is the default.
func WithForegroundBuffering(enabled bool) Option {
	return func(c *Coordinator) { c.bufferForeground = enabled }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New constructs a coordinator around a planner runtime and a state store.
// Optional store capabilities are probed once; missing ones disable their
// feature with a single warning.
func New(cfg config.Config, rt *planner.Runtime, st store.Store, emitter *stream.Emitter, opts ...Option) (*Coordinator, error) {
	if rt == nil {
		return nil, fmt.Errorf("session: planner runtime is required")
	}
	if st == nil {
		return nil, fmt.Errorf("session: state store is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("session: emitter is required")
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg: cfg,
		rt:  rt,
		tasks: task.NewRegistry(task.Limits{
			MaxTotal:      cfg.Tasks.MaxTotalTasks,
			MaxConcurrent: cfg.Tasks.MaxConcurrentTasks,
		}),
		groups:           group.NewRegistry(),
		st:               st,
		caps:             store.Detect(st),
		emitter:          emitter,
		bus:              hooks.NewBus(),
		mem:              memory.Noop{},
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
		now:              func() time.Time { return time.Now().UTC() },
		bufferForeground: true,
		base:             base,
		cancel:           cancel,
		sessions:         make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.steers, _ = st.(store.SteeringStore)
	c.rows, _ = st.(store.TaskStore)
	if missing := c.caps.Missing(); len(missing) > 0 {
		c.logger.Warn(base, "store capabilities missing, features disabled",
			"missing", strings.Join(missing, ","))
	}
	return c, nil
}

// Close stops claiming new tasks, cancels running ones, and waits for every
// task flow to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Spawn admits a task into the session and schedules it. Spawning with an
// idempotency key matching a live task returns that task unchanged.
// Background tasks carry a snapshot of the session context frozen at this
// moment; they never see later foreground mutations.
func (c *Coordinator) Spawn(ctx context.Context, spec SpawnSpec) (task.State, error) {
	if spec.SessionID == "" {
		return task.State{}, fmt.Errorf("session: spawn requires session_id")
	}
	if c.isClosed() {
		return task.State{}, ErrClosed
	}
	if spec.Type == "" {
		spec.Type = task.TypeForeground
	}
	if spec.Query == "" {
		spec.Query = spec.Description
	}
	sess := c.session(spec.SessionID)

	merge, err := c.mergeStrategy(spec.MergeStrategy)
	if err != nil {
		return task.State{}, err
	}

	spawnEventID := uuid.NewString()
	var (
		snap *snapshot.Snapshot
		g    group.Group
	)
	sess.mu.Lock()
	turnID := sess.turnID()
	if spec.Type == task.TypeBackground {
		ref, rerr := c.mem.SnapshotRef(ctx, sess.id)
		if rerr != nil {
			sess.mu.Unlock()
			return task.State{}, fmt.Errorf("session: memory snapshot ref: %w", rerr)
		}
		frozen, ferr := snapshot.Freeze(sess.llmContext, nil, ref, nil,
			spec.ParentTaskID, spawnEventID, spec.Description, c.now())
		if ferr != nil {
			sess.mu.Unlock()
			return task.State{}, ferr
		}
		snap = &frozen
		sess.spawnMarks[spawnEventID] = sess.fgProgress
	}
	sess.mu.Unlock()

	if spec.GroupName != "" {
		var created bool
		g, created, err = c.groups.CreateOrJoin(sess.id, turnID, spec.GroupName, merge,
			group.ReportStrategy(c.cfg.Groups.DefaultGroupReport))
		if err != nil {
			return task.State{}, err
		}
		if created && c.cfg.Groups.GroupTimeoutS > 0 {
			c.sealGroupAfterTimeout(sess, g.GroupID)
		}
	}

	st, created, err := c.tasks.Spawn(task.Spec{
		SessionID:      spec.SessionID,
		Type:           spec.Type,
		Priority:       spec.Priority,
		Description:    spec.Description,
		GroupID:        g.GroupID,
		ParentTaskID:   spec.ParentTaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Snapshot:       snap,
	})
	if err != nil {
		return task.State{}, err
	}
	if !created {
		return st, nil
	}
	if g.GroupID != "" {
		if _, err := c.groups.Join(g.GroupID, sess.id, st.TaskID); err != nil {
			return task.State{}, err
		}
	}

	sess.mu.Lock()
	sess.inboxes[st.TaskID] = steering.NewInbox(0, c.cfg.Tasks.MaxPendingUserMessages)
	sess.queries[st.TaskID] = spec.Query
	sess.mergeStrategies()[st.TaskID] = merge
	if spec.RetainTurn && st.Type == task.TypeBackground {
		sess.retained = append(sess.retained, st.TaskID)
	}
	sess.mu.Unlock()

	if err := c.saveEventID(ctx, spawnEventID, sess.id, st.TaskID, store.KindTaskCreated, map[string]any{
		"task_type":   string(st.Type),
		"description": st.Description,
		"group_id":    st.GroupID,
		"parent":      st.ParentTaskID,
	}); err != nil {
		// Core store failure: the task must not run.
		c.tasks.Cancel(st.TaskID, "core store write failed", false) //nolint:errcheck
		return task.State{}, fmt.Errorf("session: record task creation: %w", err)
	}
	c.persistTaskRow(ctx, st)
	c.dispatch(sess)
	return st, nil
}

// Steer routes an inbound steering event. The reserved task id "foreground"
// resolves to the current foreground task; without one the event is buffered
// for the next foreground spawn or rejected, per configuration. Events on
// idle tasks that the planner cannot drain (cancel on a queued task, resume
// on a paused one) are applied here directly.
func (c *Coordinator) Steer(ctx context.Context, ev steering.Event) (steering.PushResult, error) {
	if ev.SessionID == "" {
		return "", fmt.Errorf("session: steering requires session_id")
	}
	if c.isClosed() {
		return "", ErrClosed
	}
	sess := c.session(ev.SessionID)

	if ev.TaskID == ForegroundTaskID || ev.TaskID == "" {
		sess.mu.Lock()
		fg := sess.foreground
		if fg == "" {
			if !c.bufferForeground {
				sess.mu.Unlock()
				return "", ErrNoForeground
			}
			sess.buffered = append(sess.buffered, ev)
			sess.mu.Unlock()
			c.recordSteering(ctx, ev, ForegroundTaskID)
			return steering.PushAccepted, nil
		}
		ev.TaskID = fg
		sess.mu.Unlock()
	}

	st, err := c.tasks.Get(ev.TaskID)
	if err != nil {
		return "", err
	}
	c.recordSteering(ctx, ev, ev.TaskID)

	switch ev.Type {
	case steering.EventApprove:
		return steering.PushAccepted, c.approve(ctx, sess, patchIDFrom(ev))
	case steering.EventReject:
		return steering.PushAccepted, c.reject(ctx, sess, patchIDFrom(ev))
	case steering.EventPrioritize:
		return steering.PushAccepted, c.prioritize(ev)
	case steering.EventCancel:
		if st.Status == task.StatusRunning {
			break // the running loop drains it at the next boundary
		}
		return steering.PushAccepted, c.cancelIdle(ctx, sess, st, cancelReason(ev))
	case steering.EventResume:
		if st.Status == task.StatusPaused {
			return steering.PushAccepted, c.resumeTask(sess, st.TaskID)
		}
	}

	sess.mu.Lock()
	inbox := sess.inboxes[ev.TaskID]
	sess.mu.Unlock()
	if inbox == nil {
		return "", task.ErrNotFound
	}
	_, res := inbox.Push(ev)
	return res, nil
}

// GetTaskState returns the registry state of one task.
func (c *Coordinator) GetTaskState(taskID string) (task.State, error) {
	return c.tasks.Get(taskID)
}

// ListTasks returns the session's tasks, optionally filtered by status.
func (c *Coordinator) ListTasks(sessionID string, statuses ...task.Status) []task.State {
	return c.tasks.List(sessionID, statuses...)
}

// Subscribe opens a state-update stream for one task, replaying persisted
// updates after the cursor first. Group reports stream under the group id.
func (c *Coordinator) Subscribe(ctx context.Context, sessionID, taskID, sinceUpdateID string, buffer int) (<-chan stream.Update, func(), error) {
	return c.emitter.Subscribe(ctx, sessionID, taskID, sinceUpdateID, buffer)
}

// ApplyContextPatch merges a patch into the session context under the given
// strategy. Human-gated patches are queued and announced; the others apply
// immediately. The boolean reports whether the context changed now.
func (c *Coordinator) ApplyContextPatch(ctx context.Context, sessionID string, patch snapshot.Patch, strategy snapshot.MergeStrategy) (bool, error) {
	sess := c.session(sessionID)
	return c.mergePatch(ctx, sess, patch, strategy)
}

// PendingPatches returns the session's queued human-gated patches.
func (c *Coordinator) PendingPatches(sessionID string) []snapshot.Patch {
	return c.session(sessionID).merger.Pending()
}

// Context returns an independent copy of the session's LLM context.
func (c *Coordinator) Context(sessionID string) map[string]any {
	sess := c.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	raw, err := json.Marshal(sess.llmContext)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (c *Coordinator) session(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		sess = &session{
			id:          id,
			llmContext:  make(map[string]any),
			merger:      snapshot.NewMerger(),
			inboxes:     make(map[string]*steering.Inbox),
			queries:     make(map[string]string),
			pauseTokens: make(map[string]string),
			spawnMarks:  make(map[string]uint64),
		}
		c.sessions[id] = sess
	}
	return sess
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) mergeStrategy(s string) (snapshot.MergeStrategy, error) {
	if s == "" {
		s = c.cfg.Groups.DefaultGroupMergeStrategy
	}
	return snapshot.ParseStrategy(s)
}

// recordSteering writes the steering audit trail: the optional steering row
// and the core received event. Core failures only log here; the event was
// already accepted from the caller's point of view.
func (c *Coordinator) recordSteering(ctx context.Context, ev steering.Event, taskID string) {
	if c.steers != nil {
		if err := c.steers.SaveSteering(ctx, store.SteeringRecord{
			SessionID: ev.SessionID,
			TaskID:    taskID,
			EventID:   ev.EventID,
			Type:      string(ev.Type),
			Payload:   ev.Payload,
			CreatedAt: c.now(),
		}); err != nil {
			c.logger.Warn(ctx, "steering audit write failed", "event_id", ev.EventID, "error", err.Error())
		}
	}
	if err := c.saveEvent(ctx, ev.SessionID, taskID, store.KindSteeringReceived, map[string]any{
		"event_id":   ev.EventID,
		"event_type": string(ev.Type),
	}); err != nil {
		c.logger.Error(ctx, "steering event log write failed", "event_id", ev.EventID, "error", err.Error())
	}
}

func (c *Coordinator) saveEvent(ctx context.Context, sessionID, taskID, kind string, payload any) error {
	return c.saveEventID(ctx, uuid.NewString(), sessionID, taskID, kind, payload)
}

func (c *Coordinator) saveEventID(ctx context.Context, eventID, sessionID, taskID, kind string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("session: encode event payload: %w", err)
		}
		raw = data
	}
	return c.st.SaveEvent(ctx, store.Event{
		TraceID: sessionID,
		EventID: eventID,
		TS:      c.now(),
		Kind:    kind,
		NodeID:  taskID,
		Payload: raw,
	})
}

func (c *Coordinator) persistTaskRow(ctx context.Context, st task.State) {
	if c.rows == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		c.logger.Warn(ctx, "encode task row", "task_id", st.TaskID, "error", err.Error())
		return
	}
	if err := c.rows.SaveTask(ctx, store.TaskRecord{
		SessionID: st.SessionID,
		TaskID:    st.TaskID,
		Status:    string(st.Status),
		State:     data,
		UpdatedAt: c.now(),
	}); err != nil {
		c.logger.Warn(ctx, "task row write failed", "task_id", st.TaskID, "error", err.Error())
	}
}

func (s *session) turnID() string {
	return fmt.Sprintf("turn-%d", s.turn)
}

// mergeStrategies lazily allocates the per-task merge strategy table. Held
// under the session lock by callers.
func (s *session) mergeStrategies() map[string]snapshot.MergeStrategy {
	if s.taskMerges == nil {
		s.taskMerges = make(map[string]snapshot.MergeStrategy)
	}
	return s.taskMerges
}

func patchIDFrom(ev steering.Event) string {
	var payload struct {
		PatchID string `json:"patch_id"`
	}
	if len(ev.Payload) > 0 {
		json.Unmarshal(ev.Payload, &payload) //nolint:errcheck
	}
	return payload.PatchID
}

func cancelReason(ev steering.Event) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if len(ev.Payload) > 0 {
		json.Unmarshal(ev.Payload, &payload) //nolint:errcheck
	}
	if payload.Reason == "" {
		return "cancelled by steering"
	}
	return payload.Reason
}
