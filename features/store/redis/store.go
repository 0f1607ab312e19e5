// Package redis provides a Redis-backed state store implementing the full
// persistence surface. Natural-key idempotency maps onto HSETNX fields, point
// records onto plain keys, and the pause-token consume onto a small Lua
// script so concurrent resumes race safely. An optional TTL bounds retention
// of session-scoped keys.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/penguiflow/penguiflow/runtime/store"
)

// DefaultKeyPrefix namespaces all keys written by the store.
const DefaultKeyPrefix = "penguiflow"

type (
	// Options configures the Redis store.
	Options struct {
		// Client is the Redis connection. Required. Callers own its lifecycle.
		Client goredis.UniversalClient
		// KeyPrefix namespaces keys. Defaults to DefaultKeyPrefix.
		KeyPrefix string
		// TTL bounds retention of session and trace scoped keys. Zero keeps
		// them forever.
		TTL time.Duration
	}

	// Store implements the persistence surface on Redis. Safe for concurrent
	// use.
	Store struct {
		rdb    goredis.UniversalClient
		prefix string
		ttl    time.Duration
	}
)

var (
	_ store.Store             = (*Store)(nil)
	_ store.PlannerStateStore = (*Store)(nil)
	_ store.PlannerEventStore = (*Store)(nil)
	_ store.MemoryStateStore  = (*Store)(nil)
	_ store.TaskStore         = (*Store)(nil)
	_ store.UpdateStore       = (*Store)(nil)
	_ store.SteeringStore     = (*Store)(nil)
	_ store.TrajectoryStore   = (*Store)(nil)
	_ store.ArtifactStore     = (*Store)(nil)
)

// consumeScript atomically claims a pause token. KEYS[1] is the record key,
// KEYS[2] the consumed marker. Returns the record JSON on first claim and
// false afterwards.
var consumeScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
if redis.call("SETNX", KEYS[2], "1") == 0 then
	return false
end
return redis.call("GET", KEYS[1])
`)

// trajectoryScript upserts a trajectory record and appends the trace to the
// session's first-write order on the initial save. KEYS[1] is the record key,
// KEYS[2] the session trace list.
var trajectoryScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// New constructs a Redis-backed store. The Client field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// touch applies the retention TTL to the keys when one is configured.
func (s *Store) touch(ctx context.Context, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	for _, key := range keys {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, _ = pipe.Exec(ctx)
}

// SaveEvent appends an audit event. Duplicate (trace_id, event_id) rows are
// ignored.
func (s *Store) SaveEvent(ctx context.Context, ev store.Event) error {
	if ev.TraceID == "" || ev.EventID == "" {
		return fmt.Errorf("redis: event requires trace_id and event_id")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	key := s.key("events", ev.TraceID)
	if err := s.rdb.HSetNX(ctx, key, ev.EventID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save event: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

// LoadHistory returns the trace's events ascending by (ts, event_id).
func (s *Store) LoadHistory(ctx context.Context, traceID string) ([]store.Event, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("events", traceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load history: %w", err)
	}
	rows := make([]store.Event, 0, len(fields))
	for id, raw := range fields {
		var ev store.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("redis: decode event %s: %w", id, err)
		}
		rows = append(rows, ev)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].TS.Equal(rows[j].TS) {
			return rows[i].TS.Before(rows[j].TS)
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

// SaveRemoteBinding upserts the binding for (session_id, task_id).
func (s *Store) SaveRemoteBinding(ctx context.Context, b store.RemoteBinding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("redis: encode binding: %w", err)
	}
	key := s.key("bindings", b.SessionID)
	if err := s.rdb.HSet(ctx, key, b.TaskID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save binding: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

// RemoteBinding returns the stored binding, if any.
func (s *Store) RemoteBinding(ctx context.Context, sessionID, taskID string) (store.RemoteBinding, error) {
	raw, err := s.rdb.HGet(ctx, s.key("bindings", sessionID), taskID).Result()
	if errors.Is(err, goredis.Nil) {
		return store.RemoteBinding{}, store.ErrNotFound
	}
	if err != nil {
		return store.RemoteBinding{}, fmt.Errorf("redis: load binding: %w", err)
	}
	var b store.RemoteBinding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return store.RemoteBinding{}, fmt.Errorf("redis: decode binding: %w", err)
	}
	return b, nil
}

// SavePlannerState upserts the pause record by token. The consumed marker
// lives under its own key so overwriting the record cannot resurrect a
// consumed token.
func (s *Store) SavePlannerState(ctx context.Context, st store.PlannerState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: encode planner state: %w", err)
	}
	key := s.key("planner", st.Token)
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save planner state: %w", err)
	}
	if st.Consumed {
		if err := s.rdb.Set(ctx, key+":consumed", "1", s.ttl).Err(); err != nil {
			return fmt.Errorf("redis: save planner state: %w", err)
		}
	}
	return nil
}

// LoadPlannerState returns the pause record for the token.
func (s *Store) LoadPlannerState(ctx context.Context, token string) (store.PlannerState, error) {
	key := s.key("planner", token)
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	markerCmd := pipe.Exists(ctx, key+":consumed")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return store.PlannerState{}, fmt.Errorf("redis: load planner state: %w", err)
	}
	raw, err := getCmd.Result()
	if errors.Is(err, goredis.Nil) {
		return store.PlannerState{}, store.ErrNotFound
	}
	if err != nil {
		return store.PlannerState{}, fmt.Errorf("redis: load planner state: %w", err)
	}
	var st store.PlannerState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return store.PlannerState{}, fmt.Errorf("redis: decode planner state: %w", err)
	}
	if markerCmd.Val() > 0 {
		st.Consumed = true
	}
	return st, nil
}

// ConsumePlannerState atomically claims the token, reporting false when it was
// already consumed or never saved.
func (s *Store) ConsumePlannerState(ctx context.Context, token string) (store.PlannerState, bool, error) {
	key := s.key("planner", token)
	res, err := consumeScript.Run(ctx, s.rdb, []string{key, key + ":consumed"}).Result()
	if errors.Is(err, goredis.Nil) {
		return store.PlannerState{}, false, nil
	}
	if err != nil {
		return store.PlannerState{}, false, fmt.Errorf("redis: consume planner state: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return store.PlannerState{}, false, nil
	}
	var st store.PlannerState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return store.PlannerState{}, false, fmt.Errorf("redis: decode planner state: %w", err)
	}
	st.Consumed = true
	return st, true, nil
}

// SavePlannerEvent appends a step-level planner event, ignoring duplicate
// event ids.
func (s *Store) SavePlannerEvent(ctx context.Context, rec store.PlannerEventRecord) error {
	if rec.TraceID == "" || rec.EventID == "" {
		return fmt.Errorf("redis: planner event requires trace_id and event_id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode planner event: %w", err)
	}
	key := s.key("plannerevents", rec.TraceID)
	if err := s.rdb.HSetNX(ctx, key, rec.EventID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save planner event: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

// ListPlannerEvents returns the trace's planner events ascending by
// (seq, event_id).
func (s *Store) ListPlannerEvents(ctx context.Context, traceID string) ([]store.PlannerEventRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("plannerevents", traceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list planner events: %w", err)
	}
	rows := make([]store.PlannerEventRecord, 0, len(fields))
	for id, raw := range fields {
		var rec store.PlannerEventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode planner event %s: %w", id, err)
		}
		rows = append(rows, rec)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Seq != rows[j].Seq {
			return rows[i].Seq < rows[j].Seq
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

// SaveMemoryState upserts the session memory snapshot.
func (s *Store) SaveMemoryState(ctx context.Context, st store.MemoryState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: encode memory state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key("memory", st.SessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save memory state: %w", err)
	}
	return nil
}

// LoadMemoryState returns the session memory snapshot.
func (s *Store) LoadMemoryState(ctx context.Context, sessionID string) (store.MemoryState, error) {
	raw, err := s.rdb.Get(ctx, s.key("memory", sessionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return store.MemoryState{}, store.ErrNotFound
	}
	if err != nil {
		return store.MemoryState{}, fmt.Errorf("redis: load memory state: %w", err)
	}
	var st store.MemoryState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return store.MemoryState{}, fmt.Errorf("redis: decode memory state: %w", err)
	}
	return st, nil
}

// SaveTask upserts the task row.
func (s *Store) SaveTask(ctx context.Context, rec store.TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode task: %w", err)
	}
	key := s.key("tasks", rec.SessionID)
	if err := s.rdb.HSet(ctx, key, rec.TaskID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save task: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

// ListTasks returns the session's tasks ascending by (updated_at, task_id).
func (s *Store) ListTasks(ctx context.Context, sessionID string, statuses ...string) ([]store.TaskRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("tasks", sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list tasks: %w", err)
	}
	allowed := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		allowed[st] = struct{}{}
	}
	var rows []store.TaskRecord
	for id, raw := range fields {
		var rec store.TaskRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode task %s: %w", id, err)
		}
		if len(allowed) > 0 {
			if _, ok := allowed[rec.Status]; !ok {
				continue
			}
		}
		rows = append(rows, rec)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.Before(rows[j].UpdatedAt)
		}
		return rows[i].TaskID < rows[j].TaskID
	})
	return rows, nil
}

// SaveUpdate appends an update row, ignoring duplicate update ids.
func (s *Store) SaveUpdate(ctx context.Context, rec store.UpdateRecord) error {
	if rec.UpdateID == "" {
		return fmt.Errorf("redis: update requires update_id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode update: %w", err)
	}
	key := s.key("updates", rec.SessionID, rec.TaskID)
	if err := s.rdb.HSetNX(ctx, key, rec.UpdateID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save update: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

// ListUpdates returns the stream's updates ascending by (seq, update_id),
// strictly after the exclusive cursor.
func (s *Store) ListUpdates(ctx context.Context, sessionID, taskID, sinceUpdateID string) ([]store.UpdateRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("updates", sessionID, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list updates: %w", err)
	}
	rows := make([]store.UpdateRecord, 0, len(fields))
	for id, raw := range fields {
		var rec store.UpdateRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode update %s: %w", id, err)
		}
		rows = append(rows, rec)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Seq != rows[j].Seq {
			return rows[i].Seq < rows[j].Seq
		}
		return rows[i].UpdateID < rows[j].UpdateID
	})
	if sinceUpdateID == "" {
		return rows, nil
	}
	for i, rec := range rows {
		if rec.UpdateID == sinceUpdateID {
			return rows[i+1:], nil
		}
	}
	// Unknown cursor yields the full stream so no update is silently lost.
	return rows, nil
}

// SaveSteering appends a steering row, ignoring duplicate event ids.
func (s *Store) SaveSteering(ctx context.Context, rec store.SteeringRecord) error {
	if rec.EventID == "" {
		return fmt.Errorf("redis: steering requires event_id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode steering: %w", err)
	}
	key := s.key("steering", rec.SessionID, rec.TaskID)
	if err := s.rdb.HSetNX(ctx, key, rec.EventID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save steering: %w", err)
	}
	s.touch(ctx, key)
	return nil
}

// ListSteering returns steering rows ascending by (created_at, event_id).
func (s *Store) ListSteering(ctx context.Context, sessionID, taskID string) ([]store.SteeringRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("steering", sessionID, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list steering: %w", err)
	}
	rows := make([]store.SteeringRecord, 0, len(fields))
	for id, raw := range fields {
		var rec store.SteeringRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode steering %s: %w", id, err)
		}
		rows = append(rows, rec)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

// SaveTrajectory upserts the trajectory snapshot by trace, recording the
// session's first-write order.
func (s *Store) SaveTrajectory(ctx context.Context, rec store.TrajectoryRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode trajectory: %w", err)
	}
	key := s.key("trajectory", rec.TraceID)
	listKey := s.key("traces", rec.SessionID)
	if err := trajectoryScript.Run(ctx, s.rdb, []string{key, listKey}, raw, rec.TraceID).Err(); err != nil {
		return fmt.Errorf("redis: save trajectory: %w", err)
	}
	s.touch(ctx, key, listKey)
	return nil
}

// GetTrajectory returns the trajectory snapshot for the trace.
func (s *Store) GetTrajectory(ctx context.Context, traceID string) (store.TrajectoryRecord, error) {
	raw, err := s.rdb.Get(ctx, s.key("trajectory", traceID)).Result()
	if errors.Is(err, goredis.Nil) {
		return store.TrajectoryRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.TrajectoryRecord{}, fmt.Errorf("redis: load trajectory: %w", err)
	}
	var rec store.TrajectoryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return store.TrajectoryRecord{}, fmt.Errorf("redis: decode trajectory: %w", err)
	}
	return rec, nil
}

// ListTraces returns the session's trace ids in first-write order.
func (s *Store) ListTraces(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, s.key("traces", sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list traces: %w", err)
	}
	return ids, nil
}

// PutArtifact stores the payload content-addressed and returns its ref.
// Identical payloads share a ref.
func (s *Store) PutArtifact(ctx context.Context, _, _ string, payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:16])
	if err := s.rdb.SetNX(ctx, s.key("artifact", ref), payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis: put artifact: %w", err)
	}
	return ref, nil
}

// GetArtifact returns the payload for the ref.
func (s *Store) GetArtifact(ctx context.Context, ref string) ([]byte, error) {
	payload, err := s.rdb.Get(ctx, s.key("artifact", ref)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get artifact: %w", err)
	}
	return payload, nil
}
