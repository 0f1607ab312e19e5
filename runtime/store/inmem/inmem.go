// Package inmem provides an in-process Store implementing every optional
// capability. It backs tests and single-process deployments that do not need
// durability across restarts.
package inmem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/penguiflow/penguiflow/runtime/store"
)

// Store is a mutex-guarded in-memory implementation of the full persistence
// surface. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	events       map[string][]store.Event // trace_id -> rows
	eventIDs     map[string]struct{}      // trace_id/event_id
	bindings     map[string]store.RemoteBinding
	plannerState map[string]store.PlannerState
	plannerEvs   map[string][]store.PlannerEventRecord // trace_id -> rows
	plannerEvIDs map[string]struct{}                   // trace_id/event_id
	memoryState  map[string]store.MemoryState
	tasks        map[string]store.TaskRecord   // session_id/task_id
	updates      map[string][]store.UpdateRecord
	updateIDs    map[string]struct{}
	steering     map[string][]store.SteeringRecord
	steeringIDs  map[string]struct{}
	trajectories map[string]store.TrajectoryRecord
	traceOrder   map[string][]string // session_id -> trace ids in first-write order
	artifacts    map[string][]byte
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		events:       make(map[string][]store.Event),
		eventIDs:     make(map[string]struct{}),
		bindings:     make(map[string]store.RemoteBinding),
		plannerState: make(map[string]store.PlannerState),
		plannerEvs:   make(map[string][]store.PlannerEventRecord),
		plannerEvIDs: make(map[string]struct{}),
		memoryState:  make(map[string]store.MemoryState),
		tasks:        make(map[string]store.TaskRecord),
		updates:      make(map[string][]store.UpdateRecord),
		updateIDs:    make(map[string]struct{}),
		steering:     make(map[string][]store.SteeringRecord),
		steeringIDs:  make(map[string]struct{}),
		trajectories: make(map[string]store.TrajectoryRecord),
		traceOrder:   make(map[string][]string),
		artifacts:    make(map[string][]byte),
	}
}

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

// SaveEvent appends an audit event. Duplicate (trace_id, event_id) rows are
// ignored.
func (s *Store) SaveEvent(_ context.Context, ev store.Event) error {
	if ev.TraceID == "" || ev.EventID == "" {
		return fmt.Errorf("inmem: event requires trace_id and event_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.TraceID + "/" + ev.EventID
	if _, seen := s.eventIDs[key]; seen {
		return nil
	}
	s.eventIDs[key] = struct{}{}
	s.events[ev.TraceID] = append(s.events[ev.TraceID], ev)
	return nil
}

// LoadHistory returns the trace's events ascending by (ts, event_id).
func (s *Store) LoadHistory(_ context.Context, traceID string) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := append([]store.Event(nil), s.events[traceID]...)
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].TS.Equal(rows[j].TS) {
			return rows[i].TS.Before(rows[j].TS)
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

// SaveRemoteBinding upserts the binding for (session_id, task_id).
func (s *Store) SaveRemoteBinding(_ context.Context, b store.RemoteBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.SessionID+"/"+b.TaskID] = b
	return nil
}

// RemoteBinding returns the stored binding, if any. Test helper.
func (s *Store) RemoteBinding(sessionID, taskID string) (store.RemoteBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[sessionID+"/"+taskID]
	return b, ok
}

// SavePlannerState upserts the pause record by token.
func (s *Store) SavePlannerState(_ context.Context, st store.PlannerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.plannerState[st.Token]; ok && existing.Consumed {
		// A consumed token stays consumed.
		st.Consumed = true
	}
	s.plannerState[st.Token] = st
	return nil
}

// LoadPlannerState returns the pause record for the token.
func (s *Store) LoadPlannerState(_ context.Context, token string) (store.PlannerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.plannerState[token]
	if !ok {
		return store.PlannerState{}, store.ErrNotFound
	}
	return st, nil
}

// ConsumePlannerState marks the token consumed, reporting false when it was
// already consumed or never saved.
func (s *Store) ConsumePlannerState(_ context.Context, token string) (store.PlannerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.plannerState[token]
	if !ok || st.Consumed {
		return store.PlannerState{}, false, nil
	}
	st.Consumed = true
	s.plannerState[token] = st
	return st, true, nil
}

// SavePlannerEvent appends a planner step event, ignoring duplicate event ids.
func (s *Store) SavePlannerEvent(_ context.Context, rec store.PlannerEventRecord) error {
	if rec.TraceID == "" || rec.EventID == "" {
		return fmt.Errorf("inmem: planner event requires trace_id and event_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.TraceID + "/" + rec.EventID
	if _, seen := s.plannerEvIDs[key]; seen {
		return nil
	}
	s.plannerEvIDs[key] = struct{}{}
	s.plannerEvs[rec.TraceID] = append(s.plannerEvs[rec.TraceID], rec)
	return nil
}

// ListPlannerEvents returns the trace's planner events ascending by
// (seq, event_id).
func (s *Store) ListPlannerEvents(_ context.Context, traceID string) ([]store.PlannerEventRecord, error) {
	s.mu.Lock()
	rows := append([]store.PlannerEventRecord(nil), s.plannerEvs[traceID]...)
	s.mu.Unlock()
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Seq != rows[j].Seq {
			return rows[i].Seq < rows[j].Seq
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

// SaveMemoryState upserts the session memory snapshot.
func (s *Store) SaveMemoryState(_ context.Context, st store.MemoryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memoryState[st.SessionID] = st
	return nil
}

// LoadMemoryState returns the session memory snapshot.
func (s *Store) LoadMemoryState(_ context.Context, sessionID string) (store.MemoryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.memoryState[sessionID]
	if !ok {
		return store.MemoryState{}, store.ErrNotFound
	}
	return st, nil
}

// SaveTask upserts the task row.
func (s *Store) SaveTask(_ context.Context, rec store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.SessionID+"/"+rec.TaskID] = rec
	return nil
}

// ListTasks returns the session's tasks ascending by (updated_at, task_id).
func (s *Store) ListTasks(_ context.Context, sessionID string, statuses ...string) ([]store.TaskRecord, error) {
	allowed := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		allowed[st] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []store.TaskRecord
	for _, rec := range s.tasks {
		if rec.SessionID != sessionID {
			continue
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
func (s *Store) SaveUpdate(_ context.Context, rec store.UpdateRecord) error {
	if rec.UpdateID == "" {
		return fmt.Errorf("inmem: update requires update_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	streamKey := rec.SessionID + "/" + rec.TaskID
	idKey := streamKey + "/" + rec.UpdateID
	if _, seen := s.updateIDs[idKey]; seen {
		return nil
	}
	s.updateIDs[idKey] = struct{}{}
	s.updates[streamKey] = append(s.updates[streamKey], rec)
	return nil
}

// ListUpdates returns the stream's updates ascending by (seq, update_id),
// strictly after the exclusive cursor.
func (s *Store) ListUpdates(_ context.Context, sessionID, taskID, sinceUpdateID string) ([]store.UpdateRecord, error) {
	s.mu.Lock()
	rows := append([]store.UpdateRecord(nil), s.updates[sessionID+"/"+taskID]...)
	s.mu.Unlock()

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
			return append([]store.UpdateRecord(nil), rows[i+1:]...), nil
		}
	}
	// Unknown cursor yields the full stream so no update is silently lost.
	return rows, nil
}

// SaveSteering appends a steering row, ignoring duplicate event ids.
func (s *Store) SaveSteering(_ context.Context, rec store.SteeringRecord) error {
	if rec.EventID == "" {
		return fmt.Errorf("inmem: steering requires event_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	streamKey := rec.SessionID + "/" + rec.TaskID
	idKey := streamKey + "/" + rec.EventID
	if _, seen := s.steeringIDs[idKey]; seen {
		return nil
	}
	s.steeringIDs[idKey] = struct{}{}
	s.steering[streamKey] = append(s.steering[streamKey], rec)
	return nil
}

// ListSteering returns steering rows ascending by (created_at, event_id).
func (s *Store) ListSteering(_ context.Context, sessionID, taskID string) ([]store.SteeringRecord, error) {
	s.mu.Lock()
	rows := append([]store.SteeringRecord(nil), s.steering[sessionID+"/"+taskID]...)
	s.mu.Unlock()
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

// SaveTrajectory upserts the trajectory snapshot by trace.
func (s *Store) SaveTrajectory(_ context.Context, rec store.TrajectoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trajectories[rec.TraceID]; !exists {
		s.traceOrder[rec.SessionID] = append(s.traceOrder[rec.SessionID], rec.TraceID)
	}
	s.trajectories[rec.TraceID] = rec
	return nil
}

// GetTrajectory returns the trajectory snapshot for the trace.
func (s *Store) GetTrajectory(_ context.Context, traceID string) (store.TrajectoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.trajectories[traceID]
	if !ok {
		return store.TrajectoryRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListTraces returns the session's trace ids in first-write order.
func (s *Store) ListTraces(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.traceOrder[sessionID]...), nil
}

// PutArtifact stores the payload content-addressed and returns its ref.
// Identical payloads share a ref.
func (s *Store) PutArtifact(_ context.Context, _, _ string, payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:16])
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[ref]; !exists {
		s.artifacts[ref] = append([]byte(nil), payload...)
	}
	return ref, nil
}

// GetArtifact returns the payload for the ref.
func (s *Store) GetArtifact(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.artifacts[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}
