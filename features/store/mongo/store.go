// Package mongo provides a MongoDB-backed state store implementing the full
// persistence surface. Natural-key idempotency maps onto unique indexes,
// upserts onto UpdateOne with SetUpsert, and the pause-token consume onto a
// single FindOneAndUpdate so concurrent resumes race safely. Callers build a
// mongo client, pass it to New, and own its lifecycle.
package mongo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/penguiflow/penguiflow/runtime/store"
)

// DefaultDatabase is used when Options.Database is empty.
const DefaultDatabase = "penguiflow"

// defaultTimeout bounds individual operations when Options.Timeout is zero.
const defaultTimeout = 5 * time.Second

type (
	// Options configures the Mongo store.
	Options struct {
		// Client is the connected mongo client. Required.
		Client *mongodriver.Client
		// Database names the target database. Defaults to DefaultDatabase.
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store implements the persistence surface on MongoDB. Safe for
	// concurrent use.
	Store struct {
		db      *mongodriver.Database
		timeout time.Duration
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

// Collection names.
const (
	colEvents       = "events"
	colBindings     = "remote_bindings"
	colPlannerState = "planner_state"
	colPlannerEvs   = "planner_events"
	colMemoryState  = "memory_state"
	colTasks        = "tasks"
	colUpdates      = "updates"
	colSteering     = "steering"
	colTrajectories = "trajectories"
	colArtifacts    = "artifacts"
)

type (
	eventDoc struct {
		TraceID  string    `bson:"trace_id"`
		EventID  string    `bson:"event_id"`
		TS       time.Time `bson:"ts"`
		Kind     string    `bson:"kind"`
		NodeID   string    `bson:"node_id,omitempty"`
		NodeName string    `bson:"node_name,omitempty"`
		Payload  []byte    `bson:"payload,omitempty"`
	}

	bindingDoc struct {
		SessionID       string    `bson:"session_id"`
		TaskID          string    `bson:"task_id"`
		RemoteAgentURL  string    `bson:"remote_agent_url"`
		RemoteContextID string    `bson:"remote_context_id"`
		RemoteTaskID    string    `bson:"remote_task_id"`
		CreatedAt       time.Time `bson:"created_at"`
	}

	plannerStateDoc struct {
		Token     string    `bson:"token"`
		SessionID string    `bson:"session_id"`
		TaskID    string    `bson:"task_id"`
		Data      []byte    `bson:"data,omitempty"`
		Consumed  bool      `bson:"consumed"`
		SavedAt   time.Time `bson:"saved_at"`
	}

	plannerEventDoc struct {
		TraceID   string    `bson:"trace_id"`
		SessionID string    `bson:"session_id"`
		TaskID    string    `bson:"task_id"`
		EventID   string    `bson:"event_id"`
		Seq       int       `bson:"seq"`
		Kind      string    `bson:"kind"`
		Payload   []byte    `bson:"payload,omitempty"`
		CreatedAt time.Time `bson:"created_at"`
	}

	memoryStateDoc struct {
		SessionID string    `bson:"session_id"`
		Strategy  string    `bson:"strategy"`
		Data      []byte    `bson:"data,omitempty"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	taskDoc struct {
		SessionID string    `bson:"session_id"`
		TaskID    string    `bson:"task_id"`
		Status    string    `bson:"status"`
		State     []byte    `bson:"state,omitempty"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	updateDoc struct {
		SessionID string    `bson:"session_id"`
		TaskID    string    `bson:"task_id"`
		UpdateID  string    `bson:"update_id"`
		Seq       int64     `bson:"seq"`
		Type      string    `bson:"update_type"`
		Payload   []byte    `bson:"content,omitempty"`
		StepIndex *int      `bson:"step_index,omitempty"`
		CreatedAt time.Time `bson:"created_at"`
	}

	steeringDoc struct {
		SessionID string    `bson:"session_id"`
		TaskID    string    `bson:"task_id"`
		EventID   string    `bson:"event_id"`
		Type      string    `bson:"event_type"`
		Payload   []byte    `bson:"payload,omitempty"`
		CreatedAt time.Time `bson:"created_at"`
	}

	trajectoryDoc struct {
		TraceID   string    `bson:"trace_id"`
		SessionID string    `bson:"session_id"`
		TaskID    string    `bson:"task_id"`
		Data      []byte    `bson:"data,omitempty"`
		UpdatedAt time.Time `bson:"updated_at"`
		CreatedAt time.Time `bson:"created_at"`
	}

	artifactDoc struct {
		Ref     string `bson:"_id"`
		Payload []byte `bson:"payload"`
	}
)

// New constructs a Mongo-backed store and ensures the indexes it relies on.
// The Client field in opts is required.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	database := opts.Database
	if database == "" {
		database = DefaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Store{db: opts.Client.Database(database), timeout: timeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return s, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.Client().Ping(ctx, nil)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unique := options.Index().SetUnique(true)
	for _, ix := range []struct {
		col    string
		models []mongodriver.IndexModel
	}{
		{colEvents, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "event_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "ts", Value: 1}, {Key: "event_id", Value: 1}}},
		}},
		{colBindings, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "task_id", Value: 1}}, Options: unique},
		}},
		{colPlannerState, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "token", Value: 1}}, Options: unique},
		}},
		{colPlannerEvs, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "event_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "seq", Value: 1}, {Key: "event_id", Value: 1}}},
		}},
		{colMemoryState, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: unique},
		}},
		{colTasks, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "task_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "status", Value: 1}}},
		}},
		{colUpdates, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "task_id", Value: 1}, {Key: "update_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "task_id", Value: 1}, {Key: "seq", Value: 1}}},
		}},
		{colSteering, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "task_id", Value: 1}, {Key: "event_id", Value: 1}}, Options: unique},
		}},
		{colTrajectories, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "trace_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}}},
		}},
	} {
		if _, err := s.db.Collection(ix.col).Indexes().CreateMany(ctx, ix.models); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent appends an audit event. Duplicate (trace_id, event_id) rows are
// ignored.
func (s *Store) SaveEvent(ctx context.Context, ev store.Event) error {
	if ev.TraceID == "" || ev.EventID == "" {
		return fmt.Errorf("mongo: event requires trace_id and event_id")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := eventDoc{
		TraceID:  ev.TraceID,
		EventID:  ev.EventID,
		TS:       ev.TS,
		Kind:     ev.Kind,
		NodeID:   ev.NodeID,
		NodeName: ev.NodeName,
		Payload:  ev.Payload,
	}
	_, err := s.db.Collection(colEvents).InsertOne(ctx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongo: save event: %w", err)
	}
	return nil
}

// LoadHistory returns the trace's events ascending by (ts, event_id).
func (s *Store) LoadHistory(ctx context.Context, traceID string) ([]store.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(colEvents).Find(ctx,
		bson.M{"trace_id": traceID},
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "event_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: load history: %w", err)
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: load history: %w", err)
	}
	rows := make([]store.Event, len(docs))
	for i, d := range docs {
		rows[i] = store.Event{
			TraceID:  d.TraceID,
			EventID:  d.EventID,
			TS:       d.TS,
			Kind:     d.Kind,
			NodeID:   d.NodeID,
			NodeName: d.NodeName,
			Payload:  json.RawMessage(d.Payload),
		}
	}
	return rows, nil
}

// SaveRemoteBinding upserts the binding for (session_id, task_id).
func (s *Store) SaveRemoteBinding(ctx context.Context, b store.RemoteBinding) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := bindingDoc{
		SessionID:       b.SessionID,
		TaskID:          b.TaskID,
		RemoteAgentURL:  b.RemoteAgentURL,
		RemoteContextID: b.RemoteContextID,
		RemoteTaskID:    b.RemoteTaskID,
		CreatedAt:       b.CreatedAt,
	}
	_, err := s.db.Collection(colBindings).UpdateOne(ctx,
		bson.M{"session_id": b.SessionID, "task_id": b.TaskID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: save binding: %w", err)
	}
	return nil
}

// RemoteBinding returns the stored binding, if any.
func (s *Store) RemoteBinding(ctx context.Context, sessionID, taskID string) (store.RemoteBinding, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc bindingDoc
	err := s.db.Collection(colBindings).
		FindOne(ctx, bson.M{"session_id": sessionID, "task_id": taskID}).
		Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.RemoteBinding{}, store.ErrNotFound
	}
	if err != nil {
		return store.RemoteBinding{}, fmt.Errorf("mongo: load binding: %w", err)
	}
	return store.RemoteBinding{
		SessionID:       doc.SessionID,
		TaskID:          doc.TaskID,
		RemoteAgentURL:  doc.RemoteAgentURL,
		RemoteContextID: doc.RemoteContextID,
		RemoteTaskID:    doc.RemoteTaskID,
		CreatedAt:       doc.CreatedAt,
	}, nil
}

// SavePlannerState upserts the pause record by token. A consumed token stays
// consumed across re-saves.
func (s *Store) SavePlannerState(ctx context.Context, st store.PlannerState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{
		"token":      st.Token,
		"session_id": st.SessionID,
		"task_id":    st.TaskID,
		"data":       []byte(st.Data),
		"saved_at":   st.SavedAt,
	}
	update := bson.M{"$set": set}
	if st.Consumed {
		set["consumed"] = true
	} else {
		update["$setOnInsert"] = bson.M{"consumed": false}
	}
	_, err := s.db.Collection(colPlannerState).UpdateOne(ctx,
		bson.M{"token": st.Token}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save planner state: %w", err)
	}
	return nil
}

// LoadPlannerState returns the pause record for the token.
func (s *Store) LoadPlannerState(ctx context.Context, token string) (store.PlannerState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc plannerStateDoc
	err := s.db.Collection(colPlannerState).FindOne(ctx, bson.M{"token": token}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.PlannerState{}, store.ErrNotFound
	}
	if err != nil {
		return store.PlannerState{}, fmt.Errorf("mongo: load planner state: %w", err)
	}
	return fromPlannerStateDoc(doc), nil
}

// ConsumePlannerState atomically claims the token, reporting false when it was
// already consumed or never saved.
func (s *Store) ConsumePlannerState(ctx context.Context, token string) (store.PlannerState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc plannerStateDoc
	err := s.db.Collection(colPlannerState).FindOneAndUpdate(ctx,
		bson.M{"token": token, "consumed": false},
		bson.M{"$set": bson.M{"consumed": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.PlannerState{}, false, nil
	}
	if err != nil {
		return store.PlannerState{}, false, fmt.Errorf("mongo: consume planner state: %w", err)
	}
	return fromPlannerStateDoc(doc), true, nil
}

func fromPlannerStateDoc(doc plannerStateDoc) store.PlannerState {
	return store.PlannerState{
		Token:     doc.Token,
		SessionID: doc.SessionID,
		TaskID:    doc.TaskID,
		Data:      json.RawMessage(doc.Data),
		Consumed:  doc.Consumed,
		SavedAt:   doc.SavedAt,
	}
}

// SavePlannerEvent appends a step-level planner event, ignoring duplicate
// event ids.
func (s *Store) SavePlannerEvent(ctx context.Context, rec store.PlannerEventRecord) error {
	if rec.TraceID == "" || rec.EventID == "" {
		return fmt.Errorf("mongo: planner event requires trace_id and event_id")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := plannerEventDoc{
		TraceID:   rec.TraceID,
		SessionID: rec.SessionID,
		TaskID:    rec.TaskID,
		EventID:   rec.EventID,
		Seq:       rec.Seq,
		Kind:      rec.Kind,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}
	_, err := s.db.Collection(colPlannerEvs).InsertOne(ctx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongo: save planner event: %w", err)
	}
	return nil
}

// ListPlannerEvents returns the trace's planner events ascending by
// (seq, event_id).
func (s *Store) ListPlannerEvents(ctx context.Context, traceID string) ([]store.PlannerEventRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(colPlannerEvs).Find(ctx,
		bson.M{"trace_id": traceID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "event_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: list planner events: %w", err)
	}
	var docs []plannerEventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list planner events: %w", err)
	}
	rows := make([]store.PlannerEventRecord, len(docs))
	for i, d := range docs {
		rows[i] = store.PlannerEventRecord{
			TraceID:   d.TraceID,
			SessionID: d.SessionID,
			TaskID:    d.TaskID,
			EventID:   d.EventID,
			Seq:       d.Seq,
			Kind:      d.Kind,
			Payload:   json.RawMessage(d.Payload),
			CreatedAt: d.CreatedAt,
		}
	}
	return rows, nil
}

// SaveMemoryState upserts the session memory snapshot.
func (s *Store) SaveMemoryState(ctx context.Context, st store.MemoryState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := memoryStateDoc{
		SessionID: st.SessionID,
		Strategy:  st.Strategy,
		Data:      st.Data,
		UpdatedAt: st.UpdatedAt,
	}
	_, err := s.db.Collection(colMemoryState).UpdateOne(ctx,
		bson.M{"session_id": st.SessionID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: save memory state: %w", err)
	}
	return nil
}

// LoadMemoryState returns the session memory snapshot.
func (s *Store) LoadMemoryState(ctx context.Context, sessionID string) (store.MemoryState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc memoryStateDoc
	err := s.db.Collection(colMemoryState).FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.MemoryState{}, store.ErrNotFound
	}
	if err != nil {
		return store.MemoryState{}, fmt.Errorf("mongo: load memory state: %w", err)
	}
	return store.MemoryState{
		SessionID: doc.SessionID,
		Strategy:  doc.Strategy,
		Data:      json.RawMessage(doc.Data),
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// SaveTask upserts the task row.
func (s *Store) SaveTask(ctx context.Context, rec store.TaskRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := taskDoc{
		SessionID: rec.SessionID,
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		State:     rec.State,
		UpdatedAt: rec.UpdatedAt,
	}
	_, err := s.db.Collection(colTasks).UpdateOne(ctx,
		bson.M{"session_id": rec.SessionID, "task_id": rec.TaskID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: save task: %w", err)
	}
	return nil
}

// ListTasks returns the session's tasks ascending by (updated_at, task_id).
func (s *Store) ListTasks(ctx context.Context, sessionID string, statuses ...string) ([]store.TaskRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	cur, err := s.db.Collection(colTasks).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "task_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list tasks: %w", err)
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list tasks: %w", err)
	}
	rows := make([]store.TaskRecord, len(docs))
	for i, d := range docs {
		rows[i] = store.TaskRecord{
			SessionID: d.SessionID,
			TaskID:    d.TaskID,
			Status:    d.Status,
			State:     json.RawMessage(d.State),
			UpdatedAt: d.UpdatedAt,
		}
	}
	return rows, nil
}

// SaveUpdate appends an update row, ignoring duplicate update ids.
func (s *Store) SaveUpdate(ctx context.Context, rec store.UpdateRecord) error {
	if rec.UpdateID == "" {
		return fmt.Errorf("mongo: update requires update_id")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := updateDoc{
		SessionID: rec.SessionID,
		TaskID:    rec.TaskID,
		UpdateID:  rec.UpdateID,
		Seq:       int64(rec.Seq),
		Type:      rec.Type,
		Payload:   rec.Payload,
		StepIndex: rec.StepIndex,
		CreatedAt: rec.CreatedAt,
	}
	_, err := s.db.Collection(colUpdates).InsertOne(ctx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongo: save update: %w", err)
	}
	return nil
}

// ListUpdates returns the stream's updates ascending by (seq, update_id),
// strictly after the exclusive cursor.
func (s *Store) ListUpdates(ctx context.Context, sessionID, taskID, sinceUpdateID string) ([]store.UpdateRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(colUpdates).Find(ctx,
		bson.M{"session_id": sessionID, "task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "update_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: list updates: %w", err)
	}
	var docs []updateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list updates: %w", err)
	}
	rows := make([]store.UpdateRecord, len(docs))
	for i, d := range docs {
		rows[i] = store.UpdateRecord{
			SessionID: d.SessionID,
			TaskID:    d.TaskID,
			UpdateID:  d.UpdateID,
			Seq:       uint64(d.Seq),
			Type:      d.Type,
			Payload:   json.RawMessage(d.Payload),
			StepIndex: d.StepIndex,
			CreatedAt: d.CreatedAt,
		}
	}
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
		return fmt.Errorf("mongo: steering requires event_id")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := steeringDoc{
		SessionID: rec.SessionID,
		TaskID:    rec.TaskID,
		EventID:   rec.EventID,
		Type:      rec.Type,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}
	_, err := s.db.Collection(colSteering).InsertOne(ctx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongo: save steering: %w", err)
	}
	return nil
}

// ListSteering returns steering rows ascending by (created_at, event_id).
func (s *Store) ListSteering(ctx context.Context, sessionID, taskID string) ([]store.SteeringRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(colSteering).Find(ctx,
		bson.M{"session_id": sessionID, "task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "event_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: list steering: %w", err)
	}
	var docs []steeringDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list steering: %w", err)
	}
	rows := make([]store.SteeringRecord, len(docs))
	for i, d := range docs {
		rows[i] = store.SteeringRecord{
			SessionID: d.SessionID,
			TaskID:    d.TaskID,
			EventID:   d.EventID,
			Type:      d.Type,
			Payload:   json.RawMessage(d.Payload),
			CreatedAt: d.CreatedAt,
		}
	}
	return rows, nil
}

// SaveTrajectory upserts the trajectory snapshot by trace. The first write
// pins created_at so ListTraces preserves first-write order.
func (s *Store) SaveTrajectory(ctx context.Context, rec store.TrajectoryRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(colTrajectories).UpdateOne(ctx,
		bson.M{"trace_id": rec.TraceID},
		bson.M{
			"$set": bson.M{
				"session_id": rec.SessionID,
				"task_id":    rec.TaskID,
				"data":       []byte(rec.Data),
				"updated_at": rec.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": time.Now().UTC()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: save trajectory: %w", err)
	}
	return nil
}

// GetTrajectory returns the trajectory snapshot for the trace.
func (s *Store) GetTrajectory(ctx context.Context, traceID string) (store.TrajectoryRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc trajectoryDoc
	err := s.db.Collection(colTrajectories).FindOne(ctx, bson.M{"trace_id": traceID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.TrajectoryRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.TrajectoryRecord{}, fmt.Errorf("mongo: load trajectory: %w", err)
	}
	return store.TrajectoryRecord{
		TraceID:   doc.TraceID,
		SessionID: doc.SessionID,
		TaskID:    doc.TaskID,
		Data:      json.RawMessage(doc.Data),
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// ListTraces returns the session's trace ids in first-write order.
func (s *Store) ListTraces(ctx context.Context, sessionID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(colTrajectories).Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "trace_id", Value: 1}}).
			SetProjection(bson.M{"trace_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: list traces: %w", err)
	}
	var docs []trajectoryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list traces: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.TraceID
	}
	return ids, nil
}

// PutArtifact stores the payload content-addressed and returns its ref.
// Identical payloads share a ref.
func (s *Store) PutArtifact(ctx context.Context, _, _ string, payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:16])
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(colArtifacts).InsertOne(ctx, artifactDoc{Ref: ref, Payload: payload})
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("mongo: put artifact: %w", err)
	}
	return ref, nil
}

// GetArtifact returns the payload for the ref.
func (s *Store) GetArtifact(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc artifactDoc
	err := s.db.Collection(colArtifacts).FindOne(ctx, bson.M{"_id": ref}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get artifact: %w", err)
	}
	return doc.Payload, nil
}
