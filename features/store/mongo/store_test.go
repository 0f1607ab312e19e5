package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/penguiflow/penguiflow/runtime/store"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func teardownMongoDB() {
	ctx := context.Background()
	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
}

func TestMain(m *testing.M) {
	setupMongoDB()
	code := m.Run()
	teardownMongoDB()
	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("docker not available")
	}
	database := "test_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	s, err := New(context.Background(), Options{Client: testMongoClient, Database: database})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testMongoClient.Database(database).Drop(context.Background())
	})
	return s
}

// Mongo stores times at millisecond precision.
func msNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func TestSaveEventIdempotentAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := msNow()

	events := []store.Event{
		{TraceID: "tr-1", EventID: "ev-b", TS: base.Add(time.Second), Kind: store.KindTaskStatusChanged},
		{TraceID: "tr-1", EventID: "ev-a", TS: base, Kind: store.KindTaskCreated},
		{TraceID: "tr-1", EventID: "ev-c", TS: base.Add(time.Second), Kind: store.KindTaskResultReady},
	}
	for _, ev := range events {
		require.NoError(t, s.SaveEvent(ctx, ev))
	}
	dup := events[1]
	dup.Kind = "mutated"
	require.NoError(t, s.SaveEvent(ctx, dup))

	rows, err := s.LoadHistory(ctx, "tr-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "ev-a", rows[0].EventID)
	require.Equal(t, store.KindTaskCreated, rows[0].Kind)
	require.Equal(t, "ev-b", rows[1].EventID)
	require.Equal(t, "ev-c", rows[2].EventID)
}

func TestRemoteBindingUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := store.RemoteBinding{
		SessionID:      "sess-1",
		TaskID:         "task-1",
		RemoteAgentURL: "https://agents.example.com",
		RemoteTaskID:   "remote-1",
		CreatedAt:      msNow(),
	}
	require.NoError(t, s.SaveRemoteBinding(ctx, b))
	b.RemoteTaskID = "remote-2"
	require.NoError(t, s.SaveRemoteBinding(ctx, b))

	got, err := s.RemoteBinding(ctx, "sess-1", "task-1")
	require.NoError(t, err)
	require.Equal(t, "remote-2", got.RemoteTaskID)

	_, err = s.RemoteBinding(ctx, "sess-1", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumePlannerStateExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SavePlannerState(ctx, store.PlannerState{
		Token:     "tok-1",
		SessionID: "sess-1",
		TaskID:    "task-1",
		Data:      json.RawMessage(`{"step":3}`),
		SavedAt:   msNow(),
	}))

	var (
		wg   sync.WaitGroup
		hits int
		mu   sync.Mutex
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := s.ConsumePlannerState(ctx, "tok-1")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				hits++
				mu.Unlock()
				require.True(t, rec.Consumed)
				require.JSONEq(t, `{"step":3}`, string(rec.Data))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, hits)

	// A later re-save must not resurrect the token.
	require.NoError(t, s.SavePlannerState(ctx, store.PlannerState{
		Token: "tok-1", SessionID: "sess-1", TaskID: "task-1", SavedAt: msNow(),
	}))
	_, ok, err := s.ConsumePlannerState(ctx, "tok-1")
	require.NoError(t, err)
	require.False(t, ok)

	loaded, err := s.LoadPlannerState(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, loaded.Consumed)
}

func TestPlannerEventsDedupeAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := msNow()

	recs := []store.PlannerEventRecord{
		{TraceID: "tr-1", EventID: "pe-b", Seq: 1, Kind: "search", CreatedAt: base},
		{TraceID: "tr-1", EventID: "pe-a", Seq: 0, Kind: "plan", CreatedAt: base},
		{TraceID: "tr-1", EventID: "pe-c", Seq: 1, Kind: "fetch", CreatedAt: base},
	}
	for _, rec := range recs {
		require.NoError(t, s.SavePlannerEvent(ctx, rec))
	}
	// Replaying a row with different content must not overwrite the original.
	require.NoError(t, s.SavePlannerEvent(ctx, store.PlannerEventRecord{
		TraceID: "tr-1", EventID: "pe-a", Seq: 99, Kind: "mutated", CreatedAt: base,
	}))

	rows, err := s.ListPlannerEvents(ctx, "tr-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "pe-a", rows[0].EventID)
	require.Equal(t, "plan", rows[0].Kind)
	require.Equal(t, "pe-b", rows[1].EventID)
	require.Equal(t, "pe-c", rows[2].EventID)

	require.Error(t, s.SavePlannerEvent(ctx, store.PlannerEventRecord{TraceID: "tr-1"}))
}

func TestMemoryStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := store.MemoryState{
		SessionID: "sess-1",
		Strategy:  "summarize",
		Data:      json.RawMessage(`{"turns":2}`),
		UpdatedAt: msNow(),
	}
	require.NoError(t, s.SaveMemoryState(ctx, st))
	st.Strategy = "truncate"
	require.NoError(t, s.SaveMemoryState(ctx, st))

	got, err := s.LoadMemoryState(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "truncate", got.Strategy)
	require.JSONEq(t, `{"turns":2}`, string(got.Data))

	_, err = s.LoadMemoryState(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTasksFiltersAndSorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := msNow()

	for i, status := range []string{"RUNNING", "COMPLETE", "RUNNING"} {
		require.NoError(t, s.SaveTask(ctx, store.TaskRecord{
			SessionID: "sess-1",
			TaskID:    fmt.Sprintf("task-%d", i),
			Status:    status,
			State:     json.RawMessage(`{}`),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	// Upsert moves task-0 to the end of the ordering.
	require.NoError(t, s.SaveTask(ctx, store.TaskRecord{
		SessionID: "sess-1",
		TaskID:    "task-0",
		Status:    "COMPLETE",
		UpdatedAt: base.Add(time.Minute),
	}))

	all, err := s.ListTasks(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "task-1", all[0].TaskID)
	require.Equal(t, "task-0", all[2].TaskID)

	complete, err := s.ListTasks(ctx, "sess-1", "COMPLETE")
	require.NoError(t, err)
	require.Len(t, complete, 2)
}

func TestListUpdatesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.SaveUpdate(ctx, store.UpdateRecord{
			SessionID: "sess-1",
			TaskID:    "task-1",
			UpdateID:  fmt.Sprintf("up-%d", i),
			Seq:       uint64(i),
			Type:      "PROGRESS",
			Payload:   json.RawMessage(`{"pct":50}`),
			CreatedAt: msNow(),
		}))
	}
	require.NoError(t, s.SaveUpdate(ctx, store.UpdateRecord{
		SessionID: "sess-1", TaskID: "task-1", UpdateID: "up-2", Seq: 99,
	}))

	all, err := s.ListUpdates(ctx, "sess-1", "task-1", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.EqualValues(t, 2, all[1].Seq)

	tail, err := s.ListUpdates(ctx, "sess-1", "task-1", "up-2")
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, "up-3", tail[0].UpdateID)

	unknown, err := s.ListUpdates(ctx, "sess-1", "task-1", "never-seen")
	require.NoError(t, err)
	require.Len(t, unknown, 4)
}

func TestSteeringOrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := msNow()

	for i := range 3 {
		require.NoError(t, s.SaveSteering(ctx, store.SteeringRecord{
			SessionID: "sess-1",
			TaskID:    "task-1",
			EventID:   fmt.Sprintf("st-%d", 2-i),
			Type:      "USER_MESSAGE",
			Payload:   json.RawMessage(`{"text":"hi"}`),
			CreatedAt: base.Add(time.Duration(2-i) * time.Second),
		}))
	}

	rows, err := s.ListSteering(ctx, "sess-1", "task-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "st-0", rows[0].EventID)
	require.Equal(t, "st-2", rows[2].EventID)
}

func TestTrajectoryFirstWriteOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, trace := range []string{"tr-b", "tr-a"} {
		require.NoError(t, s.SaveTrajectory(ctx, store.TrajectoryRecord{
			TraceID:   trace,
			SessionID: "sess-1",
			TaskID:    "task-1",
			Data:      json.RawMessage(`{"steps":1}`),
			UpdatedAt: msNow(),
		}))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, s.SaveTrajectory(ctx, store.TrajectoryRecord{
		TraceID: "tr-b", SessionID: "sess-1", TaskID: "task-1",
		Data: json.RawMessage(`{"steps":2}`), UpdatedAt: msNow(),
	}))

	traces, err := s.ListTraces(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, []string{"tr-b", "tr-a"}, traces)

	rec, err := s.GetTrajectory(ctx, "tr-b")
	require.NoError(t, err)
	require.JSONEq(t, `{"steps":2}`, string(rec.Data))

	_, err = s.GetTrajectory(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestArtifactsContentAddressed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref1, err := s.PutArtifact(ctx, "sess-1", "task-1", []byte("payload"))
	require.NoError(t, err)
	ref2, err := s.PutArtifact(ctx, "sess-2", "task-9", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	got, err := s.GetArtifact(ctx, ref1)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	_, err = s.GetArtifact(ctx, "deadbeef")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}
