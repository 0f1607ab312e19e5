package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/penguiflow/penguiflow/runtime/store"
)

var (
	testRedisClient    *goredis.Client
	testRedisContainer testcontainers.Container
	skipRedisTests     bool
)

func setupRedis() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, Redis tests will be skipped: %v\n", containerErr)
		skipRedisTests = true
		return
	}

	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipRedisTests = true
		return
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipRedisTests = true
		return
	}

	testRedisClient = goredis.NewClient(&goredis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	if err := testRedisClient.Ping(ctx).Err(); err != nil {
		fmt.Printf("Failed to ping Redis: %v\n", err)
		skipRedisTests = true
	}
}

func teardownRedis() {
	ctx := context.Background()
	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
}

func TestMain(m *testing.M) {
	setupRedis()
	code := m.Run()
	teardownRedis()
	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if skipRedisTests {
		t.Skip("docker not available")
	}
	s, err := New(Options{Client: testRedisClient, KeyPrefix: "test:" + t.Name()})
	require.NoError(t, err)
	return s
}

func TestSaveEventIdempotentAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	events := []store.Event{
		{TraceID: "tr-1", EventID: "ev-b", TS: base.Add(time.Second), Kind: store.KindTaskStatusChanged},
		{TraceID: "tr-1", EventID: "ev-a", TS: base, Kind: store.KindTaskCreated},
		{TraceID: "tr-1", EventID: "ev-c", TS: base.Add(time.Second), Kind: store.KindTaskResultReady},
	}
	for _, ev := range events {
		require.NoError(t, s.SaveEvent(ctx, ev))
	}
	// Replaying a row with different content must not overwrite the original.
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

func TestSaveEventRequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SaveEvent(context.Background(), store.Event{TraceID: "tr"}))
	require.Error(t, s.SaveEvent(context.Background(), store.Event{EventID: "ev"}))
}

func TestRemoteBindingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := store.RemoteBinding{
		SessionID:       "sess-1",
		TaskID:          "task-1",
		RemoteAgentURL:  "https://agents.example.com",
		RemoteContextID: "ctx-9",
		RemoteTaskID:    "remote-4",
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveRemoteBinding(ctx, b))

	got, err := s.RemoteBinding(ctx, "sess-1", "task-1")
	require.NoError(t, err)
	require.Equal(t, b, got)

	_, err = s.RemoteBinding(ctx, "sess-1", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumePlannerStateExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := store.PlannerState{
		Token:     "tok-1",
		SessionID: "sess-1",
		TaskID:    "task-1",
		Data:      json.RawMessage(`{"step":3}`),
		SavedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SavePlannerState(ctx, st))

	var (
		wg   sync.WaitGroup
		hits int64
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
				require.Equal(t, "sess-1", rec.SessionID)
				require.True(t, rec.Consumed)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, hits)

	// A later re-save must not resurrect the token.
	require.NoError(t, s.SavePlannerState(ctx, st))
	_, ok, err := s.ConsumePlannerState(ctx, "tok-1")
	require.NoError(t, err)
	require.False(t, ok)

	loaded, err := s.LoadPlannerState(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, loaded.Consumed)
}

func TestConsumeUnknownToken(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.ConsumePlannerState(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPlannerEventsDedupeAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

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
		TraceID: "tr-1", EventID: "pe-a", Seq: 99, Kind: "mutated",
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
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveMemoryState(ctx, st))

	got, err := s.LoadMemoryState(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, st, got)

	_, err = s.LoadMemoryState(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTasksFiltersAndSorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, status := range []string{"RUNNING", "COMPLETE", "RUNNING"} {
		rec := store.TaskRecord{
			SessionID: "sess-1",
			TaskID:    fmt.Sprintf("task-%d", i),
			Status:    status,
			State:     json.RawMessage(`{}`),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveTask(ctx, rec))
	}

	all, err := s.ListTasks(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "task-0", all[0].TaskID)
	require.Equal(t, "task-2", all[2].TaskID)

	running, err := s.ListTasks(ctx, "sess-1", "RUNNING")
	require.NoError(t, err)
	require.Len(t, running, 2)

	none, err := s.ListTasks(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListUpdatesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		rec := store.UpdateRecord{
			SessionID: "sess-1",
			TaskID:    "task-1",
			UpdateID:  fmt.Sprintf("up-%d", i),
			Seq:       uint64(i),
			Type:      "PROGRESS",
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.SaveUpdate(ctx, rec))
	}
	// Duplicate append is ignored.
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

func TestSteeringRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 3 {
		rec := store.SteeringRecord{
			SessionID: "sess-1",
			TaskID:    "task-1",
			EventID:   fmt.Sprintf("st-%d", i),
			Type:      "USER_MESSAGE",
			Payload:   json.RawMessage(`{"text":"hi"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveSteering(ctx, rec))
	}
	require.NoError(t, s.SaveSteering(ctx, store.SteeringRecord{
		SessionID: "sess-1", TaskID: "task-1", EventID: "st-1", Type: "CANCEL",
	}))

	rows, err := s.ListSteering(ctx, "sess-1", "task-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "st-0", rows[0].EventID)
	require.Equal(t, "USER_MESSAGE", rows[1].Type)
}

func TestTrajectoryFirstWriteOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, trace := range []string{"tr-b", "tr-a"} {
		rec := store.TrajectoryRecord{
			TraceID:   trace,
			SessionID: "sess-1",
			TaskID:    "task-1",
			Data:      json.RawMessage(`{"steps":1}`),
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.SaveTrajectory(ctx, rec))
	}
	// Updating an existing trace must not reorder it.
	require.NoError(t, s.SaveTrajectory(ctx, store.TrajectoryRecord{
		TraceID: "tr-b", SessionID: "sess-1", TaskID: "task-1",
		Data: json.RawMessage(`{"steps":2}`), UpdatedAt: time.Now().UTC(),
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
	_, err := New(Options{})
	require.Error(t, err)
}
