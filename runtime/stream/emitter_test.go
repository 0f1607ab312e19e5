package stream

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/store/inmem"
)

func TestEmitAssignsMonotonicSeqPerStream(t *testing.T) {
	ctx := context.Background()
	e := NewEmitter()

	var prev uint64
	for i := 0; i < 5; i++ {
		u, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateProgress})
		require.NoError(t, err)
		assert.Greater(t, u.Seq, prev)
		assert.NotEmpty(t, u.UpdateID)
		assert.False(t, u.CreatedAt.IsZero())
		prev = u.Seq
	}

	// Streams are independent.
	u, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t2", Type: UpdateProgress})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Seq)

	_, err = e.Emit(ctx, Update{TaskID: "t1"})
	require.Error(t, err)
}

func TestSubscribeReceivesLiveUpdates(t *testing.T) {
	ctx := context.Background()
	e := NewEmitter()

	ch, cancel, err := e.Subscribe(ctx, "s1", "t1", "", 8)
	require.NoError(t, err)
	defer cancel()

	emitted, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateResult, Content: map[string]any{"answer": "done"}})
	require.NoError(t, err)

	got := <-ch
	assert.Equal(t, emitted.UpdateID, got.UpdateID)
	assert.Equal(t, UpdateResult, got.Type)
	assert.Equal(t, "done", got.Content["answer"])

	// Other streams are not delivered.
	_, err = e.Emit(ctx, Update{SessionID: "s1", TaskID: "other", Type: UpdateResult})
	require.NoError(t, err)
	select {
	case u := <-ch:
		t.Fatalf("unexpected cross-stream delivery: %+v", u)
	default:
	}
}

func TestBackpressureDropsOnlyDroppable(t *testing.T) {
	ctx := context.Background()
	e := NewEmitter()

	ch, cancel, err := e.Subscribe(ctx, "s1", "t1", "", 1)
	require.NoError(t, err)
	defer cancel()

	// Fill the buffer.
	_, err = e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateProgress})
	require.NoError(t, err)
	// Dropped: buffer full and droppable.
	_, err = e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateThinking})
	require.NoError(t, err)

	// Non-droppable blocks until the consumer drains.
	done := make(chan Update, 1)
	go func() {
		u, _ := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateResult})
		done <- u
	}()

	first := <-ch
	assert.Equal(t, UpdateProgress, first.Type)
	second := <-ch
	assert.Equal(t, UpdateResult, second.Type, "thinking update was shed, result was not")
	<-done
}

func TestReplayFromCursorThenLive(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	e := NewEmitter(WithUpdateStore(st))

	var ids []string
	for i := 0; i < 3; i++ {
		u, err := e.Emit(ctx, Update{
			SessionID: "s1", TaskID: "t1", Type: UpdateToolCall,
			Content: map[string]any{"n": float64(i)},
		})
		require.NoError(t, err)
		ids = append(ids, u.UpdateID)
	}

	ch, cancel, err := e.Subscribe(ctx, "s1", "t1", ids[0], 8)
	require.NoError(t, err)
	defer cancel()

	// Replay returns everything after the exclusive cursor.
	first := <-ch
	assert.Equal(t, ids[1], first.UpdateID)
	assert.Equal(t, float64(1), first.Content["n"])
	second := <-ch
	assert.Equal(t, ids[2], second.UpdateID)

	// Then live delivery continues on the same channel.
	live, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateResult})
	require.NoError(t, err)
	third := <-ch
	assert.Equal(t, live.UpdateID, third.UpdateID)
}

func TestReplayRequiresCapability(t *testing.T) {
	e := NewEmitter()
	_, _, err := e.Subscribe(context.Background(), "s1", "t1", "u1", 8)
	require.Error(t, err)
}

func TestReplayCoversEveryUpdateAfterCursor(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	e := NewEmitter(WithUpdateStore(st))

	const n = 20
	var ids []string
	for i := 0; i < n; i++ {
		u, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateStatusChange})
		require.NoError(t, err)
		ids = append(ids, u.UpdateID)
	}

	for cursor := 0; cursor < n; cursor++ {
		ch, cancel, err := e.Subscribe(ctx, "s1", "t1", ids[cursor], n+1)
		require.NoError(t, err)
		dedupe := NewDeduper()
		got := []string{}
		for len(got) < n-cursor-1 {
			u := <-ch
			if dedupe.First(u.UpdateID) {
				got = append(got, u.UpdateID)
			}
		}
		assert.Equal(t, ids[cursor+1:], got, fmt.Sprintf("cursor %d", cursor))
		cancel()
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper()
	assert.True(t, d.First("a"))
	assert.False(t, d.First("a"))
	assert.True(t, d.First("b"))
}

func TestCancelledSubscriberDoesNotBlockEmit(t *testing.T) {
	ctx := context.Background()
	e := NewEmitter()

	_, cancel, err := e.Subscribe(ctx, "s1", "t1", "", 1)
	require.NoError(t, err)
	cancel()

	// Buffer is full of nothing, subscriber removed; emits proceed.
	for i := 0; i < 5; i++ {
		_, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateResult})
		require.NoError(t, err)
	}
}

type recordingSink struct {
	sent []Update
	err  error
}

func (s *recordingSink) Send(_ context.Context, u Update) error {
	s.sent = append(s.sent, u)
	return s.err
}

func TestSinkReceivesEveryUpdate(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := NewEmitter(WithSink(sink))

	for i := 0; i < 3; i++ {
		_, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateProgress})
		require.NoError(t, err)
	}
	require.Len(t, sink.sent, 3)
	// Identity is assigned before the sink sees the update.
	assert.Equal(t, uint64(1), sink.sent[0].Seq)
	assert.NotEmpty(t, sink.sent[0].UpdateID)
}

func TestSinkFailureDoesNotFailEmit(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{err: fmt.Errorf("transport down")}
	e := NewEmitter(WithSink(sink))

	u, err := e.Emit(ctx, Update{SessionID: "s1", TaskID: "t1", Type: UpdateResult})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Seq)
}
