package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/penguiflow/penguiflow/features/stream/pulse/clients/pulse"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

type fakeClient struct {
	stream func(name string) (clientspulse.Stream, error)
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.stream(name)
}

func (f *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	add     func(ctx context.Context, event string, payload []byte) (string, error)
	newSink func(ctx context.Context, name string) (clientspulse.Sink, error)
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return f.add(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return f.newSink(ctx, name)
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	ch     chan *streaming.Event
	acked  []string
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }

func sampleUpdate() stream.Update {
	return stream.Update{
		SessionID: "sess-1",
		TaskID:    "task-1",
		UpdateID:  "up-1",
		Seq:       7,
		Type:      stream.UpdateResult,
		Content:   map[string]any{"answer": "42"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestSendPublishesUpdate(t *testing.T) {
	var gotStream, gotEvent string
	var gotPayload []byte
	str := &fakeStream{
		add: func(_ context.Context, event string, payload []byte) (string, error) {
			gotEvent = event
			gotPayload = payload
			return "1-0", nil
		},
	}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) {
		gotStream = name
		return str, nil
	}}

	var publishedEntry string
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(_ context.Context, _, entryID string, _ stream.Update) error {
			publishedEntry = entryID
			return nil
		},
	})
	require.NoError(t, err)

	u := sampleUpdate()
	require.NoError(t, sink.Send(context.Background(), u))
	require.Equal(t, "updates/sess-1/task-1", gotStream)
	require.Equal(t, string(stream.UpdateResult), gotEvent)
	require.Equal(t, "1-0", publishedEntry)

	var decoded stream.Update
	require.NoError(t, json.Unmarshal(gotPayload, &decoded))
	require.Equal(t, u.UpdateID, decoded.UpdateID)
	require.EqualValues(t, 7, decoded.Seq)
	require.Equal(t, "42", decoded.Content["answer"])
}

func TestSendRejectsMissingIdentity(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), stream.Update{UpdateID: "up-1"}))
}

func TestSendPropagatesPublishError(t *testing.T) {
	str := &fakeStream{
		add: func(context.Context, string, []byte) (string, error) {
			return "", errors.New("redis down")
		},
	}
	cli := &fakeClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.ErrorContains(t, sink.Send(context.Background(), sampleUpdate()), "redis down")
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestSubscribeEmitsUpdates(t *testing.T) {
	fsink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{
		newSink: func(_ context.Context, name string) (clientspulse.Sink, error) {
			require.Equal(t, "penguiflow_subscriber", name)
			return fsink, nil
		},
	}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "updates/sess-1/task-1", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	updates, errs, cancel, err := sub.Subscribe(context.Background(), StreamID("sess-1", "task-1"))
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(sampleUpdate())
	require.NoError(t, err)
	fsink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(fsink.ch)

	u := <-updates
	require.Equal(t, "up-1", u.UpdateID)
	require.Equal(t, stream.UpdateResult, u.Type)

	_, open := <-updates
	require.False(t, open)
	require.Empty(t, <-errs)
	require.Equal(t, []string{"1-0"}, fsink.acked)
}

func TestSubscribeReportsDecodeError(t *testing.T) {
	fsink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{
		newSink: func(context.Context, string) (clientspulse.Sink, error) { return fsink, nil },
	}
	cli := &fakeClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	updates, errs, cancel, err := sub.Subscribe(context.Background(), "updates/s/t")
	require.NoError(t, err)
	defer cancel()

	fsink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}

	err = <-errs
	require.ErrorContains(t, err, "decode update")
	_, open := <-updates
	require.False(t, open)
	require.Empty(t, fsink.acked)
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
}
