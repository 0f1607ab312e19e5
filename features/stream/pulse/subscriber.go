package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/penguiflow/penguiflow/features/stream/pulse/clients/pulse"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume updates. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "penguiflow_subscriber".
		SinkName string
		// Buffer specifies the update channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes Pulse streams and emits stream.Update values.
	// Entries racing a replay may repeat; consumers dedupe by UpdateID, for
	// example with stream.Deduper.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "penguiflow_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on the stream and returns channels for
// updates and errors. The returned cancel function stops consumption, closes
// the Pulse sink, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan stream.Update, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	updates := make(chan stream.Update, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, updates, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return updates, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink, decodes them, and emits them on
// the out channel, acking each entry after delivery. Decode and ack failures
// are reported on errs and stop consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Update, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			var u stream.Update
			if err := json.Unmarshal(entry.Payload, &u); err != nil {
				errs <- fmt.Errorf("pulse decode update: %w", err)
				return
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
