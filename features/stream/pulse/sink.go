// Package pulse carries state updates across processes over goa.design/pulse
// streams. The sink plugs into the emitter via stream.WithSink and publishes
// every update to a per-task Redis stream; the subscriber reads those streams
// back into stream.Update values for remote consumers. Ordering and dedup
// guarantees are the emitter's: consumers dedupe by UpdateID.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/penguiflow/penguiflow/features/stream/pulse/clients/pulse"
	"github.com/penguiflow/penguiflow/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish updates. Required.
		Client pulse.Client
		// StreamID derives the target stream from an update. Defaults to
		// StreamID.
		StreamID func(stream.Update) (string, error)
		// OnPublished is invoked after each successful publish with the entry
		// id assigned by Redis. Optional.
		OnPublished func(ctx context.Context, streamID, entryID string, u stream.Update) error
	}

	// Sink publishes updates into Pulse streams. Safe for concurrent Send.
	Sink struct {
		client      pulse.Client
		streamID    func(stream.Update) (string, error)
		onPublished func(ctx context.Context, streamID, entryID string, u stream.Update) error
	}
)

var _ stream.Sink = (*Sink)(nil)

// StreamID names the Pulse stream carrying one task's updates.
func StreamID(sessionID, taskID string) string {
	return fmt.Sprintf("updates/%s/%s", sessionID, taskID)
}

func defaultStreamID(u stream.Update) (string, error) {
	if u.SessionID == "" || u.TaskID == "" {
		return "", errors.New("update missing session or task id")
	}
	return StreamID(u.SessionID, u.TaskID), nil
}

// NewSink constructs a Pulse-backed update sink. The Client field in opts is
// required.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

// Send publishes the update to its derived Pulse stream. The entry name is
// the update type and the payload the JSON-encoded update.
func (s *Sink) Send(ctx context.Context, u stream.Update) error {
	streamID, err := s.streamID(u)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update %s: %w", u.UpdateID, err)
	}
	entryID, err := handle.Add(ctx, string(u.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, streamID, entryID, u)
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
