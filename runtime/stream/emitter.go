package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/store"
	"github.com/penguiflow/penguiflow/runtime/telemetry"
)

type (
	// Emitter is the event sink for one process. It assigns monotonic
	// sequence numbers per (session, task), projects updates into the store's
	// update log when the capability is present, and fans out to live
	// subscribers. Safe for concurrent use.
	Emitter struct {
		updates store.UpdateStore // nil when the store lacks the capability
		sink    Sink              // nil when no cross-process transport is wired
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu       sync.Mutex
		seqs     map[string]uint64
		subs     map[string][]*subscriber
		warnOnce sync.Once
	}

	// Sink receives every emitted update, after identity assignment and
	// persistence. Implementations carry updates to out-of-process consumers;
	// a failing sink degrades remote delivery but never fails the emit.
	Sink interface {
		Send(ctx context.Context, u Update) error
	}

	subscriber struct {
		ch     chan Update
		done   chan struct{}
		closed sync.Once
	}

	// EmitterOption configures an Emitter.
	EmitterOption func(*Emitter)
)

// DefaultSubscriberBuffer bounds each live subscriber channel.
const DefaultSubscriberBuffer = 64

// WithUpdateStore enables durable update projection and replay.
func WithUpdateStore(s store.UpdateStore) EmitterOption {
	return func(e *Emitter) { e.updates = s }
}

// WithSink forwards every emitted update to a cross-process transport.
func WithSink(s Sink) EmitterOption {
	return func(e *Emitter) { e.sink = s }
}

// WithLogger sets the logger. Defaults to a noop.
func WithLogger(l telemetry.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop.
func WithMetrics(m telemetry.Metrics) EmitterOption {
	return func(e *Emitter) { e.metrics = m }
}

// NewEmitter constructs an Emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		seqs:    make(map[string]uint64),
		subs:    make(map[string][]*subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit assigns identity and ordering to the update, persists it, and delivers
// it to live subscribers. Droppable updates are shed when a subscriber's
// buffer is full; non-droppable updates block that subscriber's delivery
// until the buffer drains or ctx ends. The completed update is returned.
func (e *Emitter) Emit(ctx context.Context, u Update) (Update, error) {
	if u.SessionID == "" || u.TaskID == "" {
		return Update{}, fmt.Errorf("stream: update requires session_id and task_id")
	}
	key := streamKey(u.SessionID, u.TaskID)

	e.mu.Lock()
	e.seqs[key]++
	u.Seq = e.seqs[key]
	if u.UpdateID == "" {
		u.UpdateID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	subs := append([]*subscriber(nil), e.subs[key]...)
	e.mu.Unlock()

	if e.updates != nil {
		if err := e.persist(ctx, u); err != nil {
			// Update projection is an optional capability; its failure degrades
			// replay but must not fail the run.
			e.warnOnce.Do(func() {
				e.logger.Warn(ctx, "update persistence failing, replay degraded",
					"session_id", u.SessionID, "error", err.Error())
			})
		}
	}

	if e.sink != nil {
		if err := e.sink.Send(ctx, u); err != nil {
			e.logger.Warn(ctx, "update sink delivery failed",
				"session_id", u.SessionID, "task_id", u.TaskID, "error", err.Error())
			e.metrics.IncCounter("penguiflow.updates.sink_errors", 1)
		}
	}

	for _, sub := range subs {
		e.deliver(ctx, sub, u)
	}
	e.metrics.IncCounter("penguiflow.updates.emitted", 1, "type", string(u.Type))
	return u, nil
}

// Subscribe returns a channel of updates for the stream. When sinceUpdateID
// is set (or the store has history) persisted updates after the exclusive
// cursor are replayed first, then delivery switches to live. Live updates
// racing the replay may appear twice; consumers dedupe by UpdateID. The
// returned cancel function releases the subscription and closes the channel.
func (e *Emitter) Subscribe(ctx context.Context, sessionID, taskID, sinceUpdateID string, buffer int) (<-chan Update, func(), error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	key := streamKey(sessionID, taskID)
	sub := &subscriber{ch: make(chan Update, buffer), done: make(chan struct{})}

	// Register before replaying so no update emitted during replay is lost.
	e.mu.Lock()
	e.subs[key] = append(e.subs[key], sub)
	e.mu.Unlock()

	if e.updates != nil {
		rows, err := e.updates.ListUpdates(ctx, sessionID, taskID, sinceUpdateID)
		if err != nil {
			e.remove(key, sub)
			return nil, nil, fmt.Errorf("stream: replay: %w", err)
		}
		for _, row := range rows {
			u, err := fromRecord(row)
			if err != nil {
				e.remove(key, sub)
				return nil, nil, err
			}
			e.deliver(ctx, sub, u)
		}
	} else if sinceUpdateID != "" {
		e.remove(key, sub)
		return nil, nil, fmt.Errorf("stream: replay requested but store lacks the updates capability")
	}

	cancel := func() {
		e.remove(key, sub)
		sub.closed.Do(func() { close(sub.done) })
	}
	return sub.ch, cancel, nil
}

func (e *Emitter) deliver(ctx context.Context, sub *subscriber, u Update) {
	if u.Droppable() {
		select {
		case sub.ch <- u:
		case <-sub.done:
		default:
			e.metrics.IncCounter("penguiflow.updates.dropped", 1, "type", string(u.Type))
		}
		return
	}
	select {
	case sub.ch <- u:
	case <-sub.done:
	case <-ctx.Done():
	}
}

func (e *Emitter) persist(ctx context.Context, u Update) error {
	payload, err := u.MarshalContent()
	if err != nil {
		return err
	}
	return e.updates.SaveUpdate(ctx, store.UpdateRecord{
		SessionID: u.SessionID,
		TaskID:    u.TaskID,
		UpdateID:  u.UpdateID,
		Seq:       u.Seq,
		Type:      string(u.Type),
		Payload:   payload,
		StepIndex: u.StepIndex,
		CreatedAt: u.CreatedAt,
	})
}

func (e *Emitter) remove(key string, sub *subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[key]
	for i, s := range subs {
		if s == sub {
			e.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func fromRecord(rec store.UpdateRecord) (Update, error) {
	u := Update{
		SessionID: rec.SessionID,
		TaskID:    rec.TaskID,
		UpdateID:  rec.UpdateID,
		Seq:       rec.Seq,
		Type:      UpdateType(rec.Type),
		StepIndex: rec.StepIndex,
		CreatedAt: rec.CreatedAt,
	}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &u.Content); err != nil {
			return Update{}, fmt.Errorf("stream: decode persisted update %s: %w", rec.UpdateID, err)
		}
	}
	return u, nil
}
