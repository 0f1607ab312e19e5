// Package memory defines the conversation memory adapter consumed by the
// planner runtime. Backends (RAG, embeddings, external stores) live outside
// this module; the runtime only needs prompt context, a per-spawn reference
// for snapshots, and turn appends.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/penguiflow/penguiflow/runtime/snapshot"
	"github.com/penguiflow/penguiflow/runtime/store"
)

// Adapter is the memory contract. Implementations must be safe for
// concurrent use across sessions.
type Adapter interface {
	// Strategy names the memory strategy ("buffer", "summary", ...).
	Strategy() string
	// Context returns the memory text injected into the system prompt.
	Context(ctx context.Context, sessionID string) (string, error)
	// SnapshotRef captures the memory reference frozen into a task snapshot.
	SnapshotRef(ctx context.Context, sessionID string) (snapshot.MemoryRef, error)
	// AppendTurn records a completed user/assistant exchange.
	AppendTurn(ctx context.Context, sessionID, userMsg, assistantMsg string) error
}

// Noop is the zero-memory adapter.
type Noop struct{}

// Strategy implements Adapter.
func (Noop) Strategy() string { return "none" }

// Context implements Adapter.
func (Noop) Context(context.Context, string) (string, error) { return "", nil }

// SnapshotRef implements Adapter.
func (Noop) SnapshotRef(context.Context, string) (snapshot.MemoryRef, error) {
	return snapshot.MemoryRef{Strategy: "none"}, nil
}

// AppendTurn implements Adapter.
func (Noop) AppendTurn(context.Context, string, string, string) error { return nil }

type (
	turn struct {
		User      string `json:"user"`
		Assistant string `json:"assistant"`
	}

	// Buffer keeps a sliding window of recent turns per session, optionally
	// persisted through the store's memory capability.
	Buffer struct {
		maxTurns int
		persist  store.MemoryStateStore // nil disables persistence

		mu    sync.Mutex
		turns map[string][]turn
	}

	// BufferOption configures a Buffer.
	BufferOption func(*Buffer)
)

// DefaultMaxTurns bounds the buffer window.
const DefaultMaxTurns = 20

// WithPersistence stores the window through the memory capability so it
// survives restarts.
func WithPersistence(p store.MemoryStateStore) BufferOption {
	return func(b *Buffer) { b.persist = p }
}

// WithMaxTurns overrides the window size.
func WithMaxTurns(n int) BufferOption {
	return func(b *Buffer) { b.maxTurns = n }
}

// NewBuffer constructs a sliding-window adapter.
func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		maxTurns: DefaultMaxTurns,
		turns:    make(map[string][]turn),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Strategy implements Adapter.
func (b *Buffer) Strategy() string { return "buffer" }

// Context renders the window as alternating user/assistant lines.
func (b *Buffer) Context(ctx context.Context, sessionID string) (string, error) {
	turns, err := b.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "user: %s\nassistant: %s\n", t.User, t.Assistant)
	}
	return sb.String(), nil
}

// SnapshotRef freezes the current window as a summary reference.
func (b *Buffer) SnapshotRef(ctx context.Context, sessionID string) (snapshot.MemoryRef, error) {
	text, err := b.Context(ctx, sessionID)
	if err != nil {
		return snapshot.MemoryRef{}, err
	}
	return snapshot.MemoryRef{Strategy: "buffer", BranchOrSummary: text}, nil
}

// AppendTurn pushes a turn, evicting the oldest beyond the window.
func (b *Buffer) AppendTurn(ctx context.Context, sessionID, userMsg, assistantMsg string) error {
	turns, err := b.load(ctx, sessionID)
	if err != nil {
		return err
	}
	turns = append(turns, turn{User: userMsg, Assistant: assistantMsg})
	if len(turns) > b.maxTurns {
		turns = turns[len(turns)-b.maxTurns:]
	}

	b.mu.Lock()
	b.turns[sessionID] = turns
	b.mu.Unlock()

	if b.persist != nil {
		data, err := json.Marshal(turns)
		if err != nil {
			return fmt.Errorf("memory: encode turns: %w", err)
		}
		if err := b.persist.SaveMemoryState(ctx, store.MemoryState{
			SessionID: sessionID,
			Strategy:  b.Strategy(),
			Data:      data,
		}); err != nil {
			return fmt.Errorf("memory: persist turns: %w", err)
		}
	}
	return nil
}

// load returns the session window, falling back to the persisted copy on a
// cold cache.
func (b *Buffer) load(ctx context.Context, sessionID string) ([]turn, error) {
	b.mu.Lock()
	turns, cached := b.turns[sessionID]
	b.mu.Unlock()
	if cached || b.persist == nil {
		return turns, nil
	}

	st, err := b.persist.LoadMemoryState(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: load turns: %w", err)
	}
	var loaded []turn
	if len(st.Data) > 0 {
		if err := json.Unmarshal(st.Data, &loaded); err != nil {
			return nil, fmt.Errorf("memory: decode turns: %w", err)
		}
	}
	b.mu.Lock()
	b.turns[sessionID] = loaded
	b.mu.Unlock()
	return loaded, nil
}
