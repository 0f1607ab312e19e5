// Command penguiflow-demo runs a complete planner session in-process: a
// scripted model client, two sample tools, the in-memory store, and the
// session coordinator wired together. It spawns a foreground task that calls
// a tool before answering, then a background research task whose result is
// merged into the shared session context.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/config"
	"github.com/penguiflow/penguiflow/runtime/invoker"
	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/schema"
	"github.com/penguiflow/penguiflow/runtime/session"
	"github.com/penguiflow/penguiflow/runtime/store/inmem"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/task"
	"github.com/penguiflow/penguiflow/runtime/tools"
)

// scriptedClient replays canned planner replies keyed on the user query, so
// the demo runs without a provider. Each matching call pops the next reply.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[string][]string
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	var query string
	for _, msg := range req.Messages {
		if msg.Role == model.RoleUser {
			query = msg.Content
			break
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, replies := range c.scripts {
		if !strings.Contains(query, key) || len(replies) == 0 {
			continue
		}
		c.scripts[key] = replies[1:]
		return model.Response{
			Message: model.Message{Role: model.RoleAssistant, Content: replies[0]},
			Usage:   model.TokenUsage{InputTokens: 120, OutputTokens: 40},
		}, nil
	}
	return model.Response{}, fmt.Errorf("no scripted reply for query %q", query)
}

func (c *scriptedClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func action(node string, args map[string]any) string {
	payload, err := json.Marshal(map[string]any{"next_node": node, "args": args})
	if err != nil {
		panic(err)
	}
	return string(payload)
}

func main() {
	ctx := context.Background()

	// 1) Config and persistence. The in-memory store implements every
	// optional capability, so nothing is degraded.
	cfg := config.Default()
	cfg.Runtime.StreamingEnabled = false
	st := inmem.New()
	emitter := stream.NewEmitter(stream.WithUpdateStore(st))

	// 2) Tools the planner may call.
	reg := tools.NewRegistry()
	if err := reg.Register(tools.Descriptor{
		Name:        "search_docs",
		Description: "Search the launch notes for relevant passages.",
		SideEffects: tools.SideEffectsRead,
		ArgsSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"passages": []string{
					"Q3 launch shipped the new billing pipeline.",
					"Churn dropped 8% after the pricing change.",
				},
				"query": args["query"],
			}, nil
		},
	}); err != nil {
		panic(err)
	}
	if err := reg.Register(tools.Descriptor{
		Name:        "word_count",
		Description: "Count words in a text.",
		SideEffects: tools.SideEffectsPure,
		ArgsSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return map[string]any{"words": len(strings.Fields(text))}, nil
		},
	}); err != nil {
		panic(err)
	}

	// 3) Scripted model: the foreground task searches then answers, the
	// background task answers directly.
	client := &scriptedClient{scripts: map[string][]string{
		"Summarize the Q3 launch": {
			action("search_docs", map[string]any{"query": "Q3 launch"}),
			action("final_response", map[string]any{
				"answer": "The Q3 launch shipped the billing pipeline and cut churn by 8%.",
			}),
		},
		"Collect customer quotes": {
			action("final_response", map[string]any{
				"answer": "Customers praised the simpler invoices and faster payouts.",
			}),
		},
	}}

	inv, err := invoker.New(client)
	if err != nil {
		panic(err)
	}
	profile := schema.ModelProfile{Provider: "scripted", Model: "demo-1", SupportsNative: true}
	rt, err := planner.NewRuntime(cfg, inv, reg, emitter, "demo-1", profile,
		planner.WithPauseStore(st), planner.WithArtifactStore(st))
	if err != nil {
		panic(err)
	}
	coord, err := session.New(cfg, rt, st, emitter)
	if err != nil {
		panic(err)
	}
	defer coord.Close()

	const sessionID = "demo-session"

	// 4) Foreground task: subscribe before spawning so every update prints.
	fg, err := coord.Spawn(ctx, session.SpawnSpec{
		SessionID: sessionID,
		Query:     "Summarize the Q3 launch notes",
	})
	if err != nil {
		panic(err)
	}
	updates, cancel, err := coord.Subscribe(ctx, sessionID, fg.TaskID, "", 0)
	if err != nil {
		panic(err)
	}
	printUntilTerminal(updates)
	cancel()

	// 5) Background research task merged into the shared context on
	// completion.
	bg, err := coord.Spawn(ctx, session.SpawnSpec{
		SessionID:   sessionID,
		Type:        task.TypeBackground,
		Query:       "Collect customer quotes",
		Description: "customer quotes",
		GroupName:   "research",
	})
	if err != nil {
		panic(err)
	}
	waitComplete(coord, bg.TaskID)

	fmt.Println("\nSession context after merge:")
	encoded, err := json.MarshalIndent(coord.Context(sessionID), "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(encoded))

	fmt.Println("\nAudit log:")
	history, err := st.LoadHistory(ctx, sessionID)
	if err != nil {
		panic(err)
	}
	for _, ev := range history {
		fmt.Printf("  %-28s task=%s\n", ev.Kind, ev.NodeID)
	}
}

// printUntilTerminal echoes updates until the task reaches a terminal result
// or error.
func printUntilTerminal(updates <-chan stream.Update) {
	for u := range updates {
		content, _ := json.Marshal(u.Content)
		fmt.Printf("[%s] seq=%d %s\n", u.Type, u.Seq, content)
		if u.Type == stream.UpdateResult || u.Type == stream.UpdateError {
			return
		}
	}
}

func waitComplete(coord *session.Coordinator, taskID string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := coord.GetTaskState(taskID)
		if err == nil && st.Status.Terminal() {
			fmt.Printf("\nBackground task %s finished: %s\n", taskID, st.Status)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Printf("\nBackground task %s did not finish in time\n", taskID)
}
