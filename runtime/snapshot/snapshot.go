// Package snapshot freezes the LLM-visible context when a background task is
// spawned and merges the resulting context patches back into the foreground
// under an explicit strategy. Snapshots are deep clones; background tasks
// never share live state with the foreground.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// MergeStrategy selects how a context patch lands in the foreground context.
type MergeStrategy string

const (
	// MergeAppend pushes a research-result entry into the context.
	MergeAppend MergeStrategy = "append"
	// MergeReplace upserts one named key in the context.
	MergeReplace MergeStrategy = "replace"
	// MergeHumanGated queues the patch until an explicit approval.
	MergeHumanGated MergeStrategy = "human_gated"
)

type (
	// MemoryRef records the memory strategy captured at spawn time.
	MemoryRef struct {
		// Strategy names the memory adapter strategy ("branch", "summary", ...).
		Strategy string `json:"strategy"`
		// BranchOrSummary is the branch id or the summary text, per strategy.
		BranchOrSummary string `json:"branch_or_summary,omitempty"`
	}

	// Snapshot is the frozen context handed to a background task. Read-only
	// after creation.
	Snapshot struct {
		// LLMContext is the serialized foreground context. It round-trips
		// through JSON by construction.
		LLMContext json.RawMessage `json:"llm_context"`
		// ToolContext carries opaque tool handle references, never raw objects.
		ToolContext map[string]string `json:"tool_context,omitempty"`
		// Memory records the memory strategy in effect at spawn.
		Memory MemoryRef `json:"memory"`
		// Artifacts lists artifact refs visible at spawn.
		Artifacts []string `json:"artifacts,omitempty"`
		// SpawnedFromTaskID is the foreground task that spawned this one.
		SpawnedFromTaskID string `json:"spawned_from_task_id"`
		// SpawnedFromEventID anchors the snapshot in the foreground history.
		SpawnedFromEventID string `json:"spawned_from_event_id"`
		// SpawnedAt records the spawn time.
		SpawnedAt time.Time `json:"spawned_at"`
		// SpawnReason is free text explaining the spawn.
		SpawnReason string `json:"spawn_reason,omitempty"`
	}

	// Patch is the structured merge payload a background task produces.
	Patch struct {
		PatchID              string         `json:"patch_id"`
		TaskID               string         `json:"task_id"`
		SpawnedFromEventID   string         `json:"spawned_from_event_id"`
		CompletedAt          time.Time      `json:"completed_at"`
		Digest               []string       `json:"digest,omitempty"`
		Facts                map[string]any `json:"facts,omitempty"`
		Artifacts            []string       `json:"artifacts,omitempty"`
		Sources              []string       `json:"sources,omitempty"`
		Assumptions          []string       `json:"assumptions,omitempty"`
		RecommendedNextSteps []string       `json:"recommended_next_steps,omitempty"`
	}
)

// Freeze clones the foreground LLM context through JSON serialization and
// packages it with the spawn provenance. Contexts that do not serialize are
// rejected.
func Freeze(llmContext any, toolContext map[string]string, mem MemoryRef, artifacts []string, fromTaskID, fromEventID, reason string, at time.Time) (Snapshot, error) {
	raw, err := json.Marshal(llmContext)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: llm context does not serialize: %w", err)
	}
	// Round-trip check: the frozen form must decode back.
	var check any
	if err := json.Unmarshal(raw, &check); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: llm context does not round-trip: %w", err)
	}
	tc := make(map[string]string, len(toolContext))
	for k, v := range toolContext {
		tc[k] = v
	}
	return Snapshot{
		LLMContext:         raw,
		ToolContext:        tc,
		Memory:             mem,
		Artifacts:          append([]string(nil), artifacts...),
		SpawnedFromTaskID:  fromTaskID,
		SpawnedFromEventID: fromEventID,
		SpawnedAt:          at.UTC(),
		SpawnReason:        reason,
	}, nil
}

// LLMContextMap decodes an independent copy of the frozen context. Mutating
// the copy does not affect the snapshot.
func (s Snapshot) LLMContextMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(s.LLMContext, &m); err != nil {
		return nil, fmt.Errorf("snapshot: decode llm context: %w", err)
	}
	return m, nil
}

// ParseStrategy validates a merge strategy string, defaulting empty to append.
func ParseStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case MergeAppend, MergeReplace, MergeHumanGated:
		return MergeStrategy(s), nil
	case "":
		return MergeAppend, nil
	}
	return "", fmt.Errorf("snapshot: unknown merge strategy %q", s)
}
