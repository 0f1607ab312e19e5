package snapshot

import (
	"fmt"
	"strings"
	"sync"
)

// ResearchResultsKey is the context key append merges push into.
const ResearchResultsKey = "research_results"

// Merger applies context patches to the foreground LLM context. Applied patch
// ids are remembered so re-applying the same patch is a no-op, and
// human-gated patches wait in a pending set until approved. Safe for
// concurrent use, though in practice the owning session serializes calls.
type Merger struct {
	mu      sync.Mutex
	applied map[string]struct{}
	pending map[string]Patch
	order   []string
}

// NewMerger constructs an empty merger.
func NewMerger() *Merger {
	return &Merger{
		applied: make(map[string]struct{}),
		pending: make(map[string]Patch),
	}
}

// Append merges the patch into llmContext as a research-result entry. It
// reports false when the patch id was already applied; duplicate applications
// add nothing.
func (m *Merger) Append(llmContext map[string]any, patch Patch) (bool, error) {
	if patch.PatchID == "" {
		return false, fmt.Errorf("snapshot: patch requires patch_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.applied[patch.PatchID]; done {
		return false, nil
	}

	entry := map[string]any{
		"patch_id": patch.PatchID,
		"task_id":  patch.TaskID,
		"ts":       patch.CompletedAt.UTC(),
	}
	if len(patch.Digest) > 0 {
		entry["digest"] = patch.Digest
	}
	if len(patch.Facts) > 0 {
		entry["facts"] = patch.Facts
	}
	if len(patch.Sources) > 0 {
		entry["sources"] = patch.Sources
	}
	if len(patch.Artifacts) > 0 {
		entry["artifacts"] = patch.Artifacts
	}

	existing, _ := llmContext[ResearchResultsKey].([]any)
	llmContext[ResearchResultsKey] = append(existing, entry)
	m.applied[patch.PatchID] = struct{}{}
	return true, nil
}

// Replace upserts the value at targetKey, a dot-separated path whose parent
// must already exist as an object. Missing or ambiguous paths are rejected.
func (m *Merger) Replace(llmContext map[string]any, patch Patch, targetKey string, value any) (bool, error) {
	if patch.PatchID == "" {
		return false, fmt.Errorf("snapshot: patch requires patch_id")
	}
	if targetKey == "" {
		return false, fmt.Errorf("snapshot: replace merge requires a target key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.applied[patch.PatchID]; done {
		return false, nil
	}

	parts := strings.Split(targetKey, ".")
	node := llmContext
	for i, part := range parts[:len(parts)-1] {
		child, present := node[part]
		if !present {
			return false, fmt.Errorf("snapshot: replace target %q: path element %q missing", targetKey, strings.Join(parts[:i+1], "."))
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return false, fmt.Errorf("snapshot: replace target %q: path element %q is not an object", targetKey, strings.Join(parts[:i+1], "."))
		}
		node = childMap
	}
	node[parts[len(parts)-1]] = value
	m.applied[patch.PatchID] = struct{}{}
	return true, nil
}

// QueueHumanGated parks the patch until an APPROVE or REJECT steering event
// names it. Queuing an already-applied or already-pending patch id is a no-op.
func (m *Merger) QueueHumanGated(patch Patch) (bool, error) {
	if patch.PatchID == "" {
		return false, fmt.Errorf("snapshot: patch requires patch_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.applied[patch.PatchID]; done {
		return false, nil
	}
	if _, waiting := m.pending[patch.PatchID]; waiting {
		return false, nil
	}
	m.pending[patch.PatchID] = patch
	m.order = append(m.order, patch.PatchID)
	return true, nil
}

// Approve merges the pending patch with the given id into llmContext using
// the append strategy. It reports false when no such patch is pending.
func (m *Merger) Approve(llmContext map[string]any, patchID string) (Patch, bool, error) {
	m.mu.Lock()
	patch, waiting := m.pending[patchID]
	if waiting {
		delete(m.pending, patchID)
		m.removeOrderLocked(patchID)
	}
	m.mu.Unlock()
	if !waiting {
		return Patch{}, false, nil
	}
	applied, err := m.Append(llmContext, patch)
	if err != nil {
		return Patch{}, false, err
	}
	return patch, applied, nil
}

// Reject drops the pending patch with the given id. Its id is recorded as
// applied so a later duplicate does not sneak in.
func (m *Merger) Reject(patchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, waiting := m.pending[patchID]; !waiting {
		return false
	}
	delete(m.pending, patchID)
	m.removeOrderLocked(patchID)
	m.applied[patchID] = struct{}{}
	return true
}

// Pending returns the queued human-gated patches in queue order.
func (m *Merger) Pending() []Patch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Patch, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pending[id])
	}
	return out
}

// Applied reports whether the patch id was already merged or rejected.
func (m *Merger) Applied(patchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, done := m.applied[patchID]
	return done
}

func (m *Merger) removeOrderLocked(patchID string) {
	for i, id := range m.order {
		if id == patchID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
