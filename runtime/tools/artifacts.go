package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ArtifactStore persists heavy tool outputs by reference. Content-addressed
// implementations return the same ref for identical payloads.
type ArtifactStore interface {
	// PutArtifact stores the payload and returns an opaque reference.
	PutArtifact(ctx context.Context, sessionID, taskID string, payload []byte) (string, error)
	// GetArtifact retrieves a previously stored payload.
	GetArtifact(ctx context.Context, ref string) ([]byte, error)
}

// Redact produces the LLM-visible form of a tool observation. Top-level
// output fields annotated with "artifact": true in the tool's out schema are
// written to the artifact store and replaced with "<artifact:REF>"
// placeholders; refs are also returned so callers can attach them to patches.
// A nil store leaves the observation untouched.
func Redact(ctx context.Context, store ArtifactStore, desc Descriptor, sessionID, taskID string, observation any) (any, []string, error) {
	fields := artifactFields(desc.OutSchema)
	if len(fields) == 0 || store == nil {
		return observation, nil, nil
	}
	obj, ok := asObject(observation)
	if !ok {
		return observation, nil, nil
	}

	redacted := make(map[string]any, len(obj))
	for k, v := range obj {
		redacted[k] = v
	}
	var refs []string
	for _, field := range fields {
		value, present := redacted[field]
		if !present || value == nil {
			continue
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, nil, fmt.Errorf("tools: encode artifact field %q of %q: %w", field, desc.Name, err)
		}
		ref, err := store.PutArtifact(ctx, sessionID, taskID, payload)
		if err != nil {
			return nil, nil, fmt.Errorf("tools: store artifact field %q of %q: %w", field, desc.Name, err)
		}
		redacted[field] = fmt.Sprintf("<artifact:%s>", ref)
		refs = append(refs, ref)
	}
	return redacted, refs, nil
}

// artifactFields returns the out-schema property names annotated with
// "artifact": true, in schema declaration order by name.
func artifactFields(outSchema map[string]any) []string {
	if outSchema == nil {
		return nil
	}
	props, ok := outSchema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	var fields []string
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if marked, _ := prop["artifact"].(bool); marked {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

func asObject(v any) (map[string]any, bool) {
	switch obj := v.(type) {
	case map[string]any:
		return obj, true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, false
		}
		return m, true
	}
}
