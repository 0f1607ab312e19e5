// Package schema computes per-provider JSON schema plans for structured
// planner output. Providers differ in which JSON Schema keywords their
// structured-output and tool-calling paths accept; the planner walks the
// response schema, applies the profile's transformer, and reports whether the
// result is still faithful enough for native structured output.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OutputMode identifies how structured planner output is requested from a
// provider.
type OutputMode string

const (
	// ModeNative uses the provider's structured-output / response-format API.
	ModeNative OutputMode = "native"
	// ModeTools requests the action via a forced tool call.
	ModeTools OutputMode = "tools"
	// ModePrompted embeds the schema in the prompt and parses free-form JSON.
	ModePrompted OutputMode = "prompted"
)

type (
	// Transformer rewrites a single schema node for a provider. It returns the
	// rewritten node plus degradation notes for anything it had to drop.
	Transformer func(node map[string]any, profile ModelProfile) (map[string]any, []string)

	// ModelProfile captures the structured-output capabilities of one model.
	ModelProfile struct {
		// Provider identifies the provider family ("openai", "anthropic", ...).
		Provider string `json:"provider"`
		// Model is the concrete model identifier.
		Model string `json:"model"`
		// SupportsNative reports native structured-output support.
		SupportsNative bool `json:"supports_native"`
		// SupportsTools reports function-calling support.
		SupportsTools bool `json:"supports_tools"`
		// SupportsStrict reports strict schema adherence support.
		SupportsStrict bool `json:"supports_strict"`
		// MaxSchemaKeys caps the total property-key count for native mode.
		// Zero means no limit.
		MaxSchemaKeys int `json:"max_schema_keys,omitempty"`
		// UnsupportedKeywords lists JSON Schema keywords the provider rejects.
		UnsupportedKeywords []string `json:"unsupported_keywords,omitempty"`
		// InlineRefs requests $ref inlining instead of $defs passthrough.
		InlineRefs bool `json:"inline_refs,omitempty"`
		// ConstAsEnum rewrites const to a single-value enum.
		ConstAsEnum bool `json:"const_as_enum,omitempty"`
		// OneOfAsAnyOf rewrites oneOf to anyOf.
		OneOfAsAnyOf bool `json:"one_of_as_any_of,omitempty"`
	}

	// Plan is the result of planning one response schema against one profile.
	Plan struct {
		// TransformedSchema is the provider-ready schema.
		TransformedSchema map[string]any `json:"transformed_schema"`
		// StrictApplied reports whether strict mode survived the transform.
		StrictApplied bool `json:"strict_applied"`
		// CompatibleWithNative reports whether native output can be used.
		CompatibleWithNative bool `json:"compatible_with_native"`
		// CompatibleWithTools reports whether forced tool calling can be used.
		CompatibleWithTools bool `json:"compatible_with_tools"`
		// Reasons lists degradation notes accumulated during the transform.
		Reasons []string `json:"reasons,omitempty"`
		// EstimatedKeyCount is the total number of property keys in the
		// transformed schema.
		EstimatedKeyCount int `json:"estimated_key_count"`
	}
)

// Mode selects the output mode for a plan. Preference order is native, then
// tools, then prompted; the result is deterministic given the same inputs.
func (p Plan) Mode(profile ModelProfile) OutputMode {
	if p.CompatibleWithNative && profile.SupportsNative {
		return ModeNative
	}
	if p.CompatibleWithTools && profile.SupportsTools {
		return ModeTools
	}
	return ModePrompted
}

// Compute plans the given response schema for the profile. The input schema is
// never mutated.
func Compute(responseSchema map[string]any, profile ModelProfile) (Plan, error) {
	if responseSchema == nil {
		return Plan{}, fmt.Errorf("schema: response schema is required")
	}
	cloned, err := cloneSchema(responseSchema)
	if err != nil {
		return Plan{}, err
	}

	var reasons []string
	transformed := walk(cloned, profile, &reasons)

	strictApplied := profile.SupportsStrict
	if strictApplied {
		lossy := applyStrict(transformed, &reasons)
		if lossy {
			strictApplied = false
		}
	}

	keyCount := countKeys(transformed)
	nativeOK := profile.SupportsNative
	if profile.MaxSchemaKeys > 0 && keyCount > profile.MaxSchemaKeys {
		nativeOK = false
		reasons = append(reasons, fmt.Sprintf("schema key count %d exceeds provider limit %d", keyCount, profile.MaxSchemaKeys))
	}

	return Plan{
		TransformedSchema:    transformed,
		StrictApplied:        strictApplied,
		CompatibleWithNative: nativeOK,
		CompatibleWithTools:  profile.SupportsTools,
		Reasons:              reasons,
		EstimatedKeyCount:    keyCount,
	}, nil
}

// walk recursively rewrites one schema node and all child schemas.
func walk(node map[string]any, profile ModelProfile, reasons *[]string) map[string]any {
	// Keyword stripping first so nothing dropped here is recursed into.
	for _, kw := range profile.UnsupportedKeywords {
		if _, ok := node[kw]; ok {
			delete(node, kw)
			*reasons = append(*reasons, fmt.Sprintf("dropped unsupported keyword %q", kw))
		}
	}

	if profile.ConstAsEnum {
		if c, ok := node["const"]; ok {
			delete(node, "const")
			node["enum"] = []any{c}
		}
	}
	if profile.OneOfAsAnyOf {
		if alts, ok := node["oneOf"]; ok {
			delete(node, "oneOf")
			node["anyOf"] = alts
		}
	}

	if props, ok := node["properties"].(map[string]any); ok {
		for name, child := range props {
			if childMap, ok := child.(map[string]any); ok {
				props[name] = walk(childMap, profile, reasons)
			}
		}
	}
	for _, kw := range []string{"items", "additionalProperties", "not"} {
		if child, ok := node[kw].(map[string]any); ok {
			node[kw] = walk(child, profile, reasons)
		}
	}
	for _, kw := range []string{"anyOf", "oneOf", "allOf"} {
		if alts, ok := node[kw].([]any); ok {
			for i, alt := range alts {
				if altMap, ok := alt.(map[string]any); ok {
					alts[i] = walk(altMap, profile, reasons)
				}
			}
		}
	}
	if defs, ok := node["$defs"].(map[string]any); ok {
		for name, child := range defs {
			if childMap, ok := child.(map[string]any); ok {
				defs[name] = walk(childMap, profile, reasons)
			}
		}
	}

	if profile.InlineRefs {
		// Inlining happens after children are rewritten so referenced defs are
		// already provider-clean.
		inlineRefs(node, node, reasons)
		delete(node, "$defs")
	}
	return node
}

// applyStrict enforces additionalProperties=false on every object node and
// promotes all properties to required, the shape strict providers expect.
// It reports true when the rewrite was lossy (an object already allowed
// arbitrary extra properties via a schema-valued additionalProperties).
func applyStrict(node map[string]any, reasons *[]string) bool {
	lossy := false
	visitObjects(node, func(obj map[string]any) {
		if ap, ok := obj["additionalProperties"]; ok {
			if apMap, isMap := ap.(map[string]any); isMap && len(apMap) > 0 {
				lossy = true
				*reasons = append(*reasons, "strict mode dropped schema-valued additionalProperties")
			}
		}
		obj["additionalProperties"] = false
		if props, ok := obj["properties"].(map[string]any); ok {
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			required := make([]any, len(names))
			for i, name := range names {
				required[i] = name
			}
			obj["required"] = required
		}
	})
	return lossy
}

// visitObjects calls fn on every node that declares properties or an explicit
// object type.
func visitObjects(node map[string]any, fn func(map[string]any)) {
	if node == nil {
		return
	}
	_, hasProps := node["properties"]
	if t, _ := node["type"].(string); t == "object" || hasProps {
		fn(node)
	}
	if props, ok := node["properties"].(map[string]any); ok {
		for _, child := range props {
			if childMap, ok := child.(map[string]any); ok {
				visitObjects(childMap, fn)
			}
		}
	}
	for _, kw := range []string{"items", "additionalProperties", "not"} {
		if child, ok := node[kw].(map[string]any); ok {
			visitObjects(child, fn)
		}
	}
	for _, kw := range []string{"anyOf", "oneOf", "allOf"} {
		if alts, ok := node[kw].([]any); ok {
			for _, alt := range alts {
				if altMap, ok := alt.(map[string]any); ok {
					visitObjects(altMap, fn)
				}
			}
		}
	}
	if defs, ok := node["$defs"].(map[string]any); ok {
		for _, child := range defs {
			if childMap, ok := child.(map[string]any); ok {
				visitObjects(childMap, fn)
			}
		}
	}
}

// inlineRefs replaces local "#/$defs/<name>" references with copies of the
// referenced definition. Unresolvable or external refs are left in place and
// noted.
func inlineRefs(root, node map[string]any, reasons *[]string) {
	if props, ok := node["properties"].(map[string]any); ok {
		for name, child := range props {
			if childMap, ok := child.(map[string]any); ok {
				props[name] = resolveRef(root, childMap, reasons)
				inlineRefs(root, props[name].(map[string]any), reasons)
			}
		}
	}
	for _, kw := range []string{"items", "additionalProperties", "not"} {
		if child, ok := node[kw].(map[string]any); ok {
			node[kw] = resolveRef(root, child, reasons)
			inlineRefs(root, node[kw].(map[string]any), reasons)
		}
	}
	for _, kw := range []string{"anyOf", "oneOf", "allOf"} {
		if alts, ok := node[kw].([]any); ok {
			for i, alt := range alts {
				if altMap, ok := alt.(map[string]any); ok {
					alts[i] = resolveRef(root, altMap, reasons)
					inlineRefs(root, alts[i].(map[string]any), reasons)
				}
			}
		}
	}
}

func resolveRef(root, node map[string]any, reasons *[]string) map[string]any {
	ref, ok := node["$ref"].(string)
	if !ok {
		return node
	}
	const prefix = "#/$defs/"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		*reasons = append(*reasons, fmt.Sprintf("cannot inline external ref %q", ref))
		return node
	}
	name := ref[len(prefix):]
	defs, _ := root["$defs"].(map[string]any)
	def, ok := defs[name].(map[string]any)
	if !ok {
		*reasons = append(*reasons, fmt.Sprintf("cannot inline unresolved ref %q", ref))
		return node
	}
	cloned, err := cloneSchema(def)
	if err != nil {
		*reasons = append(*reasons, fmt.Sprintf("cannot inline ref %q: %v", ref, err))
		return node
	}
	return cloned
}

// countKeys counts property keys across the whole schema, the measure provider
// key limits apply to.
func countKeys(node map[string]any) int {
	count := 0
	visitObjects(node, func(obj map[string]any) {
		if props, ok := obj["properties"].(map[string]any); ok {
			count += len(props)
		}
	})
	return count
}

func cloneSchema(schema map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schema: clone: %w", err)
	}
	var cloned map[string]any
	if err := json.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("schema: clone: %w", err)
	}
	return cloned, nil
}
