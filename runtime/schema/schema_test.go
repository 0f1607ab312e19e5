package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannerActionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"next_node": map[string]any{"type": "string"},
			"args": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"answer": map[string]any{"type": "string", "format": "markdown"},
				},
			},
		},
	}
}

func TestComputeStripsUnsupportedKeywords(t *testing.T) {
	profile := ModelProfile{
		Provider:            "openai",
		Model:               "gpt-test",
		SupportsNative:      true,
		SupportsTools:       true,
		UnsupportedKeywords: []string{"format"},
	}
	plan, err := Compute(plannerActionSchema(), profile)
	require.NoError(t, err)

	props := plan.TransformedSchema["properties"].(map[string]any)
	args := props["args"].(map[string]any)
	answer := args["properties"].(map[string]any)["answer"].(map[string]any)
	_, hasFormat := answer["format"]
	assert.False(t, hasFormat)
	assert.NotEmpty(t, plan.Reasons)
	assert.True(t, plan.CompatibleWithNative)
}

func TestComputeDoesNotMutateInput(t *testing.T) {
	in := plannerActionSchema()
	_, err := Compute(in, ModelProfile{Provider: "p", Model: "m", SupportsStrict: true, UnsupportedKeywords: []string{"format"}})
	require.NoError(t, err)

	props := in["properties"].(map[string]any)
	args := props["args"].(map[string]any)
	answer := args["properties"].(map[string]any)["answer"].(map[string]any)
	assert.Equal(t, "markdown", answer["format"])
	_, hasAP := in["additionalProperties"]
	assert.False(t, hasAP)
}

func TestComputeStrictMode(t *testing.T) {
	profile := ModelProfile{Provider: "openai", Model: "m", SupportsNative: true, SupportsStrict: true}
	plan, err := Compute(plannerActionSchema(), profile)
	require.NoError(t, err)

	assert.True(t, plan.StrictApplied)
	assert.Equal(t, false, plan.TransformedSchema["additionalProperties"])
	assert.Equal(t, []any{"args", "next_node"}, plan.TransformedSchema["required"])
}

func TestComputeStrictModeLossy(t *testing.T) {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"a": map[string]any{"type": "string"}},
		"additionalProperties": map[string]any{"type": "number"},
	}
	plan, err := Compute(schema, ModelProfile{Provider: "p", Model: "m", SupportsStrict: true})
	require.NoError(t, err)
	assert.False(t, plan.StrictApplied)
	assert.NotEmpty(t, plan.Reasons)
}

func TestComputeKeyCountLimitDisablesNative(t *testing.T) {
	profile := ModelProfile{
		Provider:       "anthropic",
		Model:          "m",
		SupportsNative: true,
		SupportsTools:  true,
		MaxSchemaKeys:  2,
	}
	plan, err := Compute(plannerActionSchema(), profile)
	require.NoError(t, err)

	assert.Equal(t, 3, plan.EstimatedKeyCount)
	assert.False(t, plan.CompatibleWithNative)
	assert.True(t, plan.CompatibleWithTools)
	assert.Equal(t, ModeTools, plan.Mode(profile))
}

func TestComputeConstAndOneOfRewrites(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind": map[string]any{"const": "route"},
			"payload": map[string]any{
				"oneOf": []any{
					map[string]any{"type": "string"},
					map[string]any{"type": "number"},
				},
			},
		},
	}
	plan, err := Compute(schema, ModelProfile{Provider: "p", Model: "m", ConstAsEnum: true, OneOfAsAnyOf: true})
	require.NoError(t, err)

	props := plan.TransformedSchema["properties"].(map[string]any)
	kind := props["kind"].(map[string]any)
	assert.Equal(t, []any{"route"}, kind["enum"])
	_, hasConst := kind["const"]
	assert.False(t, hasConst)

	payload := props["payload"].(map[string]any)
	_, hasOneOf := payload["oneOf"]
	assert.False(t, hasOneOf)
	assert.Len(t, payload["anyOf"], 2)
}

func TestComputeInlineRefs(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision": map[string]any{"$ref": "#/$defs/RouteDecision"},
		},
		"$defs": map[string]any{
			"RouteDecision": map[string]any{
				"type":       "object",
				"properties": map[string]any{"route": map[string]any{"type": "string"}},
			},
		},
	}
	plan, err := Compute(schema, ModelProfile{Provider: "p", Model: "m", InlineRefs: true})
	require.NoError(t, err)

	props := plan.TransformedSchema["properties"].(map[string]any)
	decision := props["decision"].(map[string]any)
	_, hasRef := decision["$ref"]
	assert.False(t, hasRef)
	assert.Equal(t, "object", decision["type"])
	_, hasDefs := plan.TransformedSchema["$defs"]
	assert.False(t, hasDefs)
}

func TestModeSelectionOrder(t *testing.T) {
	profile := ModelProfile{Provider: "p", Model: "m", SupportsNative: true, SupportsTools: true}

	plan := Plan{CompatibleWithNative: true, CompatibleWithTools: true}
	assert.Equal(t, ModeNative, plan.Mode(profile))

	plan.CompatibleWithNative = false
	assert.Equal(t, ModeTools, plan.Mode(profile))

	plan.CompatibleWithTools = false
	assert.Equal(t, ModePrompted, plan.Mode(profile))
}

func TestComputeDeterministic(t *testing.T) {
	profile := ModelProfile{Provider: "p", Model: "m", SupportsNative: true, SupportsStrict: true, UnsupportedKeywords: []string{"format"}}
	a, err := Compute(plannerActionSchema(), profile)
	require.NoError(t, err)
	b, err := Compute(plannerActionSchema(), profile)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlannerCaches(t *testing.T) {
	planner, err := NewPlanner(0)
	require.NoError(t, err)

	profile := ModelProfile{Provider: "p", Model: "m", SupportsNative: true}
	first, err := planner.Plan(plannerActionSchema(), profile)
	require.NoError(t, err)
	second, err := planner.Plan(plannerActionSchema(), profile)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = planner.Plan(nil, profile)
	require.Error(t, err)
}
