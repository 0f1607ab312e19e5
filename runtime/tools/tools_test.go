package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoInvoke(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func routeDecisionSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"route": map[string]any{"type": "string"}},
		"required":             []any{"route"},
		"additionalProperties": false,
	}
}

func documentStateSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"doc_id": map[string]any{"type": "string"}},
		"required":             []any{"doc_id"},
		"additionalProperties": false,
	}
}

func TestRegisterRejectsReservedAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"plan", "task", "final_response"} {
		err := reg.Register(Descriptor{Name: name, Invoke: echoInvoke})
		require.Error(t, err)
	}

	require.NoError(t, reg.Register(Descriptor{Name: "triage", Invoke: echoInvoke}))
	require.Error(t, reg.Register(Descriptor{Name: "triage", Invoke: echoInvoke}))
	require.Error(t, reg.Register(Descriptor{Name: "no_invoke"}))
	require.Error(t, reg.Register(Descriptor{Invoke: echoInvoke}))
}

func TestRegisterCompilesArgsSchemaEagerly(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Descriptor{
		Name:       "bad",
		Invoke:     echoInvoke,
		ArgsSchema: map[string]any{"type": 42},
	})
	require.Error(t, err)
}

func TestValidateArgs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:       "init_docs",
		Invoke:     echoInvoke,
		ArgsSchema: routeDecisionSchema(),
	}))

	require.NoError(t, reg.ValidateArgs("init_docs", map[string]any{"route": "docs"}))
	require.Error(t, reg.ValidateArgs("init_docs", map[string]any{"route": 3}))
	require.Error(t, reg.ValidateArgs("init_docs", map[string]any{}))
	require.Error(t, reg.ValidateArgs("missing", nil))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(Descriptor{Name: name, Invoke: echoInvoke}))
	}
	var names []string
	for _, d := range reg.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestUniqueCandidate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:        "init_docs",
		Invoke:      echoInvoke,
		ArgsSchema:  routeDecisionSchema(),
		SideEffects: SideEffectsRead,
	}))
	require.NoError(t, reg.Register(Descriptor{
		Name:        "parse_docs",
		Invoke:      echoInvoke,
		ArgsSchema:  documentStateSchema(),
		SideEffects: SideEffectsPure,
	}))

	policy := SequencePolicy{ReadOnlyOnly: true}

	desc, ok := reg.UniqueCandidate(map[string]any{"route": "docs"}, policy)
	require.True(t, ok)
	assert.Equal(t, "init_docs", desc.Name)

	desc, ok = reg.UniqueCandidate(map[string]any{"doc_id": "d1"}, policy)
	require.True(t, ok)
	assert.Equal(t, "parse_docs", desc.Name)

	_, ok = reg.UniqueCandidate(map[string]any{"unrelated": true}, policy)
	assert.False(t, ok)

	_, ok = reg.UniqueCandidate(nil, policy)
	assert.False(t, ok)
}

func TestUniqueCandidateAmbiguous(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"first", "second"} {
		require.NoError(t, reg.Register(Descriptor{
			Name:        name,
			Invoke:      echoInvoke,
			ArgsSchema:  routeDecisionSchema(),
			SideEffects: SideEffectsRead,
		}))
	}
	_, ok := reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{ReadOnlyOnly: true})
	assert.False(t, ok)
}

func TestUniqueCandidatePolicyGates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:        "mutator",
		Invoke:      echoInvoke,
		ArgsSchema:  routeDecisionSchema(),
		SideEffects: SideEffectsWrite,
	}))

	_, ok := reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{ReadOnlyOnly: true})
	assert.False(t, ok, "write tool must not fire under read-only policy")

	desc, ok := reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{})
	require.True(t, ok)
	assert.Equal(t, "mutator", desc.Name)

	_, ok = reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{Blocked: []string{"mutator"}})
	assert.False(t, ok)
}

func TestUniqueCandidateStatefulOptIn(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:        "session_tool",
		Invoke:      echoInvoke,
		ArgsSchema:  routeDecisionSchema(),
		SideEffects: SideEffectsStateful,
	}))

	_, ok := reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{})
	assert.False(t, ok, "stateful requires explicit opt-in")

	_, ok = reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{AllowStateful: true})
	assert.True(t, ok)

	_, ok = reg.UniqueCandidate(map[string]any{"route": "docs"}, SequencePolicy{ReadOnlyOnly: true, AllowStateful: true})
	assert.False(t, ok, "read-only policy wins over stateful opt-in")
}

type memArtifacts struct {
	blobs map[string][]byte
	next  int
}

func (m *memArtifacts) PutArtifact(_ context.Context, _, _ string, payload []byte) (string, error) {
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.next++
	ref := fmt.Sprintf("blob-%d", m.next)
	m.blobs[ref] = payload
	return ref, nil
}

func (m *memArtifacts) GetArtifact(_ context.Context, ref string) ([]byte, error) {
	b, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("not found: %s", ref)
	}
	return b, nil
}

func TestRedactExtractsArtifactFields(t *testing.T) {
	desc := Descriptor{
		Name: "fetch_report",
		OutSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
				"rows":    map[string]any{"type": "array", "artifact": true},
			},
		},
	}
	store := &memArtifacts{}
	observation := map[string]any{
		"summary": "ten rows",
		"rows":    []any{1.0, 2.0, 3.0},
	}

	redacted, refs, err := Redact(context.Background(), store, desc, "s1", "t1", observation)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	obj := redacted.(map[string]any)
	assert.Equal(t, "ten rows", obj["summary"])
	assert.Equal(t, "<artifact:"+refs[0]+">", obj["rows"])

	// Original observation is untouched.
	assert.Equal(t, []any{1.0, 2.0, 3.0}, observation["rows"])

	payload, err := store.GetArtifact(context.Background(), refs[0])
	require.NoError(t, err)
	assert.JSONEq(t, "[1,2,3]", string(payload))
}

func TestRedactPassThrough(t *testing.T) {
	desc := Descriptor{Name: "plainer", OutSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"v": map[string]any{"type": "string"}},
	}}

	out, refs, err := Redact(context.Background(), &memArtifacts{}, desc, "s", "t", map[string]any{"v": "x"})
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, map[string]any{"v": "x"}, out)

	// Nil store leaves artifact fields inline.
	descArt := desc
	descArt.OutSchema["properties"].(map[string]any)["v"].(map[string]any)["artifact"] = true
	out, refs, err = Redact(context.Background(), nil, descArt, "s", "t", map[string]any{"v": "x"})
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, map[string]any{"v": "x"}, out)
}
