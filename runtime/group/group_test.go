package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/snapshot"
)

func patch(id string) *snapshot.Patch {
	return &snapshot.Patch{PatchID: id, TaskID: "task-" + id, CompletedAt: time.Now()}
}

func TestCreateOrJoinIsTurnScoped(t *testing.T) {
	r := NewRegistry()

	g1, created, err := r.CreateOrJoin("s1", "turn1", "research", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	require.True(t, created)

	// Same turn, same name: join.
	g2, created, err := r.CreateOrJoin("s1", "turn1", "research", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, g1.GroupID, g2.GroupID)

	// New turn: new group even with the same name.
	g3, created, err := r.CreateOrJoin("s1", "turn2", "research", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, g1.GroupID, g3.GroupID)

	// Sealed groups are not joinable by name.
	_, err = r.Seal(g1.GroupID)
	require.NoError(t, err)
	g4, created, err := r.CreateOrJoin("s1", "turn1", "research", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, g1.GroupID, g4.GroupID)

	_, _, err = r.CreateOrJoin("", "t", "n", "", "")
	require.Error(t, err)
}

func TestJoinRejectsCrossSessionAndSealed(t *testing.T) {
	r := NewRegistry()
	g, _, err := r.CreateOrJoin("s1", "turn1", "research", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)

	_, err = r.Join(g.GroupID, "other-session", "t1")
	assert.ErrorIs(t, err, ErrCrossSessionGroup)

	_, err = r.Join(g.GroupID, "s1", "t1")
	require.NoError(t, err)

	_, err = r.Seal(g.GroupID)
	require.NoError(t, err)
	_, err = r.Join(g.GroupID, "s1", "t2")
	assert.ErrorIs(t, err, ErrSealed)

	_, err = r.Join("missing", "s1", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupCompletesOnlyWhenSealedAndAllTerminal(t *testing.T) {
	r := NewRegistry()
	g, _, err := r.CreateOrJoin("s1", "turn1", "research", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	_, err = r.Join(g.GroupID, "s1", "t1")
	require.NoError(t, err)
	_, err = r.Join(g.GroupID, "s1", "t2")
	require.NoError(t, err)

	// All members done but not sealed: still OPEN, no report.
	_, err = r.MemberDone(g.GroupID, "t1", patch("p1"), false)
	require.NoError(t, err)
	got, err := r.MemberDone(g.GroupID, "t2", patch("p2"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	_, ready, err := r.CollectReport(g.GroupID)
	require.NoError(t, err)
	assert.False(t, ready)

	// Sealing with all members terminal completes immediately.
	sealed, err := r.Seal(g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, sealed.Status)
	require.NotNil(t, sealed.CompletedAt)

	rep, ready, err := r.CollectReport(g.GroupID)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, 2, rep.MemberCount)
	assert.Equal(t, 2, rep.SucceededCount)
	require.Len(t, rep.Patches, 2)
	assert.Equal(t, "p1", rep.Patches[0].PatchID)

	// Exactly once.
	_, ready, err = r.CollectReport(g.GroupID)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestSealBeforeMembersFinish(t *testing.T) {
	r := NewRegistry()
	g, _, err := r.CreateOrJoin("s1", "turn1", "", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	_, err = r.Join(g.GroupID, "s1", "t1")
	require.NoError(t, err)

	sealed, err := r.Seal(g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, StatusSealed, sealed.Status)

	done, err := r.MemberDone(g.GroupID, "t1", patch("p1"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, done.Status)
}

func TestReportStrategies(t *testing.T) {
	r := NewRegistry()

	// all: any failure fails the group; failed ids listed.
	gAll, _, err := r.CreateOrJoin("s1", "turn1", "", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	_, err = r.Join(gAll.GroupID, "s1", "ok")
	require.NoError(t, err)
	_, err = r.Join(gAll.GroupID, "s1", "bad")
	require.NoError(t, err)
	_, err = r.Seal(gAll.GroupID)
	require.NoError(t, err)
	_, err = r.MemberDone(gAll.GroupID, "ok", patch("p1"), false)
	require.NoError(t, err)
	got, err := r.MemberDone(gAll.GroupID, "bad", nil, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	rep, ready, err := r.CollectReport(gAll.GroupID)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, []string{"bad"}, rep.FailedTaskIDs)
	assert.Equal(t, 1, rep.SucceededCount)

	// any: one success completes the group.
	gAny, _, err := r.CreateOrJoin("s1", "turn1", "", snapshot.MergeAppend, ReportAny)
	require.NoError(t, err)
	_, err = r.Join(gAny.GroupID, "s1", "ok")
	require.NoError(t, err)
	_, err = r.Join(gAny.GroupID, "s1", "bad")
	require.NoError(t, err)
	_, err = r.Seal(gAny.GroupID)
	require.NoError(t, err)
	_, err = r.MemberDone(gAny.GroupID, "bad", nil, true)
	require.NoError(t, err)
	got, err = r.MemberDone(gAny.GroupID, "ok", patch("p2"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)

	// none: group completes but never reports.
	gNone, _, err := r.CreateOrJoin("s1", "turn1", "", snapshot.MergeAppend, ReportNone)
	require.NoError(t, err)
	_, err = r.Join(gNone.GroupID, "s1", "ok")
	require.NoError(t, err)
	_, err = r.Seal(gNone.GroupID)
	require.NoError(t, err)
	got, err = r.MemberDone(gNone.GroupID, "ok", nil, false)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	_, ready, err = r.CollectReport(gNone.GroupID)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestAutoSealTurn(t *testing.T) {
	r := NewRegistry()
	g1, _, err := r.CreateOrJoin("s1", "turn1", "a", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	g2, _, err := r.CreateOrJoin("s1", "turn1", "b", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	other, _, err := r.CreateOrJoin("s1", "turn2", "c", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)

	sealed := r.AutoSealTurn("s1", "turn1")
	assert.ElementsMatch(t, []string{g1.GroupID, g2.GroupID}, sealed)

	got, err := r.Get(other.GroupID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	// Idempotent.
	assert.Empty(t, r.AutoSealTurn("s1", "turn1"))
}

func TestMemberDoneKeepsFirstOutcome(t *testing.T) {
	r := NewRegistry()
	g, _, err := r.CreateOrJoin("s1", "turn1", "", snapshot.MergeAppend, ReportAll)
	require.NoError(t, err)
	_, err = r.Join(g.GroupID, "s1", "t1")
	require.NoError(t, err)
	_, err = r.Seal(g.GroupID)
	require.NoError(t, err)

	_, err = r.MemberDone(g.GroupID, "t1", patch("p1"), false)
	require.NoError(t, err)
	// Duplicate completion with a different outcome is ignored.
	got, err := r.MemberDone(g.GroupID, "t1", nil, true)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)

	_, err = r.MemberDone(g.GroupID, "stranger", nil, false)
	require.Error(t, err)
}
