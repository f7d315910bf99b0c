package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudiheydra/autobuildr/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesReopenableDatabase(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, s1.InsertFeature(context.Background(), &model.Feature{Name: "f", Category: "c", Description: "d"}))
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer s2.Close()

	features, err := s2.ListFeatures(context.Background())
	require.NoError(t, err)
	assert.Len(t, features, 1)
}

func TestFeature_InsertAndGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := &model.Feature{Priority: 5, Category: "backend", Name: "f1", Description: "d1", Steps: []string{"a", "b"}, Dependencies: []int{}}
	require.NoError(t, s.InsertFeature(ctx, f))
	assert.NotZero(t, f.ID)

	got, err := s.GetFeature(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, f.Name, got.Name)
	assert.Equal(t, []string{"a", "b"}, got.Steps)
}

func TestFeature_GetMissingReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetFeature(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFeature_ListOrdersByPriorityThenID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := &model.Feature{Priority: 10, Category: "c", Name: "low", Description: "d"}
	high := &model.Feature{Priority: 1, Category: "c", Name: "high", Description: "d"}
	require.NoError(t, s.InsertFeature(ctx, low))
	require.NoError(t, s.InsertFeature(ctx, high))

	got, err := s.ListFeatures(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Name)
	assert.Equal(t, "low", got[1].Name)
}

func TestFeature_UpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := &model.Feature{Category: "c", Name: "f1", Description: "d"}
	require.NoError(t, s.InsertFeature(ctx, f))

	require.NoError(t, s.UpdateFeatureStatus(ctx, f.ID, true, false))
	got, err := s.GetFeature(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.InProgress)
	assert.False(t, got.Passes)
}

func TestFeature_UpdateDependenciesIsTransactional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &model.Feature{Category: "c", Name: "a", Description: "d", Dependencies: []int{99}}
	b := &model.Feature{Category: "c", Name: "b", Description: "d"}
	require.NoError(t, s.InsertFeature(ctx, a))
	require.NoError(t, s.InsertFeature(ctx, b))

	err := s.UpdateFeatureDependencies(map[int][]int{a.ID: {b.ID}})
	require.NoError(t, err)

	got, err := s.GetFeature(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{b.ID}, got.Dependencies)
}

func TestAgentSpec_InsertAndGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := model.NewAgentSpec("s1", "coder-x", "do a thing", model.TaskTypeCoding)
	spec.ToolPolicy.PolicyVersion = "v1"
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	got, err := s.GetAgentSpec(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, spec.Name, got.Name)
	assert.Equal(t, spec.TaskType, got.TaskType)
}

func TestAgentSpec_NameExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "unique-name", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	assert.True(t, s.AgentSpecNameExists(ctx, "unique-name"))
	assert.False(t, s.AgentSpecNameExists(ctx, "nonexistent-name"))
}

func TestAcceptanceSpec_InsertAndGetByAgentSpecRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	min := 0.8
	a := &model.AcceptanceSpec{
		ID: "a1", AgentSpecID: "s1", GateMode: model.GateModeWeighted, MinScore: &min,
		RetryPolicy: model.RetryPolicyNone,
		Validators: []model.ValidatorConfig{{Kind: model.ValidatorFileExists, Weight: 1}},
	}
	require.NoError(t, s.InsertAcceptanceSpec(ctx, a))

	got, err := s.GetAcceptanceSpecByAgentSpec(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.GateModeWeighted, got.GateMode)
	require.NotNil(t, got.MinScore)
	assert.Equal(t, 0.8, *got.MinScore)
	require.Len(t, got.Validators, 1)
}

func TestAgentRun_InsertAndGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	got, err := s.GetAgentRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunStatusPending, got.Status)
}

func TestAgentRun_UpdatePersistsTerminalState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))
	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, run.Transition(model.RunStatusRunning, now))
	require.NoError(t, run.Transition(model.RunStatusCompleted, now.Add(time.Minute)))
	v := model.VerdictPassed
	run.FinalVerdict = &v
	run.TurnsUsed = 7

	require.NoError(t, s.UpdateAgentRun(ctx, run))

	got, err := s.GetAgentRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.FinalVerdict)
	assert.Equal(t, model.VerdictPassed, *got.FinalVerdict)
	assert.Equal(t, 7, got.TurnsUsed)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestAgentRun_FindNonTerminalRunExcludesTerminalStatuses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	got, err := s.FindNonTerminalRun(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)

	run.Status = model.RunStatusCompleted
	require.NoError(t, s.UpdateAgentRun(ctx, run))

	got, err = s.FindNonTerminalRun(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAgentRun_ListOrphanedRunsFindsPendingAndRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	pending := model.NewAgentRun("r1", "s1")
	completed := model.NewAgentRun("r2", "s1")
	completed.Status = model.RunStatusCompleted
	require.NoError(t, s.InsertAgentRun(ctx, pending))
	require.NoError(t, s.InsertAgentRun(ctx, completed))

	orphaned, err := s.ListOrphanedRuns(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "r1", orphaned[0].ID)
}

func TestAgentRun_ListAgentRunsFiltersBySpecAndOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))

	r1 := model.NewAgentRun("r1", "s1")
	r1.CreatedAt = time.Now().UTC().Add(-time.Hour)
	r2 := model.NewAgentRun("r2", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, r1))
	require.NoError(t, s.InsertAgentRun(ctx, r2))

	got, err := s.ListAgentRuns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID, "newest run first")
}

func TestArtifact_InsertAndFindByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))
	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	inline := "hello"
	a := &model.Artifact{ID: "art1", RunID: "r1", ArtifactType: model.ArtifactLog, ContentHash: "h1", SizeBytes: 5, ContentInline: &inline}
	require.NoError(t, s.InsertArtifact(ctx, a))

	got, err := s.FindArtifactByHash(ctx, "r1", "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "art1", got.ID)
}

func TestArtifact_ClearOrphanedArtifactRefsNullsDanglingRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))
	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	// Foreign keys are enforced, so the historical orphan is written with
	// enforcement switched off for the insert.
	_, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=OFF")
	require.NoError(t, err)
	dangling := "missing-artifact-id"
	_, err = s.InsertEvent(ctx, &model.AgentEvent{RunID: "r1", Sequence: 1, EventType: model.EventStarted, Timestamp: time.Now().UTC(), ArtifactRef: &dangling})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	require.NoError(t, err)

	n, err := s.ClearOrphanedArtifactRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := s.ListEventsByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].ArtifactRef)
}

func TestEvent_InsertAndListByRunOrdersBySequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))
	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	_, err := s.InsertEvent(ctx, &model.AgentEvent{RunID: "r1", Sequence: 2, EventType: model.EventTurnComplete, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, &model.AgentEvent{RunID: "r1", Sequence: 1, EventType: model.EventStarted, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	got, err := s.ListEventsByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventStarted, got[0].EventType)
	assert.Equal(t, model.EventTurnComplete, got[1].EventType)
}

func TestEvent_MaxSequenceReturnsZeroWhenNoEventsExist(t *testing.T) {
	s := openTestStore(t)
	max, err := s.MaxSequence(context.Background(), "r-missing")
	require.NoError(t, err)
	assert.Equal(t, 0, max)
}

func TestEvent_ListByRunAndTypeFiltersCorrectly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spec := model.NewAgentSpec("s1", "coder-x", "x", model.TaskTypeCoding)
	require.NoError(t, s.InsertAgentSpec(ctx, spec))
	run := model.NewAgentRun("r1", "s1")
	require.NoError(t, s.InsertAgentRun(ctx, run))

	_, err := s.InsertEvent(ctx, &model.AgentEvent{RunID: "r1", Sequence: 1, EventType: model.EventStarted, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, &model.AgentEvent{RunID: "r1", Sequence: 2, EventType: model.EventToolCall, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	got, err := s.ListEventsByRunAndType(ctx, "r1", model.EventToolCall)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventToolCall, got[0].EventType)
}
