package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/artifacts"
	"github.com/rudiheydra/autobuildr/internal/events"
	"github.com/rudiheydra/autobuildr/internal/executor"
	"github.com/rudiheydra/autobuildr/internal/gate"
	"github.com/rudiheydra/autobuildr/internal/model"
)

func newTestKernel(t *testing.T, store *fakeStore, retry RetryConfig) *Kernel {
	t.Helper()
	artifactStore, err := artifacts.New(t.TempDir(), fakeArtifactRepo{})
	require.NoError(t, err)
	recorder := events.NewRecorder(store, artifactStore)
	return New(store, store, recorder, gate.New(), nil, retry, 36000)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func acceptAllSpec() *model.AcceptanceSpec {
	return &model.AcceptanceSpec{ID: "acc1", GateMode: model.GateModeAllPass}
}

func TestExecute_RejectsNonPendingRun(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	run.Status = model.RunStatusRunning
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)

	_, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, &fakeExecutor{}, "/project")

	assert.True(t, apperr.Is(err, apperr.KindStateConflict))
}

func TestExecute_SingleCompletedTurnReachesCompletedWithPassingVerdict(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)
	ex := &fakeExecutor{script: []scriptedCall{{result: executor.TurnResult{Completed: true, TokensIn: 10, TokensOut: 5}}}}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, result.Status)
	require.NotNil(t, result.FinalVerdict)
	assert.Equal(t, model.VerdictPassed, *result.FinalVerdict)
	assert.Equal(t, 1, result.TurnsUsed)
	assert.Equal(t, 10, result.TokensIn)
	assert.Equal(t, 5, result.TokensOut)

	assert.Len(t, store.eventsOfType(model.EventStarted), 1)
	assert.Len(t, store.eventsOfType(model.EventCompleted), 1)
}

func TestExecute_ForbiddenToolCallIsBlockedAndCountsAsViolation(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)
	spec.ToolPolicy.ForbiddenTools = []string{"delete_file"}

	ex := &fakeExecutor{script: []scriptedCall{{result: executor.TurnResult{
		Completed:  true,
		ToolEvents: []executor.ToolEvent{{ToolName: "delete_file", Arguments: []byte(`{"path":"x"}`), Success: true}},
	}}}}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, 1, result.PolicyViolations)
	assert.Len(t, store.eventsOfType(model.EventPolicyViolation), 1)
}

func TestExecute_MaxTurnsBudgetExhaustedTransitionsToTimeout(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)
	spec.MaxTurns = 2

	ex := &fakeExecutor{script: []scriptedCall{
		{result: executor.TurnResult{Completed: false}},
		{result: executor.TurnResult{Completed: false}},
	}}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusTimeout, result.Status)
	assert.Equal(t, 2, result.TurnsUsed)
	assert.Len(t, store.eventsOfType(model.EventTimeout), 1)
}

func TestExecute_WallClockTimeoutTransitionsToTimeoutWithoutCallingExecutor(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)
	spec.TimeoutSeconds = 0

	ex := &fakeExecutor{}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusTimeout, result.Status)
	assert.Equal(t, 0, ex.CallCount())
}

func TestExecute_ExecutorErrorTransitionsToFailed(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2})
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)

	ex := &fakeExecutor{script: []scriptedCall{{err: assert.AnError}}}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, result.Status)
	require.NotNil(t, result.FinalVerdict)
	assert.Equal(t, model.VerdictError, *result.FinalVerdict)
	assert.Len(t, store.eventsOfType(model.EventFailed), 1)
}

func TestExecute_RetriesProtocolFailureThenSucceeds(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)

	ex := &fakeExecutor{script: []scriptedCall{
		{result: executor.ProtocolFailure("completion_failed", "first attempt failed")},
		{result: executor.TurnResult{Completed: true}},
	}}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, result.Status)
	assert.Equal(t, 2, ex.CallCount())
	assert.Equal(t, 1, result.TurnsUsed, "a retried-away protocol failure must not consume turn budget")
}

func TestExecute_CircuitBreakerOpensAfterRepeatedSameProtocolFailure(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, RetryConfig{MaxAttempts: 10, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1})
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)

	ex := &fakeExecutor{script: []scriptedCall{
		{result: executor.ProtocolFailure("completion_failed", "fail 1")},
		{result: executor.ProtocolFailure("completion_failed", "fail 2")},
		{result: executor.ProtocolFailure("completion_failed", "fail 3")},
	}}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, result.Status)
	assert.Equal(t, 3, ex.CallCount(), "the breaker should trip before a fourth attempt is made")
}

func TestExecute_PanicInsideLoopIsRecoveredAsExecutorFailure(t *testing.T) {
	run := model.NewAgentRun("run1", "spec1")
	store := newFakeStore(run)
	k := newTestKernel(t, store, fastRetry())
	spec := model.NewAgentSpec("spec1", "coder", "do it", model.TaskTypeCoding)

	ex := &fakeExecutor{onCall: func(idx int) { panic("executor blew up") }}

	result, err := k.Execute(context.Background(), spec, acceptAllSpec(), run, ex, "/project")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, result.Status)
}
