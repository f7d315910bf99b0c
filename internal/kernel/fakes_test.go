package kernel

import (
	"context"
	"sync"

	"github.com/rudiheydra/autobuildr/internal/executor"
	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

// fakeStore backs RunRepository, EventSource, and events.Repository with an
// in-memory map, so Kernel tests exercise real persistence semantics
// (dense sequencing, terminal-state snapshots) without a database.
type fakeStore struct {
	mu     sync.Mutex
	runs   map[string]*model.AgentRun
	events []*model.AgentEvent
	maxSeq map[string]int
	nextID int64

	onInsertEvent func(*model.AgentEvent)
}

func newFakeStore(run *model.AgentRun) *fakeStore {
	return &fakeStore{
		runs:   map[string]*model.AgentRun{run.ID: run},
		maxSeq: make(map[string]int),
	}
}

func (f *fakeStore) GetAgentRun(ctx context.Context, id string) (*model.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id], nil
}

func (f *fakeStore) UpdateAgentRun(ctx context.Context, r *model.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = r
	return nil
}

func (f *fakeStore) ListOrphanedRuns(ctx context.Context) ([]*model.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AgentRun
	for _, r := range f.runs {
		if r.Status == model.RunStatusPending || r.Status == model.RunStatusRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListEventsByRunAndType(ctx context.Context, runID string, eventType model.EventType) ([]model.AgentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AgentEvent
	for _, e := range f.events {
		if e.RunID == runID && e.EventType == eventType {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) MaxSequence(ctx context.Context, runID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeq[runID], nil
}

func (f *fakeStore) InsertEvent(ctx context.Context, e *model.AgentEvent) (int64, error) {
	f.mu.Lock()
	f.nextID++
	e.ID = f.nextID
	f.events = append(f.events, e)
	if e.Sequence > f.maxSeq[e.RunID] {
		f.maxSeq[e.RunID] = e.Sequence
	}
	hook := f.onInsertEvent
	f.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return e.ID, nil
}

func (f *fakeStore) eventsOfType(eventType model.EventType) []*model.AgentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AgentEvent
	for _, e := range f.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeArtifactRepo is a minimal artifacts.Repository backing for the
// events.Recorder a Kernel test wires up; no test here exercises oversized
// payload spillover, so it only needs to satisfy the interface.
type fakeArtifactRepo struct{}

func (fakeArtifactRepo) FindArtifactByHash(ctx context.Context, runID, hash string) (*model.Artifact, error) {
	return nil, nil
}

func (fakeArtifactRepo) InsertArtifact(ctx context.Context, a *model.Artifact) error {
	return nil
}

// scriptedCall is one entry of a fakeExecutor's call script.
type scriptedCall struct {
	result executor.TurnResult
	err    error
}

// fakeExecutor implements executor.Executor with a scripted sequence of
// per-call results/errors, and an optional synchronous hook for
// coordinating with a test goroutine around a specific call index.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	script []scriptedCall
	onCall func(callIndex int)
}

func (f *fakeExecutor) ExecuteTurn(ctx context.Context, spec *model.AgentSpec, runID string, history *llm.Conversation) (executor.TurnResult, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(idx)
	}

	if idx < len(f.script) {
		return f.script[idx].result, f.script[idx].err
	}
	return executor.TurnResult{Completed: true}, nil
}

func (f *fakeExecutor) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
