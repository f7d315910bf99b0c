// Package events implements the Event Recorder of spec.md §4.4: a durable,
// densely-sequenced, per-run audit log with payload-overflow spill into the
// Artifact Store. The per-run mutex-guarded counter discipline follows the
// teacher's pkg/agent/state.go LoopState pattern.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/artifacts"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// Repository is the persistence seam the Recorder needs.
type Repository interface {
	MaxSequence(ctx context.Context, runID string) (int, error)
	InsertEvent(ctx context.Context, e *model.AgentEvent) (int64, error)
}

// Recorder records AgentEvents with the dense-sequence invariant of
// spec.md §4.4.
type Recorder struct {
	repo      Repository
	artifacts *artifacts.Store

	mu       sync.Mutex
	counters map[string]int // run_id -> next sequence, lazily seeded
}

// NewRecorder constructs a Recorder backed by repo for persistence and
// store for payload-overflow spill.
func NewRecorder(repo Repository, store *artifacts.Store) *Recorder {
	return &Recorder{
		repo:      repo,
		artifacts: store,
		counters:  make(map[string]int),
	}
}

// RecordOptions carries the optional fields of record().
type RecordOptions struct {
	Payload  map[string]any
	ToolName string
}

// Record implements spec.md §4.4's record() operation: validate event_type,
// acquire the next dense sequence number for run_id, spill an oversized
// payload to the Artifact Store, stamp the timestamp, persist, and return
// the new event's id. Persistence is synchronous for durability.
func (r *Recorder) Record(ctx context.Context, runID string, eventType model.EventType, opts RecordOptions) (int64, error) {
	if !model.IsValidEventType(eventType) {
		return 0, apperr.New(apperr.KindValidation, "unknown event_type: "+string(eventType))
	}

	seq, err := r.nextSequence(ctx, runID)
	if err != nil {
		return 0, err
	}

	event := &model.AgentEvent{
		RunID:     runID,
		Sequence:  seq,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   opts.Payload,
	}
	if opts.ToolName != "" {
		t := opts.ToolName
		event.ToolName = &t
	}

	if err := r.spillIfOversized(ctx, runID, event); err != nil {
		return 0, err
	}

	id, err := r.repo.InsertEvent(ctx, event)
	if err != nil {
		r.releaseSequence(runID, seq)
		return 0, apperr.Wrap(apperr.KindStorageFailure, "persist event", err)
	}
	return id, nil
}

// nextSequence returns the next sequence number for runID, seeding the
// per-run counter from max(sequence)+1 on first use, matching spec.md
// §4.4's "per-run counter seeded from max(sequence)+1 on first use".
func (r *Recorder) nextSequence(ctx context.Context, runID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.counters[runID]
	if !ok {
		max, err := r.repo.MaxSequence(ctx, runID)
		if err != nil {
			return 0, apperr.Wrap(apperr.KindStorageFailure, "seed event sequence counter", err)
		}
		next = max + 1
	}
	r.counters[runID] = next + 1
	return next, nil
}

// releaseSequence rolls back a reserved-but-unpersisted sequence number so
// a later retry does not leave a permanent gap. Used only on the
// insert-failure path.
func (r *Recorder) releaseSequence(runID string, seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.counters[runID]; ok && cur == seq+1 {
		r.counters[runID] = seq
	}
}

// spillIfOversized implements spec.md §4.4 step 3: if the serialized
// payload exceeds 4096 bytes, store the full payload as a `log` artifact,
// replace event.Payload with a small truncation summary, and set
// ArtifactRef/PayloadTruncated.
func (r *Recorder) spillIfOversized(ctx context.Context, runID string, event *model.AgentEvent) error {
	if event.Payload == nil {
		return nil
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "serialize event payload", err)
	}
	if len(raw) <= model.EventPayloadMax {
		return nil
	}

	art, err := r.artifacts.StoreContent(ctx, runID, model.ArtifactLog, raw, artifacts.StoreOptions{}, false)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "spill oversized event payload", err)
	}

	originalSize := int64(len(raw))
	summary := map[string]any{
		"_truncated":     true,
		"_original_size": originalSize,
	}
	for _, key := range []string{"event_type", "tool_name", "resource"} {
		if v, ok := event.Payload[key]; ok {
			summary[key] = v
		}
	}
	event.Payload = summary
	event.PayloadTruncated = &originalSize
	event.ArtifactRef = &art.ID
	return nil
}
