package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// MaxSequence implements events.Repository: the highest sequence number
// recorded for a run, or 0 if none exist, so the Recorder can seed its
// per-run counter at max+1.
func (s *Store) MaxSequence(ctx context.Context, runID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM agent_events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, "query max event sequence", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// InsertEvent implements events.Repository.
func (s *Store) InsertEvent(ctx context.Context, e *model.AgentEvent) (int64, error) {
	payload, err := marshalNullable(e.Payload)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, "marshal event payload", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_events (run_id, sequence, event_type, timestamp, payload,
			payload_truncated, artifact_ref, tool_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Sequence, string(e.EventType), e.Timestamp.Format(time.RFC3339Nano), payload,
		e.PayloadTruncated, e.ArtifactRef, e.ToolName)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, "insert agent_event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, "read inserted event id", err)
	}
	e.ID = id
	return id, nil
}

// ListEventsByRun returns every event for a run in sequence order, the
// shape the Acceptance Gate's forbidden_patterns validator and any
// replay/audit consumer need.
func (s *Store) ListEventsByRun(ctx context.Context, runID string) ([]model.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, sequence, event_type, timestamp, payload, payload_truncated,
			artifact_ref, tool_name
		FROM agent_events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "list events", err)
	}
	defer rows.Close()

	var out []model.AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "scan event", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListEventsByRunAndType returns every event of one type for a run, in
// sequence order — the composite index ix_event_run_event_type exists
// precisely to serve this query.
func (s *Store) ListEventsByRunAndType(ctx context.Context, runID string, eventType model.EventType) ([]model.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, sequence, event_type, timestamp, payload, payload_truncated,
			artifact_ref, tool_name
		FROM agent_events WHERE run_id = ? AND event_type = ? ORDER BY sequence ASC`, runID, string(eventType))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "list events by type", err)
	}
	defer rows.Close()

	var out []model.AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "scan event", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*model.AgentEvent, error) {
	var e model.AgentEvent
	var eventType, timestamp string
	var payload, artifactRef, toolName sql.NullString
	var payloadTruncated sql.NullInt64

	if err := row.Scan(&e.ID, &e.RunID, &e.Sequence, &eventType, &timestamp, &payload,
		&payloadTruncated, &artifactRef, &toolName); err != nil {
		return nil, err
	}
	e.EventType = model.EventType(eventType)
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, err
	}
	e.Timestamp = t
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return nil, err
		}
	}
	if payloadTruncated.Valid {
		v := payloadTruncated.Int64
		e.PayloadTruncated = &v
	}
	if artifactRef.Valid {
		v := artifactRef.String
		e.ArtifactRef = &v
	}
	if toolName.Valid {
		v := toolName.String
		e.ToolName = &v
	}
	return &e, nil
}
