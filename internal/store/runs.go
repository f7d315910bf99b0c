package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// InsertAgentRun persists a new AgentRun, stamping created_at.
func (s *Store) InsertAgentRun(ctx context.Context, r *model.AgentRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_spec_id, status, turns_used, tokens_in, tokens_out,
			retry_count, created_at, policy_violations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentSpecID, string(r.Status), r.TurnsUsed, r.TokensIn, r.TokensOut,
		r.RetryCount, r.CreatedAt.Format(time.RFC3339Nano), r.PolicyViolations)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "insert agent_run", err)
	}
	return nil
}

// GetAgentRun retrieves a run by id, or (nil, nil) if absent.
func (s *Store) GetAgentRun(ctx context.Context, id string) (*model.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_spec_id, status, started_at, completed_at, turns_used, tokens_in,
			tokens_out, final_verdict, acceptance_results, error, retry_count, created_at,
			policy_violations
		FROM agent_runs WHERE id = ?`, id)
	r, err := scanAgentRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query agent_run", err)
	}
	return r, nil
}

// FindNonTerminalRun returns the single non-terminal run for a spec, if
// any, enforcing spec.md §3's "at most one run per spec is non-terminal
// at any time" invariant at the query layer.
func (s *Store) FindNonTerminalRun(ctx context.Context, agentSpecID string) (*model.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_spec_id, status, started_at, completed_at, turns_used, tokens_in,
			tokens_out, final_verdict, acceptance_results, error, retry_count, created_at,
			policy_violations
		FROM agent_runs WHERE agent_spec_id = ? AND status NOT IN ('timeout','failed','completed')
		ORDER BY created_at DESC LIMIT 1`, agentSpecID)
	r, err := scanAgentRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query non-terminal run", err)
	}
	return r, nil
}

// ListOrphanedRuns returns every run left in pending or running, the set
// a crash-recovery scan must fail with error="orphaned_on_restart" per
// spec.md §4.1.
func (s *Store) ListOrphanedRuns(ctx context.Context) ([]*model.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_spec_id, status, started_at, completed_at, turns_used, tokens_in,
			tokens_out, final_verdict, acceptance_results, error, retry_count, created_at,
			policy_violations
		FROM agent_runs WHERE status IN ('pending','running')`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "list orphaned runs", err)
	}
	defer rows.Close()

	var out []*model.AgentRun
	for rows.Next() {
		r, err := scanAgentRun(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "scan agent_run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAgentRuns returns runs ordered newest-first, optionally filtered to
// a single AgentSpec, for the read-only HTTP surface (spec.md §1's "thin
// CRUD/streaming adapter over the core").
func (s *Store) ListAgentRuns(ctx context.Context, agentSpecID string, limit int) ([]*model.AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, agent_spec_id, status, started_at, completed_at, turns_used, tokens_in,
			tokens_out, final_verdict, acceptance_results, error, retry_count, created_at,
			policy_violations
		FROM agent_runs`
	args := []any{}
	if agentSpecID != "" {
		query += ` WHERE agent_spec_id = ?`
		args = append(args, agentSpecID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "list agent runs", err)
	}
	defer rows.Close()

	var out []*model.AgentRun
	for rows.Next() {
		r, err := scanAgentRun(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "scan agent_run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAgentRun persists the full mutable state of a run: status,
// timestamps, counters, verdict, and acceptance results. The Kernel is
// the sole writer of these columns per spec.md §4.1.
func (s *Store) UpdateAgentRun(ctx context.Context, r *model.AgentRun) error {
	acceptanceResults, err := marshalNullable(r.AcceptanceResults)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal acceptance_results", err)
	}

	var startedAt, completedAt any
	if r.StartedAt != nil {
		startedAt = r.StartedAt.Format(time.RFC3339Nano)
	}
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.Format(time.RFC3339Nano)
	}
	var finalVerdict any
	if r.FinalVerdict != nil {
		finalVerdict = string(*r.FinalVerdict)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, started_at = ?, completed_at = ?, turns_used = ?,
			tokens_in = ?, tokens_out = ?, final_verdict = ?, acceptance_results = ?, error = ?,
			retry_count = ?, policy_violations = ?
		WHERE id = ?`,
		string(r.Status), startedAt, completedAt, r.TurnsUsed, r.TokensIn, r.TokensOut,
		finalVerdict, acceptanceResults, r.Error, r.RetryCount, r.PolicyViolations, r.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "update agent_run", err)
	}
	return nil
}

func scanAgentRun(row rowScanner) (*model.AgentRun, error) {
	var r model.AgentRun
	var status, createdAt string
	var startedAt, completedAt, finalVerdict, acceptanceResults, errText sql.NullString

	if err := row.Scan(&r.ID, &r.AgentSpecID, &status, &startedAt, &completedAt, &r.TurnsUsed,
		&r.TokensIn, &r.TokensOut, &finalVerdict, &acceptanceResults, &errText, &r.RetryCount,
		&createdAt, &r.PolicyViolations); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)

	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, err
		}
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	if finalVerdict.Valid {
		v := model.Verdict(finalVerdict.String)
		r.FinalVerdict = &v
	}
	if acceptanceResults.Valid && acceptanceResults.String != "" {
		if err := json.Unmarshal([]byte(acceptanceResults.String), &r.AcceptanceResults); err != nil {
			return nil, err
		}
	}
	if errText.Valid {
		v := errText.String
		r.Error = &v
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	return &r, nil
}
