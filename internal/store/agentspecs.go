package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// InsertAgentSpec persists a new AgentSpec, stamping created_at.
func (s *Store) InsertAgentSpec(ctx context.Context, spec *model.AgentSpec) error {
	toolPolicy, err := json.Marshal(spec.ToolPolicy)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal tool_policy", err)
	}
	context, err := json.Marshal(spec.Context)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal context", err)
	}
	tags, err := json.Marshal(spec.Tags)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal tags", err)
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_specs (id, name, display_name, icon, spec_version, objective, task_type,
			context, tool_policy, max_turns, timeout_seconds, parent_spec_id, source_feature_id,
			spec_path, priority, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.ID, spec.Name, spec.DisplayName, nullableString(spec.Icon), spec.SpecVersion,
		spec.Objective, string(spec.TaskType), context, toolPolicy, spec.MaxTurns, spec.TimeoutSeconds,
		spec.ParentSpecID, spec.SourceFeatureID, spec.SpecPath, spec.Priority, tags,
		spec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "insert agent_spec", err)
	}
	return nil
}

// GetAgentSpec retrieves an AgentSpec by id, or (nil, nil) if absent.
func (s *Store) GetAgentSpec(ctx context.Context, id string) (*model.AgentSpec, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, display_name, icon, spec_version, objective, task_type, context,
			tool_policy, max_turns, timeout_seconds, parent_spec_id, source_feature_id, spec_path,
			priority, tags, created_at
		FROM agent_specs WHERE id = ?`, id)
	spec, err := scanAgentSpec(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query agent_spec", err)
	}
	return spec, nil
}

func scanAgentSpec(row rowScanner) (*model.AgentSpec, error) {
	var spec model.AgentSpec
	var icon, parentSpecID, specPath sql.NullString
	var sourceFeatureID sql.NullInt64
	var taskType, contextJSON, toolPolicyJSON, tagsJSON, createdAt string

	if err := row.Scan(&spec.ID, &spec.Name, &spec.DisplayName, &icon, &spec.SpecVersion,
		&spec.Objective, &taskType, &contextJSON, &toolPolicyJSON, &spec.MaxTurns, &spec.TimeoutSeconds,
		&parentSpecID, &sourceFeatureID, &specPath, &spec.Priority, &tagsJSON, &createdAt); err != nil {
		return nil, err
	}

	spec.TaskType = model.TaskType(taskType)
	if icon.Valid {
		spec.Icon = icon.String
	}
	if parentSpecID.Valid {
		v := parentSpecID.String
		spec.ParentSpecID = &v
	}
	if sourceFeatureID.Valid {
		v := int(sourceFeatureID.Int64)
		spec.SourceFeatureID = &v
	}
	if specPath.Valid {
		v := specPath.String
		spec.SpecPath = &v
	}
	if err := json.Unmarshal([]byte(contextJSON), &spec.Context); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toolPolicyJSON), &spec.ToolPolicy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &spec.Tags); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	spec.CreatedAt = t
	return &spec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertAcceptanceSpec persists a new AcceptanceSpec, one-to-one with an
// AgentSpec per spec.md §3.
func (s *Store) InsertAcceptanceSpec(ctx context.Context, a *model.AcceptanceSpec) error {
	validators, err := json.Marshal(a.Validators)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal validators", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO acceptance_specs (id, agent_spec_id, validators, gate_mode, min_score,
			retry_policy, max_retries, fallback_spec_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentSpecID, validators, string(a.GateMode), a.MinScore,
		string(a.RetryPolicy), a.MaxRetries, a.FallbackSpecID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "insert acceptance_spec", err)
	}
	return nil
}

// GetAcceptanceSpecByAgentSpec retrieves the AcceptanceSpec owned by an
// AgentSpec, or (nil, nil) if absent.
func (s *Store) GetAcceptanceSpecByAgentSpec(ctx context.Context, agentSpecID string) (*model.AcceptanceSpec, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_spec_id, validators, gate_mode, min_score, retry_policy, max_retries, fallback_spec_id
		FROM acceptance_specs WHERE agent_spec_id = ?`, agentSpecID)

	var a model.AcceptanceSpec
	var validators, gateMode, retryPolicy string
	var minScore sql.NullFloat64
	var fallbackSpecID sql.NullString

	if err := row.Scan(&a.ID, &a.AgentSpecID, &validators, &gateMode, &minScore, &retryPolicy, &a.MaxRetries, &fallbackSpecID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query acceptance_spec", err)
	}
	a.GateMode = model.GateMode(gateMode)
	a.RetryPolicy = model.RetryPolicy(retryPolicy)
	if minScore.Valid {
		v := minScore.Float64
		a.MinScore = &v
	}
	if fallbackSpecID.Valid {
		v := fallbackSpecID.String
		a.FallbackSpecID = &v
	}
	if err := json.Unmarshal([]byte(validators), &a.Validators); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "unmarshal validators", err)
	}
	return &a, nil
}

// AgentSpecNameExists implements compiler.NameAllocator's existence
// check against the database's uniqueness constraint.
func (s *Store) AgentSpecNameExists(ctx context.Context, name string) bool {
	var n int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_specs WHERE name = ?`, name).Scan(&n)
	return n > 0
}
