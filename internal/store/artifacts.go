package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// InsertArtifact implements artifacts.Repository.
func (s *Store) InsertArtifact(ctx context.Context, a *model.Artifact) error {
	metadata, err := marshalNullable(a.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal artifact metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, artifact_type, path, content_ref, content_inline,
			content_hash, size_bytes, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, string(a.ArtifactType), a.Path, a.ContentRef, a.ContentInline,
		a.ContentHash, a.SizeBytes, metadata)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "insert artifact", err)
	}
	return nil
}

// FindArtifactByHash implements artifacts.Repository: dedup lookup by
// (run_id, content_hash).
func (s *Store) FindArtifactByHash(ctx context.Context, runID, contentHash string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, artifact_type, path, content_ref, content_inline, content_hash,
			size_bytes, metadata
		FROM artifacts WHERE run_id = ? AND content_hash = ? LIMIT 1`, runID, contentHash)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query artifact by hash", err)
	}
	return a, nil
}

// GetArtifact retrieves an artifact by id, or (nil, nil) if absent.
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, artifact_type, path, content_ref, content_inline, content_hash,
			size_bytes, metadata
		FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query artifact", err)
	}
	return a, nil
}

// ListArtifactsByRun returns every artifact recorded for a run, for the
// read-only HTTP surface.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, artifact_type, path, content_ref, content_inline, content_hash,
			size_bytes, metadata
		FROM artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "list artifacts by run", err)
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "scan artifact", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearOrphanedArtifactRefs nulls out any agent_events.artifact_ref that
// points at a deleted artifact, matching original_source's
// _migrate_add_agent_event_artifact_fk cleanup, since spec.md §6 requires
// ON DELETE SET NULL semantics even under a driver that does not enforce
// ON DELETE actions for already-orphaned historical rows.
func (s *Store) ClearOrphanedArtifactRefs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_events SET artifact_ref = NULL
		WHERE artifact_ref IS NOT NULL
		AND artifact_ref NOT IN (SELECT id FROM artifacts)`)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, "clear orphaned artifact refs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, "read rows affected", err)
	}
	return n, nil
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	var artifactType string
	var path, contentRef, contentInline, metadata sql.NullString

	if err := row.Scan(&a.ID, &a.RunID, &artifactType, &path, &contentRef, &contentInline,
		&a.ContentHash, &a.SizeBytes, &metadata); err != nil {
		return nil, err
	}
	a.ArtifactType = model.ArtifactType(artifactType)
	if path.Valid {
		v := path.String
		a.Path = &v
	}
	if contentRef.Valid {
		v := contentRef.String
		a.ContentRef = &v
	}
	if contentInline.Valid {
		v := contentInline.String
		a.ContentInline = &v
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
