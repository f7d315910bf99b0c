package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// InsertFeature persists a new feature, assigning it an id.
func (s *Store) InsertFeature(ctx context.Context, f *model.Feature) error {
	steps, err := json.Marshal(f.Steps)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal feature steps", err)
	}
	deps, err := marshalNullable(f.Dependencies)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal feature dependencies", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO features (priority, category, name, description, steps, passes, in_progress, dependencies)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Priority, f.Category, f.Name, f.Description, steps, f.Passes, f.InProgress, deps)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "insert feature", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "read inserted feature id", err)
	}
	f.ID = int(id)
	return nil
}

// GetFeature retrieves a feature by id, or (nil, nil) if absent.
func (s *Store) GetFeature(ctx context.Context, id int) (*model.Feature, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, priority, category, name, description, steps, passes, in_progress, dependencies
		FROM features WHERE id = ?`, id)
	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "query feature", err)
	}
	return f, nil
}

// ListFeatures returns every feature ordered by priority then id, the
// shape the Dependency Resolver needs.
func (s *Store) ListFeatures(ctx context.Context) ([]*model.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, category, name, description, steps, passes, in_progress, dependencies
		FROM features ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "list features", err)
	}
	defer rows.Close()

	var out []*model.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "scan feature", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFeatureStatus sets passes/in_progress, the only mutations the
// orchestrator performs against a feature record per spec.md §3.
func (s *Store) UpdateFeatureStatus(ctx context.Context, id int, inProgress, passes bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE features SET in_progress = ?, passes = ? WHERE id = ?`, inProgress, passes, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "update feature status", err)
	}
	return nil
}

// UpdateFeatureDependencies implements depgraph.Repository: a single
// transaction rewriting each listed feature's dependency set, matching
// the "committing a single transaction" requirement of spec.md §4.7's
// repair operations.
func (s *Store) UpdateFeatureDependencies(ids map[int][]int) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "begin dependency repair transaction", err)
	}
	defer tx.Rollback()

	for id, deps := range ids {
		raw, err := marshalNullable(deps)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "marshal repaired dependencies", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE features SET dependencies = ? WHERE id = ?`, raw, id); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "update feature dependencies", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "commit dependency repair transaction", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (*model.Feature, error) {
	var f model.Feature
	var steps string
	var deps sql.NullString
	if err := row.Scan(&f.ID, &f.Priority, &f.Category, &f.Name, &f.Description, &steps, &f.Passes, &f.InProgress, &deps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &f.Steps); err != nil {
		return nil, err
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &f.Dependencies); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []int:
		if len(t) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
