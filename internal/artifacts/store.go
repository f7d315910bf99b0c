// Package artifacts implements the content-addressed artifact store of
// spec.md §4.4, ported from original_source/api/artifact_storage.py:
// SHA-256 hashing, size-based inline/file routing at the 4096-byte
// threshold, per-run content deduplication, and idempotent
// content-addressed file writes.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// Repository is the persistence seam the Store needs: find-by-hash for
// dedup, and insert for new records. internal/store implements this.
type Repository interface {
	FindArtifactByHash(ctx context.Context, runID, contentHash string) (*model.Artifact, error)
	InsertArtifact(ctx context.Context, a *model.Artifact) error
}

// Store is the content-addressed artifact store. One Store serves an
// entire project; blobs are rooted under <project>/.autobuildr/artifacts.
type Store struct {
	projectDir    string
	artifactsBase string
	repo          Repository
}

// New creates a Store rooted at projectDir.
func New(projectDir string, repo Repository) (*Store, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "resolve project dir", err)
	}
	return &Store{
		projectDir:    abs,
		artifactsBase: filepath.Join(abs, ".autobuildr", "artifacts"),
		repo:          repo,
	}, nil
}

// StoreOptions configures a Store call; all fields are optional.
type StoreOptions struct {
	Path         string
	Metadata     map[string]any
	Deduplicate  bool // not read by StoreContent, whose deduplicate argument decides; StoreString always deduplicates
}

// StoreContent implements spec.md §4.4's store() operation exactly:
//  1. compute sha256(content) and size_bytes
//  2. if deduplicate and (run_id, content_hash) exists, return it
//  3. size_bytes<=4096 -> content_inline; else -> content-addressed file
//  4. return the created (or deduplicated) record
func (s *Store) StoreContent(ctx context.Context, runID string, artifactType model.ArtifactType, content []byte, opts StoreOptions, deduplicate bool) (*model.Artifact, error) {
	if !model.IsValidArtifactType(artifactType) {
		return nil, apperr.New(apperr.KindValidation, "invalid artifact_type: "+string(artifactType))
	}

	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])
	sizeBytes := int64(len(content))

	if deduplicate {
		existing, err := s.repo.FindArtifactByHash(ctx, runID, contentHash)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "lookup existing artifact", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	artifact := &model.Artifact{
		ID:           uuid.NewString(),
		RunID:        runID,
		ArtifactType: artifactType,
		ContentHash:  contentHash,
		SizeBytes:    sizeBytes,
		Metadata:     opts.Metadata,
	}
	if opts.Path != "" {
		p := opts.Path
		artifact.Path = &p
	}

	if sizeBytes <= model.ArtifactInlineSize {
		text := decodeReplace(content)
		artifact.ContentInline = &text
	} else {
		storagePath := s.storagePath(runID, contentHash)
		if _, err := os.Stat(storagePath); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(storagePath), 0o755); err != nil {
				return nil, apperr.Wrap(apperr.KindStorageFailure, "create artifact directory", err)
			}
			if err := os.WriteFile(storagePath, content, 0o644); err != nil {
				return nil, apperr.Wrap(apperr.KindStorageFailure, "write artifact blob", err)
			}
		}
		rel, err := filepath.Rel(s.projectDir, storagePath)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, "relativize artifact path", err)
		}
		artifact.ContentRef = &rel
	}

	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.InsertArtifact(ctx, artifact); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "persist artifact", err)
	}
	return artifact, nil
}

// StoreString stores UTF-8 text content with deduplication enabled.
func (s *Store) StoreString(ctx context.Context, runID string, artifactType model.ArtifactType, content string, opts StoreOptions) (*model.Artifact, error) {
	return s.StoreContent(ctx, runID, artifactType, []byte(content), opts, true)
}

func (s *Store) storagePath(runID, contentHash string) string {
	return filepath.Join(s.artifactsBase, runID, fmt.Sprintf("%s.blob", contentHash))
}

// Retrieve returns an artifact's content, preferring inline storage and
// falling back to the file. A missing file yields (nil, nil), not an
// error, per spec.md §4.4 ("so callers can degrade").
func (s *Store) Retrieve(a *model.Artifact) ([]byte, error) {
	if a.ContentInline != nil {
		return []byte(*a.ContentInline), nil
	}
	if a.ContentRef != nil {
		p := filepath.Join(s.projectDir, *a.ContentRef)
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, apperr.Wrap(apperr.KindStorageFailure, "read artifact blob", err)
		}
		return data, nil
	}
	return nil, nil
}

// DeleteContent removes the file backing a file-based artifact. It does not
// delete the artifact record; matches
// ArtifactStorage.delete_content in the original.
func (s *Store) DeleteContent(a *model.Artifact) (bool, error) {
	if a.ContentRef == nil {
		return false, nil
	}
	p := filepath.Join(s.projectDir, *a.ContentRef)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, "delete artifact blob", err)
	}
	return true, nil
}

// Stats reports storage statistics, ported from
// ArtifactStorage.get_storage_stats.
type Stats struct {
	ArtifactsBase string
	RunCount      int
	FileCount     int
	TotalBytes    int64
}

// Stats walks the artifact tree and summarizes it.
func (s *Store) Stats() (Stats, error) {
	out := Stats{ArtifactsBase: s.artifactsBase}
	entries, err := os.ReadDir(s.artifactsBase)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, apperr.Wrap(apperr.KindStorageFailure, "list artifact runs", err)
	}
	for _, runDir := range entries {
		if !runDir.IsDir() {
			continue
		}
		out.RunCount++
		blobs, err := os.ReadDir(filepath.Join(s.artifactsBase, runDir.Name()))
		if err != nil {
			continue
		}
		for _, blob := range blobs {
			if blob.IsDir() || filepath.Ext(blob.Name()) != ".blob" {
				continue
			}
			info, err := blob.Info()
			if err != nil {
				continue
			}
			out.FileCount++
			out.TotalBytes += info.Size()
		}
	}
	return out, nil
}

// decodeReplace decodes bytes as UTF-8 text, substituting the Unicode
// replacement character for invalid sequences, matching Python's
// `errors="replace"` decode behavior used for inline storage.
func decodeReplace(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}
