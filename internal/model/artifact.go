package model

import "github.com/rudiheydra/autobuildr/internal/apperr"

// ArtifactType is the closed set of spec.md §3's Artifact.artifact_type.
type ArtifactType string

const (
	ArtifactFileChange ArtifactType = "file_change"
	ArtifactTestResult ArtifactType = "test_result"
	ArtifactLog        ArtifactType = "log"
	ArtifactMetric     ArtifactType = "metric"
	ArtifactSnapshot   ArtifactType = "snapshot"
)

var validArtifactTypes = map[ArtifactType]bool{
	ArtifactFileChange: true, ArtifactTestResult: true, ArtifactLog: true,
	ArtifactMetric: true, ArtifactSnapshot: true,
}

// IsValidArtifactType reports whether t is in the registered set.
func IsValidArtifactType(t ArtifactType) bool { return validArtifactTypes[t] }

// Artifact is a persisted output of a run (spec.md §3).
type Artifact struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	ArtifactType  ArtifactType   `json:"artifact_type"`
	Path          *string        `json:"path,omitempty"`
	ContentHash   string         `json:"content_hash"`
	SizeBytes     int64          `json:"size_bytes"`
	ContentInline *string        `json:"content_inline,omitempty"`
	ContentRef    *string        `json:"content_ref,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the Artifact invariants of spec.md §3: content_hash and
// size_bytes always set, exactly one of content_inline/content_ref, routing
// keyed strictly by the 4096-byte threshold.
func (a *Artifact) Validate() error {
	if !IsValidArtifactType(a.ArtifactType) {
		return apperr.New(apperr.KindValidation, "unknown artifact_type: "+string(a.ArtifactType))
	}
	if a.ContentHash == "" {
		return apperr.New(apperr.KindValidation, "content_hash is required")
	}
	hasInline := a.ContentInline != nil
	hasRef := a.ContentRef != nil
	if hasInline == hasRef {
		return apperr.New(apperr.KindValidation, "exactly one of content_inline or content_ref must be set")
	}
	wantInline := a.SizeBytes <= ArtifactInlineSize
	if wantInline != hasInline {
		return apperr.New(apperr.KindValidation, "content routing must match size_bytes<=4096 threshold")
	}
	return nil
}
