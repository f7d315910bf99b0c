// Package model defines the data types of the orchestrator core: Feature,
// AgentSpec, AcceptanceSpec, AgentRun, Artifact, AgentEvent, and the
// persistence-only Schedule pair. Field shapes follow the teacher's
// struct-with-builder-methods idiom (pkg/sdk/task.go, plan.go, result.go).
package model

import "github.com/rudiheydra/autobuildr/internal/apperr"

// Feature is a backlog work item.
type Feature struct {
	ID           int      `json:"id"`
	Priority     int      `json:"priority"`
	Category     string   `json:"category"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Steps        []string `json:"steps"`
	Passes       bool     `json:"passes"`
	InProgress   bool     `json:"in_progress"`
	Dependencies []int    `json:"dependencies,omitempty"`
}

// DefaultFeaturePriority is used when a Feature is created without an
// explicit priority.
const DefaultFeaturePriority = 999

// Validate checks the invariants spec.md assigns to Feature, excluding the
// graph-wide ones (self-reference, orphan, cycle) which the dependency
// resolver owns because they require the full feature set.
func (f *Feature) Validate() error {
	if f.Name == "" {
		return apperr.New(apperr.KindValidation, "feature name must not be empty")
	}
	if f.Category == "" {
		return apperr.New(apperr.KindValidation, "feature category must not be empty")
	}
	if f.Description == "" {
		return apperr.New(apperr.KindValidation, "feature description must not be empty")
	}
	return nil
}

// HasSelfReference reports whether the feature lists itself as a dependency.
func (f *Feature) HasSelfReference() bool {
	for _, d := range f.Dependencies {
		if d == f.ID {
			return true
		}
	}
	return false
}

// Schedule is a persistence-only record (supplemented from
// original_source/api/database.py); no scheduler runtime consumes it in
// this core, but the schema is carried so a future adapter has a stable
// target.
type Schedule struct {
	ID              int    `json:"id"`
	ProjectName     string `json:"project_name"`
	StartTime       string `json:"start_time"` // "HH:MM"
	DurationMinutes int    `json:"duration_minutes"`
	DaysOfWeek      int    `json:"days_of_week"` // bitfield, Mon=1..Sun=64
	Enabled         bool   `json:"enabled"`
	YoloMode        bool   `json:"yolo_mode"`
	Model           string `json:"model,omitempty"`
	MaxConcurrency  int    `json:"max_concurrency"`
	CrashCount      int    `json:"crash_count"`
}

// IsActiveOnDay reports whether the schedule fires on the given weekday
// (0=Monday .. 6=Sunday), matching the bitfield semantics of the original.
func (s *Schedule) IsActiveOnDay(weekday int) bool {
	bit := 1 << uint(weekday)
	return s.DaysOfWeek&bit != 0
}

// ScheduleOverride is a persisted manual override window for a Schedule.
type ScheduleOverride struct {
	ID           int    `json:"id"`
	ScheduleID   int    `json:"schedule_id"`
	OverrideType string `json:"override_type"` // "start" or "stop"
	ExpiresAtRFC string `json:"expires_at"`
}
