package model

import (
	"regexp"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

// TaskType is the closed set of spec.md §3's AgentSpec.task_type.
type TaskType string

const (
	TaskTypeCoding        TaskType = "coding"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeRefactoring   TaskType = "refactoring"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeAudit         TaskType = "audit"
	TaskTypeCustom        TaskType = "custom"
)

var validTaskTypes = map[TaskType]bool{
	TaskTypeCoding: true, TaskTypeTesting: true, TaskTypeRefactoring: true,
	TaskTypeDocumentation: true, TaskTypeAudit: true, TaskTypeCustom: true,
}

// Budget bounds from spec.md §3.
const (
	MinMaxTurns        = 1
	MaxMaxTurns        = 500
	MinTimeoutSeconds  = 60
	MaxTimeoutSeconds  = 7200
	MaxSpecNameLength  = 100
	ArtifactInlineSize = 4096 // informational constant, also enforced in internal/artifacts
	EventPayloadMax    = 4096 // informational constant, also enforced in internal/events
)

// ToolPolicy is the immutable value object of spec.md §4.3.
type ToolPolicy struct {
	PolicyVersion      string            `json:"policy_version"`
	AllowedTools       []string          `json:"allowed_tools"`
	ForbiddenTools     []string          `json:"forbidden_tools,omitempty"`
	ForbiddenPatterns  []string          `json:"forbidden_patterns,omitempty"`
	AllowedDirectories []string          `json:"allowed_directories,omitempty"`
	ToolHints          map[string]string `json:"tool_hints,omitempty"`

	compiled []*regexp.Regexp
}

// Compile validates and pre-compiles the forbidden pattern regexes.
// Called once at spec load time; a bad pattern fails the spec load per
// spec.md §4.3 ("Patterns must compile at spec load").
func (p *ToolPolicy) Compile() error {
	p.compiled = make([]*regexp.Regexp, 0, len(p.ForbiddenPatterns))
	for _, pat := range p.ForbiddenPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "forbidden pattern does not compile: "+pat, err)
		}
		p.compiled = append(p.compiled, re)
	}
	if p.PolicyVersion == "" {
		return apperr.New(apperr.KindValidation, "tool policy requires a policy_version")
	}
	return nil
}

// CompiledPatterns returns the pre-compiled forbidden patterns, compiling
// them lazily if Compile has not yet been called.
func (p *ToolPolicy) CompiledPatterns() ([]*regexp.Regexp, error) {
	if p.compiled == nil && len(p.ForbiddenPatterns) > 0 {
		if err := p.Compile(); err != nil {
			return nil, err
		}
	}
	return p.compiled, nil
}

// AgentSpec is a runnable specification (spec.md §3).
type AgentSpec struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	DisplayName     string                 `json:"display_name"`
	Icon            string                 `json:"icon,omitempty"`
	SpecVersion     string                 `json:"spec_version"`
	Objective       string                 `json:"objective"`
	TaskType        TaskType               `json:"task_type"`
	Context         map[string]any         `json:"context,omitempty"`
	ToolPolicy      ToolPolicy             `json:"tool_policy"`
	MaxTurns        int                    `json:"max_turns"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	ParentSpecID    *string                `json:"parent_spec_id,omitempty"`
	SourceFeatureID *int                   `json:"source_feature_id,omitempty"`
	SpecPath        *string                `json:"spec_path,omitempty"`
	Priority        int                    `json:"priority"`
	Tags            []string               `json:"tags,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// NewAgentSpec creates a spec with defaults matching spec.md §3.
func NewAgentSpec(id, name, objective string, taskType TaskType) *AgentSpec {
	return &AgentSpec{
		ID:             id,
		Name:           name,
		DisplayName:    name,
		SpecVersion:    "v1",
		Objective:      objective,
		TaskType:       taskType,
		Context:        make(map[string]any),
		MaxTurns:       20,
		TimeoutSeconds: 1800,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate enforces the AgentSpec invariants of spec.md §3.
func (a *AgentSpec) Validate() error {
	if a.Name == "" {
		return apperr.New(apperr.KindValidation, "agent spec name must not be empty")
	}
	if len(a.Name) > MaxSpecNameLength {
		return apperr.New(apperr.KindValidation, "agent spec name exceeds 100 chars")
	}
	if !validTaskTypes[a.TaskType] {
		return apperr.New(apperr.KindValidation, "unknown task_type: "+string(a.TaskType))
	}
	if a.MaxTurns < MinMaxTurns || a.MaxTurns > MaxMaxTurns {
		return apperr.New(apperr.KindValidation, "max_turns out of bounds [1,500]")
	}
	if a.TimeoutSeconds < MinTimeoutSeconds || a.TimeoutSeconds > MaxTimeoutSeconds {
		return apperr.New(apperr.KindValidation, "timeout_seconds out of bounds [60,7200]")
	}
	if a.ToolPolicy.PolicyVersion == "" {
		return apperr.New(apperr.KindValidation, "tool_policy requires policy_version")
	}
	if a.ToolPolicy.AllowedTools == nil {
		a.ToolPolicy.AllowedTools = []string{}
	}
	return a.ToolPolicy.Compile()
}

// GateMode is the closed set of spec.md §3's AcceptanceSpec.gate_mode.
type GateMode string

const (
	GateModeAllPass  GateMode = "all_pass"
	GateModeAnyPass  GateMode = "any_pass"
	GateModeWeighted GateMode = "weighted"
)

// RetryPolicy is the closed set of spec.md §3's AcceptanceSpec.retry_policy.
type RetryPolicy string

const (
	RetryPolicyNone        RetryPolicy = "none"
	RetryPolicyFixed       RetryPolicy = "fixed"
	RetryPolicyExponential RetryPolicy = "exponential"
)

// ValidatorKind is the closed, registered set of validator kinds (spec.md §4.5).
type ValidatorKind string

const (
	ValidatorTestPass          ValidatorKind = "test_pass"
	ValidatorFileExists        ValidatorKind = "file_exists"
	ValidatorForbiddenPatterns ValidatorKind = "forbidden_patterns"
)

var registeredValidatorKinds = map[ValidatorKind]bool{
	ValidatorTestPass: true, ValidatorFileExists: true, ValidatorForbiddenPatterns: true,
}

// IsRegisteredValidatorKind reports whether kind is in the registered set.
func IsRegisteredValidatorKind(kind ValidatorKind) bool {
	return registeredValidatorKinds[kind]
}

// ValidatorConfig is one entry in an AcceptanceSpec's ordered validator list.
type ValidatorConfig struct {
	Kind     ValidatorKind  `json:"kind"`
	Config   map[string]any `json:"config,omitempty"`
	Weight   float64        `json:"weight"`
	Required bool           `json:"required"`
}

// AcceptanceSpec is the gate configuration, one-to-one with an AgentSpec.
type AcceptanceSpec struct {
	ID              string            `json:"id"`
	AgentSpecID     string            `json:"agent_spec_id"`
	Validators      []ValidatorConfig `json:"validators"`
	GateMode        GateMode          `json:"gate_mode"`
	MinScore        *float64          `json:"min_score,omitempty"`
	RetryPolicy     RetryPolicy       `json:"retry_policy"`
	MaxRetries      int               `json:"max_retries"`
	FallbackSpecID  *string           `json:"fallback_spec_id,omitempty"`
}

// Validate enforces the AcceptanceSpec invariants of spec.md §3.
func (a *AcceptanceSpec) Validate() error {
	switch a.GateMode {
	case GateModeAllPass, GateModeAnyPass:
	case GateModeWeighted:
		if a.MinScore == nil {
			return apperr.New(apperr.KindValidation, "weighted gate_mode requires min_score")
		}
	default:
		return apperr.New(apperr.KindValidation, "unknown gate_mode: "+string(a.GateMode))
	}
	for _, v := range a.Validators {
		if !IsRegisteredValidatorKind(v.Kind) {
			return apperr.New(apperr.KindValidation, "unregistered validator kind: "+string(v.Kind))
		}
		if v.Weight < 0 || v.Weight > 1 {
			return apperr.New(apperr.KindValidation, "validator weight out of bounds [0,1]")
		}
	}
	return nil
}
