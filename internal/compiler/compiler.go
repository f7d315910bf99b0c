// Package compiler implements the Feature Compiler and Static Spec
// Adapter of spec.md §4.6: mapping a Feature to an AgentSpec plus
// AcceptanceSpec by keyword-driven task-type classification, template
// tool policies, budget scaling, slug generation, and step-text intent
// hints for validator derivation. The slug-sanitization idiom is
// grounded on the teacher's pkg/orchestra/orchestra.go sanitizeTaskName;
// the builder shape on pkg/sdk/plan.go.
package compiler

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// keywordRule is one row of the task-type keyword table of spec.md §6.
// Declaration order breaks keyword ties, matching "first wins, ties by
// declaration order."
type keywordRule struct {
	taskType model.TaskType
	keywords []string
}

var keywordTable = []keywordRule{
	{model.TaskTypeAudit, []string{"security", "review", "audit", "vulnerability"}},
	{model.TaskTypeTesting, []string{"test", "verify", "validate"}},
	{model.TaskTypeDocumentation, []string{"doc", "readme", "comments"}},
	{model.TaskTypeRefactoring, []string{"refactor", "cleanup", "simplify", "optimize"}},
	{model.TaskTypeCoding, []string{"implement", "build", "create", "add feature", "fix"}},
}

// classifyTaskType implements spec.md §4.6 step 1: case-insensitive
// substring match against category and description, first table row
// wins, unknown falls back to coding.
func classifyTaskType(category, description string) model.TaskType {
	haystack := strings.ToLower(category + " " + description)
	for _, rule := range keywordTable {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.taskType
			}
		}
	}
	return model.TaskTypeCoding
}

// globalForbiddenPatterns are unioned into every task-type's tool policy
// template, per spec.md §4.6 step 2.
var globalForbiddenPatterns = []string{
	`rm\s+-rf\s+/`,
	`:(){ :\|:& };:`,
	`curl\s+.*\|\s*sh`,
	`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*['"][^'"]{8,}['"]`,
}

// toolPolicyTemplate returns the per-task-type tool policy, read-mostly
// for audit, write-capable for coding, test-runner for testing, etc.
func toolPolicyTemplate(t model.TaskType) model.ToolPolicy {
	base := model.ToolPolicy{
		PolicyVersion:      "v1",
		ForbiddenPatterns:  append([]string(nil), globalForbiddenPatterns...),
		AllowedDirectories: nil, // filled in by the caller with the project root
	}
	switch t {
	case model.TaskTypeAudit, model.TaskTypeDocumentation:
		base.AllowedTools = []string{"read_file", "list_directory", "grep"}
	case model.TaskTypeTesting:
		base.AllowedTools = []string{"read_file", "list_directory", "run_tests", "grep"}
	case model.TaskTypeRefactoring, model.TaskTypeCoding:
		base.AllowedTools = []string{"read_file", "write_file", "list_directory", "grep", "run_tests"}
	default: // custom
		base.AllowedTools = []string{"read_file", "write_file", "list_directory", "grep", "run_tests"}
	}
	return base
}

// baseBudget is the per-task-type starting point for max_turns and
// timeout_seconds, before the description/step-count scaling of spec.md
// §4.6 step 3.
type baseBudget struct {
	maxTurns       int
	timeoutSeconds int
}

var budgetTable = map[model.TaskType]baseBudget{
	model.TaskTypeAudit:         {maxTurns: 10, timeoutSeconds: 600},
	model.TaskTypeTesting:       {maxTurns: 15, timeoutSeconds: 900},
	model.TaskTypeDocumentation: {maxTurns: 8, timeoutSeconds: 400},
	model.TaskTypeRefactoring:   {maxTurns: 20, timeoutSeconds: 1200},
	model.TaskTypeCoding:        {maxTurns: 20, timeoutSeconds: 1800},
	model.TaskTypeCustom:        {maxTurns: 20, timeoutSeconds: 1800},
}

// scaleBudget implements spec.md §4.6 step 3: scale the base budget up in
// proportion to description length and step count, clamped to the
// global bounds.
func scaleBudget(t model.TaskType, descriptionLen, stepCount int) (maxTurns, timeoutSeconds int) {
	base, ok := budgetTable[t]
	if !ok {
		base = budgetTable[model.TaskTypeCoding]
	}

	turnBonus := stepCount * 2
	if descriptionLen > 500 {
		turnBonus += 5
	}
	timeoutBonus := stepCount * 60
	if descriptionLen > 500 {
		timeoutBonus += 300
	}

	maxTurns = clamp(base.maxTurns+turnBonus, model.MinMaxTurns, model.MaxMaxTurns)
	timeoutSeconds = clamp(base.timeoutSeconds+timeoutBonus, model.MinTimeoutSeconds, model.MaxTimeoutSeconds)
	return maxTurns, timeoutSeconds
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// slugify produces a URL-safe, lowercase, dash-separated slug from free
// text, bounded to a max length. Mirrors the character-filter idiom of
// the teacher's sanitizeTaskName, generalized from "-" joining on spaces
// to arbitrary runs of non-alphanumerics.
func slugify(s string, maxLen int) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > maxLen {
		out = strings.TrimSuffix(out[:maxLen], "-")
	}
	if out == "" {
		out = "spec"
	}
	return out
}

// NameAllocator resolves name collisions by appending a numeric
// disambiguator, per spec.md §4.6 step 4. The caller supplies the
// existence check so the compiler stays persistence-agnostic.
type NameAllocator struct {
	Exists func(name string) bool
}

// Allocate returns a unique name for the given task type and objective,
// prefixed by task type, suffixed with -2, -3, ... on collision, always
// <= 100 chars and URL-safe.
func (a *NameAllocator) Allocate(taskType model.TaskType, objective string) string {
	prefix := string(taskType)
	body := slugify(objective, model.MaxSpecNameLength-len(prefix)-1)
	candidate := prefix + "-" + body
	if len(candidate) > model.MaxSpecNameLength {
		candidate = candidate[:model.MaxSpecNameLength]
	}
	if a.Exists == nil || !a.Exists(candidate) {
		return candidate
	}
	for n := 2; ; n++ {
		suffix := "-" + itoa(n)
		trimmed := candidate
		if len(trimmed)+len(suffix) > model.MaxSpecNameLength {
			trimmed = trimmed[:model.MaxSpecNameLength-len(suffix)]
		}
		next := trimmed + suffix
		if !a.Exists(next) {
			return next
		}
	}
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

// validatorHints maps a step-text keyword to the validator kind it
// implies, per spec.md §4.6 step 5. Declaration order decides when a
// step matches more than one hint.
var validatorHints = []struct {
	keywords []string
	kind     model.ValidatorKind
}{
	{[]string{"should not", "must not"}, model.ValidatorForbiddenPatterns},
	{[]string{"run", "execute"}, model.ValidatorTestPass},
	{[]string{"file", "path"}, model.ValidatorFileExists},
}

// deriveValidators scans each feature step for intent keywords and
// produces at most one ValidatorConfig per step, from the first hint (in
// declaration order) that matches it.
func deriveValidators(steps []string) []model.ValidatorConfig {
	var out []model.ValidatorConfig
	for _, step := range steps {
		lower := strings.ToLower(step)
		for _, hint := range validatorHints {
			for _, kw := range hint.keywords {
				if strings.Contains(lower, kw) {
					out = append(out, model.ValidatorConfig{
						Kind:     hint.kind,
						Config:   map[string]any{"source_step": step},
						Weight:   1,
						Required: true,
					})
					goto nextStep
				}
			}
		}
	nextStep:
	}
	return out
}

// Compiler maps Features to AgentSpec + AcceptanceSpec pairs.
type Compiler struct {
	ProjectRoot string
	Names       *NameAllocator
}

// New constructs a Compiler rooted at projectRoot, whose AllowedDirectories
// every compiled tool policy is sandboxed to.
func New(projectRoot string, names *NameAllocator) *Compiler {
	if names == nil {
		names = &NameAllocator{}
	}
	return &Compiler{ProjectRoot: projectRoot, Names: names}
}

// Compile implements spec.md §4.6's six-step Feature Compiler algorithm.
func (c *Compiler) Compile(f *model.Feature) (*model.AgentSpec, *model.AcceptanceSpec, error) {
	taskType := classifyTaskType(f.Category, f.Description)

	policy := toolPolicyTemplate(taskType)
	if c.ProjectRoot != "" {
		policy.AllowedDirectories = []string{c.ProjectRoot}
	}

	maxTurns, timeoutSeconds := scaleBudget(taskType, len(f.Description), len(f.Steps))

	objective := f.Description
	name := c.Names.Allocate(taskType, objective)

	spec := model.NewAgentSpec(uuid.NewString(), name, objective, taskType)
	spec.DisplayName = f.Name
	spec.ToolPolicy = policy
	spec.MaxTurns = maxTurns
	spec.TimeoutSeconds = timeoutSeconds
	spec.Priority = f.Priority
	sourceID := f.ID
	spec.SourceFeatureID = &sourceID

	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}

	validators := deriveValidators(f.Steps)
	acceptance := &model.AcceptanceSpec{
		ID:          uuid.NewString(),
		AgentSpecID: spec.ID,
		Validators:  validators,
		GateMode:    model.GateModeAllPass,
		RetryPolicy: model.RetryPolicyNone,
		MaxRetries:  0,
	}
	if err := acceptance.Validate(); err != nil {
		return nil, nil, err
	}

	return spec, acceptance, nil
}

// legacyRole is one of the three hard-coded roles the Static Spec
// Adapter supports, per spec.md §4.6's closing paragraph.
type legacyRole struct {
	objective  string
	taskType   model.TaskType
	tools      []string
	validators []model.ValidatorConfig
}

var legacyRoles = map[string]legacyRole{
	"initializer": {
		objective: "Scaffold the project structure and initial configuration.",
		taskType:  model.TaskTypeCoding,
		tools:     []string{"read_file", "write_file", "list_directory"},
		validators: []model.ValidatorConfig{
			{Kind: model.ValidatorFileExists, Config: map[string]any{"path": "{project_dir}"}, Weight: 1, Required: true},
		},
	},
	"coder": {
		objective: "Implement the feature described in the assigned task.",
		taskType:  model.TaskTypeCoding,
		tools:     []string{"read_file", "write_file", "list_directory", "grep", "run_tests"},
		validators: []model.ValidatorConfig{
			{Kind: model.ValidatorTestPass, Config: map[string]any{}, Weight: 1, Required: true},
		},
	},
	"tester": {
		objective: "Write and run tests validating the implemented feature.",
		taskType:  model.TaskTypeTesting,
		tools:     []string{"read_file", "list_directory", "run_tests", "grep"},
		validators: []model.ValidatorConfig{
			{Kind: model.ValidatorTestPass, Config: map[string]any{}, Weight: 1, Required: true},
		},
	},
}

// StaticSpecAdapter provides hard-coded specs for the legacy roles
// (initializer, coder, tester) referenced in spec.md §4.6, each a
// template objective plus a curated tool policy and validator set.
type StaticSpecAdapter struct {
	ProjectRoot string
}

// NewStaticSpecAdapter constructs an adapter rooted at projectRoot.
func NewStaticSpecAdapter(projectRoot string) *StaticSpecAdapter {
	return &StaticSpecAdapter{ProjectRoot: projectRoot}
}

// Adapt returns the AgentSpec + AcceptanceSpec pair for a legacy role
// name, or an error if the role is unrecognized.
func (s *StaticSpecAdapter) Adapt(role string) (*model.AgentSpec, *model.AcceptanceSpec, error) {
	r, ok := legacyRoles[role]
	if !ok {
		return nil, nil, apperr.New(apperr.KindValidation, "unknown legacy role: "+role)
	}

	policy := model.ToolPolicy{
		PolicyVersion:      "v1",
		AllowedTools:       r.tools,
		ForbiddenPatterns:  append([]string(nil), globalForbiddenPatterns...),
		AllowedDirectories: []string{s.ProjectRoot},
	}

	spec := model.NewAgentSpec(uuid.NewString(), "legacy-"+role, r.objective, r.taskType)
	spec.DisplayName = capitalize(role)
	spec.ToolPolicy = policy
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}

	acceptance := &model.AcceptanceSpec{
		ID:          uuid.NewString(),
		AgentSpecID: spec.ID,
		Validators:  r.validators,
		GateMode:    model.GateModeAllPass,
		RetryPolicy: model.RetryPolicyNone,
	}
	if err := acceptance.Validate(); err != nil {
		return nil, nil, err
	}
	return spec, acceptance, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
