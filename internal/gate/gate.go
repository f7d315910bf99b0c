// Package gate implements the Acceptance Gate of spec.md §4.5: three
// deterministic validator kinds combined under a configurable gate mode.
// The registry-of-capability shape follows the teacher's
// pkg/orchestra/validator.go, reshaped from a single LLM verdict into N
// independently evaluated, weight-combined deterministic checks.
package gate

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rudiheydra/autobuildr/internal/model"
)

// ValidatorResult is the outcome of one validator, per spec.md §4.5.
type ValidatorResult struct {
	Kind    model.ValidatorKind `json:"kind"`
	Passed  bool                `json:"passed"`
	Message string              `json:"message"`
	Details map[string]any      `json:"details,omitempty"`
}

// GateResult is the full structured outcome stored on AgentRun.acceptance_results.
type GateResult struct {
	Verdict    model.Verdict     `json:"verdict"`
	Score      float64           `json:"score"`
	GateMode   model.GateMode    `json:"gate_mode"`
	Validators []ValidatorResult `json:"validators"`
}

// Validator is the capability interface spec.md §9 describes:
// {evaluate(run, config, context) -> ValidatorResult}.
type Validator interface {
	Evaluate(ctx context.Context, ectx EvalContext, cfg map[string]any) ValidatorResult
}

// EvalContext carries the data a validator needs without binding it to any
// particular persistence implementation.
type EvalContext struct {
	ProjectDir  string
	Run         *model.AgentRun
	ToolResults []model.AgentEvent // tool_result events for this run, in order
}

// registry is the closed set of validator kinds, dispatched by tag,
// matching spec.md §9's "concrete kinds are tagged variants dispatched
// through a registry."
var registry = map[model.ValidatorKind]Validator{
	model.ValidatorTestPass:          testPassValidator{},
	model.ValidatorFileExists:        fileExistsValidator{},
	model.ValidatorForbiddenPatterns: forbiddenPatternsValidator{},
}

// Gate evaluates an AcceptanceSpec's validators against a run.
type Gate struct{}

// New constructs a Gate. Stateless: all configuration lives in the
// AcceptanceSpec passed to Evaluate.
func New() *Gate { return &Gate{} }

// Evaluate implements spec.md §4.5's gate evaluation algorithm: run every
// configured validator in order (never raising — a thrown validator's
// result is recorded as failed with the error in details), enforce that
// required validators all pass regardless of mode, then combine by mode.
func (g *Gate) Evaluate(ctx context.Context, spec *model.AcceptanceSpec, ectx EvalContext) GateResult {
	results := make([]ValidatorResult, 0, len(spec.Validators))
	for _, vc := range spec.Validators {
		results = append(results, g.runOne(ctx, vc, ectx))
	}

	requiredOK := true
	for i, vc := range spec.Validators {
		if vc.Required && !results[i].Passed {
			requiredOK = false
		}
	}

	passed, score := combine(spec, results)
	if !requiredOK {
		passed = false
	}

	verdict := model.VerdictFailed
	if passed {
		verdict = model.VerdictPassed
	}
	return GateResult{Verdict: verdict, Score: score, GateMode: spec.GateMode, Validators: results}
}

// runOne evaluates a single configured validator, catching any panic from
// a misbehaving validator implementation so the gate itself never raises,
// per spec.md §4.5 ("the gate never raises").
func (g *Gate) runOne(ctx context.Context, vc model.ValidatorConfig, ectx EvalContext) (result ValidatorResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ValidatorResult{
				Kind:    vc.Kind,
				Passed:  false,
				Message: "validator panicked",
				Details: map[string]any{"error": formatRecover(r)},
			}
		}
	}()

	v, ok := registry[vc.Kind]
	if !ok {
		return ValidatorResult{
			Kind:    vc.Kind,
			Passed:  false,
			Message: "unregistered validator kind",
			Details: map[string]any{"error": string(vc.Kind)},
		}
	}
	return v.Evaluate(ctx, ectx, vc.Config)
}

// combine applies the gate_mode aggregation rule of spec.md §4.5.
func combine(spec *model.AcceptanceSpec, results []ValidatorResult) (bool, float64) {
	switch spec.GateMode {
	case model.GateModeAllPass:
		for _, r := range results {
			if !r.Passed {
				return false, fractionPassed(results)
			}
		}
		return true, fractionPassed(results)
	case model.GateModeAnyPass:
		for _, r := range results {
			if r.Passed {
				return true, fractionPassed(results)
			}
		}
		return len(results) == 0, fractionPassed(results)
	case model.GateModeWeighted:
		var weightedSum, totalWeight float64
		for i, vc := range spec.Validators {
			w := vc.Weight
			totalWeight += w
			if results[i].Passed {
				weightedSum += w
			}
		}
		score := 0.0
		if totalWeight > 0 {
			score = weightedSum / totalWeight
		}
		min := 0.0
		if spec.MinScore != nil {
			min = *spec.MinScore
		}
		return score >= min, score
	default:
		return false, 0
	}
}

func fractionPassed(results []ValidatorResult) float64 {
	if len(results) == 0 {
		return 0
	}
	n := 0
	for _, r := range results {
		if r.Passed {
			n++
		}
	}
	return float64(n) / float64(len(results))
}

func formatRecover(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic"
}

// serializeEventPayload renders an event's payload (and tool name, if any)
// as a single string for pattern matching, so a forbidden_patterns check
// can scan tool_result content regardless of how it was nested.
func serializeEventPayload(evt model.AgentEvent) string {
	var sb strings.Builder
	if evt.ToolName != nil {
		sb.WriteString(*evt.ToolName)
		sb.WriteString(" ")
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err == nil {
			sb.Write(raw)
		}
	}
	return sb.String()
}

// --- test_pass ---

type testPassValidator struct{}

func (testPassValidator) Evaluate(ctx context.Context, ectx EvalContext, cfg map[string]any) ValidatorResult {
	command, _ := cfg["command"].(string)
	if command == "" {
		return ValidatorResult{Kind: model.ValidatorTestPass, Passed: false, Message: "missing command"}
	}
	workdir, _ := cfg["working_directory"].(string)
	if workdir == "" {
		workdir = ectx.ProjectDir
	}
	expectedCode := 0
	if v, ok := cfg["expected_exit_code"]; ok {
		if f, ok := v.(float64); ok {
			expectedCode = int(f)
		}
	}
	timeoutSeconds := 120
	if v, ok := cfg["timeout_seconds"]; ok {
		if f, ok := v.(float64); ok {
			timeoutSeconds = int(f)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = workdir
	out, runErr := cmd.CombinedOutput()

	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return ValidatorResult{
				Kind: model.ValidatorTestPass, Passed: false,
				Message: "command failed to start",
				Details: map[string]any{"error": runErr.Error()},
			}
		}
	}

	passed := exitCode == expectedCode
	return ValidatorResult{
		Kind:    model.ValidatorTestPass,
		Passed:  passed,
		Message: commandSummary(command, exitCode, expectedCode),
		Details: map[string]any{
			"command":   command,
			"exit_code": exitCode,
			"output":    truncateOutput(string(out)),
		},
	}
}

func commandSummary(command string, got, want int) string {
	if got == want {
		return "command exited " + strconv.Itoa(got) + " as expected"
	}
	return "command exited " + strconv.Itoa(got) + ", expected " + strconv.Itoa(want)
}

func truncateOutput(s string) string {
	const max = 8192
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// --- file_exists ---

type fileExistsValidator struct{}

func (fileExistsValidator) Evaluate(ctx context.Context, ectx EvalContext, cfg map[string]any) ValidatorResult {
	rawPath, _ := cfg["path"].(string)
	if rawPath == "" {
		return ValidatorResult{Kind: model.ValidatorFileExists, Passed: false, Message: "missing path"}
	}
	path := strings.ReplaceAll(rawPath, "{project_dir}", ectx.ProjectDir)
	if !filepath.IsAbs(path) {
		path = filepath.Join(ectx.ProjectDir, path)
	}

	shouldExist := true
	if v, ok := cfg["should_exist"]; ok {
		if b, ok := v.(bool); ok {
			shouldExist = b
		}
	}

	_, err := os.Stat(path)
	exists := err == nil

	passed := exists == shouldExist
	msg := "file exists as expected"
	if !passed {
		msg = "file existence did not match expectation"
	}
	return ValidatorResult{
		Kind: model.ValidatorFileExists, Passed: passed, Message: msg,
		Details: map[string]any{"path": path, "exists": exists, "should_exist": shouldExist},
	}
}

// --- forbidden_patterns ---

type forbiddenPatternsValidator struct{}

func (forbiddenPatternsValidator) Evaluate(ctx context.Context, ectx EvalContext, cfg map[string]any) ValidatorResult {
	rawPatterns, _ := cfg["patterns"].([]any)
	patterns := make([]*regexp.Regexp, 0, len(rawPatterns))
	for _, p := range rawPatterns {
		s, ok := p.(string)
		if !ok {
			continue
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return ValidatorResult{
				Kind: model.ValidatorForbiddenPatterns, Passed: false,
				Message: "pattern does not compile",
				Details: map[string]any{"error": err.Error(), "pattern": s},
			}
		}
		patterns = append(patterns, re)
	}

	for _, evt := range ectx.ToolResults {
		serialized := serializeEventPayload(evt)
		for _, re := range patterns {
			if loc := re.FindStringIndex(serialized); loc != nil {
				context := surroundingContext(serialized, loc[0], loc[1])
				return ValidatorResult{
					Kind: model.ValidatorForbiddenPatterns, Passed: false,
					Message: "forbidden pattern matched",
					Details: map[string]any{"pattern": re.String(), "context": context, "sequence": evt.Sequence},
				}
			}
		}
	}
	return ValidatorResult{Kind: model.ValidatorForbiddenPatterns, Passed: true, Message: "no forbidden patterns matched"}
}

func surroundingContext(s string, start, end int) string {
	const pad = 32
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(s) {
		hi = len(s)
	}
	return s[lo:hi]
}

