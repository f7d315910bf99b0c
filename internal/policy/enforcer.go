// Package policy implements the Tool Policy Enforcer of spec.md §4.3:
// ordered blacklist/whitelist/pattern/sandbox checks applied to every tool
// event before its result is considered.
package policy

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rudiheydra/autobuildr/internal/model"
)

// ViolationKind classifies why a tool event was blocked.
type ViolationKind string

const (
	ViolationForbiddenTool    ViolationKind = "forbidden_tool"
	ViolationNotAllowlisted   ViolationKind = "not_allowlisted"
	ViolationForbiddenPattern ViolationKind = "forbidden_pattern"
	ViolationSandboxEscape    ViolationKind = "sandbox_escape"
)

// Decision is the outcome of enforcing a policy against one tool event.
type Decision struct {
	Blocked bool
	Kind    ViolationKind
	Detail  string // offending value summary, for the policy_violation event
}

// fileAccessingTools lists tool names whose arguments are expected to carry
// path-shaped fields, subject to the allowed_directories sandbox check.
// Matches the tool surface of AlexsJones-kubeclaw/cmd/agent-runner/tools.go.
var fileAccessingTools = map[string]bool{
	"read_file": true, "write_file": true, "list_directory": true, "delete_file": true,
}

// pathArgKeys are the argument object keys inspected for path values.
var pathArgKeys = []string{"path", "file", "file_path", "directory", "dir"}

// Enforcer evaluates a compiled ToolPolicy against tool events.
type Enforcer struct {
	policy *model.ToolPolicy
}

// New constructs an Enforcer. The policy must already be compiled
// (ToolPolicy.Compile) — the Enforcer does not compile patterns itself so
// a bad pattern fails spec load, not first use, per spec.md §4.3.
func New(p *model.ToolPolicy) *Enforcer {
	return &Enforcer{policy: p}
}

// Check applies the four ordered checks of spec.md §4.3 to one tool event
// and returns a Decision. argumentsJSON is the JSON-serialized argument
// object exactly as recorded in the tool_call event.
func (e *Enforcer) Check(toolName string, argumentsJSON []byte) Decision {
	if contains(e.policy.ForbiddenTools, toolName) {
		return Decision{Blocked: true, Kind: ViolationForbiddenTool, Detail: toolName}
	}

	if len(e.policy.AllowedTools) > 0 && !contains(e.policy.AllowedTools, toolName) {
		return Decision{Blocked: true, Kind: ViolationNotAllowlisted, Detail: toolName}
	}

	if patterns, err := e.policy.CompiledPatterns(); err == nil {
		for _, re := range patterns {
			if re.Match(argumentsJSON) {
				return Decision{Blocked: true, Kind: ViolationForbiddenPattern, Detail: re.String()}
			}
		}
	}

	if len(e.policy.AllowedDirectories) > 0 && fileAccessingTools[toolName] {
		if d, ok := e.checkSandbox(argumentsJSON); !ok {
			return d
		}
	}

	return Decision{Blocked: false}
}

// checkSandbox resolves every path-shaped argument to an absolute canonical
// form and confirms it lies under one of the allowed roots, per spec.md
// §4.3's symlink/traversal/NUL/URL-encoding defenses. Returns (zero
// Decision, true) if all paths are safe, or the blocking Decision and false.
func (e *Enforcer) checkSandbox(argumentsJSON []byte) (Decision, bool) {
	var args map[string]any
	if err := json.Unmarshal(argumentsJSON, &args); err != nil {
		// Malformed arguments cannot be proven safe; block conservatively.
		return Decision{Blocked: true, Kind: ViolationSandboxEscape, Detail: "unparseable arguments"}, false
	}

	for _, key := range pathArgKeys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		p, ok := raw.(string)
		if !ok {
			continue
		}
		if !e.pathIsSafe(p) {
			return Decision{Blocked: true, Kind: ViolationSandboxEscape, Detail: p}, false
		}
	}
	return Decision{}, true
}

// pathIsSafe implements the canonicalization and containment check.
func (e *Enforcer) pathIsSafe(raw string) bool {
	if strings.ContainsRune(raw, 0x00) {
		return false
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return false
	}
	if strings.Contains(decoded, "..") {
		return false
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return false
	}
	clean := filepath.Clean(abs)
	// Resolve symlinks when the path already exists; a not-yet-created
	// write target has no link to resolve, so fall back to the cleaned
	// absolute path in that case.
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}

	for _, root := range e.policy.AllowedDirectories {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, clean)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// BlockedResultPayload is the canonical "blocked" error payload recorded as
// the synthetic tool_result for a blocked tool event (spec.md §4.3).
func BlockedResultPayload(d Decision) map[string]any {
	return map[string]any{
		"blocked": true,
		"reason":  string(d.Kind),
		"detail":  d.Detail,
	}
}
