package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

func TestToolPolicy_Compile_RejectsBadRegex(t *testing.T) {
	p := &ToolPolicy{PolicyVersion: "v1", ForbiddenPatterns: []string{"("}}
	assert.True(t, apperr.Is(p.Compile(), apperr.KindValidation))
}

func TestToolPolicy_Compile_RequiresPolicyVersion(t *testing.T) {
	p := &ToolPolicy{}
	assert.True(t, apperr.Is(p.Compile(), apperr.KindValidation))
}

func TestToolPolicy_CompiledPatterns_CompilesLazily(t *testing.T) {
	p := &ToolPolicy{PolicyVersion: "v1", ForbiddenPatterns: []string{"rm -rf"}}
	patterns, err := p.CompiledPatterns()
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.True(t, patterns[0].MatchString("rm -rf /"))
}

func TestNewAgentSpec_AppliesDefaults(t *testing.T) {
	s := NewAgentSpec("id1", "coder", "write code", TaskTypeCoding)
	assert.Equal(t, 20, s.MaxTurns)
	assert.Equal(t, 1800, s.TimeoutSeconds)
	assert.Equal(t, "v1", s.SpecVersion)
	assert.NotNil(t, s.Context)
}

func TestAgentSpec_Validate_RejectsEmptyName(t *testing.T) {
	s := NewAgentSpec("id1", "", "x", TaskTypeCoding)
	s.ToolPolicy.PolicyVersion = "v1"
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))
}

func TestAgentSpec_Validate_RejectsNameOverLengthLimit(t *testing.T) {
	long := make([]byte, MaxSpecNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	s := NewAgentSpec("id1", string(long), "x", TaskTypeCoding)
	s.ToolPolicy.PolicyVersion = "v1"
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))
}

func TestAgentSpec_Validate_RejectsUnknownTaskType(t *testing.T) {
	s := NewAgentSpec("id1", "x", "x", TaskType("bogus"))
	s.ToolPolicy.PolicyVersion = "v1"
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))
}

func TestAgentSpec_Validate_RejectsMaxTurnsOutOfBounds(t *testing.T) {
	s := NewAgentSpec("id1", "x", "x", TaskTypeCoding)
	s.ToolPolicy.PolicyVersion = "v1"
	s.MaxTurns = 0
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))

	s.MaxTurns = MaxMaxTurns + 1
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))
}

func TestAgentSpec_Validate_RejectsTimeoutOutOfBounds(t *testing.T) {
	s := NewAgentSpec("id1", "x", "x", TaskTypeCoding)
	s.ToolPolicy.PolicyVersion = "v1"
	s.TimeoutSeconds = MinTimeoutSeconds - 1
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))
}

func TestAgentSpec_Validate_RequiresToolPolicyVersion(t *testing.T) {
	s := NewAgentSpec("id1", "x", "x", TaskTypeCoding)
	assert.True(t, apperr.Is(s.Validate(), apperr.KindValidation))
}

func TestAgentSpec_Validate_DefaultsNilAllowedToolsToEmptySlice(t *testing.T) {
	s := NewAgentSpec("id1", "x", "x", TaskTypeCoding)
	s.ToolPolicy.PolicyVersion = "v1"
	require.NoError(t, s.Validate())
	assert.NotNil(t, s.ToolPolicy.AllowedTools)
}

func TestAgentSpec_Validate_AcceptsWellFormedSpec(t *testing.T) {
	s := NewAgentSpec("id1", "coder", "write code", TaskTypeCoding)
	s.ToolPolicy.PolicyVersion = "v1"
	s.ToolPolicy.AllowedTools = []string{"read_file"}
	assert.NoError(t, s.Validate())
}

func TestAcceptanceSpec_Validate_RejectsUnknownGateMode(t *testing.T) {
	a := &AcceptanceSpec{GateMode: GateMode("bogus")}
	assert.True(t, apperr.Is(a.Validate(), apperr.KindValidation))
}

func TestAcceptanceSpec_Validate_RejectsUnregisteredValidatorKind(t *testing.T) {
	a := &AcceptanceSpec{
		GateMode:   GateModeAllPass,
		Validators: []ValidatorConfig{{Kind: ValidatorKind("bogus")}},
	}
	assert.True(t, apperr.Is(a.Validate(), apperr.KindValidation))
}

func TestAcceptanceSpec_Validate_AcceptsWellFormedSpec(t *testing.T) {
	a := &AcceptanceSpec{
		GateMode:   GateModeAllPass,
		Validators: []ValidatorConfig{{Kind: ValidatorFileExists}},
	}
	assert.NoError(t, a.Validate())
}

func TestIsRegisteredValidatorKind(t *testing.T) {
	assert.True(t, IsRegisteredValidatorKind(ValidatorTestPass))
	assert.False(t, IsRegisteredValidatorKind(ValidatorKind("bogus")))
}
