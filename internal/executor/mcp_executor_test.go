package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

type fakeProvider struct {
	complete func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	panicky  bool
}

func (f *fakeProvider) Name() string       { return "fake" }
func (f *fakeProvider) Models() []string   { return []string{"fake-model"} }
func (f *fakeProvider) CountTokens(content string) (int, error) { return len(content), nil }
func (f *fakeProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, nil
}
func (f *fakeProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.panicky {
		panic("provider exploded")
	}
	return f.complete(ctx, req)
}

type fakeTools struct {
	callTool func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

func (f *fakeTools) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeTools) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (f *fakeTools) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.callTool == nil {
		return &mcp.CallToolResult{}, nil
	}
	return f.callTool(ctx, req)
}

func TestProtocolFailure_BuildsEmptyTurnWithErrorEvent(t *testing.T) {
	r := ProtocolFailure("completion_failed", "boom")

	assert.False(t, r.Completed)
	require.Len(t, r.ToolEvents, 1)
	assert.Equal(t, "error", r.ToolEvents[0].ToolName)
	assert.False(t, r.ToolEvents[0].Success)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(r.ToolEvents[0].Result, &payload))
	assert.Equal(t, "completion_failed", payload["kind"])
	assert.Equal(t, "boom", payload["message"])
}

func TestExecuteTurn_CompletionErrorReturnsProtocolFailureNotGoError(t *testing.T) {
	provider := &fakeProvider{complete: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, assert.AnError
	}}
	exec := NewMCPExecutor(provider, &fakeTools{}, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, "error", result.ToolEvents[0].ToolName)
}

func TestExecuteTurn_NoToolCallsIsCompleted(t *testing.T) {
	provider := &fakeProvider{complete: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "done", FinishReason: "stop", Usage: llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}
	exec := NewMCPExecutor(provider, &fakeTools{}, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 10, result.TokensIn)
	assert.Equal(t, 5, result.TokensOut)
	assert.Empty(t, result.ToolEvents)
}

func TestExecuteTurn_MaxTokensFinishIsNotCompleted(t *testing.T) {
	provider := &fakeProvider{complete: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "cut off", FinishReason: "max_tokens"}, nil
	}}
	exec := NewMCPExecutor(provider, &fakeTools{}, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	assert.False(t, result.Completed)
}

func TestExecuteTurn_DispatchesRequestedToolCalls(t *testing.T) {
	provider := &fakeProvider{complete: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: `{"path":"a.go"}`}},
		}, nil
	}}
	tools := &fakeTools{callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		assert.Equal(t, "read_file", req.Params.Name)
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "file contents"}}}, nil
	}}
	exec := NewMCPExecutor(provider, tools, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	require.Len(t, result.ToolEvents, 1)
	assert.Equal(t, "read_file", result.ToolEvents[0].ToolName)
	assert.True(t, result.ToolEvents[0].Success)
}

func TestExecuteTurn_MalformedToolArgumentsProduceFailedEvent(t *testing.T) {
	provider := &fakeProvider{complete: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: `not json`}},
		}, nil
	}}
	exec := NewMCPExecutor(provider, &fakeTools{}, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	require.Len(t, result.ToolEvents, 1)
	assert.False(t, result.ToolEvents[0].Success)
}

func TestExecuteTurn_ToolTransportErrorProducesFailedEvent(t *testing.T) {
	provider := &fakeProvider{complete: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: `{}`}},
		}, nil
	}}
	tools := &fakeTools{callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, assert.AnError
	}}
	exec := NewMCPExecutor(provider, tools, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	require.Len(t, result.ToolEvents, 1)
	assert.False(t, result.ToolEvents[0].Success)
}

func TestExecuteTurn_PanicIsRecoveredIntoProtocolFailure(t *testing.T) {
	provider := &fakeProvider{panicky: true}
	exec := NewMCPExecutor(provider, &fakeTools{}, "fake-model", 1024, nil)

	result, err := exec.ExecuteTurn(context.Background(), &model.AgentSpec{}, "run1", llm.NewConversation())

	require.NoError(t, err)
	assert.False(t, result.Completed)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(result.ToolEvents[0].Result, &payload))
	assert.Equal(t, "panic", payload["kind"])
}

func TestToolDefsFromMCP_ConvertsNameDescriptionAndSchema(t *testing.T) {
	tools := []mcp.Tool{{Name: "read_file", Description: "reads a file"}}
	defs := ToolDefsFromMCP(tools)

	require.Len(t, defs, 1)
	assert.Equal(t, "read_file", defs[0].Name)
	assert.Equal(t, "reads a file", defs[0].Description)
}
