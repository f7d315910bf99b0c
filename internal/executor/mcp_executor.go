package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

// Tools is the seam to an MCP server: complete the handshake and list its
// tool surface once at startup, then dispatch calls per turn. A stdio or
// SSE client from github.com/mark3labs/mcp-go/client satisfies this
// directly.
type Tools interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPExecutor implements Executor by completing against an llm.Provider
// (pkg/llm, the teacher's own provider abstraction) and dispatching any
// tool calls the model requests through an MCP client. It is the
// reference implementation of the Turn Executor Contract; a deployment is
// free to supply its own Executor instead.
type MCPExecutor struct {
	Provider llm.Provider
	Tools    Tools
	Model    string
	MaxTokens int

	// ToolDefs are advertised to the provider on every completion request,
	// normally populated once from an MCP ListTools call at startup.
	ToolDefs []llm.Tool
}

// NewMCPExecutor constructs an MCPExecutor. maxTokens bounds each
// completion request's response length.
func NewMCPExecutor(provider llm.Provider, tools Tools, model string, maxTokens int, toolDefs []llm.Tool) *MCPExecutor {
	return &MCPExecutor{
		Provider:  provider,
		Tools:     tools,
		Model:     model,
		MaxTokens: maxTokens,
		ToolDefs:  toolDefs,
	}
}

// ToolDefsFromMCP converts an MCP ListToolsResult into the llm.Tool shape
// pkg/llm's CompletionRequest expects, so a completion request can
// advertise exactly the tool surface an MCP server exposes.
func ToolDefsFromMCP(tools []mcp.Tool) []llm.Tool {
	defs := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(raw, &schema)
		}
		defs = append(defs, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return defs
}

// ExecuteTurn implements Executor. It never returns a non-nil error for a
// protocol-level failure; a panicking provider or transport is recovered
// and converted into ProtocolFailure, matching spec.md §4.2's "the
// executor must never raise" contract.
func (e *MCPExecutor) ExecuteTurn(ctx context.Context, spec *model.AgentSpec, runID string, history *llm.Conversation) (result TurnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ProtocolFailure("panic", fmt.Sprintf("%v", r))
			err = nil
		}
	}()

	req := history.ToRequest(e.Model, e.MaxTokens)
	req.Tools = e.ToolDefs
	if len(e.ToolDefs) > 0 {
		req.ToolChoice = "auto"
	}

	resp, completeErr := e.Provider.Complete(ctx, req)
	if completeErr != nil {
		return ProtocolFailure("completion_failed", completeErr.Error()), nil
	}

	assistant := llm.AssistantMessage(resp.Content)
	assistant.ToolCalls = resp.ToolCalls
	history.AddMessage(assistant)

	events := make([]ToolEvent, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		events = append(events, e.dispatchTool(ctx, history, call))
	}

	completed := len(resp.ToolCalls) == 0 && resp.FinishReason != "max_tokens"

	return TurnResult{
		Completed:   completed,
		TurnPayload: resp,
		ToolEvents:  events,
		TokensIn:    resp.Usage.PromptTokens,
		TokensOut:   resp.Usage.CompletionTokens,
	}, nil
}

// dispatchTool executes a single requested tool call against the MCP
// client and appends its outcome to history as a tool-result message. A
// malformed argument payload or a transport error produces a failed
// ToolEvent rather than aborting the turn; the Tool Policy Enforcer never
// sees an event it cannot classify.
func (e *MCPExecutor) dispatchTool(ctx context.Context, history *llm.Conversation, call llm.ToolCall) ToolEvent {
	argsJSON := json.RawMessage(call.Arguments)

	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		msg := "malformed tool arguments: " + err.Error()
		history.AddToolResult(call.ID, msg, true)
		result, _ := json.Marshal(map[string]any{"error": msg})
		return ToolEvent{ToolName: call.Name, Arguments: argsJSON, Result: result, Success: false}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = call.Name
	req.Params.Arguments = args

	out, callErr := e.Tools.CallTool(ctx, req)
	if callErr != nil {
		msg := "tool call failed: " + callErr.Error()
		history.AddToolResult(call.ID, msg, true)
		result, _ := json.Marshal(map[string]any{"error": msg})
		return ToolEvent{ToolName: call.Name, Arguments: argsJSON, Result: result, Success: false}
	}

	text := mcpResultText(out)
	success := out == nil || !out.IsError
	history.AddToolResult(call.ID, text, !success)
	result, _ := json.Marshal(map[string]any{"text": text, "is_error": out != nil && out.IsError})
	return ToolEvent{ToolName: call.Name, Arguments: argsJSON, Result: result, Success: success}
}

// mcpResultText flattens an MCP CallToolResult's content blocks into a
// single string for the conversation history; non-text content (images,
// resources) is summarized by kind rather than dropped silently.
func mcpResultText(out *mcp.CallToolResult) string {
	if out == nil {
		return ""
	}
	var text string
	for _, c := range out.Content {
		switch block := c.(type) {
		case mcp.TextContent:
			text += block.Text
		default:
			text += fmt.Sprintf("[%T content omitted]", c)
		}
	}
	return text
}
