// Package orchestrator runs agent requests: context assembly, model
// streaming, tool suspension and resume, and finalization.
package orchestrator

import "context"

// StreamEventType is the normalized stream event kind produced by provider
// adapters.
type StreamEventType string

const (
	StreamEventTextDelta    StreamEventType = "text_delta"
	StreamEventToolCallEnd  StreamEventType = "tool_call_end"
	StreamEventUsage        StreamEventType = "usage"
	StreamEventFinishReason StreamEventType = "finish_reason"
)

// StreamEvent is one increment of model output.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	Usage      *TurnUsage      `json:"usage,omitempty"`
	FinishHint string          `json:"finish_hint,omitempty"`
}

// MessageRole is the normalized conversation role.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// Message is one conversation entry sent to the provider. An assistant
// message carries the turn's text plus every tool-use block it emitted; a
// tool_result message injects one finished call's outcome back into the turn.
type Message struct {
	Role           MessageRole `json:"role"`
	Text           string      `json:"text,omitempty"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID     string      `json:"tool_call_id,omitempty"`
	ToolName       string      `json:"tool_name,omitempty"`
	ToolResultJSON string      `json:"tool_result_json,omitempty"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"input_schema,omitempty"`
}

// ToolCall is a completed tool-use block emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	InputJSON string `json:"input_json,omitempty"`
}

type TurnUsage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// TurnRequest is one provider call: the conversation so far plus the tools
// the model may use.
type TurnRequest struct {
	Model           string    `json:"model"`
	System          string    `json:"system,omitempty"`
	Messages        []Message `json:"messages"`
	Tools           []ToolDef `json:"tools,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

// TurnResult is the provider call's final state after the stream ends.
type TurnResult struct {
	FinishReason string     `json:"finish_reason"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        TurnUsage  `json:"usage,omitempty"`
}

// ModelProvider is the normalized model adapter contract. Implementations
// stream increments through onEvent and return the accumulated result.
type ModelProvider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}

func emitProviderEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent == nil {
		return
	}
	onEvent(event)
}
