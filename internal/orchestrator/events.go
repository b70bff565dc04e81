package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/loomdocs/loom-agent/internal/docstore"
)

// Event payloads form a closed set of variants, one per event type, so
// handling stays exhaustive at compile time. Unrecognized stored payloads
// decode into UnknownEventData rather than failing replay.

type ContextReadyData struct {
	DocumentCount int  `json:"document_count"`
	TotalBytes    int  `json:"total_bytes"`
	TokenCount    int  `json:"token_count"`
	Overflow      bool `json:"overflow,omitempty"`
}

type TextChunkData struct {
	Text string `json:"text"`
}

type ToolCallData struct {
	ToolCallID       string `json:"tool_call_id"`
	ToolName         string `json:"tool_name"`
	ToolInputJSON    string `json:"tool_input_json"`
	Preview          string `json:"preview,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

type ToolResultData struct {
	ToolCallID   string `json:"tool_call_id"`
	ToolName     string `json:"tool_name"`
	Status       string `json:"status"`
	OutputJSON   string `json:"output_json,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Declined     bool   `json:"declined,omitempty"`
	DeclineNote  string `json:"decline_note,omitempty"`
}

type CompletionData struct {
	MessageID       string `json:"message_id"`
	TotalTokens     int64  `json:"total_tokens"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type UnknownEventData struct {
	EventType string `json:"event_type"`
	RawJSON   string `json:"raw_json"`
}

// EventData is the decoded payload of one execution event.
type EventData interface {
	eventType() docstore.EventType
}

func (ContextReadyData) eventType() docstore.EventType { return docstore.EventTypeContextReady }
func (TextChunkData) eventType() docstore.EventType    { return docstore.EventTypeTextChunk }
func (ToolCallData) eventType() docstore.EventType     { return docstore.EventTypeToolCall }
func (ToolResultData) eventType() docstore.EventType   { return docstore.EventTypeToolResult }
func (CompletionData) eventType() docstore.EventType   { return docstore.EventTypeCompletion }
func (ErrorData) eventType() docstore.EventType        { return docstore.EventTypeError }
func (d UnknownEventData) eventType() docstore.EventType {
	return docstore.EventType(d.EventType)
}

// EncodeEventData marshals a payload for persistence.
func EncodeEventData(data EventData) (docstore.EventType, string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", "", fmt.Errorf("encode event data: %w", err)
	}
	return data.eventType(), string(b), nil
}

// DecodeEventData parses a stored event payload back into its typed variant.
func DecodeEventData(eventType docstore.EventType, dataJSON string) (EventData, error) {
	if dataJSON == "" {
		dataJSON = "{}"
	}
	raw := []byte(dataJSON)
	switch eventType {
	case docstore.EventTypeContextReady:
		var d ContextReadyData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case docstore.EventTypeTextChunk:
		var d TextChunkData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case docstore.EventTypeToolCall:
		var d ToolCallData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case docstore.EventTypeToolResult:
		var d ToolResultData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case docstore.EventTypeCompletion:
		var d CompletionData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case docstore.EventTypeError:
		var d ErrorData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return UnknownEventData{EventType: string(eventType), RawJSON: dataJSON}, nil
	}
}
