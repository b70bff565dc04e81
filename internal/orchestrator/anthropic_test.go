package orchestrator

import (
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

func TestBuildAnthropicTools_ForwardsRequiredFields(t *testing.T) {
	t.Parallel()

	params := buildAnthropicTools(toolDefs())
	byName := make(map[string]anthropic.ToolParam, len(params))
	for _, p := range params {
		if p.OfTool != nil {
			byName[p.OfTool.Name] = *p.OfTool
		}
	}

	write, ok := byName["write_file"]
	if !ok {
		t.Fatalf("write_file missing from tool params")
	}
	if got := strings.Join(write.InputSchema.Required, ","); got != "path,content" {
		t.Fatalf("write_file required=%q, want path,content", got)
	}

	search, ok := byName["search_documents"]
	if !ok {
		t.Fatalf("search_documents missing from tool params")
	}
	if got := strings.Join(search.InputSchema.Required, ","); got != "query" {
		t.Fatalf("search_documents required=%q, want query", got)
	}

	list, ok := byName["list_folder"]
	if !ok {
		t.Fatalf("list_folder missing from tool params")
	}
	if len(list.InputSchema.Required) != 0 {
		t.Fatalf("list_folder required=%v, want none", list.InputSchema.Required)
	}
}

func TestBuildAnthropicMessages_AssistantTurnKeepsToolBlocksTogether(t *testing.T) {
	t.Parallel()

	msgs := buildAnthropicMessages([]Message{
		{Role: RoleUser, Text: "tidy the notes"},
		{Role: RoleAssistant, Text: "On it.", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "list_folder", InputJSON: `{"path":"notes"}`},
			{ID: "call_2", Name: "list_folder", InputJSON: `{"path":"drafts"}`},
		}},
		{Role: RoleToolResult, ToolCallID: "call_1", ToolResultJSON: `{"entries":[]}`},
		{Role: RoleToolResult, ToolCallID: "call_2", ToolResultJSON: `{"entries":[]}`},
	})
	if len(msgs) != 4 {
		t.Fatalf("messages=%d, want 4", len(msgs))
	}
	if got := len(msgs[1].Content); got != 3 {
		t.Fatalf("assistant blocks=%d, want text plus two tool_use", got)
	}
}
