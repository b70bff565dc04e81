package auditlog

import (
	"fmt"
	"testing"
)

func TestAuditLog_AppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{Action: ActionToolSubmitted, ToolCallID: "tool_1", ToolName: "write_file"})
	s.Append(Entry{Action: ActionToolRejected, ToolCallID: "tool_1", Reason: "wrong path"})
	s.Append(Entry{Action: ActionToolRevised, ToolCallID: "tool_1", RevisionCount: 1})
	s.Append(Entry{Action: ActionToolApproved, ToolCallID: "tool_1"})

	entries, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("len=%d, want 4", len(entries))
	}
	if entries[0].Action != ActionToolApproved || entries[3].Action != ActionToolSubmitted {
		t.Fatalf("order wrong: first=%q last=%q", entries[0].Action, entries[3].Action)
	}
	for _, e := range entries {
		if e.CreatedAt == "" {
			t.Fatalf("CreatedAt not stamped: %+v", e)
		}
	}
}

func TestAuditLog_RotationKeepsRecentEntries(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 512, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Append(Entry{
			Action:     ActionToolApproved,
			ToolCallID: fmt.Sprintf("tool_%02d", i),
			ToolName:   "write_file",
		})
	}

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("len=%d, want 10", len(entries))
	}
	// The newest entry survives rotation.
	if entries[0].ToolCallID != "tool_49" {
		t.Fatalf("newest=%q, want tool_49", entries[0].ToolCallID)
	}
}

func TestAuditLog_ListLimit(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Append(Entry{Action: ActionToolSubmitted, ToolCallID: fmt.Sprintf("tool_%d", i)})
	}
	entries, err := s.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].ToolCallID != "tool_4" {
		t.Fatalf("entries=%+v, want the 2 newest", entries)
	}
}
