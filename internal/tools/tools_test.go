package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomdocs/loom-agent/internal/docstore"
)

func openTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "agent.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseInput_KnownVariants(t *testing.T) {
	t.Parallel()

	in, err := ParseInput("write_file", `{"path":"notes/a.md","content":"hello"}`)
	if err != nil {
		t.Fatalf("ParseInput write_file: %v", err)
	}
	w, ok := in.(WriteFileInput)
	if !ok {
		t.Fatalf("parsed type %T, want WriteFileInput", in)
	}
	if w.Path != "notes/a.md" || w.Content != "hello" {
		t.Fatalf("parsed %+v", w)
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	in, err = ParseInput("search_documents", `{"query":"rollout"}`)
	if err != nil {
		t.Fatalf("ParseInput search_documents: %v", err)
	}
	if _, ok := in.(SearchDocumentsInput); !ok {
		t.Fatalf("parsed type %T, want SearchDocumentsInput", in)
	}

	if _, err := ParseInput("write_file", `{not json`); err == nil {
		t.Fatalf("malformed json parsed without error")
	}
}

func TestParseInput_UnknownToolIsCaughtNotFatal(t *testing.T) {
	t.Parallel()

	in, err := ParseInput("launch_rocket", `{"target":"moon"}`)
	if err != nil {
		t.Fatalf("ParseInput unknown: %v", err)
	}
	u, ok := in.(UnknownInput)
	if !ok {
		t.Fatalf("parsed type %T, want UnknownInput", in)
	}
	if u.Name != "launch_rocket" {
		t.Fatalf("Name=%q", u.Name)
	}
	if err := u.Validate(); err == nil {
		t.Fatalf("UnknownInput.Validate()=nil, want error")
	}
	if !RequiresApproval("launch_rocket") {
		t.Fatalf("unknown tool must require approval")
	}
}

func TestValidate_RejectsPathEscapes(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", "/etc/passwd", "a/../../b", ".."} {
		err := (WriteFileInput{Path: path}).Validate()
		if err == nil {
			t.Fatalf("path %q validated, want error", path)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "path" {
			t.Fatalf("path %q err=%v, want ValidationError on path", path, err)
		}
	}
}

func TestRegistry_ApprovalPolicy(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"write_file", "delete_file", "create_folder"} {
		if !IsMutating(name) || !RequiresApproval(name) {
			t.Fatalf("%s must be mutating and approval-gated", name)
		}
	}
	for _, name := range []string{"read_file", "list_folder", "search_documents"} {
		if IsMutating(name) || RequiresApproval(name) {
			t.Fatalf("%s must be read-only and approval-free", name)
		}
	}
}

func TestPreview_IsDeterministic(t *testing.T) {
	t.Parallel()

	in := WriteFileInput{Path: "notes/a.md", Content: "line one\nline two"}
	a := Preview(in)
	b := Preview(in)
	if a != b {
		t.Fatalf("previews differ:\n%s\n---\n%s", a, b)
	}
	if !strings.Contains(a, "notes/a.md") {
		t.Fatalf("preview missing path: %q", a)
	}
	if !strings.Contains(a, "+line one") || !strings.Contains(a, "+line two") {
		t.Fatalf("preview missing insert lines: %q", a)
	}

	if got := Preview(DeleteFileInput{Path: "old.md"}); got != "Delete file old.md" {
		t.Fatalf("delete preview=%q", got)
	}
}

func TestExecutor_WriteReadDeleteRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	reindexed := []string{}
	e, err := NewExecutor(s, func(ctx context.Context, documentID string) error {
		reindexed = append(reindexed, documentID)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	res := e.Execute(ctx, WriteFileInput{Path: "notes/a.md", Content: "v1"})
	if res.Status != ResultStatusSuccess {
		t.Fatalf("write: %+v", res)
	}
	if len(reindexed) != 1 {
		t.Fatalf("reindexed=%v, want one call", reindexed)
	}

	res = e.Execute(ctx, WriteFileInput{Path: "notes/a.md", Content: "v2"})
	if res.Status != ResultStatusSuccess {
		t.Fatalf("rewrite: %+v", res)
	}
	out := res.Output.(map[string]any)
	if out["version"].(int64) != 2 {
		t.Fatalf("version=%v, want 2 after rewrite", out["version"])
	}

	res = e.Execute(ctx, ReadFileInput{Path: "notes/a.md"})
	if res.Status != ResultStatusSuccess {
		t.Fatalf("read: %+v", res)
	}
	if res.Output.(map[string]any)["content"] != "v2" {
		t.Fatalf("read content=%v, want v2", res.Output)
	}

	res = e.Execute(ctx, DeleteFileInput{Path: "notes/a.md"})
	if res.Status != ResultStatusSuccess {
		t.Fatalf("delete: %+v", res)
	}
	res = e.Execute(ctx, ReadFileInput{Path: "notes/a.md"})
	if res.Status != ResultStatusError || res.Error.Code != ErrorCodeNotFound {
		t.Fatalf("read after delete: %+v, want NOT_FOUND", res)
	}
}

func TestExecutor_ListFolderAndSearch(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	e, err := NewExecutor(s, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	for path, content := range map[string]string{
		"notes/alpha.md": "alpha release checklist",
		"notes/beta.md":  "beta follow-ups",
		"specs/core.md":  "core behavior spec text",
	} {
		if res := e.Execute(ctx, WriteFileInput{Path: path, Content: content}); res.Status != ResultStatusSuccess {
			t.Fatalf("write %s: %+v", path, res)
		}
	}

	res := e.Execute(ctx, ListFolderInput{Path: "notes"})
	if res.Status != ResultStatusSuccess {
		t.Fatalf("list: %+v", res)
	}
	entries := res.Output.(map[string]any)["entries"].([]map[string]any)
	if len(entries) != 2 {
		t.Fatalf("len(entries)=%d, want 2", len(entries))
	}
	if entries[0]["path"] != "notes/alpha.md" || entries[1]["path"] != "notes/beta.md" {
		t.Fatalf("entries=%v, want sorted notes/ files", entries)
	}

	res = e.Execute(ctx, SearchDocumentsInput{Query: "checklist"})
	if res.Status != ResultStatusSuccess {
		t.Fatalf("search: %+v", res)
	}
	matches := res.Output.(map[string]any)["matches"].([]map[string]any)
	if len(matches) != 1 || matches[0]["path"] != "notes/alpha.md" {
		t.Fatalf("matches=%v, want only notes/alpha.md", matches)
	}
	if !strings.Contains(matches[0]["snippet"].(string), "checklist") {
		t.Fatalf("snippet=%v, want the matched text", matches[0]["snippet"])
	}
}

func TestExecutor_ValidationFailureIsStructured(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	e, err := NewExecutor(s, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	res := e.Execute(context.Background(), WriteFileInput{Path: "../escape.md"})
	if res.Status != ResultStatusError || res.Error == nil || res.Error.Code != ErrorCodeValidation {
		t.Fatalf("res=%+v, want VALIDATION error", res)
	}

	res = e.Execute(context.Background(), UnknownInput{Name: "launch_rocket"})
	if res.Status != ResultStatusError || res.Error.Code != ErrorCodeUnknownTool {
		t.Fatalf("res=%+v, want UNKNOWN_TOOL error", res)
	}
}
