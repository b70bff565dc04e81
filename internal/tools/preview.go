package tools

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Preview renders a human-readable summary of what a tool call will do. It is
// a pure function of the input: identical inputs always render identical
// previews, which makes it usable in audit records and tests.
func Preview(in Input) string {
	switch v := in.(type) {
	case WriteFileInput:
		return previewWrite(v)
	case DeleteFileInput:
		return fmt.Sprintf("Delete file %s", v.Path)
	case CreateFolderInput:
		return fmt.Sprintf("Create folder %s", v.Path)
	case ReadFileInput:
		return fmt.Sprintf("Read file %s", v.Path)
	case ListFolderInput:
		if strings.TrimSpace(v.Path) == "" {
			return "List all files"
		}
		return fmt.Sprintf("List folder %s", v.Path)
	case SearchDocumentsInput:
		return fmt.Sprintf("Search documents for %q", v.Query)
	case UnknownInput:
		return fmt.Sprintf("Invoke unknown tool %q", v.Name)
	default:
		return fmt.Sprintf("Invoke %s", in.ToolName())
	}
}

// previewWrite renders the written content as diff-style insert lines.
func previewWrite(in WriteFileInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write file %s (%d bytes)\n", in.Path, len(in.Content))

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain("", in.Content, false)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
