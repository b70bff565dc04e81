package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/ids"
)

// ResultStatus is the normalized outcome of a tool execution.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidPath ErrorCode = "INVALID_PATH"
	ErrorCodeValidation  ErrorCode = "VALIDATION"
	ErrorCodeRejected    ErrorCode = "REJECTED"
	ErrorCodeUnknownTool ErrorCode = "UNKNOWN_TOOL"
	ErrorCodeInternal    ErrorCode = "INTERNAL"
)

// ToolError carries structured tool failure metadata.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the normalized payload of a finished tool call, recorded in the
// request's tool_result event.
type Result struct {
	ToolName string       `json:"tool_name"`
	Status   ResultStatus `json:"status"`
	Output   any          `json:"output,omitempty"`
	Error    *ToolError   `json:"error,omitempty"`
}

// Executor runs built-in tools against the document store. reindex, when
// set, is invoked after a successful content write so the document's chunks
// catch up with its new version.
type Executor struct {
	store   *docstore.Store
	reindex func(ctx context.Context, documentID string) error
	logger  *slog.Logger
}

func NewExecutor(store *docstore.Store, reindex func(ctx context.Context, documentID string) error, logger *slog.Logger) (*Executor, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, reindex: reindex, logger: logger}, nil
}

// Execute runs the tool and never returns a Go error for tool-level
// failures: those are encoded in the Result so the model can react to them.
func (e *Executor) Execute(ctx context.Context, in Input) Result {
	if e == nil || e.store == nil {
		return failure(in, ErrorCodeInternal, "executor not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if in == nil {
		return failure(nil, ErrorCodeValidation, "nil tool input")
	}
	if err := in.Validate(); err != nil {
		code := ErrorCodeValidation
		if _, unknown := in.(UnknownInput); unknown {
			code = ErrorCodeUnknownTool
		}
		return failure(in, code, err.Error())
	}

	switch v := in.(type) {
	case WriteFileInput:
		return e.execWriteFile(ctx, v)
	case DeleteFileInput:
		return e.execDeleteFile(ctx, v)
	case CreateFolderInput:
		return success(v, map[string]any{"path": strings.TrimSpace(v.Path)})
	case ReadFileInput:
		return e.execReadFile(ctx, v)
	case ListFolderInput:
		return e.execListFolder(ctx, v)
	case SearchDocumentsInput:
		return e.execSearchDocuments(ctx, v)
	default:
		return failure(in, ErrorCodeUnknownTool, fmt.Sprintf("unknown tool %q", in.ToolName()))
	}
}

func (e *Executor) execWriteFile(ctx context.Context, in WriteFileInput) Result {
	path := strings.TrimSpace(in.Path)

	existing, err := e.findByPath(ctx, path)
	if err != nil {
		return failure(in, ErrorCodeInternal, err.Error())
	}

	var documentID string
	var version int64
	if existing == nil {
		documentID = ids.New(ids.PrefixDocument)
		version = 1
		if err := e.store.CreateDocument(ctx, docstore.Document{
			DocumentID: documentID,
			Title:      path,
			Content:    in.Content,
		}); err != nil {
			return failure(in, ErrorCodeInternal, err.Error())
		}
	} else {
		documentID = existing.DocumentID
		version, err = e.store.UpdateDocumentContent(ctx, documentID, path, in.Content)
		if err != nil {
			return failure(in, ErrorCodeInternal, err.Error())
		}
	}

	if e.reindex != nil {
		if err := e.reindex(ctx, documentID); err != nil {
			// The write itself succeeded; stale chunks are repaired by the
			// next reindex.
			e.logger.Warn("reindex after write failed",
				slog.String("document_id", documentID),
				slog.String("error", err.Error()))
		}
	}

	return success(in, map[string]any{
		"document_id": documentID,
		"path":        path,
		"version":     version,
		"bytes":       len(in.Content),
	})
}

func (e *Executor) execDeleteFile(ctx context.Context, in DeleteFileInput) Result {
	doc, err := e.findByPath(ctx, strings.TrimSpace(in.Path))
	if err != nil {
		return failure(in, ErrorCodeInternal, err.Error())
	}
	if doc == nil {
		return failure(in, ErrorCodeNotFound, fmt.Sprintf("no file at %q", in.Path))
	}
	if err := e.store.DeleteDocument(ctx, doc.DocumentID); err != nil {
		return failure(in, ErrorCodeInternal, err.Error())
	}
	return success(in, map[string]any{"document_id": doc.DocumentID, "path": doc.Title})
}

func (e *Executor) execReadFile(ctx context.Context, in ReadFileInput) Result {
	doc, err := e.findByPath(ctx, strings.TrimSpace(in.Path))
	if err != nil {
		return failure(in, ErrorCodeInternal, err.Error())
	}
	if doc == nil {
		return failure(in, ErrorCodeNotFound, fmt.Sprintf("no file at %q", in.Path))
	}
	return success(in, map[string]any{
		"document_id": doc.DocumentID,
		"path":        doc.Title,
		"version":     doc.Version,
		"content":     doc.Content,
	})
}

func (e *Executor) execListFolder(ctx context.Context, in ListFolderInput) Result {
	prefix := strings.TrimSpace(in.Path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	docs, err := e.store.ListDocumentsByTitlePrefix(ctx, prefix)
	if err != nil {
		return failure(in, ErrorCodeInternal, err.Error())
	}
	entries := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, map[string]any{
			"document_id": d.DocumentID,
			"path":        d.Title,
			"version":     d.Version,
		})
	}
	return success(in, map[string]any{"path": strings.TrimSpace(in.Path), "entries": entries})
}

func (e *Executor) execSearchDocuments(ctx context.Context, in SearchDocumentsInput) Result {
	docs, err := e.store.SearchDocumentsByText(ctx, in.Query, in.Limit)
	if err != nil {
		return failure(in, ErrorCodeInternal, err.Error())
	}
	matches := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		matches = append(matches, map[string]any{
			"document_id": d.DocumentID,
			"path":        d.Title,
			"snippet":     snippet(d.Content, in.Query),
		})
	}
	return success(in, map[string]any{"query": in.Query, "matches": matches})
}

// findByPath resolves a document by its title (the tool-visible path).
func (e *Executor) findByPath(ctx context.Context, path string) (*docstore.Document, error) {
	docs, err := e.store.ListDocumentsByTitlePrefix(ctx, path)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].Title == path {
			return &docs[i], nil
		}
	}
	return nil, nil
}

func snippet(content string, query string) string {
	const window = 160
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		if len(content) <= window {
			return content
		}
		return content[:window]
	}
	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}

func success(in Input, output any) Result {
	name := ""
	if in != nil {
		name = in.ToolName()
	}
	return Result{ToolName: name, Status: ResultStatusSuccess, Output: output}
}

func failure(in Input, code ErrorCode, msg string) Result {
	name := ""
	if in != nil {
		name = in.ToolName()
	}
	return Result{
		ToolName: name,
		Status:   ResultStatusError,
		Error:    &ToolError{Code: code, Message: strings.TrimSpace(msg)},
	}
}
