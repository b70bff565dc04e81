// Package tools defines the built-in agent tools: their inputs, approval
// policy, previews, and execution against the document store.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Input is the parsed, typed payload of a tool invocation. The set of
// variants is closed over the built-in tools; anything else parses into
// UnknownInput so new tool names degrade instead of breaking parsing.
type Input interface {
	ToolName() string
	Validate() error
}

// ValidationError names the input field that failed validation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "invalid input"
	}
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (WriteFileInput) ToolName() string { return "write_file" }

func (in WriteFileInput) Validate() error {
	if err := validatePath(in.Path); err != nil {
		return err
	}
	return nil
}

type DeleteFileInput struct {
	Path string `json:"path"`
}

func (DeleteFileInput) ToolName() string { return "delete_file" }

func (in DeleteFileInput) Validate() error { return validatePath(in.Path) }

type CreateFolderInput struct {
	Path string `json:"path"`
}

func (CreateFolderInput) ToolName() string { return "create_folder" }

func (in CreateFolderInput) Validate() error { return validatePath(in.Path) }

type ReadFileInput struct {
	Path string `json:"path"`
}

func (ReadFileInput) ToolName() string { return "read_file" }

func (in ReadFileInput) Validate() error { return validatePath(in.Path) }

type ListFolderInput struct {
	Path string `json:"path"`
}

func (ListFolderInput) ToolName() string { return "list_folder" }

// An empty path lists the root.
func (in ListFolderInput) Validate() error {
	if strings.TrimSpace(in.Path) == "" {
		return nil
	}
	return validatePath(in.Path)
}

type SearchDocumentsInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (SearchDocumentsInput) ToolName() string { return "search_documents" }

func (in SearchDocumentsInput) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return &ValidationError{Field: "query", Msg: "missing query"}
	}
	return nil
}

// UnknownInput is the forward-compatibility catch-all for tool names outside
// the built-in set.
type UnknownInput struct {
	Name    string
	RawJSON string
}

func (in UnknownInput) ToolName() string { return in.Name }

func (in UnknownInput) Validate() error {
	return fmt.Errorf("unknown tool %q", in.Name)
}

// ParseInput decodes rawJSON into the typed variant for toolName. Parsing an
// unknown tool succeeds and yields UnknownInput; validation is the caller's
// decision.
func ParseInput(toolName string, rawJSON string) (Input, error) {
	toolName = strings.TrimSpace(toolName)
	rawJSON = strings.TrimSpace(rawJSON)
	if rawJSON == "" {
		rawJSON = "{}"
	}

	switch toolName {
	case "write_file":
		var in WriteFileInput
		if err := decodeInput(rawJSON, &in); err != nil {
			return nil, err
		}
		return in, nil
	case "delete_file":
		var in DeleteFileInput
		if err := decodeInput(rawJSON, &in); err != nil {
			return nil, err
		}
		return in, nil
	case "create_folder":
		var in CreateFolderInput
		if err := decodeInput(rawJSON, &in); err != nil {
			return nil, err
		}
		return in, nil
	case "read_file":
		var in ReadFileInput
		if err := decodeInput(rawJSON, &in); err != nil {
			return nil, err
		}
		return in, nil
	case "list_folder":
		var in ListFolderInput
		if err := decodeInput(rawJSON, &in); err != nil {
			return nil, err
		}
		return in, nil
	case "search_documents":
		var in SearchDocumentsInput
		if err := decodeInput(rawJSON, &in); err != nil {
			return nil, err
		}
		return in, nil
	default:
		return UnknownInput{Name: toolName, RawJSON: rawJSON}, nil
	}
}

func decodeInput(rawJSON string, target any) error {
	if err := json.Unmarshal([]byte(rawJSON), target); err != nil {
		return fmt.Errorf("malformed tool input: %w", err)
	}
	return nil
}

func validatePath(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return &ValidationError{Field: "path", Msg: "missing path"}
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return &ValidationError{Field: "path", Msg: fmt.Sprintf("invalid path %q", path)}
	}
	return nil
}
