package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// ApprovalStatus is the review state of a pending tool call.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

func NormalizeApprovalStatus(raw string) ApprovalStatus {
	switch ApprovalStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case ApprovalStatusApproved:
		return ApprovalStatusApproved
	case ApprovalStatusRejected:
		return ApprovalStatusRejected
	default:
		return ApprovalStatusPending
	}
}

// ToolCallRevision is one prior review round recorded when a rejected call is
// revised and re-submitted.
type ToolCallRevision struct {
	ToolInputJSON string `json:"tool_input_json"`
	ReviewerNote  string `json:"reviewer_note,omitempty"`
	AtUnixMs      int64  `json:"at_unix_ms"`
}

// PendingToolCall is a mutating tool invocation awaiting or under human review.
type PendingToolCall struct {
	ToolCallID       string             `json:"tool_call_id"`
	RequestID        string             `json:"request_id"`
	ThreadID         string             `json:"thread_id"`
	ToolName         string             `json:"tool_name"`
	ToolInputJSON    string             `json:"tool_input_json"`
	ApprovalStatus   ApprovalStatus     `json:"approval_status"`
	ResolutionReason string             `json:"resolution_reason,omitempty"`
	RevisionCount    int                `json:"revision_count"`
	RevisionHistory  []ToolCallRevision `json:"revision_history,omitempty"`
	CreatedAtUnixMs  int64              `json:"created_at_unix_ms"`
	UpdatedAtUnixMs  int64              `json:"updated_at_unix_ms"`
}

func (s *Store) InsertPendingToolCall(ctx context.Context, c PendingToolCall) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.ToolCallID = strings.TrimSpace(c.ToolCallID)
	c.RequestID = strings.TrimSpace(c.RequestID)
	c.ThreadID = strings.TrimSpace(c.ThreadID)
	c.ToolName = strings.TrimSpace(c.ToolName)
	c.ToolInputJSON = strings.TrimSpace(c.ToolInputJSON)
	if c.ToolCallID == "" || c.RequestID == "" || c.ToolName == "" {
		return errors.New("invalid tool call")
	}
	if c.ToolInputJSON == "" {
		c.ToolInputJSON = "{}"
	}
	now := nowUnixMs()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_tool_calls(tool_call_id, request_id, thread_id, tool_name, tool_input_json, approval_status, resolution_reason, revision_count, revision_history_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, 'pending', '', 0, '[]', ?, ?)
`, c.ToolCallID, c.RequestID, c.ThreadID, c.ToolName, c.ToolInputJSON, c.CreatedAtUnixMs, c.CreatedAtUnixMs)
	return err
}

func (s *Store) GetToolCall(ctx context.Context, toolCallID string) (*PendingToolCall, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return nil, errors.New("missing tool_call_id")
	}

	var c PendingToolCall
	var status string
	var history string
	err := s.db.QueryRowContext(ctx, `
SELECT tool_call_id, request_id, thread_id, tool_name, tool_input_json, approval_status, resolution_reason, revision_count, revision_history_json, created_at_unix_ms, updated_at_unix_ms
FROM pending_tool_calls
WHERE tool_call_id = ?
`, toolCallID).Scan(&c.ToolCallID, &c.RequestID, &c.ThreadID, &c.ToolName, &c.ToolInputJSON, &status, &c.ResolutionReason, &c.RevisionCount, &history, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.ApprovalStatus = NormalizeApprovalStatus(status)
	c.RevisionHistory = decodeRevisions(history)
	return &c, nil
}

// ListPendingToolCallsByRequest returns the request's unresolved calls in
// creation order.
func (s *Store) ListPendingToolCallsByRequest(ctx context.Context, requestID string) ([]PendingToolCall, error) {
	return s.listPendingToolCalls(ctx, "request_id", requestID)
}

// ListPendingToolCallsByThread returns the thread's unresolved calls in
// creation order.
func (s *Store) ListPendingToolCallsByThread(ctx context.Context, threadID string) ([]PendingToolCall, error) {
	return s.listPendingToolCalls(ctx, "thread_id", threadID)
}

func (s *Store) listPendingToolCalls(ctx context.Context, column string, value string) ([]PendingToolCall, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("invalid request")
	}

	q := `
SELECT tool_call_id, request_id, thread_id, tool_name, tool_input_json, approval_status, resolution_reason, revision_count, revision_history_json, created_at_unix_ms, updated_at_unix_ms
FROM pending_tool_calls
WHERE ` + column + ` = ? AND approval_status = 'pending'
ORDER BY created_at_unix_ms ASC, tool_call_id ASC
`
	rows, err := s.db.QueryContext(ctx, q, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PendingToolCall, 0, 8)
	for rows.Next() {
		var c PendingToolCall
		var status string
		var history string
		if err := rows.Scan(&c.ToolCallID, &c.RequestID, &c.ThreadID, &c.ToolName, &c.ToolInputJSON, &status, &c.ResolutionReason, &c.RevisionCount, &history, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		c.ApprovalStatus = NormalizeApprovalStatus(status)
		c.RevisionHistory = decodeRevisions(history)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveToolCall moves a pending call to approved or rejected.
//
// The update is compare-and-swap style: only a call currently in 'pending'
// transitions. The boolean result reports whether this caller won the swap;
// when false the call was already terminal and the stored record is returned
// unchanged, so duplicate resolutions are a no-op rather than an error.
func (s *Store) ResolveToolCall(ctx context.Context, toolCallID string, approved bool, reason string) (*PendingToolCall, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return nil, false, errors.New("missing tool_call_id")
	}

	status := ApprovalStatusRejected
	if approved {
		status = ApprovalStatusApproved
	}
	reason = truncateRunes(strings.TrimSpace(reason), 600)

	res, err := s.db.ExecContext(ctx, `
UPDATE pending_tool_calls
SET approval_status = ?, resolution_reason = ?, updated_at_unix_ms = ?
WHERE tool_call_id = ? AND approval_status = 'pending'
`, string(status), reason, nowUnixMs(), toolCallID)
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()

	c, err := s.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, ErrNotFound
	}
	return c, n > 0, nil
}

// ReviseToolCall supplies corrected input for a rejected call and returns it
// to pending for another review round. This is the only path from a terminal
// approval status back to pending.
func (s *Store) ReviseToolCall(ctx context.Context, toolCallID string, newInputJSON string, note string) (*PendingToolCall, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	toolCallID = strings.TrimSpace(toolCallID)
	newInputJSON = strings.TrimSpace(newInputJSON)
	if toolCallID == "" {
		return nil, errors.New("missing tool_call_id")
	}
	if newInputJSON == "" {
		return nil, errors.New("missing revised tool input")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var priorInput string
	var priorReason string
	var status string
	var history string
	var revisionCount int
	err = tx.QueryRowContext(ctx, `
SELECT tool_input_json, resolution_reason, approval_status, revision_history_json, revision_count
FROM pending_tool_calls
WHERE tool_call_id = ?
`, toolCallID).Scan(&priorInput, &priorReason, &status, &history, &revisionCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if NormalizeApprovalStatus(status) != ApprovalStatusRejected {
		return nil, errors.New("only a rejected tool call can be revised")
	}

	revisions := decodeRevisions(history)
	revisions = append(revisions, ToolCallRevision{
		ToolInputJSON: priorInput,
		ReviewerNote:  truncateRunes(strings.TrimSpace(note), 600),
		AtUnixMs:      nowUnixMs(),
	})
	encoded, err := json.Marshal(revisions)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE pending_tool_calls
SET tool_input_json = ?, approval_status = 'pending', resolution_reason = '', revision_count = ?, revision_history_json = ?, updated_at_unix_ms = ?
WHERE tool_call_id = ? AND approval_status = 'rejected'
`, newInputJSON, revisionCount+1, string(encoded), nowUnixMs(), toolCallID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetToolCall(ctx, toolCallID)
}

func decodeRevisions(raw string) []ToolCallRevision {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []ToolCallRevision
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
