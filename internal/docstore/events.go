package docstore

import (
	"context"
	"errors"
	"strings"
)

// EventType enumerates the execution event variants appended while a request
// is processed. Events are immutable and totally ordered by sequence within
// a request; replaying them reconstructs the exact client-visible transcript.
type EventType string

const (
	EventTypeToolCall     EventType = "tool_call"
	EventTypeToolResult   EventType = "tool_result"
	EventTypeTextChunk    EventType = "text_chunk"
	EventTypeContextReady EventType = "context_ready"
	EventTypeCompletion   EventType = "completion"
	EventTypeError        EventType = "error"
)

func IsTerminalEventType(t EventType) bool {
	return t == EventTypeCompletion || t == EventTypeError
}

type ExecutionEvent struct {
	EventID         string    `json:"event_id"`
	RequestID       string    `json:"request_id"`
	Sequence        int64     `json:"sequence"`
	EventType       EventType `json:"event_type"`
	DataJSON        string    `json:"data_json"`
	CreatedAtUnixMs int64     `json:"created_at_unix_ms"`
}

// AppendExecutionEvent appends an event with the next sequence number for the
// request. Sequence assignment and insert share a transaction, so concurrent
// internal steps serialize before becoming externally observable.
func (s *Store) AppendExecutionEvent(ctx context.Context, ev ExecutionEvent) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.RequestID = strings.TrimSpace(ev.RequestID)
	ev.DataJSON = strings.TrimSpace(ev.DataJSON)
	if ev.EventID == "" || ev.RequestID == "" || strings.TrimSpace(string(ev.EventType)) == "" {
		return 0, errors.New("invalid execution event")
	}
	if ev.DataJSON == "" {
		ev.DataJSON = "{}"
	}
	if ev.CreatedAtUnixMs <= 0 {
		ev.CreatedAtUnixMs = nowUnixMs()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(sequence), 0) + 1
FROM execution_events
WHERE request_id = ?
`, ev.RequestID).Scan(&next); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO execution_events(event_id, request_id, sequence, event_type, data_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, ev.EventID, ev.RequestID, next, string(ev.EventType), ev.DataJSON, ev.CreatedAtUnixMs); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// ListExecutionEvents returns the request's events in sequence order,
// optionally starting after a known sequence (for incremental replay).
func (s *Store) ListExecutionEvents(ctx context.Context, requestID string, afterSequence int64) ([]ExecutionEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, errors.New("missing request_id")
	}
	if afterSequence < 0 {
		afterSequence = 0
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, request_id, sequence, event_type, data_json, created_at_unix_ms
FROM execution_events
WHERE request_id = ? AND sequence > ?
ORDER BY sequence ASC
`, requestID, afterSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ExecutionEvent, 0, 32)
	for rows.Next() {
		var ev ExecutionEvent
		var eventType string
		if err := rows.Scan(&ev.EventID, &ev.RequestID, &ev.Sequence, &eventType, &ev.DataJSON, &ev.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		ev.EventType = EventType(strings.TrimSpace(eventType))
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// HasTerminalEvent reports whether the request's log already carries a
// completion or error event.
func (s *Store) HasTerminalEvent(ctx context.Context, requestID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return false, errors.New("missing request_id")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM execution_events
WHERE request_id = ? AND event_type IN ('completion', 'error')
`, requestID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
