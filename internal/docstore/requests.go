package docstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// RequestStatus is the normalized agent request lifecycle state.
// Transitions only move forward: pending -> in_progress -> completed|failed.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
)

func NormalizeRequestStatus(raw string) RequestStatus {
	switch RequestStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case RequestStatusInProgress:
		return RequestStatusInProgress
	case RequestStatusCompleted:
		return RequestStatusCompleted
	case RequestStatusFailed:
		return RequestStatusFailed
	default:
		return RequestStatusPending
	}
}

func IsActiveRequestStatus(raw string) bool {
	switch NormalizeRequestStatus(raw) {
	case RequestStatusPending, RequestStatusInProgress:
		return true
	default:
		return false
	}
}

// AgentRequest is one user turn being processed.
type AgentRequest struct {
	RequestID           string        `json:"request_id"`
	ThreadID            string        `json:"thread_id"`
	TriggeringMessageID string        `json:"triggering_message_id"`
	ResponseMessageID   string        `json:"response_message_id,omitempty"`
	Status              RequestStatus `json:"status"`
	Progress            float64       `json:"progress"`
	ResultsJSON         string        `json:"results_json,omitempty"`
	TokenCost           *int64        `json:"token_cost,omitempty"`
	CreatedAtUnixMs     int64         `json:"created_at_unix_ms"`
	CompletedAtUnixMs   *int64        `json:"completed_at_unix_ms,omitempty"`
}

// CreateAgentRequest inserts a new pending request for the thread.
//
// The active-request check and the insert run in one transaction so two
// concurrent submits for the same thread cannot both succeed; the loser gets
// ErrThreadBusy.
func (s *Store) CreateAgentRequest(ctx context.Context, r AgentRequest) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.RequestID = strings.TrimSpace(r.RequestID)
	r.ThreadID = strings.TrimSpace(r.ThreadID)
	r.TriggeringMessageID = strings.TrimSpace(r.TriggeringMessageID)
	if r.RequestID == "" || r.ThreadID == "" || r.TriggeringMessageID == "" {
		return errors.New("invalid agent request")
	}
	if r.CreatedAtUnixMs <= 0 {
		r.CreatedAtUnixMs = nowUnixMs()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM agent_requests
WHERE thread_id = ? AND status IN ('pending', 'in_progress')
`, r.ThreadID).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return ErrThreadBusy
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_requests(request_id, thread_id, triggering_message_id, response_message_id, status, progress, results_json, token_cost, created_at_unix_ms, completed_at_unix_ms)
VALUES(?, ?, ?, '', 'pending', 0, '', NULL, ?, NULL)
`, r.RequestID, r.ThreadID, r.TriggeringMessageID, r.CreatedAtUnixMs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAgentRequest(ctx context.Context, requestID string) (*AgentRequest, error) {
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

	var r AgentRequest
	var status string
	var tokenCost sql.NullInt64
	var completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT request_id, thread_id, triggering_message_id, response_message_id, status, progress, results_json, token_cost, created_at_unix_ms, completed_at_unix_ms
FROM agent_requests
WHERE request_id = ?
`, requestID).Scan(&r.RequestID, &r.ThreadID, &r.TriggeringMessageID, &r.ResponseMessageID, &status, &r.Progress, &r.ResultsJSON, &tokenCost, &r.CreatedAtUnixMs, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = NormalizeRequestStatus(status)
	if tokenCost.Valid {
		v := tokenCost.Int64
		r.TokenCost = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		r.CompletedAtUnixMs = &v
	}
	return &r, nil
}

// MarkAgentRequestInProgress moves a pending request forward. It is a no-op
// for a request that already left pending.
func (s *Store) MarkAgentRequestInProgress(ctx context.Context, requestID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New("missing request_id")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE agent_requests
SET status = 'in_progress'
WHERE request_id = ? AND status = 'pending'
`, requestID)
	return err
}

// UpdateAgentRequestProgress raises the progress value. Progress never
// decreases: a stale writer loses against the stored value.
func (s *Store) UpdateAgentRequestProgress(ctx context.Context, requestID string, progress float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New("missing request_id")
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE agent_requests
SET progress = ?
WHERE request_id = ? AND progress < ?
`, progress, requestID, progress)
	return err
}

func (s *Store) SetAgentRequestResponseMessage(ctx context.Context, requestID string, responseMessageID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	responseMessageID = strings.TrimSpace(responseMessageID)
	if requestID == "" || responseMessageID == "" {
		return errors.New("invalid request")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE agent_requests
SET response_message_id = ?
WHERE request_id = ?
`, responseMessageID, requestID)
	return err
}

// CompleteAgentRequest finalizes a request as completed with its results
// payload and token cost. Only an active request transitions.
func (s *Store) CompleteAgentRequest(ctx context.Context, requestID string, resultsJSON string, tokenCost int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New("missing request_id")
	}
	resultsJSON = strings.TrimSpace(resultsJSON)
	if resultsJSON == "" {
		resultsJSON = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE agent_requests
SET status = 'completed', progress = 1, results_json = ?, token_cost = ?, completed_at_unix_ms = ?
WHERE request_id = ? AND status IN ('pending', 'in_progress')
`, resultsJSON, tokenCost, nowUnixMs(), requestID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailAgentRequest finalizes a request as failed. Only an active request
// transitions; failing an already-terminal request is a no-op.
func (s *Store) FailAgentRequest(ctx context.Context, requestID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New("missing request_id")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE agent_requests
SET status = 'failed', completed_at_unix_ms = ?
WHERE request_id = ? AND status IN ('pending', 'in_progress')
`, nowUnixMs(), requestID)
	return err
}

// GetActiveAgentRequest returns the single active request for a thread, if any.
func (s *Store) GetActiveAgentRequest(ctx context.Context, threadID string) (*AgentRequest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}

	var requestID string
	err := s.db.QueryRowContext(ctx, `
SELECT request_id
FROM agent_requests
WHERE thread_id = ? AND status IN ('pending', 'in_progress')
ORDER BY created_at_unix_ms DESC
LIMIT 1
`, threadID).Scan(&requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetAgentRequest(ctx, requestID)
}
