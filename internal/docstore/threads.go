package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// Thread is a branchable conversation node. A child thread inherits context
// references from its parent chain unless an ancestor is blacklisted.
type Thread struct {
	ThreadID            string   `json:"thread_id"`
	ParentThreadID      string   `json:"parent_thread_id,omitempty"`
	BlacklistedBranches []string `json:"blacklisted_branches,omitempty"`
	Summary             string   `json:"summary,omitempty"`
	CreatedAtUnixMs     int64    `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64    `json:"updated_at_unix_ms"`
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.ParentThreadID = strings.TrimSpace(t.ParentThreadID)
	t.Summary = strings.TrimSpace(t.Summary)
	if t.ThreadID == "" {
		return errors.New("invalid thread")
	}

	if t.ParentThreadID != "" {
		parent, err := s.GetThread(ctx, t.ParentThreadID)
		if err != nil {
			return err
		}
		if parent == nil {
			return errors.New("parent thread does not exist")
		}
	}

	now := nowUnixMs()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}

	blacklist, err := encodeStringSet(t.BlacklistedBranches)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO threads(thread_id, parent_thread_id, blacklisted_branches, summary, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, t.ThreadID, t.ParentThreadID, blacklist, t.Summary, t.CreatedAtUnixMs, t.UpdatedAtUnixMs)
	return err
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
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

	var t Thread
	var blacklist string
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, parent_thread_id, blacklisted_branches, summary, created_at_unix_ms, updated_at_unix_ms
FROM threads
WHERE thread_id = ?
`, threadID).Scan(&t.ThreadID, &t.ParentThreadID, &blacklist, &t.Summary, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.BlacklistedBranches = decodeStringSet(blacklist)
	return &t, nil
}

func (s *Store) UpdateThreadSummary(ctx context.Context, threadID string, summary string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET summary = ?, updated_at_unix_ms = ?
WHERE thread_id = ?
`, truncateRunes(strings.TrimSpace(summary), 600), nowUnixMs(), threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreadBlacklist replaces the set of ancestor thread ids excluded from
// this thread's inherited context.
func (s *Store) SetThreadBlacklist(ctx context.Context, threadID string, blacklisted []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	encoded, err := encodeStringSet(blacklisted)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET blacklisted_branches = ?, updated_at_unix_ms = ?
WHERE thread_id = ?
`, encoded, nowUnixMs(), threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeStringSet(values []string) (string, error) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStringSet(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
