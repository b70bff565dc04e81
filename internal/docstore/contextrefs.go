package docstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// EntityType names the kind of entity a context reference points at.
type EntityType string

const (
	EntityTypeFile   EntityType = "file"
	EntityTypeFolder EntityType = "folder"
	EntityTypeThread EntityType = "thread"
)

func NormalizeEntityType(raw string) EntityType {
	switch EntityType(strings.TrimSpace(strings.ToLower(raw))) {
	case EntityTypeFolder:
		return EntityTypeFolder
	case EntityTypeThread:
		return EntityTypeThread
	default:
		return EntityTypeFile
	}
}

// RefSource records how a context reference entered the thread.
type RefSource string

const (
	RefSourceInherited  RefSource = "inherited"
	RefSourceManual     RefSource = "manual"
	RefSourceAgentAdded RefSource = "agent-added"
	RefSourceMentioned  RefSource = "@-mentioned"
)

func NormalizeRefSource(raw string) RefSource {
	switch RefSource(strings.TrimSpace(strings.ToLower(raw))) {
	case RefSourceManual:
		return RefSourceManual
	case RefSourceAgentAdded:
		return RefSourceAgentAdded
	case RefSourceMentioned:
		return RefSourceMentioned
	default:
		return RefSourceInherited
	}
}

// ContextReference is one entity attached to a thread's working context.
// Tier 1 is explicit user intent, tier 2 inherited from ancestors, tier 3
// semantic matches.
type ContextReference struct {
	RefID           string     `json:"ref_id"`
	ThreadID        string     `json:"thread_id"`
	EntityType      EntityType `json:"entity_type"`
	EntityReference string     `json:"entity_reference"`
	DisplayLabel    string     `json:"display_label,omitempty"`
	Source          RefSource  `json:"source"`
	PriorityTier    int        `json:"priority_tier"`
	RelevanceScore  *float64   `json:"relevance_score,omitempty"`
	AddedAtUnixMs   int64      `json:"added_at_unix_ms"`
}

func clampTier(tier int) int {
	if tier < 1 {
		return 1
	}
	if tier > 3 {
		return 3
	}
	return tier
}

// UpsertContextReference attaches the entity to the thread. References are
// unique per (thread, entity type, entity reference): re-adding an entity
// promotes its tier and source when the new addition ranks higher, and keeps
// the best known relevance score, rather than creating a second row.
func (s *Store) UpsertContextReference(ctx context.Context, ref ContextReference) (*ContextReference, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ref.RefID = strings.TrimSpace(ref.RefID)
	ref.ThreadID = strings.TrimSpace(ref.ThreadID)
	ref.EntityReference = strings.TrimSpace(ref.EntityReference)
	ref.DisplayLabel = strings.TrimSpace(ref.DisplayLabel)
	if ref.RefID == "" || ref.ThreadID == "" || ref.EntityReference == "" {
		return nil, errors.New("invalid context reference")
	}
	ref.EntityType = NormalizeEntityType(string(ref.EntityType))
	ref.Source = NormalizeRefSource(string(ref.Source))
	ref.PriorityTier = clampTier(ref.PriorityTier)
	if ref.AddedAtUnixMs <= 0 {
		ref.AddedAtUnixMs = nowUnixMs()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing ContextReference
	var existingScore sql.NullFloat64
	var entityType, source string
	err = tx.QueryRowContext(ctx, `
SELECT ref_id, thread_id, entity_type, entity_reference, display_label, source, priority_tier, relevance_score, added_at_unix_ms
FROM context_refs
WHERE thread_id = ? AND entity_type = ? AND entity_reference = ?
`, ref.ThreadID, string(ref.EntityType), ref.EntityReference).Scan(
		&existing.RefID, &existing.ThreadID, &entityType, &existing.EntityReference,
		&existing.DisplayLabel, &source, &existing.PriorityTier, &existingScore, &existing.AddedAtUnixMs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO context_refs(ref_id, thread_id, entity_type, entity_reference, display_label, source, priority_tier, relevance_score, added_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ref.RefID, ref.ThreadID, string(ref.EntityType), ref.EntityReference, ref.DisplayLabel, string(ref.Source), ref.PriorityTier, scoreArg(ref.RelevanceScore), ref.AddedAtUnixMs); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ref, nil
	}

	existing.EntityType = NormalizeEntityType(entityType)
	existing.Source = NormalizeRefSource(source)
	if existingScore.Valid {
		v := existingScore.Float64
		existing.RelevanceScore = &v
	}

	merged := existing
	if ref.PriorityTier < merged.PriorityTier {
		merged.PriorityTier = ref.PriorityTier
		merged.Source = ref.Source
	}
	if ref.RelevanceScore != nil && (merged.RelevanceScore == nil || *ref.RelevanceScore > *merged.RelevanceScore) {
		v := *ref.RelevanceScore
		merged.RelevanceScore = &v
	}
	if ref.DisplayLabel != "" {
		merged.DisplayLabel = ref.DisplayLabel
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE context_refs
SET display_label = ?, source = ?, priority_tier = ?, relevance_score = ?
WHERE ref_id = ?
`, merged.DisplayLabel, string(merged.Source), merged.PriorityTier, scoreArg(merged.RelevanceScore), merged.RefID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// ListContextReferences returns the thread's references ordered by tier then
// insertion time.
func (s *Store) ListContextReferences(ctx context.Context, threadID string) ([]ContextReference, error) {
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

	rows, err := s.db.QueryContext(ctx, `
SELECT ref_id, thread_id, entity_type, entity_reference, display_label, source, priority_tier, relevance_score, added_at_unix_ms
FROM context_refs
WHERE thread_id = ?
ORDER BY priority_tier ASC, added_at_unix_ms ASC, ref_id ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ContextReference, 0, 16)
	for rows.Next() {
		var ref ContextReference
		var entityType, source string
		var score sql.NullFloat64
		if err := rows.Scan(&ref.RefID, &ref.ThreadID, &entityType, &ref.EntityReference, &ref.DisplayLabel, &source, &ref.PriorityTier, &score, &ref.AddedAtUnixMs); err != nil {
			return nil, err
		}
		ref.EntityType = NormalizeEntityType(entityType)
		ref.Source = NormalizeRefSource(source)
		if score.Valid {
			v := score.Float64
			ref.RelevanceScore = &v
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteContextReference removes one reference from a thread.
func (s *Store) DeleteContextReference(ctx context.Context, refID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	refID = strings.TrimSpace(refID)
	if refID == "" {
		return errors.New("missing ref_id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM context_refs WHERE ref_id = ?`, refID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scoreArg(score *float64) any {
	if score == nil {
		return nil
	}
	return *score
}
