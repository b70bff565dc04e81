package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// IndexStatus mirrors the agent request status shape for consistency.
type IndexStatus string

const (
	IndexStatusPending    IndexStatus = "pending"
	IndexStatusInProgress IndexStatus = "in_progress"
	IndexStatusCompleted  IndexStatus = "completed"
	IndexStatusFailed     IndexStatus = "failed"
)

func NormalizeIndexStatus(raw string) IndexStatus {
	switch IndexStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case IndexStatusInProgress:
		return IndexStatusInProgress
	case IndexStatusCompleted:
		return IndexStatusCompleted
	case IndexStatusFailed:
		return IndexStatusFailed
	default:
		return IndexStatusPending
	}
}

type Document struct {
	DocumentID      string      `json:"document_id"`
	Title           string      `json:"title"`
	Content         string      `json:"content"`
	Version         int64       `json:"version"`
	IndexStatus     IndexStatus `json:"index_status"`
	IndexError      string      `json:"index_error,omitempty"`
	CreatedAtUnixMs int64       `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64       `json:"updated_at_unix_ms"`
}

// DocumentChunk is one retrieval unit produced from a document version.
type DocumentChunk struct {
	ChunkID         string    `json:"chunk_id"`
	DocumentID      string    `json:"document_id"`
	ChunkIndex      int       `json:"chunk_index"`
	Text            string    `json:"text"`
	TokenCount      int       `json:"token_count"`
	Embedding       []float32 `json:"-"`
	DocumentVersion int64     `json:"document_version"`
	CreatedAtUnixMs int64     `json:"created_at_unix_ms"`
}

func (s *Store) CreateDocument(ctx context.Context, d Document) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.DocumentID = strings.TrimSpace(d.DocumentID)
	d.Title = strings.TrimSpace(d.Title)
	if d.DocumentID == "" {
		return errors.New("invalid document")
	}
	if d.Version <= 0 {
		d.Version = 1
	}
	now := nowUnixMs()
	if d.CreatedAtUnixMs <= 0 {
		d.CreatedAtUnixMs = now
	}
	if d.UpdatedAtUnixMs <= 0 {
		d.UpdatedAtUnixMs = d.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents(document_id, title, content, version, index_status, index_error, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, d.DocumentID, d.Title, d.Content, d.Version, string(NormalizeIndexStatus(string(d.IndexStatus))), "", d.CreatedAtUnixMs, d.UpdatedAtUnixMs)
	return err
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, errors.New("missing document_id")
	}

	var d Document
	var status string
	err := s.db.QueryRowContext(ctx, `
SELECT document_id, title, content, version, index_status, index_error, created_at_unix_ms, updated_at_unix_ms
FROM documents
WHERE document_id = ?
`, documentID).Scan(&d.DocumentID, &d.Title, &d.Content, &d.Version, &status, &d.IndexError, &d.CreatedAtUnixMs, &d.UpdatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d.IndexStatus = NormalizeIndexStatus(status)
	return &d, nil
}

// UpdateDocumentContent replaces the document's content, bumps its version,
// and marks the index stale (pending). Returns the new version.
func (s *Store) UpdateDocumentContent(ctx context.Context, documentID string, title string, content string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, errors.New("missing document_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE document_id = ?`, documentID).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	version++

	if _, err := tx.ExecContext(ctx, `
UPDATE documents
SET title = ?, content = ?, version = ?, index_status = ?, index_error = '', updated_at_unix_ms = ?
WHERE document_id = ?
`, strings.TrimSpace(title), content, version, string(IndexStatusPending), nowUnixMs(), documentID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) SetDocumentIndexStatus(ctx context.Context, documentID string, status IndexStatus, indexErr string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return errors.New("missing document_id")
	}

	status = NormalizeIndexStatus(string(status))
	indexErr = strings.TrimSpace(indexErr)
	if status != IndexStatusFailed {
		indexErr = ""
	}
	if len(indexErr) > 600 {
		indexErr = truncateRunes(indexErr, 600)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE documents
SET index_status = ?, index_error = ?, updated_at_unix_ms = ?
WHERE document_id = ?
`, string(status), indexErr, nowUnixMs(), documentID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceDocumentChunks atomically swaps the document's chunk set: the old
// chunks are deleted and the new ones inserted in one transaction, so a
// concurrent reader observes either the complete old set or the complete new
// set, never a mix or emptiness.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []DocumentChunk) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return errors.New("missing document_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return err
	}

	now := nowUnixMs()
	for _, c := range chunks {
		c.ChunkID = strings.TrimSpace(c.ChunkID)
		if c.ChunkID == "" {
			return errors.New("invalid chunk id")
		}
		if c.CreatedAtUnixMs <= 0 {
			c.CreatedAtUnixMs = now
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO document_chunks(chunk_id, document_id, chunk_index, text, token_count, embedding, document_version, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, c.ChunkID, documentID, c.ChunkIndex, c.Text, c.TokenCount, encodeEmbedding(c.Embedding), c.DocumentVersion, c.CreatedAtUnixMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteDocument removes the document and its chunks in one transaction.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return errors.New("missing document_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE document_id = ?`, documentID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListDocumentsByTitlePrefix returns documents whose title starts with the
// prefix, ordered by title. An empty prefix lists every document.
func (s *Store) ListDocumentsByTitlePrefix(ctx context.Context, prefix string) ([]Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT document_id, title, content, version, index_status, index_error, created_at_unix_ms, updated_at_unix_ms
FROM documents
WHERE title LIKE ? ESCAPE '\'
ORDER BY title ASC, document_id ASC
`, escapeLike(strings.TrimSpace(prefix))+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// SearchDocumentsByText returns documents whose title or content contains the
// query, newest first. This is the plain-text complement to semantic search.
func (s *Store) SearchDocumentsByText(ctx context.Context, query string, limit int) ([]Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing query")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	needle := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT document_id, title, content, version, index_status, index_error, created_at_unix_ms, updated_at_unix_ms
FROM documents
WHERE title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\'
ORDER BY updated_at_unix_ms DESC, document_id ASC
LIMIT ?
`, needle, needle, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	out := make([]Document, 0, 16)
	for rows.Next() {
		var d Document
		var status string
		if err := rows.Scan(&d.DocumentID, &d.Title, &d.Content, &d.Version, &status, &d.IndexError, &d.CreatedAtUnixMs, &d.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		d.IndexStatus = NormalizeIndexStatus(status)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func (s *Store) ListDocumentChunks(ctx context.Context, documentID string) ([]DocumentChunk, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, errors.New("missing document_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_id, document_id, chunk_index, text, token_count, embedding, document_version, created_at_unix_ms
FROM document_chunks
WHERE document_id = ?
ORDER BY chunk_index ASC
`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// ListAllChunks returns every chunk across documents, for nearest-neighbor
// search by the context assembler.
func (s *Store) ListAllChunks(ctx context.Context) ([]DocumentChunk, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_id, document_id, chunk_index, text, token_count, embedding, document_version, created_at_unix_ms
FROM document_chunks
ORDER BY document_id ASC, chunk_index ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]DocumentChunk, error) {
	out := make([]DocumentChunk, 0, 32)
	for rows.Next() {
		var c DocumentChunk
		var blob []byte
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.TokenCount, &blob, &c.DocumentVersion, &c.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		c.Embedding = decodeEmbedding(blob)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Embeddings are stored as little-endian float32 blobs; SQLite has no native
// vector type and the sets are small enough for in-process scans.

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return []byte{}
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(vec)*4))
	for _, v := range vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeEmbedding(raw []byte) []float32 {
	if len(raw) < 4 {
		return nil
	}
	out := make([]float32, 0, len(raw)/4)
	for i := 0; i+4 <= len(raw); i += 4 {
		out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:i+4])))
	}
	return out
}
