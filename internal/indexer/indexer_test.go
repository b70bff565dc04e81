package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/embedder"
)

type fakeGateway struct {
	calls int
	fail  int // number of leading calls that fail transiently
	dims  int
}

func (g *fakeGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	g.calls++
	if g.calls <= g.fail {
		return nil, embedder.Transient(errors.New("upstream 503"))
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, g.dims)
		for j := range vec {
			vec[j] = float32(i + j)
		}
		out[i] = vec
	}
	return out, nil
}

func openTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "agent.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIndexer_IndexProducesChunksAndEmbeddings(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	content := strings.Repeat("A sentence about release planning and rollout steps. ", 80)
	if err := s.CreateDocument(ctx, docstore.Document{DocumentID: "doc_1", Title: "plan", Content: content}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	gw := &fakeGateway{dims: 4}
	ix, err := New(s, gw, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := ix.Index(ctx, "doc_1")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if status != docstore.IndexStatusCompleted {
		t.Fatalf("status=%q, want completed", status)
	}
	if gw.calls != 1 {
		t.Fatalf("gateway calls=%d, want 1 batched call", gw.calls)
	}

	chunks, err := s.ListDocumentChunks(ctx, "doc_1")
	if err != nil {
		t.Fatalf("ListDocumentChunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("no chunks indexed")
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunks[%d].ChunkIndex=%d, want %d", i, c.ChunkIndex, i)
		}
		if len(c.Embedding) != 4 {
			t.Fatalf("chunks[%d] embedding dims=%d, want 4", i, len(c.Embedding))
		}
		if c.DocumentVersion != 1 {
			t.Fatalf("chunks[%d].DocumentVersion=%d, want 1", i, c.DocumentVersion)
		}
	}

	d, err := s.GetDocument(ctx, "doc_1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if d.IndexStatus != docstore.IndexStatusCompleted {
		t.Fatalf("IndexStatus=%q, want completed", d.IndexStatus)
	}
}

func TestIndexer_FailureLeavesOldChunksInPlace(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, docstore.Document{DocumentID: "doc_1", Title: "notes", Content: "original text"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	old := []docstore.DocumentChunk{{
		ChunkID: "ch_old", DocumentID: "doc_1", ChunkIndex: 0,
		Text: "original text", TokenCount: 4, Embedding: []float32{1, 2}, DocumentVersion: 1,
	}}
	if err := s.ReplaceDocumentChunks(ctx, "doc_1", old); err != nil {
		t.Fatalf("ReplaceDocumentChunks: %v", err)
	}

	// Gateway fails every attempt, even through the retry wrapper.
	gw := embedder.WithRetry(&fakeGateway{fail: 1000, dims: 2}, 3, time.Microsecond, nil)
	ix, err := New(s, gw, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := ix.Index(ctx, "doc_1")
	if err == nil {
		t.Fatalf("Index succeeded, want failure")
	}
	if status != docstore.IndexStatusFailed {
		t.Fatalf("status=%q, want failed", status)
	}

	chunks, err := s.ListDocumentChunks(ctx, "doc_1")
	if err != nil {
		t.Fatalf("ListDocumentChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkID != "ch_old" {
		t.Fatalf("chunks=%v, want untouched old set", chunks)
	}

	d, err := s.GetDocument(ctx, "doc_1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if d.IndexStatus != docstore.IndexStatusFailed {
		t.Fatalf("IndexStatus=%q, want failed", d.IndexStatus)
	}
	if d.IndexError == "" {
		t.Fatalf("IndexError empty, want recorded error")
	}
}

func TestIndexer_TransientFailureRecoversThroughRetry(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, docstore.Document{DocumentID: "doc_1", Content: "some indexable text"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	inner := &fakeGateway{fail: 2, dims: 2}
	ix, err := New(s, embedder.WithRetry(inner, 3, time.Microsecond, nil), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := ix.Index(ctx, "doc_1")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if status != docstore.IndexStatusCompleted {
		t.Fatalf("status=%q, want completed after retries", status)
	}
	if inner.calls != 3 {
		t.Fatalf("gateway calls=%d, want 3 (two transient failures, then success)", inner.calls)
	}
}

func TestIndexer_EmptyDocumentCompletesWithNoChunks(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, docstore.Document{DocumentID: "doc_1", Content: "   "}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	gw := &fakeGateway{dims: 2}
	ix, err := New(s, gw, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := ix.Index(ctx, "doc_1")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if status != docstore.IndexStatusCompleted {
		t.Fatalf("status=%q, want completed", status)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway calls=%d, want 0 for empty document", gw.calls)
	}

	chunks, err := s.ListDocumentChunks(ctx, "doc_1")
	if err != nil {
		t.Fatalf("ListDocumentChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("len(chunks)=%d, want 0", len(chunks))
	}

	missing, err := ix.Index(ctx, "doc_missing")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Index(missing) err=%v, want ErrNotFound", err)
	}
	if missing != docstore.IndexStatusFailed {
		t.Fatalf("Index(missing) status=%q, want failed", missing)
	}
}
