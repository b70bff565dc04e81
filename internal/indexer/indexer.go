// Package indexer keeps a document's chunk set in sync with its content.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomdocs/loom-agent/internal/chunker"
	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/embedder"
	"github.com/loomdocs/loom-agent/internal/ids"
)

// Indexer runs the chunk-embed-replace pipeline for documents.
type Indexer struct {
	store   *docstore.Store
	gateway embedder.Gateway
	logger  *slog.Logger
}

func New(store *docstore.Store, gateway embedder.Gateway, logger *slog.Logger) (*Indexer, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if gateway == nil {
		return nil, errors.New("nil embedder gateway")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, gateway: gateway, logger: logger}, nil
}

// Index re-chunks and re-embeds the document, then atomically swaps its
// chunk set. On failure the previous chunk set stays in place untouched and
// the document's index status records the error.
func (ix *Indexer) Index(ctx context.Context, documentID string) (docstore.IndexStatus, error) {
	if ix == nil || ix.store == nil {
		return docstore.IndexStatusFailed, errors.New("indexer not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	doc, err := ix.store.GetDocument(ctx, documentID)
	if err != nil {
		return docstore.IndexStatusFailed, err
	}
	if doc == nil {
		return docstore.IndexStatusFailed, docstore.ErrNotFound
	}

	if err := ix.store.SetDocumentIndexStatus(ctx, doc.DocumentID, docstore.IndexStatusInProgress, ""); err != nil {
		return docstore.IndexStatusFailed, err
	}

	status, err := ix.run(ctx, doc)
	if err != nil {
		if serr := ix.store.SetDocumentIndexStatus(ctx, doc.DocumentID, docstore.IndexStatusFailed, err.Error()); serr != nil {
			ix.logger.Error("failed to record index failure",
				slog.String("document_id", doc.DocumentID),
				slog.String("error", serr.Error()))
		}
		return docstore.IndexStatusFailed, err
	}
	if serr := ix.store.SetDocumentIndexStatus(ctx, doc.DocumentID, status, ""); serr != nil {
		return docstore.IndexStatusFailed, serr
	}
	return status, nil
}

func (ix *Indexer) run(ctx context.Context, doc *docstore.Document) (docstore.IndexStatus, error) {
	pieces := chunker.Split(doc.Content)
	if len(pieces) == 0 {
		// An empty document legitimately has no chunks.
		if err := ix.store.ReplaceDocumentChunks(ctx, doc.DocumentID, nil); err != nil {
			return docstore.IndexStatusFailed, err
		}
		return docstore.IndexStatusCompleted, nil
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	// One batched call; retry policy lives inside the gateway.
	vectors, err := ix.gateway.EmbedBatch(ctx, texts)
	if err != nil {
		return docstore.IndexStatusFailed, fmt.Errorf("embed document %s: %w", doc.DocumentID, err)
	}
	if len(vectors) != len(pieces) {
		return docstore.IndexStatusFailed, fmt.Errorf("embed document %s: got %d vectors for %d chunks", doc.DocumentID, len(vectors), len(pieces))
	}

	chunks := make([]docstore.DocumentChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = docstore.DocumentChunk{
			ChunkID:         ids.New(ids.PrefixChunk),
			DocumentID:      doc.DocumentID,
			ChunkIndex:      p.Index,
			Text:            p.Text,
			TokenCount:      p.TokenCount,
			Embedding:       vectors[i],
			DocumentVersion: doc.Version,
		}
	}

	if err := ix.store.ReplaceDocumentChunks(ctx, doc.DocumentID, chunks); err != nil {
		return docstore.IndexStatusFailed, err
	}

	ix.logger.Info("document indexed",
		slog.String("document_id", doc.DocumentID),
		slog.Int64("version", doc.Version),
		slog.Int("chunks", len(chunks)))
	return docstore.IndexStatusCompleted, nil
}
