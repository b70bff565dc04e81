// Package assembler builds the bounded working context for an agent turn.
package assembler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/loomdocs/loom-agent/internal/chunker"
	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/embedder"
	"github.com/loomdocs/loom-agent/internal/ids"
)

const defaultTopK = 8

// Item is one packed context entry: the reference plus the material it
// resolves to.
type Item struct {
	Ref        docstore.ContextReference `json:"ref"`
	Material   string                    `json:"material"`
	TokenCount int                       `json:"token_count"`
}

// Result is the packed context for a turn, guaranteed to fit the budget.
type Result struct {
	Items         []Item `json:"items"`
	DocumentCount int    `json:"document_count"`
	TotalBytes    int    `json:"total_bytes"`
	TokenCount    int    `json:"token_count"`

	// Overflow is set when explicit (tier-1) material alone exceeded the
	// budget and had to be trimmed oldest-first. The turn still proceeds
	// with the best-effort context.
	Overflow bool `json:"overflow"`
}

// Assembler collects, ranks, and packs context references under a token
// budget. The embedder gateway is optional: without it (or when it fails)
// semantic retrieval is skipped and assembly degrades to explicit and
// inherited references.
type Assembler struct {
	store   *docstore.Store
	gateway embedder.Gateway
	topK    int
	logger  *slog.Logger
}

func New(store *docstore.Store, gateway embedder.Gateway, topK int, logger *slog.Logger) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: store, gateway: gateway, topK: topK, logger: logger}, nil
}

// Assemble produces the packed context for a thread. queryText is the
// current turn's text, used only for semantic retrieval; budget is the
// maximum total token count of the packed material.
func (a *Assembler) Assemble(ctx context.Context, threadID string, queryText string, budget int) (*Result, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("assembler not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	if budget <= 0 {
		return nil, errors.New("budget must be positive")
	}

	thread, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, docstore.ErrNotFound
	}

	candidates, err := a.collect(ctx, thread, queryText)
	if err != nil {
		return nil, err
	}
	return a.pack(ctx, candidates, budget)
}

// collect gathers candidate references across all three tiers and
// deduplicates them by (entity type, entity reference), keeping the highest
// tier and merging relevance scores.
func (a *Assembler) collect(ctx context.Context, thread *docstore.Thread, queryText string) ([]docstore.ContextReference, error) {
	merged := make(map[string]docstore.ContextReference)
	keyOf := func(r docstore.ContextReference) string {
		return string(r.EntityType) + "\x00" + r.EntityReference
	}
	add := func(r docstore.ContextReference) {
		k := keyOf(r)
		prev, ok := merged[k]
		if !ok {
			merged[k] = r
			return
		}
		if r.PriorityTier < prev.PriorityTier {
			prev.PriorityTier = r.PriorityTier
			prev.Source = r.Source
		}
		if r.RelevanceScore != nil && (prev.RelevanceScore == nil || *r.RelevanceScore > *prev.RelevanceScore) {
			score := *r.RelevanceScore
			prev.RelevanceScore = &score
		}
		if prev.AddedAtUnixMs > r.AddedAtUnixMs && r.AddedAtUnixMs > 0 {
			prev.AddedAtUnixMs = r.AddedAtUnixMs
		}
		merged[k] = prev
	}

	// Tier 1: explicit user intent on the thread itself.
	own, err := a.store.ListContextReferences(ctx, thread.ThreadID)
	if err != nil {
		return nil, err
	}
	for _, r := range own {
		switch r.Source {
		case docstore.RefSourceManual, docstore.RefSourceMentioned:
			r.PriorityTier = 1
		default:
			r.PriorityTier = 2
		}
		add(r)
	}

	// Tier 2: walk the parent chain. The walk is iterative with a visited
	// set so corrupt parent links cannot loop forever. Ancestors named in
	// the thread's blacklist contribute nothing, but the walk continues past
	// them so older ancestors are unaffected.
	blacklisted := make(map[string]struct{}, len(thread.BlacklistedBranches))
	for _, id := range thread.BlacklistedBranches {
		blacklisted[id] = struct{}{}
	}
	visited := map[string]struct{}{thread.ThreadID: {}}
	parentID := thread.ParentThreadID
	for parentID != "" {
		if _, seen := visited[parentID]; seen {
			a.logger.Warn("parent chain cycle detected", slog.String("thread_id", parentID))
			break
		}
		visited[parentID] = struct{}{}

		parent, err := a.store.GetThread(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		if _, skip := blacklisted[parent.ThreadID]; !skip {
			inherited, err := a.store.ListContextReferences(ctx, parent.ThreadID)
			if err != nil {
				return nil, err
			}
			for _, r := range inherited {
				r.Source = docstore.RefSourceInherited
				r.PriorityTier = 2
				add(r)
			}
		}
		parentID = parent.ParentThreadID
	}

	// Tier 3: semantic matches over indexed chunks.
	for _, r := range a.semanticMatches(ctx, queryText) {
		add(r)
	}

	out := make([]docstore.ContextReference, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	return out, nil
}

// semanticMatches returns up to topK document references ranked by cosine
// similarity against the query embedding. Any failure degrades to an empty
// result rather than failing the turn.
func (a *Assembler) semanticMatches(ctx context.Context, queryText string) []docstore.ContextReference {
	queryText = strings.TrimSpace(queryText)
	if a.gateway == nil || queryText == "" {
		return nil
	}

	vectors, err := a.gateway.EmbedBatch(ctx, []string{queryText})
	if err != nil || len(vectors) == 0 {
		if err != nil {
			a.logger.Warn("semantic retrieval skipped", slog.String("error", err.Error()))
		}
		return nil
	}
	query := vectors[0]

	chunks, err := a.store.ListAllChunks(ctx)
	if err != nil {
		a.logger.Warn("semantic retrieval skipped", slog.String("error", err.Error()))
		return nil
	}

	type docMatch struct {
		score   float64
		version int64
	}
	best := make(map[string]docMatch)
	for _, c := range chunks {
		score := cosineSimilarity(query, c.Embedding)
		prev, ok := best[c.DocumentID]
		if !ok || score > prev.score || (score == prev.score && c.DocumentVersion > prev.version) {
			best[c.DocumentID] = docMatch{score: score, version: c.DocumentVersion}
		}
	}

	docIDs := make([]string, 0, len(best))
	for id := range best {
		docIDs = append(docIDs, id)
	}
	sort.Slice(docIDs, func(i, j int) bool {
		bi, bj := best[docIDs[i]], best[docIDs[j]]
		if bi.score != bj.score {
			return bi.score > bj.score
		}
		if bi.version != bj.version {
			return bi.version > bj.version
		}
		return docIDs[i] < docIDs[j]
	})
	if len(docIDs) > a.topK {
		docIDs = docIDs[:a.topK]
	}

	out := make([]docstore.ContextReference, 0, len(docIDs))
	for _, id := range docIDs {
		score := best[id].score
		out = append(out, docstore.ContextReference{
			RefID:           ids.New(ids.PrefixRef),
			EntityType:      docstore.EntityTypeFile,
			EntityReference: id,
			Source:          docstore.RefSourceAgentAdded,
			PriorityTier:    3,
			RelevanceScore:  &score,
		})
	}
	return out
}

// pack orders candidates by tier, then relevance, then age, and fills the
// budget greedily. Tier-1 items are protected: they are only trimmed, oldest
// first, when they alone cannot fit, and that case is reported as overflow.
func (a *Assembler) pack(ctx context.Context, candidates []docstore.ContextReference, budget int) (*Result, error) {
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.PriorityTier != cj.PriorityTier {
			return ci.PriorityTier < cj.PriorityTier
		}
		si, sj := scoreOf(ci), scoreOf(cj)
		if si != sj {
			return si > sj
		}
		if ci.AddedAtUnixMs != cj.AddedAtUnixMs {
			return ci.AddedAtUnixMs < cj.AddedAtUnixMs
		}
		return ci.EntityReference < cj.EntityReference
	})

	res := &Result{Items: make([]Item, 0, len(candidates))}
	seenDocs := make(map[string]struct{})

	var tier1 []Item
	tier1Tokens := 0
	for _, ref := range candidates {
		if ref.PriorityTier != 1 {
			continue
		}
		item, err := a.resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		tier1 = append(tier1, item)
		tier1Tokens += item.TokenCount
	}

	if tier1Tokens > budget {
		// Explicit material alone does not fit. Drop oldest first until the
		// remainder does, and flag the overflow instead of failing the turn.
		res.Overflow = true
		sort.SliceStable(tier1, func(i, j int) bool {
			return tier1[i].Ref.AddedAtUnixMs < tier1[j].Ref.AddedAtUnixMs
		})
		for len(tier1) > 0 && tier1Tokens > budget {
			tier1Tokens -= tier1[0].TokenCount
			tier1 = tier1[1:]
		}
	}
	for _, item := range tier1 {
		appendItem(res, item, seenDocs)
	}

	if res.Overflow {
		return res, nil
	}

	for _, ref := range candidates {
		if ref.PriorityTier == 1 {
			continue
		}
		item, err := a.resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if res.TokenCount+item.TokenCount > budget {
			// Greedy pack stops at the first item that would overflow.
			break
		}
		appendItem(res, item, seenDocs)
	}
	return res, nil
}

func appendItem(res *Result, item Item, seenDocs map[string]struct{}) {
	res.Items = append(res.Items, item)
	res.TotalBytes += len(item.Material)
	res.TokenCount += item.TokenCount
	if item.Ref.EntityType == docstore.EntityTypeFile {
		if _, ok := seenDocs[item.Ref.EntityReference]; !ok {
			seenDocs[item.Ref.EntityReference] = struct{}{}
			res.DocumentCount++
		}
	}
}

// resolve loads the material a reference points to. Missing entities resolve
// to their label so a dangling reference degrades instead of failing.
func (a *Assembler) resolve(ctx context.Context, ref docstore.ContextReference) (Item, error) {
	material := ref.DisplayLabel
	switch ref.EntityType {
	case docstore.EntityTypeFile:
		doc, err := a.store.GetDocument(ctx, ref.EntityReference)
		if err != nil {
			return Item{}, err
		}
		if doc != nil {
			material = doc.Content
		}
	case docstore.EntityTypeThread:
		th, err := a.store.GetThread(ctx, ref.EntityReference)
		if err != nil {
			return Item{}, err
		}
		if th != nil && th.Summary != "" {
			material = th.Summary
		}
	}
	return Item{
		Ref:        ref,
		Material:   material,
		TokenCount: chunker.EstimateTokens(material),
	}, nil
}

func scoreOf(r docstore.ContextReference) float64 {
	if r.RelevanceScore == nil {
		return 0
	}
	return *r.RelevanceScore
}
