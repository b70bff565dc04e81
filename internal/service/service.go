// Package service exposes the agent over a local HTTP API: thread and
// document management, request submission, event streaming, and the tool
// approval surface.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loomdocs/loom-agent/internal/approval"
	"github.com/loomdocs/loom-agent/internal/assembler"
	"github.com/loomdocs/loom-agent/internal/auditlog"
	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/ids"
	"github.com/loomdocs/loom-agent/internal/indexer"
	"github.com/loomdocs/loom-agent/internal/orchestrator"
)

const (
	maxBodyBytes     = 4 << 20
	eventPollDelay   = 250 * time.Millisecond
	defaultCtxBudget = 8000
)

type Options struct {
	Logger *slog.Logger
	Addr   string

	Store        *docstore.Store
	Orchestrator *orchestrator.Orchestrator
	Gate         *approval.Gate
	Assembler    *assembler.Assembler

	// Indexer is optional; without it document writes leave index_status
	// pending and the reindex endpoint reports the indexer as unavailable.
	Indexer *indexer.Indexer

	// Audit is optional; without it the audit endpoint returns an empty list.
	Audit *auditlog.Store

	// Version is the build version reported by /api/v1/version.
	Version string
}

type Server struct {
	log *slog.Logger

	addr    string
	version string

	store *docstore.Store
	orch  *orchestrator.Orchestrator
	gate  *approval.Gate
	asm   *assembler.Assembler
	idx   *indexer.Indexer
	audit *auditlog.Store

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("missing Orchestrator")
	}
	if opts.Gate == nil {
		return nil, errors.New("missing Gate")
	}
	if opts.Assembler == nil {
		return nil, errors.New("missing Assembler")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8321"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Server{
		log:     logger,
		addr:    addr,
		version: strings.TrimSpace(opts.Version),
		store:   opts.Store,
		orch:    opts.Orchestrator,
		gate:    opts.Gate,
		asm:     opts.Assembler,
		idx:     opts.Indexer,
		audit:   opts.Audit,
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/version", s.handleVersion)

	mux.HandleFunc("POST /api/v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/v1/threads/{threadID}", s.handleGetThread)
	mux.HandleFunc("PUT /api/v1/threads/{threadID}/summary", s.handleUpdateThreadSummary)

	mux.HandleFunc("POST /api/v1/documents", s.handleCreateDocument)
	mux.HandleFunc("GET /api/v1/documents/{documentID}", s.handleGetDocument)
	mux.HandleFunc("PUT /api/v1/documents/{documentID}", s.handleUpdateDocument)
	mux.HandleFunc("DELETE /api/v1/documents/{documentID}", s.handleDeleteDocument)
	mux.HandleFunc("POST /api/v1/documents/{documentID}/reindex", s.handleReindexDocument)

	mux.HandleFunc("POST /api/v1/threads/{threadID}/context_refs", s.handleUpsertContextRef)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/context_refs", s.handleListContextRefs)
	mux.HandleFunc("DELETE /api/v1/context_refs/{refID}", s.handleDeleteContextRef)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/context", s.handleAssembleContext)

	mux.HandleFunc("POST /api/v1/agent/requests", s.handleSubmitRequest)
	mux.HandleFunc("GET /api/v1/agent/requests/{requestID}", s.handleRequestStatus)
	mux.HandleFunc("GET /api/v1/agent/requests/{requestID}/events", s.handleStreamEvents)

	mux.HandleFunc("GET /api/v1/threads/{threadID}/pending_tools", s.handleListPendingTools)
	mux.HandleFunc("GET /api/v1/agent/requests/{requestID}/pending_tools", s.handleListPendingToolsByRequest)
	mux.HandleFunc("POST /api/v1/tools/{toolCallID}/resolve", s.handleResolveToolCall)

	mux.HandleFunc("GET /api/v1/audit", s.handleListAudit)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrThreadBusy), errors.Is(err, approval.ErrNoWaiter):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, docstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type createThreadReq struct {
	ParentThreadID      string   `json:"parent_thread_id,omitempty"`
	Summary             string   `json:"summary,omitempty"`
	BlacklistedBranches []string `json:"blacklisted_branches,omitempty"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	t := docstore.Thread{
		ThreadID:            ids.New(ids.PrefixThread),
		ParentThreadID:      req.ParentThreadID,
		Summary:             req.Summary,
		BlacklistedBranches: req.BlacklistedBranches,
	}
	if err := s.store.CreateThread(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.store.GetThread(r.Context(), t.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetThread(r.Context(), r.PathValue("threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, docstore.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateSummaryReq struct {
	Summary string `json:"summary"`
}

func (s *Server) handleUpdateThreadSummary(w http.ResponseWriter, r *http.Request) {
	var req updateSummaryReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if err := s.store.UpdateThreadSummary(r.Context(), r.PathValue("threadID"), req.Summary); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.store.GetThread(r.Context(), r.PathValue("threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type createDocumentReq struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeBadRequest(w, "missing title")
		return
	}
	d := docstore.Document{
		DocumentID: ids.New(ids.PrefixDocument),
		Title:      req.Title,
		Content:    req.Content,
	}
	if err := s.store.CreateDocument(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	s.indexInBackground(d.DocumentID)
	created, err := s.store.GetDocument(r.Context(), d.DocumentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDocument(r.Context(), r.PathValue("documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil {
		writeError(w, docstore.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type updateDocumentReq struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req updateDocumentReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	documentID := r.PathValue("documentID")
	if _, err := s.store.UpdateDocumentContent(r.Context(), documentID, req.Title, req.Content); err != nil {
		writeError(w, err)
		return
	}
	s.indexInBackground(documentID)
	d, err := s.store.GetDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDocument(r.Context(), r.PathValue("documentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	if s.idx == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "indexer not configured"})
		return
	}
	status, err := s.idx.Index(r.Context(), r.PathValue("documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"index_status": string(status)})
}

// indexInBackground kicks off indexing after a document write; failures are
// recorded on the document row, not surfaced to the writer.
func (s *Server) indexInBackground(documentID string) {
	if s.idx == nil {
		return
	}
	go func() {
		if _, err := s.idx.Index(context.Background(), documentID); err != nil {
			s.log.Warn("background indexing failed",
				slog.String("document_id", documentID),
				slog.String("error", err.Error()))
		}
	}()
}

type upsertRefReq struct {
	EntityType      string   `json:"entity_type"`
	EntityReference string   `json:"entity_reference"`
	DisplayLabel    string   `json:"display_label,omitempty"`
	Source          string   `json:"source,omitempty"`
	PriorityTier    int      `json:"priority_tier,omitempty"`
	RelevanceScore  *float64 `json:"relevance_score,omitempty"`
}

func (s *Server) handleUpsertContextRef(w http.ResponseWriter, r *http.Request) {
	var req upsertRefReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.EntityReference) == "" {
		writeBadRequest(w, "missing entity_reference")
		return
	}
	ref := docstore.ContextReference{
		RefID:           ids.New(ids.PrefixRef),
		ThreadID:        r.PathValue("threadID"),
		EntityType:      docstore.NormalizeEntityType(req.EntityType),
		EntityReference: req.EntityReference,
		DisplayLabel:    req.DisplayLabel,
		Source:          docstore.NormalizeRefSource(req.Source),
		PriorityTier:    req.PriorityTier,
		RelevanceScore:  req.RelevanceScore,
	}
	saved, err := s.store.UpsertContextReference(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListContextRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := s.store.ListContextReferences(r.Context(), r.PathValue("threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refs": refs})
}

func (s *Server) handleDeleteContextRef(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteContextReference(r.Context(), r.PathValue("refID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleAssembleContext(w http.ResponseWriter, r *http.Request) {
	budget := defaultCtxBudget
	if raw := strings.TrimSpace(r.URL.Query().Get("budget")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "invalid budget")
			return
		}
		budget = n
	}
	res, err := s.asm.Assemble(r.Context(), r.PathValue("threadID"), r.URL.Query().Get("query"), budget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitRequestReq struct {
	ThreadID            string `json:"thread_id"`
	TriggeringMessageID string `json:"triggering_message_id"`
	Prompt              string `json:"prompt"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequestReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.TriggeringMessageID) == "" {
		writeBadRequest(w, "missing thread_id or triggering_message_id")
		return
	}
	created, err := s.orch.Submit(r.Context(), orchestrator.SubmitParams{
		ThreadID:            req.ThreadID,
		TriggeringMessageID: req.TriggeringMessageID,
		Prompt:              req.Prompt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetStatus(r.Context(), r.PathValue("requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStreamEvents replays the event log from after_sequence and then
// tails it as NDJSON until a terminal event lands or the client goes away.
// Reconnecting with the last seen sequence yields no gaps and no duplicates.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")
	after := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after_sequence")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid after_sequence")
			return
		}
		after = n
	}

	if _, err := s.orch.GetStatus(r.Context(), requestID); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	// One JSON object per line, flushed as it lands so a tailing client sees
	// events without buffering delay.
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	emit := func(v any) error {
		if err := enc.Encode(v); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	ctx := r.Context()
	for {
		events, err := s.store.ListExecutionEvents(ctx, requestID, after)
		if err != nil {
			return
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return
			}
			after = ev.Sequence
			if docstore.IsTerminalEventType(ev.EventType) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(eventPollDelay):
		}
	}
}

func (s *Server) handleListPendingTools(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.ListPendingByThread(r.Context(), r.PathValue("threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleListPendingToolsByRequest(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.ListPendingByRequest(r.Context(), r.PathValue("requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type resolveToolCallReq struct {
	Approved         bool   `json:"approved"`
	Reason           string `json:"reason,omitempty"`
	RevisedInputJSON string `json:"revised_input_json,omitempty"`
	ReviewerNote     string `json:"reviewer_note,omitempty"`
}

// handleResolveToolCall applies a reviewer decision. A rejection carrying
// revised input re-queues the call for review instead of resuming the
// request.
func (s *Server) handleResolveToolCall(w http.ResponseWriter, r *http.Request) {
	var req resolveToolCallReq
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	toolCallID := r.PathValue("toolCallID")

	var (
		resolved *docstore.PendingToolCall
		err      error
	)
	if !req.Approved && strings.TrimSpace(req.RevisedInputJSON) != "" {
		if !json.Valid([]byte(req.RevisedInputJSON)) {
			writeBadRequest(w, "revised_input_json is not valid JSON")
			return
		}
		resolved, err = s.gate.RejectAndRevise(r.Context(), toolCallID, req.Reason, req.RevisedInputJSON, req.ReviewerNote)
	} else {
		resolved, err = s.gate.Resolve(r.Context(), toolCallID, req.Approved, req.Reason)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.audit.List(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
