package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomdocs/loom-agent/internal/approval"
	"github.com/loomdocs/loom-agent/internal/assembler"
	"github.com/loomdocs/loom-agent/internal/docstore"
	"github.com/loomdocs/loom-agent/internal/ids"
	"github.com/loomdocs/loom-agent/internal/tools"
)

// ErrConflict is returned by Submit when the thread already has an active
// request.
var ErrConflict = docstore.ErrThreadBusy

const (
	defaultContextBudget = 8000
	defaultMaxToolDepth  = 16
	defaultWallClock     = 30 * time.Minute
	defaultModelRetries  = 2

	systemPrompt = "You are a documentation assistant. Use the provided workspace context and tools to answer and to edit documents. Mutating tools are reviewed by a human before they run."
)

// Options tune request processing. Zero values fall back to defaults.
type Options struct {
	Model           string
	ContextBudget   int
	MaxToolDepth    int
	WallClock       time.Duration
	ModelRetries    int
	MaxOutputTokens int
	Logger          *slog.Logger
}

// Orchestrator owns the agent request state machine. Each submitted request
// is processed by one goroutine, detached from the submitting client's
// connection: the event log, not the connection, is the source of truth.
type Orchestrator struct {
	store     *docstore.Store
	assembler *assembler.Assembler
	gate      *approval.Gate
	exec      *tools.Executor
	provider  ModelProvider
	opts      Options
	logger    *slog.Logger

	wg sync.WaitGroup

	// sleep is swapped in tests.
	sleep func(d time.Duration)
}

func New(store *docstore.Store, asm *assembler.Assembler, gate *approval.Gate, exec *tools.Executor, provider ModelProvider, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if asm == nil {
		return nil, errors.New("nil assembler")
	}
	if gate == nil {
		return nil, errors.New("nil approval gate")
	}
	if exec == nil {
		return nil, errors.New("nil tool executor")
	}
	if provider == nil {
		return nil, errors.New("nil model provider")
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = defaultContextBudget
	}
	if opts.MaxToolDepth <= 0 {
		opts.MaxToolDepth = defaultMaxToolDepth
	}
	if opts.WallClock <= 0 {
		opts.WallClock = defaultWallClock
	}
	if opts.ModelRetries <= 0 {
		opts.ModelRetries = defaultModelRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		assembler: asm,
		gate:      gate,
		exec:      exec,
		provider:  provider,
		opts:      opts,
		logger:    opts.Logger,
		sleep:     time.Sleep,
	}, nil
}

// Wait blocks until all in-flight request goroutines finish. For shutdown.
func (o *Orchestrator) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// SubmitParams identifies the turn to process. Prompt is the triggering
// message's text, used as the model input and the semantic retrieval query.
type SubmitParams struct {
	ThreadID            string
	TriggeringMessageID string
	Prompt              string
}

// Submit creates the request and starts processing it in the background.
// The one-active-request-per-thread invariant is enforced by the store's
// check-then-insert; the loser of a concurrent submit gets ErrConflict.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (*docstore.AgentRequest, error) {
	if o == nil || o.store == nil {
		return nil, errors.New("orchestrator not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	p.TriggeringMessageID = strings.TrimSpace(p.TriggeringMessageID)
	if p.ThreadID == "" || p.TriggeringMessageID == "" {
		return nil, errors.New("missing thread_id or triggering_message_id")
	}

	thread, err := o.store.GetThread(ctx, p.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, docstore.ErrNotFound
	}

	req := docstore.AgentRequest{
		RequestID:           ids.New(ids.PrefixRequest),
		ThreadID:            p.ThreadID,
		TriggeringMessageID: p.TriggeringMessageID,
	}
	if err := o.store.CreateAgentRequest(ctx, req); err != nil {
		return nil, err
	}
	created, err := o.store.GetAgentRequest(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Processing is detached from the caller's context on purpose: an
		// abandoned connection must not corrupt an in-flight request.
		o.process(context.Background(), *created, p.Prompt)
	}()
	return created, nil
}

func (o *Orchestrator) process(ctx context.Context, req docstore.AgentRequest, prompt string) {
	start := time.Now()
	log := o.logger.With(slog.String("request_id", req.RequestID), slog.String("thread_id", req.ThreadID))

	fail := func(msg string) {
		log.Error("agent request failed", slog.String("error", msg))
		o.appendEvent(ctx, req.RequestID, ErrorData{Message: msg})
		if err := o.store.FailAgentRequest(ctx, req.RequestID); err != nil {
			log.Error("failed to mark request failed", slog.String("error", err.Error()))
		}
	}

	if err := o.store.MarkAgentRequestInProgress(ctx, req.RequestID); err != nil {
		fail(fmt.Sprintf("mark in progress: %v", err))
		return
	}

	packed, err := o.assembler.Assemble(ctx, req.ThreadID, prompt, o.opts.ContextBudget)
	if err != nil {
		fail(fmt.Sprintf("assemble context: %v", err))
		return
	}
	o.appendEvent(ctx, req.RequestID, ContextReadyData{
		DocumentCount: packed.DocumentCount,
		TotalBytes:    packed.TotalBytes,
		TokenCount:    packed.TokenCount,
		Overflow:      packed.Overflow,
	})
	o.bumpProgress(ctx, req.RequestID, 0.1)

	messages := []Message{{Role: RoleUser, Text: buildUserTurn(packed, prompt)}}
	var totalTokens int64

	for depth := 0; depth <= o.opts.MaxToolDepth; depth++ {
		if time.Since(start) > o.opts.WallClock {
			fail("wall-clock budget exceeded")
			return
		}

		result, err := o.callModel(ctx, req.RequestID, messages)
		if err != nil {
			fail(fmt.Sprintf("model call: %v", err))
			return
		}
		totalTokens += result.Usage.InputTokens + result.Usage.OutputTokens
		o.bumpProgress(ctx, req.RequestID, 0.1+0.8*float64(depth+1)/float64(o.opts.MaxToolDepth+1))

		if len(result.ToolCalls) == 0 {
			messageID := ids.New(ids.PrefixMessage)
			if err := o.store.SetAgentRequestResponseMessage(ctx, req.RequestID, messageID); err != nil {
				log.Error("failed to set response message", slog.String("error", err.Error()))
			}
			o.appendEvent(ctx, req.RequestID, CompletionData{
				MessageID:       messageID,
				TotalTokens:     totalTokens,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			})
			results, _ := json.Marshal(map[string]any{
				"message_id": messageID,
				"text":       result.Text,
			})
			if err := o.store.CompleteAgentRequest(ctx, req.RequestID, string(results), totalTokens); err != nil {
				log.Error("failed to complete request", slog.String("error", err.Error()))
			}
			log.Info("agent request completed",
				slog.Int64("total_tokens", totalTokens),
				slog.Duration("elapsed", time.Since(start)))
			return
		}

		// One assistant turn carries the text and every tool-use block; the
		// results follow it. Repeating the text per call would duplicate it
		// in the resumed conversation.
		messages = append(messages, Message{
			Role:      RoleAssistant,
			Text:      result.Text,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			outcome, err := o.handleToolCall(ctx, req, call)
			if err != nil {
				fail(fmt.Sprintf("tool call %s: %v", call.Name, err))
				return
			}
			resultJSON, _ := json.Marshal(outcome)
			messages = append(messages, Message{
				Role:           RoleToolResult,
				ToolCallID:     call.ID,
				ToolName:       call.Name,
				ToolResultJSON: string(resultJSON),
			})
		}
	}

	fail(fmt.Sprintf("exceeded maximum tool depth of %d", o.opts.MaxToolDepth))
}

// handleToolCall runs one tool-use block: read-only tools execute inline;
// mutating tools suspend the request until the approval gate resolves them.
func (o *Orchestrator) handleToolCall(ctx context.Context, req docstore.AgentRequest, call ToolCall) (ToolResultData, error) {
	input, parseErr := tools.ParseInput(call.Name, call.InputJSON)
	if parseErr != nil {
		data := ToolResultData{
			ToolCallID:   call.ID,
			ToolName:     call.Name,
			Status:       string(tools.ResultStatusError),
			ErrorCode:    string(tools.ErrorCodeValidation),
			ErrorMessage: parseErr.Error(),
		}
		o.appendEvent(ctx, req.RequestID, data)
		return data, nil
	}

	if !tools.RequiresApproval(call.Name) {
		res := o.exec.Execute(ctx, input)
		data := toolResultData(call, res)
		o.appendEvent(ctx, req.RequestID, data)
		return data, nil
	}

	toolCallID := strings.TrimSpace(call.ID)
	if toolCallID == "" {
		toolCallID = ids.New(ids.PrefixToolCall)
	}
	o.appendEvent(ctx, req.RequestID, ToolCallData{
		ToolCallID:       toolCallID,
		ToolName:         call.Name,
		ToolInputJSON:    call.InputJSON,
		Preview:          tools.Preview(input),
		RequiresApproval: true,
	})

	ch, err := o.gate.Submit(ctx, docstore.PendingToolCall{
		ToolCallID:    toolCallID,
		RequestID:     req.RequestID,
		ThreadID:      req.ThreadID,
		ToolName:      call.Name,
		ToolInputJSON: call.InputJSON,
	})
	if err != nil {
		return ToolResultData{}, err
	}

	// Human review time is unbounded by design: no timeout here.
	resolved, err := o.gate.Wait(ctx, ch)
	if err != nil {
		o.gate.Abandon(toolCallID)
		return ToolResultData{}, err
	}

	if resolved.ApprovalStatus != docstore.ApprovalStatusApproved {
		data := ToolResultData{
			ToolCallID:  toolCallID,
			ToolName:    call.Name,
			Status:      string(tools.ResultStatusError),
			ErrorCode:   string(tools.ErrorCodeRejected),
			Declined:    true,
			DeclineNote: resolved.ResolutionReason,
		}
		o.appendEvent(ctx, req.RequestID, data)
		return data, nil
	}

	// Execute with the resolved input: a revision may have changed it since
	// the model proposed the call.
	approvedInput, err := tools.ParseInput(resolved.ToolName, resolved.ToolInputJSON)
	if err != nil {
		return ToolResultData{}, err
	}
	res := o.exec.Execute(ctx, approvedInput)
	data := toolResultData(call, res)
	data.ToolCallID = toolCallID
	o.appendEvent(ctx, req.RequestID, data)
	return data, nil
}

// callModel invokes the provider, appending each text delta as its own
// text_chunk event. Transport failures before any output are retried with a
// doubling delay; once output has streamed, a failure is final so replay
// never contains duplicated text.
func (o *Orchestrator) callModel(ctx context.Context, requestID string, messages []Message) (TurnResult, error) {
	req := TurnRequest{
		Model:           o.opts.Model,
		System:          systemPrompt,
		Messages:        messages,
		Tools:           toolDefs(),
		MaxOutputTokens: o.opts.MaxOutputTokens,
	}

	delay := time.Second
	var lastErr error
	for attempt := 0; attempt <= o.opts.ModelRetries; attempt++ {
		streamed := false
		onEvent := func(ev StreamEvent) {
			if ev.Type != StreamEventTextDelta || ev.Text == "" {
				return
			}
			streamed = true
			o.appendEvent(ctx, requestID, TextChunkData{Text: ev.Text})
		}

		result, err := o.provider.StreamTurn(ctx, req, onEvent)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if streamed || attempt == o.opts.ModelRetries {
			break
		}
		o.logger.Warn("model call failed, retrying",
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		o.sleep(delay)
		delay *= 2
	}
	return TurnResult{}, lastErr
}

func (o *Orchestrator) appendEvent(ctx context.Context, requestID string, data EventData) {
	eventType, payload, err := EncodeEventData(data)
	if err != nil {
		o.logger.Error("failed to encode event", slog.String("error", err.Error()))
		return
	}
	if _, err := o.store.AppendExecutionEvent(ctx, docstore.ExecutionEvent{
		EventID:   ids.New(ids.PrefixEvent),
		RequestID: requestID,
		EventType: eventType,
		DataJSON:  payload,
	}); err != nil {
		o.logger.Error("failed to append event",
			slog.String("request_id", requestID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) bumpProgress(ctx context.Context, requestID string, progress float64) {
	if progress > 0.95 {
		progress = 0.95
	}
	if err := o.store.UpdateAgentRequestProgress(ctx, requestID, progress); err != nil {
		o.logger.Error("failed to update progress",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
}

// Status is the recovery view of a request: the durable record plus the full
// ordered event transcript. CanResume reports that the request is still live
// (non-terminal status, no terminal event); Suspended narrows that to a
// request blocked on an unresolved tool call.
type Status struct {
	Request   *docstore.AgentRequest    `json:"request"`
	Events    []docstore.ExecutionEvent `json:"events"`
	CanResume bool                      `json:"can_resume"`
	Suspended bool                      `json:"suspended"`
}

// GetStatus replays the event log to compute the recovery view. A
// reconnecting client reconstructs the exact streamed transcript from Events;
// sequence numbers guarantee no gaps or duplicates.
func (o *Orchestrator) GetStatus(ctx context.Context, requestID string) (*Status, error) {
	if o == nil || o.store == nil {
		return nil, errors.New("orchestrator not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := o.store.GetAgentRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, docstore.ErrNotFound
	}
	events, err := o.store.ListExecutionEvents(ctx, requestID, 0)
	if err != nil {
		return nil, err
	}

	outstanding := make(map[string]struct{})
	terminal := false
	for _, ev := range events {
		data, err := DecodeEventData(ev.EventType, ev.DataJSON)
		if err != nil {
			continue
		}
		switch d := data.(type) {
		case ToolCallData:
			outstanding[d.ToolCallID] = struct{}{}
		case ToolResultData:
			delete(outstanding, d.ToolCallID)
		case CompletionData, ErrorData:
			terminal = true
		}
	}

	live := req.Status == docstore.RequestStatusPending || req.Status == docstore.RequestStatusInProgress
	return &Status{
		Request:   req,
		Events:    events,
		CanResume: !terminal && live,
		Suspended: !terminal && live && len(outstanding) > 0,
	}, nil
}

func buildUserTurn(packed *assembler.Result, prompt string) string {
	var b strings.Builder
	if len(packed.Items) > 0 {
		b.WriteString("Workspace context:\n")
		for _, item := range packed.Items {
			fmt.Fprintf(&b, "--- %s %s ---\n", item.Ref.EntityType, item.Ref.EntityReference)
			b.WriteString(item.Material)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(prompt))
	return strings.TrimSpace(b.String())
}

func toolResultData(call ToolCall, res tools.Result) ToolResultData {
	data := ToolResultData{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Status:     string(res.Status),
	}
	if res.Output != nil {
		if b, err := json.Marshal(res.Output); err == nil {
			data.OutputJSON = string(b)
		}
	}
	if res.Error != nil {
		data.ErrorCode = string(res.Error.Code)
		data.ErrorMessage = res.Error.Message
	}
	return data
}

func toolDefs() []ToolDef {
	return []ToolDef{
		{
			Name:        "read_file",
			Description: "Read a document by its path.",
			InputSchema: `{"properties":{"path":{"type":"string"}},"required":["path"]}`,
		},
		{
			Name:        "list_folder",
			Description: "List documents under a folder path. Empty path lists everything.",
			InputSchema: `{"properties":{"path":{"type":"string"}}}`,
		},
		{
			Name:        "search_documents",
			Description: "Find documents whose title or content contains the query.",
			InputSchema: `{"properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`,
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a document at a path. Requires human approval.",
			InputSchema: `{"properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`,
		},
		{
			Name:        "delete_file",
			Description: "Delete the document at a path. Requires human approval.",
			InputSchema: `{"properties":{"path":{"type":"string"}},"required":["path"]}`,
		},
		{
			Name:        "create_folder",
			Description: "Create a folder path. Requires human approval.",
			InputSchema: `{"properties":{"path":{"type":"string"}},"required":["path"]}`,
		},
	}
}
