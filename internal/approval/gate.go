// Package approval mediates human review of mutating tool calls.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomdocs/loom-agent/internal/auditlog"
	"github.com/loomdocs/loom-agent/internal/docstore"
)

// ErrNoWaiter reports a revise aimed at a call whose owning request is no
// longer suspended, so nothing would ever execute the revised call.
var ErrNoWaiter = errors.New("no suspended request is waiting on this tool call")

// Gate exposes and resolves pending tool calls. The store is the source of
// truth for resolution state; the gate only adds the in-process wakeup
// channel a suspended request waits on.
type Gate struct {
	store  *docstore.Store
	logger *slog.Logger
	audit  *auditlog.Store

	mu      sync.Mutex
	waiters map[string]chan docstore.PendingToolCall
}

func NewGate(store *docstore.Store, logger *slog.Logger) (*Gate, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:   store,
		logger:  logger,
		waiters: make(map[string]chan docstore.PendingToolCall),
	}, nil
}

// SetAudit attaches a durable record of review decisions. Optional; a nil
// store disables auditing.
func (g *Gate) SetAudit(a *auditlog.Store) {
	if g == nil {
		return
	}
	g.audit = a
}

func (g *Gate) auditEntry(action string, call *docstore.PendingToolCall, reason string) {
	if g == nil || g.audit == nil || call == nil {
		return
	}
	g.audit.Append(auditlog.Entry{
		Action:        action,
		ThreadID:      call.ThreadID,
		RequestID:     call.RequestID,
		ToolCallID:    call.ToolCallID,
		ToolName:      call.ToolName,
		Reason:        reason,
		RevisionCount: call.RevisionCount,
	})
}

// Submit records a new pending call and returns the channel its owner blocks
// on. The channel fires once, on terminal resolution.
func (g *Gate) Submit(ctx context.Context, call docstore.PendingToolCall) (<-chan docstore.PendingToolCall, error) {
	if g == nil || g.store == nil {
		return nil, errors.New("gate not initialized")
	}
	if err := g.store.InsertPendingToolCall(ctx, call); err != nil {
		return nil, err
	}

	ch := make(chan docstore.PendingToolCall, 1)
	g.mu.Lock()
	g.waiters[call.ToolCallID] = ch
	g.mu.Unlock()
	g.auditEntry(auditlog.ActionToolSubmitted, &call, "")
	return ch, nil
}

// Wait blocks until the call is resolved or the context ends. Review time is
// unbounded by design: there is no timeout here, only external resolution or
// caller cancellation.
func (g *Gate) Wait(ctx context.Context, ch <-chan docstore.PendingToolCall) (*docstore.PendingToolCall, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resolved := <-ch:
		return &resolved, nil
	}
}

// ListPendingByRequest returns the request's unresolved calls in creation order.
func (g *Gate) ListPendingByRequest(ctx context.Context, requestID string) ([]docstore.PendingToolCall, error) {
	if g == nil || g.store == nil {
		return nil, errors.New("gate not initialized")
	}
	return g.store.ListPendingToolCallsByRequest(ctx, requestID)
}

// ListPendingByThread returns the thread's unresolved calls in creation order.
func (g *Gate) ListPendingByThread(ctx context.Context, threadID string) ([]docstore.PendingToolCall, error) {
	if g == nil || g.store == nil {
		return nil, errors.New("gate not initialized")
	}
	return g.store.ListPendingToolCallsByThread(ctx, threadID)
}

// Resolve approves or rejects a pending call. Resolution is idempotent: a
// repeat call observes the stored terminal state and returns it without
// signaling the waiter again, so a duplicate client retry can never trigger
// a second tool execution.
func (g *Gate) Resolve(ctx context.Context, toolCallID string, approved bool, reason string) (*docstore.PendingToolCall, error) {
	if g == nil || g.store == nil {
		return nil, errors.New("gate not initialized")
	}

	resolved, won, err := g.store.ResolveToolCall(ctx, toolCallID, approved, reason)
	if err != nil {
		return nil, err
	}
	if !won {
		return resolved, nil
	}

	g.signal(resolved)
	action := auditlog.ActionToolRejected
	if approved {
		action = auditlog.ActionToolApproved
	}
	g.auditEntry(action, resolved, reason)
	g.logger.Info("tool call resolved",
		slog.String("tool_call_id", resolved.ToolCallID),
		slog.String("tool_name", resolved.ToolName),
		slog.String("status", string(resolved.ApprovalStatus)))
	return resolved, nil
}

// Revise supplies corrected input for a rejected call and re-queues it for
// review. The suspended request keeps waiting; only a later approve or
// reject wakes it. A plain reject already woke and removed the waiter, so a
// revise after it returns ErrNoWaiter instead of re-pending a call nothing
// would execute.
func (g *Gate) Revise(ctx context.Context, toolCallID string, newInputJSON string, note string) (*docstore.PendingToolCall, error) {
	if g == nil || g.store == nil {
		return nil, errors.New("gate not initialized")
	}
	toolCallID = strings.TrimSpace(toolCallID)
	g.mu.Lock()
	_, waiting := g.waiters[toolCallID]
	g.mu.Unlock()
	if !waiting {
		return nil, ErrNoWaiter
	}
	revised, err := g.store.ReviseToolCall(ctx, toolCallID, newInputJSON, note)
	if err != nil {
		return nil, err
	}
	g.auditEntry(auditlog.ActionToolRevised, revised, note)
	g.logger.Info("tool call revised",
		slog.String("tool_call_id", revised.ToolCallID),
		slog.Int("revision_count", revised.RevisionCount))
	return revised, nil
}

// RejectAndRevise rejects a pending call and immediately re-queues it with
// corrected input, in one step and without waking the suspended request. The
// request stays suspended until a plain approve or reject lands on the
// revised call.
func (g *Gate) RejectAndRevise(ctx context.Context, toolCallID string, reason string, newInputJSON string, note string) (*docstore.PendingToolCall, error) {
	if g == nil || g.store == nil {
		return nil, errors.New("gate not initialized")
	}

	// Losing the CAS is fine here: a revise is still legal when the stored
	// terminal state is rejected, and ReviseToolCall enforces exactly that.
	if _, _, err := g.store.ResolveToolCall(ctx, toolCallID, false, reason); err != nil {
		return nil, err
	}
	return g.Revise(ctx, toolCallID, newInputJSON, note)
}

// Abandon drops the waiter registration for a call whose owning request is
// finishing without a resolution (request failure paths).
func (g *Gate) Abandon(toolCallID string) {
	if g == nil {
		return
	}
	toolCallID = strings.TrimSpace(toolCallID)
	g.mu.Lock()
	delete(g.waiters, toolCallID)
	g.mu.Unlock()
}

func (g *Gate) signal(resolved *docstore.PendingToolCall) {
	g.mu.Lock()
	ch, ok := g.waiters[resolved.ToolCallID]
	if ok {
		delete(g.waiters, resolved.ToolCallID)
	}
	g.mu.Unlock()
	if !ok {
		// No live waiter (e.g. resolution after a restart); the stored state
		// still reflects the outcome for recovery.
		return
	}
	ch <- *resolved
}
