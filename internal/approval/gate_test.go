package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomdocs/loom-agent/internal/docstore"
)

func openTestGate(t *testing.T) (*Gate, *docstore.Store) {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "agent.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	g, err := NewGate(s, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g, s
}

func pendingCall(id string) docstore.PendingToolCall {
	return docstore.PendingToolCall{
		ToolCallID:    id,
		RequestID:     "req_1",
		ThreadID:      "th_1",
		ToolName:      "write_file",
		ToolInputJSON: `{"path":"a.md","content":"v1"}`,
	}
}

func TestGate_ApproveWakesWaiter(t *testing.T) {
	t.Parallel()

	g, _ := openTestGate(t)
	ctx := context.Background()

	ch, err := g.Submit(ctx, pendingCall("tool_1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan *docstore.PendingToolCall, 1)
	go func() {
		resolved, err := g.Wait(ctx, ch)
		if err != nil {
			t.Errorf("Wait: %v", err)
			return
		}
		done <- resolved
	}()

	if _, err := g.Resolve(ctx, "tool_1", true, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case resolved := <-done:
		if resolved.ApprovalStatus != docstore.ApprovalStatusApproved {
			t.Fatalf("ApprovalStatus=%q, want approved", resolved.ApprovalStatus)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter never woke up")
	}
}

func TestGate_DuplicateResolutionSignalsOnce(t *testing.T) {
	t.Parallel()

	g, _ := openTestGate(t)
	ctx := context.Background()

	ch, err := g.Submit(ctx, pendingCall("tool_1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first, err := g.Resolve(ctx, "tool_1", true, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := g.Resolve(ctx, "tool_1", false, "late duplicate")
	if err != nil {
		t.Fatalf("Resolve duplicate: %v", err)
	}
	if second.ApprovalStatus != first.ApprovalStatus {
		t.Fatalf("duplicate changed status: %q -> %q", first.ApprovalStatus, second.ApprovalStatus)
	}

	// Exactly one signal was delivered.
	select {
	case resolved := <-ch:
		if resolved.ApprovalStatus != docstore.ApprovalStatusApproved {
			t.Fatalf("signal status=%q, want approved", resolved.ApprovalStatus)
		}
	default:
		t.Fatalf("no signal delivered")
	}
	select {
	case extra := <-ch:
		t.Fatalf("second signal delivered: %+v", extra)
	default:
	}
}

func TestGate_RejectAndReviseKeepsRequestSuspended(t *testing.T) {
	t.Parallel()

	g, _ := openTestGate(t)
	ctx := context.Background()

	ch, err := g.Submit(ctx, pendingCall("tool_1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	revised, err := g.RejectAndRevise(ctx, "tool_1", "wrong path", `{"path":"b.md","content":"v1"}`, "use b.md")
	if err != nil {
		t.Fatalf("RejectAndRevise: %v", err)
	}
	if revised.ApprovalStatus != docstore.ApprovalStatusPending {
		t.Fatalf("ApprovalStatus=%q, want pending after revision", revised.ApprovalStatus)
	}
	if revised.RevisionCount != 1 || len(revised.RevisionHistory) != 1 {
		t.Fatalf("RevisionCount=%d history=%d, want 1/1", revised.RevisionCount, len(revised.RevisionHistory))
	}

	// The waiter must not have been woken by the reject-and-revise step.
	select {
	case resolved := <-ch:
		t.Fatalf("waiter woke during revision: %+v", resolved)
	default:
	}

	// Approving the revised call wakes it with the corrected input.
	if _, err := g.Resolve(ctx, "tool_1", true, ""); err != nil {
		t.Fatalf("Resolve revised: %v", err)
	}
	select {
	case resolved := <-ch:
		if resolved.ApprovalStatus != docstore.ApprovalStatusApproved {
			t.Fatalf("ApprovalStatus=%q, want approved", resolved.ApprovalStatus)
		}
		if resolved.ToolInputJSON != `{"path":"b.md","content":"v1"}` {
			t.Fatalf("ToolInputJSON=%q, want revised input", resolved.ToolInputJSON)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter never woke after approving revised call")
	}
}

func TestGate_ReviseAfterPlainRejectFails(t *testing.T) {
	t.Parallel()

	g, _ := openTestGate(t)
	ctx := context.Background()

	ch, err := g.Submit(ctx, pendingCall("tool_1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A plain reject wakes the waiter; the request moves on with a decline.
	if _, err := g.Resolve(ctx, "tool_1", false, "not like this"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case resolved := <-ch:
		if resolved.ApprovalStatus != docstore.ApprovalStatusRejected {
			t.Fatalf("ApprovalStatus=%q, want rejected", resolved.ApprovalStatus)
		}
	default:
		t.Fatalf("waiter not woken by reject")
	}

	// Nothing is waiting anymore: re-pending the call now would leave it
	// unexecutable forever.
	if _, err := g.Revise(ctx, "tool_1", `{"path":"b.md","content":"v1"}`, "too late"); !errors.Is(err, ErrNoWaiter) {
		t.Fatalf("Revise err=%v, want ErrNoWaiter", err)
	}

	stored, err := g.store.GetToolCall(ctx, "tool_1")
	if err != nil {
		t.Fatalf("GetToolCall: %v", err)
	}
	if stored.ApprovalStatus != docstore.ApprovalStatusRejected {
		t.Fatalf("stored status=%q, want still rejected", stored.ApprovalStatus)
	}
}

func TestGate_WaitHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	g, _ := openTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := g.Submit(ctx, pendingCall("tool_1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()

	if _, err := g.Wait(ctx, ch); err == nil {
		t.Fatalf("Wait returned nil error after cancellation")
	}
	g.Abandon("tool_1")
}

func TestGate_ListPending(t *testing.T) {
	t.Parallel()

	g, _ := openTestGate(t)
	ctx := context.Background()

	a := pendingCall("tool_a")
	a.CreatedAtUnixMs = 100
	b := pendingCall("tool_b")
	b.CreatedAtUnixMs = 200
	if _, err := g.Submit(ctx, a); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	if _, err := g.Submit(ctx, b); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	if _, err := g.Resolve(ctx, "tool_a", true, ""); err != nil {
		t.Fatalf("Resolve a: %v", err)
	}

	pending, err := g.ListPendingByThread(ctx, "th_1")
	if err != nil {
		t.Fatalf("ListPendingByThread: %v", err)
	}
	if len(pending) != 1 || pending[0].ToolCallID != "tool_b" {
		t.Fatalf("pending=%v, want just tool_b", pending)
	}
}
