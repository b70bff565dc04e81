package embedder

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedGateway struct {
	calls   int
	results []error
	vectors [][]float32
}

func (g *scriptedGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	g.calls++
	if g.calls <= len(g.results) && g.results[g.calls-1] != nil {
		return nil, g.results[g.calls-1]
	}
	return g.vectors, nil
}

func noSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryingGateway_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	inner := &scriptedGateway{
		results: []error{
			Transient(errors.New("timeout")),
			Transient(errors.New("503")),
			nil,
		},
		vectors: [][]float32{{0.1, 0.2}},
	}
	g := WithRetry(inner, 3, 100*time.Millisecond, nil)
	var delays []time.Duration
	g.sleep = noSleep(&delays)

	vectors, err := g.EmbedBatch(context.Background(), []string{"text"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("len(vectors)=%d, want 1", len(vectors))
	}
	if inner.calls != 3 {
		t.Fatalf("calls=%d, want 3", inner.calls)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("delays=%v, want doubling from 100ms", delays)
	}
}

func TestRetryingGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	inner := &scriptedGateway{
		results: []error{
			Transient(errors.New("one")),
			Transient(errors.New("two")),
			Transient(errors.New("three")),
			nil,
		},
	}
	g := WithRetry(inner, 3, time.Millisecond, nil)
	var delays []time.Duration
	g.sleep = noSleep(&delays)

	_, err := g.EmbedBatch(context.Background(), []string{"text"})
	if err == nil {
		t.Fatalf("EmbedBatch succeeded, want failure after 3 attempts")
	}
	if !IsTransient(err) {
		t.Fatalf("err=%v, want transient classification preserved", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls=%d, want exactly 3 attempts", inner.calls)
	}
}

func TestRetryingGateway_PermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	permanent := errors.New("invalid api key")
	inner := &scriptedGateway{results: []error{permanent}}
	g := WithRetry(inner, 3, time.Millisecond, nil)
	var delays []time.Duration
	g.sleep = noSleep(&delays)

	_, err := g.EmbedBatch(context.Background(), []string{"text"})
	if !errors.Is(err, permanent) {
		t.Fatalf("err=%v, want the permanent error unchanged", err)
	}
	if inner.calls != 1 {
		t.Fatalf("calls=%d, want 1 (no retry on permanent errors)", inner.calls)
	}
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()

	if IsTransient(errors.New("plain")) {
		t.Fatalf("plain error classified transient")
	}
	wrapped := Transient(errors.New("timeout"))
	if !IsTransient(wrapped) {
		t.Fatalf("Transient error not classified transient")
	}
	if !IsTransient(errors.Join(errors.New("outer"), wrapped)) {
		t.Fatalf("joined transient error lost classification")
	}
	if Transient(nil) != nil {
		t.Fatalf("Transient(nil) != nil")
	}
}
