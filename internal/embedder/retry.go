package embedder

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
)

// RetryingGateway wraps another Gateway and retries transient failures with
// exponentially growing delays. Permanent failures pass through on the first
// attempt.
type RetryingGateway struct {
	inner       Gateway
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func WithRetry(inner Gateway, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *RetryingGateway {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingGateway{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

func (g *RetryingGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g == nil || g.inner == nil {
		return nil, errors.New("nil gateway")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(texts) == 0 {
		return nil, nil
	}

	delay := g.baseDelay
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		vectors, err := g.inner.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt == g.maxAttempts {
			break
		}
		g.logger.Warn("embedding attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if err := g.sleep(ctx, delay); err != nil {
			return nil, Transient(err)
		}
		delay *= 2
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
