// Package embedder provides the embedding capability used by the indexing
// pipeline and the context assembler.
package embedder

import (
	"context"
	"errors"
	"fmt"
)

// Gateway turns texts into embedding vectors, one vector per input text in
// input order.
type Gateway interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TransientError marks a failure worth retrying (timeout, throttling,
// upstream 5xx). Any other error is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient embedding failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries the retryable classification.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
