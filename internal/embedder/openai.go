package embedder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const (
	defaultEmbeddingModel = "text-embedding-3-small"

	// Per-call input cap; larger requests are split and the results
	// concatenated in order.
	maxBatchSize = 64
)

// OpenAIGateway implements Gateway on the OpenAI embeddings API. It also
// works against OpenAI-compatible gateways via a custom base URL.
type OpenAIGateway struct {
	client openai.Client
	model  string
}

func NewOpenAIGateway(apiKey string, baseURL string, model string) (*OpenAIGateway, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("missing embedder api key")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &OpenAIGateway{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (g *OpenAIGateway) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

func (g *OpenAIGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g == nil {
		return nil, errors.New("nil gateway")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		if err := ctx.Err(); err != nil {
			return nil, Transient(err)
		}
		vectors, err := g.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (g *OpenAIGateway) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := g.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(g.model),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	// The API does not guarantee response order; place vectors by index.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", i)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// classify maps upstream failures to the transient/permanent split: timeouts,
// throttling, and 5xx responses are retryable; auth and validation errors
// are not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 408 || apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return Transient(err)
		}
		return err
	}
	// Connection-level failures surface as plain errors; treat them as
	// transient so an upstream blip does not fail indexing permanently.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(err)
	}
	return err
}
