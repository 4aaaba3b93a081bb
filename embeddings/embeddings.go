// Package embeddings turns text into the vectors the pgvector index stores,
// batching large inputs so whole novels embed through one call.
package embeddings

import (
	"context"
	"fmt"

	"github.com/inkwell-ai/inkwell/config"
)

// batchSize bounds how many texts go to the backing API per request. Full
// novels produce thousands of chunks.
const batchSize = 64

type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	switch cfg.Embeddings.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(cfg.OllamaHost, cfg.Embeddings.Model, cfg.Embeddings.Dimension), nil
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Embeddings.Model, cfg.Embeddings.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embeddings.Provider)
	}
}

// inBatches calls fn with successive slices of at most batchSize texts and
// concatenates the results in input order.
func inBatches(ctx context.Context, texts []string, fn func(ctx context.Context, batch []string) ([][]float32, error)) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// checkDimension rejects vectors that do not match the configured pgvector
// column width.
func checkDimension(vector []float32, want int) error {
	if want > 0 && len(vector) != want {
		return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", want, len(vector))
	}
	return nil
}
