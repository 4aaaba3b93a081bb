package llm

import (
	"context"
	"fmt"

	"github.com/inkwell-ai/inkwell/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Client is the completion service consumed by the analyzer, the graph
// extractor, and the query orchestrator. Calls may fail transiently; retry
// policy belongs to the caller.
type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Options carries everything a client needs at construction. There is no
// process-wide model or provider state; swapping models means building a new
// client.
type Options struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float32

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.Completion.Provider,
		Model:         cfg.Completion.Model,
		MaxTokens:     cfg.Completion.MaxTokens,
		Temperature:   cfg.Completion.Temperature,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown completion provider: %s", opts.Provider)
	}
}
