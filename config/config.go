package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Persona ids recognized by the query orchestrator.
const (
	PersonaEditor  = "editor"
	PersonaScholar = "scholar"
)

type CompletionConfig struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float32
}

type EmbeddingsConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type QueryConfig struct {
	// ChunkBudget is the default number of chunks retrieved per book.
	ChunkBudget int
	// ContextBudget is the global character limit for assembled context.
	ContextBudget int
	// UseBookKnowledge controls whether cached book analyses are included.
	UseBookKnowledge bool
	// Persona selects the prompt persona template.
	Persona string
	// Timeout bounds a whole query including the final completion call.
	Timeout time.Duration
}

type Config struct {
	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Completion CompletionConfig
	Embeddings EmbeddingsConfig
	Query      QueryConfig

	CacheDir    string
	CacheTTL    time.Duration
	LexiconPath string
	DataDir     string
	HTTPAddr    string
}

func Load() Config {
	return Config{
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/inkwell?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Completion: CompletionConfig{
			Provider:    getEnv("COMPLETION_PROVIDER", ProviderOpenAI),
			Model:       getEnv("COMPLETION_MODEL", "gpt-4o-mini"),
			MaxTokens:   getEnvInt("COMPLETION_MAX_TOKENS", 3000),
			Temperature: float32(getEnvFloat("COMPLETION_TEMPERATURE", 0.3)),
		},
		Embeddings: EmbeddingsConfig{
			Provider:  getEnv("EMBEDDINGS_PROVIDER", ProviderOpenAI),
			Model:     getEnv("EMBEDDINGS_MODEL", "text-embedding-3-small"),
			Dimension: getEnvInt("EMBEDDINGS_DIMENSION", 1536),
		},
		Query: QueryConfig{
			ChunkBudget:      getEnvInt("QUERY_CHUNK_BUDGET", 80),
			ContextBudget:    getEnvInt("QUERY_CONTEXT_BUDGET", 60000),
			UseBookKnowledge: getEnvBool("QUERY_USE_BOOK_KNOWLEDGE", true),
			Persona:          getEnv("QUERY_PERSONA", PersonaEditor),
			Timeout:          getEnvDuration("QUERY_TIMEOUT", 2*time.Minute),
		},

		CacheDir:    getEnv("CACHE_DIR", "cache"),
		CacheTTL:    getEnvDuration("CACHE_TTL", 7*24*time.Hour),
		LexiconPath: getEnv("LEXICON_PATH", ""),
		DataDir:     getEnv("DATA_DIR", "./books"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":7777"),
	}
}

// Validate rejects option combinations the orchestrator cannot honor.
func (c Config) Validate() error {
	switch c.Completion.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown completion provider: %s", c.Completion.Provider)
	}
	switch c.Embeddings.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown embeddings provider: %s", c.Embeddings.Provider)
	}
	switch c.Query.Persona {
	case PersonaEditor, PersonaScholar:
	default:
		return fmt.Errorf("unknown persona: %s", c.Query.Persona)
	}
	if c.Query.ChunkBudget <= 0 {
		return fmt.Errorf("chunk budget must be positive, got %d", c.Query.ChunkBudget)
	}
	if c.Query.ContextBudget <= 0 {
		return fmt.Errorf("context budget must be positive, got %d", c.Query.ContextBudget)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", c.CacheTTL)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
