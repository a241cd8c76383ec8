// Package embedding provides the sentence-encoder backends behind every
// vector store in the runtime: a local Ollama server by default, or
// Google GenAI when Provider is "genai" (which also needs an API key).
package embedding

import (
	"context"
	"fmt"
)

// EmbeddingEngine generates dense vectors for text.
type EmbeddingEngine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the fixed output dimensionality of this engine.
	Dimensions() int
	Name() string
}

// HealthChecker is implemented by engines that can verify their backend
// is reachable before a large batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and parameterizes the backend.
type Config struct {
	// Provider is "ollama" or "genai".
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`
	// TaskType tunes GenAI embeddings for their use case, e.g.
	// SEMANTIC_SIMILARITY, RETRIEVAL_QUERY, RETRIEVAL_DOCUMENT.
	TaskType string `json:"task_type"`
}

// DefaultConfig embeds locally via Ollama.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
	}
}

// NewEngine builds the configured backend.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q (use \"ollama\" or \"genai\")", cfg.Provider)
	}
}
