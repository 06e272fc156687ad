// Package embedding generates the vectors the pipeline upserts into the
// vector store. Backends: Ollama (local server), Google GenAI (cloud),
// and a deterministic hash engine used when no service is configured.
package embedding

import (
	"context"
	"fmt"

	"codegraph/internal/config"
	"codegraph/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines backed by a
// network service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine creates an engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	switch cfg.Provider {
	case "ollama":
		log.Info("embedding engine: ollama model=%s url=%s", cfg.Model, cfg.URL)
		return NewOllamaEngine(cfg.URL, cfg.Model, cfg.Dimensions)
	case "genai":
		log.Info("embedding engine: genai model=%s", cfg.Model)
		return NewGenAIEngine(context.Background(), cfg.Model, cfg.Dimensions)
	case "hash":
		log.Info("embedding engine: deterministic hash dim=%d", cfg.Dimensions)
		return NewHashEngine(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}
