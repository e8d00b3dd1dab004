// Package embedding provides text embedding providers and caches.
package embedding

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrUnavailable wraps every failure to obtain an embedding from the
	// provider: transport errors, non-success responses, timeouts and
	// exhausted retries.
	ErrUnavailable = errors.New("embedding provider unavailable")

	ErrEmptyEmbedding = errors.New("embedding provider returned an empty vector")
)

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float64, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float64, error) {
	return f(ctx, text)
}

// Config holds embedding provider settings.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	Concurrency    int           `yaml:"concurrency"` // max in-flight provider requests
	RetryCount     int           `yaml:"retry_count"` // total attempts per text
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	Cache          CacheConfig   `yaml:"cache"`
}

// CacheConfig selects the embedding cache backend.
type CacheConfig struct {
	Backend  string        `yaml:"backend"` // none, redis, bolt
	TTL      time.Duration `yaml:"ttl"`     // redis only
	BoltPath string        `yaml:"bolt_path"`
}

// DefaultConfig returns sensible defaults for a local Ollama.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:11434",
		Model:          "nomic-embed-text",
		Timeout:        30 * time.Second,
		Concurrency:    4,
		RetryCount:     3,
		RetryBaseDelay: 250 * time.Millisecond,
		Cache: CacheConfig{
			Backend:  "none",
			TTL:      7 * 24 * time.Hour,
			BoltPath: "data/embeddings.db",
		},
	}
}
