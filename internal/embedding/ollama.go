package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lvonguyen/aptforge/internal/observability"
)

const ollamaEmbeddingsPath = "/api/embeddings"

// OllamaEmbedder implements Embedder against an Ollama server.
type OllamaEmbedder struct {
	config     Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	logger     *zap.Logger
	metrics    *observability.Metrics
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates a new Ollama embedding client.
func NewOllamaEmbedder(config Config, logger *zap.Logger, metrics *observability.Metrics) (*OllamaEmbedder, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OllamaEmbedder{
		config: config,
		// Per-attempt deadlines come from config.Timeout via the request context.
		httpClient: &http.Client{},
		sem:        semaphore.NewWeighted(int64(config.Concurrency)),
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Name returns the provider identifier.
func (e *OllamaEmbedder) Name() string {
	return "ollama"
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string {
	return e.config.Model
}

// Embed returns the embedding of text. Failures wrap ErrUnavailable.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := Retry(ctx, e.config.RetryCount, e.config.RetryBaseDelay, func(ctx context.Context) ([]float64, error) {
		// The slot covers one attempt; backoff sleeps run without it.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, Permanent(err)
		}
		defer e.sem.Release(1)
		return e.embedOnce(ctx, text)
	})
	if err != nil {
		e.logger.Warn("Embedding request failed",
			zap.String("model", e.config.Model),
			zap.Int("text_len", len(text)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return vec, nil
}

// embedOnce performs a single bounded provider call.
func (e *OllamaEmbedder) embedOnce(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	start := time.Now()
	body, err := json.Marshal(ollamaEmbeddingRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encoding embedding request: %w", err))
	}

	req, err := e.newRequest(ctx, http.MethodPost, ollamaEmbeddingsPath, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.metrics.EmbeddingRequest("error", time.Since(start))
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.metrics.EmbeddingRequest("error", time.Since(start))
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		// Client errors other than throttling will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}

	var out ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		e.metrics.EmbeddingRequest("error", time.Since(start))
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		e.metrics.EmbeddingRequest("error", time.Since(start))
		return nil, Permanent(ErrEmptyEmbedding)
	}

	e.metrics.EmbeddingRequest("success", time.Since(start))
	return out.Embedding, nil
}

// HealthCheck verifies connectivity to the Ollama server.
func (e *OllamaEmbedder) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := e.newRequest(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	return nil
}

// newRequest creates an Ollama API request.
func (e *OllamaEmbedder) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(e.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "aptforge/1.0")

	return req, nil
}
