// Package analyst drives the language-model stages: describing normalized
// logs in plain English and extracting candidate TTPs from that narrative.
package analyst

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	// ErrUnavailable wraps transport failures and non-success responses from
	// the model server.
	ErrUnavailable = errors.New("language model unavailable")

	ErrEmptyResponse = errors.New("language model returned an empty response")

	// ErrNoCandidates is returned when the extraction output holds no JSON
	// array of candidates.
	ErrNoCandidates = errors.New("no candidate TTPs in model output")
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config holds language-model settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// HistoryDir holds one history file per session; empty keeps history in
	// memory only.
	HistoryDir string `yaml:"history_dir"`
	// HistoryLimit caps the non-system messages replayed as context.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns defaults for a local Ollama.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:11434",
		Model:        "llama3.2",
		Timeout:      5 * time.Minute,
		HistoryDir:   "data",
		HistoryLimit: 20,
	}
}

// OllamaClient streams completions from Ollama's generate endpoint.
type OllamaClient struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaClient creates a generate client.
func NewOllamaClient(config Config, logger *zap.Logger) (*OllamaClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OllamaClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// Generate sends prompt and concatenates the streamed response fragments.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.config.Model, Prompt: prompt, Stream: true})
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Debug("Skipping undecodable stream line", zap.Error(err))
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, chunk.Error)
		}
		sb.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: reading stream: %w", ErrUnavailable, err)
	}

	out := sb.String()
	c.logger.Debug("Generation complete",
		zap.String("model", c.config.Model),
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// HealthCheck verifies connectivity to the model server.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}
