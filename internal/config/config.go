// Package config provides configuration management for aptforge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/aptforge/internal/analyst"
	"github.com/lvonguyen/aptforge/internal/api/gateway"
	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/embedding"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/observability"
	"github.com/lvonguyen/aptforge/internal/report"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all aptforge configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Redis     RedisConfig             `yaml:"redis"`
	Embedding embedding.Config        `yaml:"embedding"`
	LLM       analyst.Config          `yaml:"llm"`
	Corpus    CorpusConfig            `yaml:"corpus"`
	Matching  MatchingConfig          `yaml:"matching"`
	Reports   ReportsConfig           `yaml:"reports"`
	RateLimit gateway.RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig           `yaml:"logging"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout bounds one API request; analysis waits on the LLM.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	CORS           CORSConfig    `yaml:"cors"`
}

// CORSConfig holds cross-origin settings for the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password returns the Redis password from the configured env var.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// CorpusConfig locates the technique and threat-actor corpora.
type CorpusConfig struct {
	TTPPath string `yaml:"ttp_path"`
	APTPath string `yaml:"apt_path"`
}

// MatchingConfig holds matcher and attribution thresholds.
type MatchingConfig struct {
	TTPThreshold float64 `yaml:"ttp_threshold"`
	APTThreshold float64 `yaml:"apt_threshold"`
	Workers      int     `yaml:"workers"`
}

// MatcherOptions returns the matcher settings.
func (m MatchingConfig) MatcherOptions() matcher.Options {
	opts := matcher.DefaultOptions()
	opts.Threshold = m.TTPThreshold
	if m.Workers > 0 {
		opts.Workers = m.Workers
	}
	return opts
}

// ReportsConfig holds report persistence and forwarding settings.
type ReportsConfig struct {
	Path   string             `yaml:"path"`
	Splunk report.HECConfig   `yaml:"splunk"`
	Kafka  report.KafkaConfig `yaml:"kafka"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  10 * time.Minute,
			MaxBodyBytes:    10 << 20,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-APTForge-Tier"},
				MaxAge:         300,
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		Embedding: embedding.DefaultConfig(),
		LLM:       analyst.DefaultConfig(),
		Corpus: CorpusConfig{
			TTPPath: "data/ttp_corpus.json",
			APTPath: "data/apt_corpus.json",
		},
		Matching: MatchingConfig{
			TTPThreshold: matcher.DefaultThreshold,
			APTThreshold: attribution.DefaultThreshold,
		},
		Reports: ReportsConfig{
			Path:   "data/reports.jsonl",
			Splunk: report.DefaultHECConfig(),
			Kafka:  report.DefaultKafkaConfig(),
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "aptforge",
			Environment:    "development",
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("server.port %d out of range", c.Server.Port)
	}
	if c.Corpus.TTPPath == "" {
		fail("corpus.ttp_path is required")
	}
	if c.Corpus.APTPath == "" {
		fail("corpus.apt_path is required")
	}
	if c.Matching.TTPThreshold < 0 || c.Matching.TTPThreshold > 1 {
		fail("matching.ttp_threshold %v must be within [0, 1]", c.Matching.TTPThreshold)
	}
	if c.Embedding.BaseURL == "" || c.Embedding.Model == "" {
		fail("embedding.base_url and embedding.model are required")
	}
	if c.Embedding.Concurrency < 1 {
		fail("embedding.concurrency must be at least 1")
	}
	switch c.Embedding.Cache.Backend {
	case "", "none", "redis":
	case "bolt":
		if c.Embedding.Cache.BoltPath == "" {
			fail("embedding.cache.bolt_path is required for the bolt backend")
		}
	default:
		fail("unknown embedding.cache.backend %q", c.Embedding.Cache.Backend)
	}
	if c.LLM.BaseURL == "" || c.LLM.Model == "" {
		fail("llm.base_url and llm.model are required")
	}
	if c.Reports.Path == "" {
		fail("reports.path is required")
	}
	if c.Reports.Splunk.Enabled && c.Reports.Splunk.HECURL == "" {
		fail("reports.splunk.hec_url is required when splunk is enabled")
	}
	if c.Reports.Kafka.Enabled && (len(c.Reports.Kafka.Brokers) == 0 || c.Reports.Kafka.Topic == "") {
		fail("reports.kafka.brokers and reports.kafka.topic are required when kafka is enabled")
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any enabled component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Enabled || c.Embedding.Cache.Backend == "redis"
}

// Observability returns the telemetry settings for the given build version.
func (c *Config) Observability(version string) observability.Config {
	return observability.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}

// EnabledSinks returns the names of enabled report forwarders.
func (c *Config) EnabledSinks() []string {
	var sinks []string
	if c.Reports.Splunk.Enabled {
		sinks = append(sinks, "splunk")
	}
	if c.Reports.Kafka.Enabled {
		sinks = append(sinks, "kafka")
	}
	return sinks
}
