// Package app wires configuration into the running components shared by the
// server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/analyst"
	"github.com/lvonguyen/aptforge/internal/api"
	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/config"
	"github.com/lvonguyen/aptforge/internal/corpus"
	"github.com/lvonguyen/aptforge/internal/embedding"
	"github.com/lvonguyen/aptforge/internal/ingestion"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/observability"
	"github.com/lvonguyen/aptforge/internal/pipeline"
	"github.com/lvonguyen/aptforge/internal/report"
)

// App holds the wired components. Corpus state is read-only after New.
type App struct {
	Config    *config.Config
	Telemetry *observability.Telemetry
	Logger    *zap.Logger
	Redis     *redis.Client

	Provider *embedding.OllamaEmbedder
	Embedder embedding.Embedder
	Index    *corpus.Index
	Engine   *attribution.Engine
	Matcher  *matcher.Matcher
	LLM      *analyst.OllamaClient
	Analyst  *analyst.Analyst
	Store    *report.FileStore
	Recorder *report.Recorder
	HEC      *report.HECSink
	Pipeline *pipeline.Pipeline

	closers []func() error
}

// New loads both corpora, embeds the technique corpus and wires the
// pipeline. Any corpus or embedding failure is fatal.
func New(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) (*App, error) {
	a := &App{
		Config:    cfg,
		Telemetry: tel,
		Logger:    tel.Logger(),
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	metrics := a.Telemetry.Metrics()

	if cfg.UsesRedis() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.closers = append(a.closers, a.Redis.Close)
	}

	provider, err := embedding.NewOllamaEmbedder(cfg.Embedding, a.Logger, metrics)
	if err != nil {
		return err
	}
	a.Provider = provider
	a.Embedder = provider

	cache, err := a.openCache()
	if err != nil {
		return err
	}
	if cache != nil {
		a.Embedder = embedding.NewCachingEmbedder(provider, cache, cfg.Embedding.Model, a.Logger, metrics)
	}

	entries, err := corpus.LoadTTPs(cfg.Corpus.TTPPath)
	if err != nil {
		return err
	}
	start := time.Now()
	a.Index, err = corpus.BuildIndex(ctx, entries, a.Embedder, corpus.IndexOptions{
		Concurrency: cfg.Embedding.Concurrency,
		Logger:      a.Logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Index.Close)
	a.Logger.Info("Technique corpus ready",
		zap.String("path", cfg.Corpus.TTPPath),
		zap.Int("techniques", a.Index.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)

	profiles, warnings, err := corpus.LoadAPTs(cfg.Corpus.APTPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		metrics.CorpusWarning("apt")
		a.Logger.Warn("Skipping threat actor entry", zap.String("warning", w.String()))
	}
	metrics.SetCorpusSize("apt", len(profiles))
	a.Engine = attribution.NewEngine(profiles, cfg.Matching.APTThreshold, a.Logger, metrics)
	a.Logger.Info("Threat actor corpus ready",
		zap.String("path", cfg.Corpus.APTPath),
		zap.Int("profiles", a.Engine.Len()),
		zap.Int("skipped", len(warnings)),
	)

	a.Matcher = matcher.NewMatcher(a.Index, a.Embedder, cfg.Matching.MatcherOptions(), a.Logger, metrics)

	a.LLM, err = analyst.NewOllamaClient(cfg.LLM, a.Logger)
	if err != nil {
		return err
	}
	a.Analyst, err = analyst.New(a.LLM, cfg.LLM, a.Logger)
	if err != nil {
		return err
	}

	a.Store, err = report.OpenFileStore(cfg.Reports.Path)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Store.Close)

	sinks, err := a.openSinks()
	if err != nil {
		return err
	}
	a.Recorder = report.NewRecorder(a.Store, a.Logger, metrics, sinks...)

	a.Pipeline = pipeline.New(ingestion.NewNormalizer(), a.Analyst, a.Matcher, a.Engine, a.Recorder, a.Logger, metrics)
	return nil
}

func (a *App) openCache() (embedding.Cache, error) {
	cfg := a.Config.Embedding.Cache
	switch cfg.Backend {
	case "redis":
		return embedding.NewRedisCache(a.Redis, cfg.TTL), nil
	case "bolt":
		cache, err := embedding.OpenBoltCache(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cache.Close)
		return cache, nil
	default:
		return nil, nil
	}
}

func (a *App) openSinks() ([]report.Sink, error) {
	var sinks []report.Sink

	if a.Config.Reports.Splunk.Enabled {
		hec, err := report.NewHECSink(a.Config.Reports.Splunk)
		if err != nil {
			return nil, fmt.Errorf("splunk sink: %w", err)
		}
		err = a.Telemetry.Metrics().RegisterSinkStats(hec.Name(), func() observability.SinkStats {
			st := hec.Stats()
			return observability.SinkStats{
				Sent:       st.EventsSent,
				Failed:     st.EventsFailed,
				Bytes:      st.BytesSent,
				LastSendAt: st.LastSendAt,
			}
		})
		if err != nil {
			return nil, fmt.Errorf("splunk sink metrics: %w", err)
		}
		a.HEC = hec
		sinks = append(sinks, hec)
	}

	if a.Config.Reports.Kafka.Enabled {
		k, err := report.NewKafkaSink(a.Config.Reports.Kafka)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		a.closers = append(a.closers, k.Close)
		sinks = append(sinks, k)
	}

	return sinks, nil
}

// Checks returns the readiness checks for the external dependencies.
func (a *App) Checks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"embedding": a.Provider.HealthCheck,
		"llm":       a.LLM.HealthCheck,
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}
	}
	if a.HEC != nil {
		checks["splunk"] = a.HEC.HealthCheck
	}
	return checks
}

// Server returns the HTTP handler dependencies.
func (a *App) Server(version string) *api.Server {
	return &api.Server{
		Analyzer:   a.Pipeline,
		Matcher:    a.Matcher,
		Attributor: a.Engine,
		Techniques: a.Index,
		Reports:    a.Store,
		Checks:     a.Checks(),
		Version:    version,
		Logger:     a.Logger,
		Metrics:    a.Telemetry.Metrics(),
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
