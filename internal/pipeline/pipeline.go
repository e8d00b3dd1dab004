// Package pipeline runs the end-to-end analysis: normalize logs, describe
// them, extract candidate techniques, match against the corpus, attribute to
// threat actors, and record the report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/analyst"
	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/ingestion"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/observability"
	"github.com/lvonguyen/aptforge/internal/report"
)

// Stage names used in metrics and spans.
const (
	StageNormalize = "normalize"
	StageDescribe  = "describe"
	StageExtract   = "extract"
	StageMatch     = "match"
	StageAttribute = "attribute"
	StageRecord    = "record"
)

// Analyst turns logs into a narrative and candidate techniques.
type Analyst interface {
	Describe(ctx context.Context, logs []map[string]any) (string, error)
	Extract(ctx context.Context, narrative string) ([]matcher.Candidate, error)
}

// TechniqueMatcher maps candidates to corpus techniques.
type TechniqueMatcher interface {
	Match(ctx context.Context, candidates []matcher.Candidate) ([]matcher.MatchedTTP, error)
}

// Attributor ranks threat actors for a set of matched techniques.
type Attributor interface {
	Attribute(ctx context.Context, matched []matcher.MatchedTTP) []attribution.Result
}

// Recorder persists finished reports.
type Recorder interface {
	Record(ctx context.Context, rec *report.Record) error
}

// Pipeline wires the analysis stages together. It holds no per-run state and
// is safe for concurrent use when its dependencies are.
type Pipeline struct {
	normalizer *ingestion.Normalizer
	analyst    Analyst
	matcher    TechniqueMatcher
	attributor Attributor
	recorder   Recorder
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// New creates a pipeline. recorder may be nil, in which case reports are
// returned but not persisted.
func New(normalizer *ingestion.Normalizer, a Analyst, m TechniqueMatcher, attr Attributor, recorder Recorder, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if normalizer == nil {
		normalizer = ingestion.NewNormalizer()
	}
	return &Pipeline{
		normalizer: normalizer,
		analyst:    a,
		matcher:    m,
		attributor: attr,
		recorder:   recorder,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run analyzes rawLogs and returns the recorded report. Cancellation is
// checked between stages.
func (p *Pipeline) Run(ctx context.Context, rawLogs []byte) (*report.Record, error) {
	ctx, span := otel.Tracer("aptforge/pipeline").Start(ctx, "pipeline.Run")
	defer span.End()

	start := time.Now()
	rec, err := p.run(ctx, rawLogs, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.PipelineRun("error")
		p.logger.Error("Pipeline run failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("report_id", rec.ID),
		attribute.Int("ttps", len(rec.TTPs)),
		attribute.Int("apts", len(rec.APTs)),
	)
	p.metrics.PipelineRun("success")
	p.logger.Info("Pipeline run completed",
		zap.String("report_id", rec.ID),
		zap.Int("logs", len(rec.Logs)),
		zap.Int("candidates", len(rec.NetworkAnalysis)),
		zap.Int("ttps", len(rec.TTPs)),
		zap.Int("apts", len(rec.APTs)),
		zap.String("top_apt", rec.TopAPT()),
		zap.Float64("elapsed_seconds", rec.ElapsedSeconds),
	)
	return rec, nil
}

func (p *Pipeline) run(ctx context.Context, rawLogs []byte, start time.Time) (*report.Record, error) {
	rec := report.NewRecord()

	err := p.stage(ctx, StageNormalize, func(context.Context) error {
		logs, err := p.normalizer.Normalize(rawLogs)
		if err != nil {
			return err
		}
		rec.Logs = logs
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StageDescribe, func(ctx context.Context) error {
		narrative, err := p.analyst.Describe(ctx, rec.Logs)
		if err != nil {
			return err
		}
		rec.Description = narrative
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StageExtract, func(ctx context.Context) error {
		candidates, err := p.analyst.Extract(ctx, rec.Description)
		if errors.Is(err, analyst.ErrNoCandidates) {
			p.logger.Warn("No candidate techniques extracted", zap.String("report_id", rec.ID))
			candidates, err = []matcher.Candidate{}, nil
		}
		if err != nil {
			return err
		}
		rec.NetworkAnalysis = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StageMatch, func(ctx context.Context) error {
		matched, err := p.matcher.Match(ctx, rec.NetworkAnalysis)
		if err != nil {
			return err
		}
		rec.TTPs = matched
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StageAttribute, func(ctx context.Context) error {
		rec.APTs = p.attributor.Attribute(ctx, rec.TTPs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.ElapsedSeconds = time.Since(start).Seconds()

	if p.recorder != nil {
		err = p.stage(ctx, StageRecord, func(ctx context.Context) error {
			return p.recorder.Record(ctx, rec)
		})
		if err != nil {
			return nil, err
		}
	}

	return rec, nil
}

// stage runs fn after checking ctx, timing it and wrapping its error with the
// stage name.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", name, err)
	}

	ctx, span := otel.Tracer("aptforge/pipeline").Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.StageCompleted(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}

	p.logger.Debug("Stage completed",
		zap.String("stage", name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
