// Package matcher ranks TTP corpus entries against extracted candidate
// observations by embedding cosine similarity.
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/aptforge/internal/corpus"
	"github.com/lvonguyen/aptforge/internal/embedding"
	"github.com/lvonguyen/aptforge/internal/mitre"
	"github.com/lvonguyen/aptforge/internal/observability"
)

// Common errors.
var (
	// ErrMalformedCandidate marks a candidate without a description or with a
	// phase outside the kill chain vocabulary. Such candidates are skipped.
	ErrMalformedCandidate = errors.New("malformed candidate")

	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidSimilarity marks a matched technique without an id or with a
	// similarity outside [0, 1].
	ErrInvalidSimilarity = errors.New("invalid matched technique")
)

// DefaultThreshold is the minimum similarity for a candidate/technique pair.
const DefaultThreshold = 0.5

// errUndecodable marks a candidate whose JSON did not fit the Candidate shape.
var errUndecodable = errors.New("undecodable candidate")

// Candidate is one observation produced by the extraction stage.
type Candidate struct {
	KillChainPhases mitre.Phases `json:"kill_chain_phases"`
	Description     string       `json:"description"`

	// decodeErr holds the reason an element of a batch could not be decoded,
	// so one bad element is skipped instead of failing the batch.
	decodeErr error
}

// UnmarshalJSON also accepts the "kill chain phases" key. A value of the
// wrong shape does not fail the decode; Validate reports it instead.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var raw struct {
		KillChainPhases mitre.Phases `json:"kill_chain_phases"`
		LegacyPhases    mitre.Phases `json:"kill chain phases"`
		Description     string       `json:"description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		*c = Candidate{decodeErr: err}
		return nil
	}
	c.KillChainPhases = raw.KillChainPhases
	if len(c.KillChainPhases) == 0 {
		c.KillChainPhases = raw.LegacyPhases
	}
	c.Description = raw.Description
	c.decodeErr = nil
	return nil
}

// Validate reports why a candidate cannot be matched.
func (c Candidate) Validate() error {
	if c.decodeErr != nil {
		return fmt.Errorf("%w: %w: %v", ErrMalformedCandidate, errUndecodable, c.decodeErr)
	}
	if strings.TrimSpace(c.Description) == "" {
		return fmt.Errorf("%w: missing description", ErrMalformedCandidate)
	}
	if err := c.KillChainPhases.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCandidate, err)
	}
	return nil
}

// Skipped is a candidate that was not matched.
type Skipped struct {
	Index     int       `json:"index"`
	Candidate Candidate `json:"candidate"`
	Reason    string    `json:"reason"`
}

// Outcome is the full result of a match call.
type Outcome struct {
	Matches []MatchedTTP `json:"ttps"`
	Skipped []Skipped    `json:"skipped,omitempty"`
}

// Options configures a Matcher.
type Options struct {
	Threshold float64 `yaml:"ttp_threshold"`
	// Workers is the number of corpus shards scored in parallel.
	Workers int `yaml:"workers"`
}

// DefaultOptions returns the production threshold and one worker per CPU.
func DefaultOptions() Options {
	return Options{
		Threshold: DefaultThreshold,
		Workers:   runtime.NumCPU(),
	}
}

// Matcher scores candidates against a corpus index. It holds no mutable state
// and may be shared across goroutines.
type Matcher struct {
	index    *corpus.Index
	embedder embedding.Embedder
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewMatcher creates a Matcher over index.
func NewMatcher(index *corpus.Index, embedder embedding.Embedder, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Matcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		index:    index,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Threshold returns the configured similarity threshold.
func (m *Matcher) Threshold() float64 {
	return m.opts.Threshold
}

// Match returns the deduplicated, ranked techniques matched by candidates.
// No match yields an empty slice.
func (m *Matcher) Match(ctx context.Context, candidates []Candidate) ([]MatchedTTP, error) {
	out, err := m.MatchReport(ctx, candidates)
	if err != nil {
		return nil, err
	}
	return out.Matches, nil
}

// MatchReport is Match plus the list of skipped candidates. Malformed
// candidates are skipped; an embedding failure aborts the call.
func (m *Matcher) MatchReport(ctx context.Context, candidates []Candidate) (Outcome, error) {
	ctx, span := otel.Tracer("aptforge/matcher").Start(ctx, "matcher.Match")
	defer span.End()
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Float64("threshold", m.opts.Threshold),
	)

	best := make(map[string]float64)
	var skipped []Skipped

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		if err := c.Validate(); err != nil {
			m.logger.Warn("Skipping malformed candidate",
				zap.Int("index", i),
				zap.String("kill_chain_phases", c.KillChainPhases.String()),
				zap.Error(err),
			)
			m.metrics.CandidateSkipped(skipReason(err))
			skipped = append(skipped, Skipped{Index: i, Candidate: c, Reason: err.Error()})
			continue
		}

		vec, err := m.embedder.Embed(ctx, mitre.EmbeddingText(c.KillChainPhases, c.Description))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embedding failed")
			return Outcome{}, fmt.Errorf("embedding candidate %d: %w", i, err)
		}
		if len(vec) != m.index.Dimensions() {
			return Outcome{}, fmt.Errorf("%w: candidate %d has %d dimensions, corpus has %d",
				ErrDimensionMismatch, i, len(vec), m.index.Dimensions())
		}

		if err := m.scan(ctx, vec, best); err != nil {
			return Outcome{}, err
		}
	}

	matches := ranked(best)
	for _, mt := range matches {
		m.metrics.TechniqueMatched(mt.ID)
	}
	span.SetAttributes(
		attribute.Int("matches", len(matches)),
		attribute.Int("skipped", len(skipped)),
	)

	m.logger.Debug("Candidates matched",
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped", len(skipped)),
		zap.Int("matches", len(matches)),
	)

	return Outcome{Matches: matches, Skipped: skipped}, nil
}

// scan scores vec against every corpus entry in parallel shards and merges
// the pairs at or above the threshold into best.
func (m *Matcher) scan(ctx context.Context, vec []float64, best map[string]float64) error {
	entries := m.index.Entries()
	workers := m.opts.Workers
	if workers > len(entries) {
		workers = len(entries)
	}
	if workers == 0 {
		return nil
	}

	shardSize := (len(entries) + workers - 1) / workers
	results := make([][]MatchedTTP, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * shardSize
		hi := min(lo+shardSize, len(entries))
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			var local []MatchedTTP
			for i := lo; i < hi; i++ {
				if i%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				sim := clip(Cosine(vec, entries[i].Embedding))
				if sim >= m.opts.Threshold {
					local = append(local, MatchedTTP{ID: entries[i].ID, Similarity: Score(sim)})
				}
			}
			results[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, shard := range results {
		for _, mt := range shard {
			mergeMax(best, mt.ID, float64(mt.Similarity))
		}
	}
	return nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, errUndecodable):
		return "undecodable"
	case errors.Is(err, mitre.ErrUnknownPhase):
		return "unknown_phase"
	}
	return "missing_description"
}
