package corpus

import (
	"context"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/aptforge/internal/embedding"
	"github.com/lvonguyen/aptforge/internal/mitre"
	"github.com/lvonguyen/aptforge/internal/observability"
)

// IndexOptions configures BuildIndex.
type IndexOptions struct {
	// Concurrency bounds the number of entries embedded at once.
	Concurrency int
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Index is the TTP corpus with one embedding per entry. It is read-only after
// BuildIndex returns and safe for concurrent use.
type Index struct {
	entries []TTPEntry
	byID    map[string]int
	dims    int
	search  bleve.Index
}

// BuildIndex embeds every entry and returns the finished index. Any provider
// failure aborts the build; a partial index is never returned.
func BuildIndex(ctx context.Context, entries []TTPEntry, embedder embedding.Embedder, opts IndexOptions) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: TTP corpus is empty", ErrCorpusLoad)
	}

	start := time.Now()
	built := make([]TTPEntry, len(entries))
	copy(built, entries)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range built {
		e := &built[i]
		g.Go(func() error {
			vec, err := embedder.Embed(gctx, mitre.EmbeddingText(e.KillChainPhases, e.Description))
			if err != nil {
				return fmt.Errorf("embedding %s: %w", e.ID, err)
			}
			e.Embedding = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := &Index{
		entries: built,
		byID:    make(map[string]int, len(built)),
		dims:    len(built[0].Embedding),
	}
	for i, e := range built {
		if len(e.Embedding) != idx.dims {
			return nil, fmt.Errorf("%w: %s has %d dimensions, expected %d", ErrCorpusLoad, e.ID, len(e.Embedding), idx.dims)
		}
		idx.byID[e.ID] = i
	}

	search, err := buildSearchIndex(built)
	if err != nil {
		return nil, fmt.Errorf("%w: building search index: %w", ErrCorpusLoad, err)
	}
	idx.search = search

	opts.Metrics.SetCorpusSize("ttp", len(built))
	logger.Info("TTP corpus indexed",
		zap.Int("entries", len(built)),
		zap.Int("dimensions", idx.dims),
		zap.Duration("elapsed", time.Since(start)),
	)

	return idx, nil
}

// Entries returns the indexed entries. Callers must not modify them.
func (idx *Index) Entries() []TTPEntry {
	return idx.entries
}

// Lookup returns the entry for id.
func (idx *Index) Lookup(id string) (TTPEntry, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return TTPEntry{}, false
	}
	return idx.entries[i], true
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Dimensions returns the embedding dimensionality shared by every entry.
func (idx *Index) Dimensions() int {
	return idx.dims
}

// Close releases the search index.
func (idx *Index) Close() error {
	if idx.search == nil {
		return nil
	}
	return idx.search.Close()
}
