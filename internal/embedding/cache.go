package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/observability"
)

// Cache stores embeddings by key.
type Cache interface {
	Name() string
	// Get returns found=false on a miss; err is reserved for backend failures.
	Get(ctx context.Context, key string) (vec []float64, found bool, err error)
	Set(ctx context.Context, key string, vec []float64) error
}

// CachingEmbedder consults a Cache before delegating to the wrapped Embedder.
// Cache failures are logged and treated as misses.
type CachingEmbedder struct {
	next    Embedder
	cache   Cache
	model   string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewCachingEmbedder wraps next with cache. model is part of every key so
// switching models never serves stale vectors.
func NewCachingEmbedder(next Embedder, cache Cache, model string, logger *zap.Logger, metrics *observability.Metrics) *CachingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingEmbedder{
		next:    next,
		cache:   cache,
		model:   model,
		logger:  logger,
		metrics: metrics,
	}
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := CacheKey(c.model, text)

	vec, found, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.metrics.CacheResult(c.cache.Name(), "error")
		c.logger.Warn("Embedding cache read failed",
			zap.String("backend", c.cache.Name()),
			zap.Error(err),
		)
	case found:
		c.metrics.CacheResult(c.cache.Name(), "hit")
		return vec, nil
	default:
		c.metrics.CacheResult(c.cache.Name(), "miss")
	}

	vec, err = c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, vec); err != nil {
		c.logger.Warn("Embedding cache write failed",
			zap.String("backend", c.cache.Name()),
			zap.Error(err),
		)
	}

	return vec, nil
}

// CacheKey derives the cache key for a model/text pair.
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeVector packs a vector as little-endian float64s.
func encodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float64, error) {
	if len(buf) == 0 || len(buf)%8 != 0 {
		return nil, fmt.Errorf("corrupt cached embedding: %d bytes", len(buf))
	}
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}
