package embedding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEmbeddings = []byte("embeddings")

// BoltCache persists embeddings in a local BoltDB file so a restart does not
// re-embed the whole corpus.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens (or creates) the cache file at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltCache{db: db}, nil
}

// Name returns the backend identifier.
func (c *BoltCache) Name() string {
	return "bolt"
}

// Get looks up key.
func (c *BoltCache) Get(_ context.Context, key string) ([]float64, bool, error) {
	var vec []float64
	err := c.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketEmbeddings).Get([]byte(key))
		if buf == nil {
			return nil
		}
		// buf is only valid inside the transaction; decodeVector copies it.
		var err error
		vec, err = decodeVector(buf)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return vec, vec != nil, nil
}

// Set stores vec under key.
func (c *BoltCache) Set(_ context.Context, key string, vec []float64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put([]byte(key), encodeVector(vec))
	})
}

// Close releases the database file lock.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
