package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/store"
)

// Cache maps content hashes to embedding vectors for one model. It is safe
// for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	model   string
	entries map[string][]float32
	// dropped holds hashes removed by Retain since the last Save, so a
	// merge with the file on disk does not bring them back.
	dropped map[string]bool
	dirty   bool
}

// cacheFile is the on-disk form of a Cache.
type cacheFile struct {
	Model   string               `json:"model"`
	Entries map[string][]float32 `json:"entries"`
}

// NewCache returns an empty cache for model.
func NewCache(model string) *Cache {
	return &Cache{model: model, entries: make(map[string][]float32), dropped: make(map[string]bool)}
}

// LoadCache reads a cache file. A missing file, a corrupt file or a file
// written for another model yields an empty cache.
func LoadCache(path, model string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := NewCache(model)
	for k, v := range readCacheEntries(path, model, logger) {
		c.entries[k] = v
	}
	return c
}

// readCacheEntries returns the entries stored at path for model, or nil.
func readCacheEntries(path, model string, logger *zap.Logger) map[string][]float32 {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("reading embedding cache", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Warn("discarding corrupted embedding cache", zap.String("path", path), zap.Error(err))
		return nil
	}
	if f.Model != model {
		logger.Info("embedding model changed, discarding cache",
			zap.String("cached_model", f.Model),
			zap.String("model", model))
		return nil
	}
	return f.Entries
}

// Get returns the vector for a content hash.
func (c *Cache) Get(hash string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[hash]
	return v, ok
}

// Put stores the vector for a content hash.
func (c *Cache) Put(hash string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = v
	delete(c.dropped, hash)
	c.dirty = true
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Retain drops every entry whose hash is not in keep.
func (c *Cache) Retain(keep map[string]bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for k := range c.entries {
		if !keep[k] {
			delete(c.entries, k)
			c.dropped[k] = true
			dropped++
		}
	}
	if dropped > 0 {
		c.dirty = true
	}
	return dropped
}

// Save merges the cache into the file at path and writes the result
// atomically, all under the path lock. Entries written by other processes
// since this cache was loaded are kept unless Retain dropped them here;
// this cache's own vectors win on conflict.
func (c *Cache) Save(ctx context.Context, path string, lockTimeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.mu.RLock()
	dirty := c.dirty
	c.mu.RUnlock()
	if !dirty {
		return nil
	}

	return store.WithLock(ctx, path, lockTimeout, logger, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		for k, v := range readCacheEntries(path, c.model, logger) {
			if _, ok := c.entries[k]; !ok && !c.dropped[k] {
				c.entries[k] = v
			}
		}
		data, err := json.Marshal(cacheFile{Model: c.model, Entries: c.entries})
		if err != nil {
			return fmt.Errorf("encoding embedding cache: %w", err)
		}
		if err := store.WriteFileAtomic(path, data, 0o600); err != nil {
			return err
		}
		c.dirty = false
		clear(c.dropped)
		return nil
	})
}
