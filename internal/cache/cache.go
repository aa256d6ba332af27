// Package cache provides caching for proxied tiles and remote API responses.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	QueryCacheSize  int
}

// Manager manages tile and query caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       100 * 1024, // 100KB per tile
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		tileCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	// Query results are held zstd-compressed.
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		tileCache.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		tileCache.Close()
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		queryCache: queryCache,
		encoder:    encoder,
		decoder:    decoder,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	compressed, ok := m.queryCache.Get(key)
	if !ok {
		return nil, false
	}
	data, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		m.queryCache.Remove(key)
		return nil, false
	}
	return data, true
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, m.encoder.EncodeAll(data, nil))
}

// PurgeQueryPrefix drops cached query results whose key starts with prefix.
func (m *Manager) PurgeQueryPrefix(prefix string) int {
	removed := 0
	for _, key := range m.queryCache.Keys() {
		if strings.HasPrefix(key, prefix) && m.queryCache.Remove(key) {
			removed++
		}
	}
	return removed
}

// TileKey generates a cache key for a proxied tile. The calibration version
// keeps tiles of a reloaded diagram apart from the previous load.
func TileKey(mapID string, version uint64, z, x, y int) string {
	return fmt.Sprintf("tile:%s@%d:%d/%d/%d", mapID, version, z, x, y)
}

// MarkerKey generates a cache key for a rendered marker icon.
func MarkerKey(kind string, size int) string {
	return fmt.Sprintf("marker:%s:%d", kind, size)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.tileCache.Stats()
	return map[string]interface{}{
		"tile_cache_len":    m.tileCache.Len(),
		"tile_cache_cap":    m.tileCache.Capacity(),
		"tile_cache_hits":   stats.Hits,
		"tile_cache_misses": stats.Misses,
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.encoder.Close()
	m.decoder.Close()
	return m.tileCache.Close()
}
