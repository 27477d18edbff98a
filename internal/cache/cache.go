package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ppiankov/threatintel/internal/model"
)

// Cache stores provider verdicts keyed by indicator
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key generates a cache key for a provider lookup of one indicator value
func Key(provider, indicator string) string {
	hash := sha256.Sum256([]byte(provider + "\x00" + indicator))
	return "threatintel:v1:" + provider + ":" + hex.EncodeToString(hash[:16])
}

// New builds the cache described by cfg. It returns nil when caching is
// disabled; callers treat a nil Cache as always missing.
func New(cfg model.CacheConfig, ttl time.Duration) Cache {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Dir == "" {
		return NewMemoryCache(ttl, 10*time.Minute)
	}
	return NewLayeredCache(ttl, cfg.Dir, ttl)
}
