package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/medscan/medscan/pkg/domain"
)

// Cache is a best-effort TTL store for enrichment results keyed by
// (fingerprint, stage). Losing its contents never causes incorrect results,
// only recomputation.
type Cache struct {
	store *gocache.Cache
}

// New creates an enrichment cache. Expired entries are swept every cleanup
// interval; Get never returns an expired entry regardless of sweep timing.
func New() *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// Get returns the cached stage result for a fingerprint, if present and
// not expired
func (c *Cache) Get(fingerprint, stage string) (*domain.EnrichmentResult, bool) {
	v, ok := c.store.Get(key(fingerprint, stage))
	if !ok {
		return nil, false
	}
	res, ok := v.(*domain.EnrichmentResult)
	return res, ok
}

// Set stores a stage result with the given TTL
func (c *Cache) Set(res *domain.EnrichmentResult, ttl time.Duration) {
	c.store.Set(key(res.Fingerprint, res.Stage), res, ttl)
}

// Len returns the number of live entries, expired ones included until swept
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

func key(fingerprint, stage string) string {
	return fingerprint + ":" + stage
}
