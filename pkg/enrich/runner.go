package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/singleflight"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/ratelimit"
)

// Cache is the best-effort accelerator consulted before calling a provider
type Cache interface {
	Get(fingerprint, stage string) (*domain.EnrichmentResult, bool)
	Set(res *domain.EnrichmentResult, ttl time.Duration)
}

// Limiter guards calls to external providers
type Limiter interface {
	Acquire(ctx context.Context, class ratelimit.Class, name string) error
}

// Store persists computed results for the read side
type Store interface {
	SaveEnrichment(ctx context.Context, res *domain.EnrichmentResult) error
}

// Runner executes enrichment stages for articles: cache first, then a
// rate-limited provider call, then cache+store write-back. Concurrent
// requests for the same (fingerprint, stage) coalesce into one call.
type Runner struct {
	providers map[string]Provider
	cache     Cache
	limiter   Limiter
	store     Store
	ttls      config.CacheConfig
	inflight  singleflight.Group
	now       func() time.Time
}

// NewRunner creates a stage runner over the given providers
func NewRunner(providers []Provider, cache Cache, limiter Limiter, store Store, ttls config.CacheConfig) *Runner {
	byStage := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byStage[p.Stage()] = p
	}
	return &Runner{
		providers: byStage,
		cache:     cache,
		limiter:   limiter,
		store:     store,
		ttls:      ttls,
		now:       time.Now,
	}
}

// Run computes one stage for an article. Cache hits return immediately and
// consume no rate-limiter token.
func (r *Runner) Run(ctx context.Context, stage string, article *domain.Article, prior map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error) {
	provider, ok := r.providers[stage]
	if !ok {
		return nil, &ProviderError{Err: fmt.Errorf("unknown stage %q", stage), Fatal: true}
	}

	if res, ok := r.cache.Get(article.Fingerprint, stage); ok && !res.Expired(r.now()) {
		lgr.Printf("[DEBUG] cache hit for %s/%s", article.Fingerprint, stage)
		return res, nil
	}

	key := article.Fingerprint + ":" + stage
	v, err, shared := r.inflight.Do(key, func() (interface{}, error) {
		return r.compute(ctx, provider, article, prior)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		lgr.Printf("[DEBUG] coalesced concurrent %s request for %s", stage, article.Fingerprint)
	}
	return v.(*domain.EnrichmentResult), nil
}

// compute does the actual provider call and write-back. One token covers the
// whole stage call, including any bad-JSON re-asks inside the provider.
func (r *Runner) compute(ctx context.Context, provider Provider, article *domain.Article, prior map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error) {
	if err := r.limiter.Acquire(ctx, ratelimit.ClassInference, provider.Stage()); err != nil {
		return nil, &ProviderError{Err: err}
	}

	res, err := provider.Enrich(ctx, article, prior)
	if err != nil {
		return nil, err
	}

	ttl := r.ttlFor(provider.Stage())
	res.ComputedAt = r.now()
	res.ExpiresAt = res.ComputedAt.Add(ttl)
	r.cache.Set(res, ttl)

	// persistence is for the read side; a write failure doesn't fail the stage
	if err := r.store.SaveEnrichment(ctx, res); err != nil {
		lgr.Printf("[WARN] failed to persist %s result for %s: %v", res.Stage, res.Fingerprint, err)
	}

	return res, nil
}

func (r *Runner) ttlFor(stage string) time.Duration {
	switch stage {
	case domain.StageSummary:
		return r.ttls.SummaryTTL
	case domain.StageEntities:
		return r.ttls.EntitiesTTL
	case domain.StageSentiment:
		return r.ttls.SentimentTTL
	}
	return time.Hour
}
