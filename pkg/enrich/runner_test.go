package enrich

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscan/medscan/pkg/cache"
	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/ratelimit"
)

// stubProvider is a canned Provider for runner tests
type stubProvider struct {
	stage string
	res   *domain.EnrichmentResult
	err   error
	calls atomic.Int32
}

func (p *stubProvider) Stage() string { return p.stage }

func (p *stubProvider) Enrich(_ context.Context, _ *domain.Article, _ map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	res := *p.res
	return &res, nil
}

// countingLimiter records how many tokens were taken
type countingLimiter struct {
	acquired atomic.Int32
}

func (l *countingLimiter) Acquire(_ context.Context, _ ratelimit.Class, _ string) error {
	l.acquired.Add(1)
	return nil
}

// recordingStore records persisted results
type recordingStore struct {
	saved atomic.Int32
	err   error
}

func (s *recordingStore) SaveEnrichment(_ context.Context, _ *domain.EnrichmentResult) error {
	s.saved.Add(1)
	return s.err
}

func testTTLs() config.CacheConfig {
	return config.CacheConfig{
		SummaryTTL:   time.Hour,
		EntitiesTTL:  time.Hour,
		SentimentTTL: time.Minute,
	}
}

func TestRunnerComputeAndWriteBack(t *testing.T) {
	provider := &stubProvider{
		stage: domain.StageSummary,
		res:   &domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSummary, Summary: "sum"},
	}
	limiter := &countingLimiter{}
	store := &recordingStore{}
	c := cache.New()
	r := NewRunner([]Provider{provider}, c, limiter, store, testTTLs())

	article := &domain.Article{Fingerprint: "fp1", Title: "t", Body: "b"}
	res, err := r.Run(context.Background(), domain.StageSummary, article, nil)
	require.NoError(t, err)

	assert.Equal(t, "sum", res.Summary)
	assert.False(t, res.ComputedAt.IsZero())
	assert.Equal(t, res.ComputedAt.Add(time.Hour), res.ExpiresAt)
	assert.Equal(t, int32(1), limiter.acquired.Load())
	assert.Equal(t, int32(1), store.saved.Load())

	cached, ok := c.Get("fp1", domain.StageSummary)
	require.True(t, ok)
	assert.Equal(t, "sum", cached.Summary)
}

func TestRunnerCacheHitSkipsLimiter(t *testing.T) {
	provider := &stubProvider{
		stage: domain.StageSummary,
		res:   &domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSummary, Summary: "fresh"},
	}
	limiter := &countingLimiter{}
	c := cache.New()
	c.Set(&domain.EnrichmentResult{
		Fingerprint: "fp1",
		Stage:       domain.StageSummary,
		Summary:     "cached",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, time.Hour)

	r := NewRunner([]Provider{provider}, c, limiter, &recordingStore{}, testTTLs())

	article := &domain.Article{Fingerprint: "fp1"}
	res, err := r.Run(context.Background(), domain.StageSummary, article, nil)
	require.NoError(t, err)

	assert.Equal(t, "cached", res.Summary)
	assert.Equal(t, int32(0), limiter.acquired.Load(), "cache hits never consume a token")
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestRunnerExpiredCacheEntryRecomputes(t *testing.T) {
	provider := &stubProvider{
		stage: domain.StageSentiment,
		res:   &domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSentiment, SentimentLabel: "neutral"},
	}
	c := cache.New()
	// entry still in the store but past its logical expiry
	c.Set(&domain.EnrichmentResult{
		Fingerprint: "fp1",
		Stage:       domain.StageSentiment,
		ExpiresAt:   time.Now().Add(-time.Minute),
	}, time.Hour)

	r := NewRunner([]Provider{provider}, c, &countingLimiter{}, &recordingStore{}, testTTLs())

	res, err := r.Run(context.Background(), domain.StageSentiment, &domain.Article{Fingerprint: "fp1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "neutral", res.SentimentLabel)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestRunnerUnknownStage(t *testing.T) {
	r := NewRunner(nil, cache.New(), &countingLimiter{}, &recordingStore{}, testTTLs())

	_, err := r.Run(context.Background(), "translation", &domain.Article{Fingerprint: "fp1"}, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestRunnerProviderError(t *testing.T) {
	provider := &stubProvider{stage: domain.StageSummary, err: errors.New("boom")}
	store := &recordingStore{}
	r := NewRunner([]Provider{provider}, cache.New(), &countingLimiter{}, store, testTTLs())

	_, err := r.Run(context.Background(), domain.StageSummary, &domain.Article{Fingerprint: "fp1"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), store.saved.Load(), "failures are never persisted")
}

func TestRunnerPersistFailureDoesNotFailStage(t *testing.T) {
	provider := &stubProvider{
		stage: domain.StageSummary,
		res:   &domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSummary, Summary: "sum"},
	}
	store := &recordingStore{err: errors.New("db down")}
	r := NewRunner([]Provider{provider}, cache.New(), &countingLimiter{}, store, testTTLs())

	res, err := r.Run(context.Background(), domain.StageSummary, &domain.Article{Fingerprint: "fp1"}, nil)
	require.NoError(t, err, "persistence is best-effort")
	assert.Equal(t, "sum", res.Summary)
}
