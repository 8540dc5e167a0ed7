package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscan/medscan/pkg/domain"
)

func TestCacheSetGet(t *testing.T) {
	c := New()

	res := &domain.EnrichmentResult{
		Fingerprint: "fp1",
		Stage:       domain.StageSummary,
		Summary:     "a summary",
	}
	c.Set(res, time.Minute)

	got, ok := c.Get("fp1", domain.StageSummary)
	require.True(t, ok)
	assert.Equal(t, "a summary", got.Summary)

	_, ok = c.Get("fp1", domain.StageEntities)
	assert.False(t, ok, "stages are cached independently")

	_, ok = c.Get("fp2", domain.StageSummary)
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New()

	c.Set(&domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSentiment}, 10*time.Millisecond)

	_, ok := c.Get("fp1", domain.StageSentiment)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("fp1", domain.StageSentiment)
	assert.False(t, ok, "expired entries are never returned")
}

func TestCacheOverwrite(t *testing.T) {
	c := New()

	c.Set(&domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSummary, Summary: "old"}, time.Minute)
	c.Set(&domain.EnrichmentResult{Fingerprint: "fp1", Stage: domain.StageSummary, Summary: "new"}, time.Minute)

	got, ok := c.Get("fp1", domain.StageSummary)
	require.True(t, ok)
	assert.Equal(t, "new", got.Summary)
	assert.Equal(t, 1, c.Len())
}
