package domain

import "time"

// ArticleStatus tracks where an article is in the processing pipeline
type ArticleStatus string

// article processing statuses
const (
	StatusFetched   ArticleStatus = "fetched"
	StatusEnriching ArticleStatus = "enriching"
	StatusEnriched  ArticleStatus = "enriched"
	StatusFailed    ArticleStatus = "failed"
)

// RawDocument is what a source adapter returns before dedup classification.
// Credibility is stamped by the adapter from its source configuration.
type RawDocument struct {
	Source      string
	URL         string
	Title       string
	Body        string
	Author      string
	Published   time.Time
	Credibility float64
}

// Article represents a unique harvested article. Exactly one Article exists
// per fingerprint; near-duplicates reference an existing one instead of
// creating a new record.
type Article struct {
	Fingerprint string
	Source      string
	URL         string
	Title       string
	Body        string
	Author      string
	Status      ArticleStatus
	Credibility float64 // per-source trust weight, 0..1
	PublishedAt time.Time
	FetchedAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// enrichment stage names
const (
	StageSummary   = "summary"
	StageEntities  = "entities"
	StageSentiment = "sentiment"
)

// EnrichmentResult holds the output of one enrichment stage for one article.
// Only the fields relevant to the stage are populated.
type EnrichmentResult struct {
	Fingerprint    string
	Stage          string
	Summary        string
	Entities       []string
	SentimentLabel string
	SentimentScore float64
	ComputedAt     time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the result's TTL has elapsed
func (r *EnrichmentResult) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// EnrichedArticle bundles an article with whatever stage results completed
type EnrichedArticle struct {
	Article *Article
	Results map[string]*EnrichmentResult
}

// Result returns the stage result if present
func (e *EnrichedArticle) Result(stage string) (*EnrichmentResult, bool) {
	r, ok := e.Results[stage]
	return r, ok
}
