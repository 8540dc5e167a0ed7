package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"

	"github.com/medscan/medscan/pkg/domain"
)

// dbEnrichment is the database representation of one stage result
type dbEnrichment struct {
	Fingerprint    string    `db:"fingerprint"`
	Stage          string    `db:"stage"`
	Summary        string    `db:"summary"`
	Entities       string    `db:"entities"` // JSON array
	SentimentLabel string    `db:"sentiment_label"`
	SentimentScore float64   `db:"sentiment_score"`
	ComputedAt     time.Time `db:"computed_at"`
	ExpiresAt      time.Time `db:"expires_at"`
}

func (e *dbEnrichment) toDomain() (*domain.EnrichmentResult, error) {
	var entities []string
	if e.Entities != "" {
		if err := json.Unmarshal([]byte(e.Entities), &entities); err != nil {
			return nil, fmt.Errorf("parse entities for %s/%s: %w", e.Fingerprint, e.Stage, err)
		}
	}
	return &domain.EnrichmentResult{
		Fingerprint:    e.Fingerprint,
		Stage:          e.Stage,
		Summary:        e.Summary,
		Entities:       entities,
		SentimentLabel: e.SentimentLabel,
		SentimentScore: e.SentimentScore,
		ComputedAt:     e.ComputedAt,
		ExpiresAt:      e.ExpiresAt,
	}, nil
}

// SaveEnrichment upserts one stage result for an article
func (s *Store) SaveEnrichment(ctx context.Context, res *domain.EnrichmentResult) error {
	entities, err := json.Marshal(res.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO enrichments (fingerprint, stage, summary, entities, sentiment_label, sentiment_score, computed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint, stage) DO UPDATE SET
				summary = excluded.summary,
				entities = excluded.entities,
				sentiment_label = excluded.sentiment_label,
				sentiment_score = excluded.sentiment_score,
				computed_at = excluded.computed_at,
				expires_at = excluded.expires_at
		`
		_, err := s.conn.ExecContext(ctx, query,
			res.Fingerprint, res.Stage, res.Summary, string(entities),
			res.SentimentLabel, res.SentimentScore, res.ComputedAt, res.ExpiresAt)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("upsert enrichment: %w", err)}
		}
		return nil
	})
}

// GetEnrichments returns all stage results for an article keyed by stage
func (s *Store) GetEnrichments(ctx context.Context, fingerprint string) (map[string]*domain.EnrichmentResult, error) {
	var rows []dbEnrichment
	err := s.conn.SelectContext(ctx, &rows, "SELECT * FROM enrichments WHERE fingerprint = ?", fingerprint)
	if err != nil {
		return nil, fmt.Errorf("get enrichments: %w", err)
	}

	results := make(map[string]*domain.EnrichmentResult, len(rows))
	for i := range rows {
		res, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		results[res.Stage] = res
	}
	return results, nil
}
