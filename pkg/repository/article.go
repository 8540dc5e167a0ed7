package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/medscan/medscan/pkg/domain"
)

// dbArticle is the database representation of an article
type dbArticle struct {
	Fingerprint string    `db:"fingerprint"`
	Source      string    `db:"source"`
	URL         string    `db:"url"`
	Title       string    `db:"title"`
	Body        string    `db:"body"`
	Author      string    `db:"author"`
	Status      string    `db:"status"`
	Credibility float64   `db:"credibility"`
	PublishedAt time.Time `db:"published_at"`
	FetchedAt   time.Time `db:"fetched_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (a *dbArticle) toDomain() *domain.Article {
	return &domain.Article{
		Fingerprint: a.Fingerprint,
		Source:      a.Source,
		URL:         a.URL,
		Title:       a.Title,
		Body:        a.Body,
		Author:      a.Author,
		Status:      domain.ArticleStatus(a.Status),
		Credibility: a.Credibility,
		PublishedAt: a.PublishedAt,
		FetchedAt:   a.FetchedAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// SaveArticle inserts an article, ignoring a concurrent insert of the same
// fingerprint. Retries on SQLite lock contention.
func (s *Store) SaveArticle(ctx context.Context, article *domain.Article) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO articles (fingerprint, source, url, title, body, author, status, credibility,
			                      published_at, fetched_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO NOTHING
		`
		_, err := s.conn.ExecContext(ctx, query,
			article.Fingerprint, article.Source, article.URL, article.Title, article.Body, article.Author,
			string(article.Status), article.Credibility, article.PublishedAt,
			article.FetchedAt, article.CreatedAt, article.UpdatedAt)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("insert article: %w", err)}
		}
		return nil
	})
}

// GetArticle retrieves an article by fingerprint, nil when not found
func (s *Store) GetArticle(ctx context.Context, fingerprint string) (*domain.Article, error) {
	var a dbArticle
	err := s.conn.GetContext(ctx, &a, "SELECT * FROM articles WHERE fingerprint = ?", fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	return a.toDomain(), nil
}

// SetArticleStatus updates an article's processing status
func (s *Store) SetArticleStatus(ctx context.Context, fingerprint string, status domain.ArticleStatus) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := s.conn.ExecContext(ctx,
			"UPDATE articles SET status = ?, updated_at = ? WHERE fingerprint = ?",
			string(status), time.Now(), fingerprint)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("update article status: %w", err)}
		}
		return nil
	})
}

// ArticleFilter narrows article listings
type ArticleFilter struct {
	Source         string
	Status         string
	MinCredibility float64
	Limit          int
}

// ListArticles returns articles matching the filter, newest first
func (s *Store) ListArticles(ctx context.Context, filter ArticleFilter) ([]*domain.Article, error) {
	query := "SELECT * FROM articles WHERE 1=1"
	var args []interface{}

	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.MinCredibility > 0 {
		query += " AND credibility >= ?"
		args = append(args, filter.MinCredibility)
	}
	query += " ORDER BY fetched_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []dbArticle
	if err := s.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}

	articles := make([]*domain.Article, len(rows))
	for i := range rows {
		articles[i] = rows[i].toDomain()
	}
	return articles, nil
}

// ListRecentEnriched returns enriched articles updated since the given time,
// with their stage results attached
func (s *Store) ListRecentEnriched(ctx context.Context, since time.Time, limit int) ([]*domain.EnrichedArticle, error) {
	var rows []dbArticle
	err := s.conn.SelectContext(ctx, &rows,
		"SELECT * FROM articles WHERE status = ? AND updated_at >= ? ORDER BY updated_at DESC LIMIT ?",
		string(domain.StatusEnriched), since, limit)
	if err != nil {
		return nil, fmt.Errorf("list enriched articles: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	fingerprints := make([]string, len(rows))
	for i := range rows {
		fingerprints[i] = rows[i].Fingerprint
	}

	query, args, err := sqlx.In("SELECT * FROM enrichments WHERE fingerprint IN (?)", fingerprints)
	if err != nil {
		return nil, fmt.Errorf("build enrichments query: %w", err)
	}
	var enrichRows []dbEnrichment
	if err := s.conn.SelectContext(ctx, &enrichRows, s.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load enrichments: %w", err)
	}

	byFingerprint := make(map[string]map[string]*domain.EnrichmentResult, len(rows))
	for i := range enrichRows {
		res, err := enrichRows[i].toDomain()
		if err != nil {
			return nil, err
		}
		if byFingerprint[res.Fingerprint] == nil {
			byFingerprint[res.Fingerprint] = make(map[string]*domain.EnrichmentResult)
		}
		byFingerprint[res.Fingerprint][res.Stage] = res
	}

	enriched := make([]*domain.EnrichedArticle, len(rows))
	for i := range rows {
		results := byFingerprint[rows[i].Fingerprint]
		if results == nil {
			results = make(map[string]*domain.EnrichmentResult)
		}
		enriched[i] = &domain.EnrichedArticle{Article: rows[i].toDomain(), Results: results}
	}
	return enriched, nil
}
