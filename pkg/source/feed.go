package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/medscan/medscan/pkg/domain"
)

// FeedAdapter fetches articles from an RSS/Atom feed
type FeedAdapter struct {
	name        string
	url         string
	credibility float64
	client      *http.Client
	userAgent   string
}

// NewFeedAdapter creates a feed-backed source adapter
func NewFeedAdapter(name, url string, credibility float64, timeout time.Duration) *FeedAdapter {
	return &FeedAdapter{
		name:        name,
		url:         url,
		credibility: credibility,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: "Medscan/1.0",
	}
}

// Name returns the source identifier
func (a *FeedAdapter) Name() string { return a.name }

// Fetch retrieves the feed and returns documents published after since.
// A zero since returns everything the feed currently carries.
func (a *FeedAdapter) Fetch(ctx context.Context, since time.Time) ([]domain.RawDocument, error) {
	body, err := a.fetch(ctx, a.url)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer body.Close()

	parser := gofeed.NewParser()
	feed, err := parser.Parse(body)
	if err != nil {
		// an unparseable feed means the source changed shape
		return nil, &PermanentError{Err: fmt.Errorf("parse feed %s: %w", a.url, err)}
	}

	docs := make([]domain.RawDocument, 0, len(feed.Items))
	for _, item := range feed.Items {
		doc := domain.RawDocument{
			Source:      a.name,
			URL:         item.Link,
			Title:       item.Title,
			Body:        item.Content,
			Credibility: a.credibility,
		}
		if doc.Body == "" {
			doc.Body = item.Description
		}
		if item.Author != nil {
			doc.Author = item.Author.Name
		}

		// set published time
		if item.PublishedParsed != nil {
			doc.Published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			doc.Published = *item.UpdatedParsed
		}

		if !since.IsZero() && !doc.Published.IsZero() && doc.Published.Before(since) {
			continue
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// fetch retrieves content from a URL
func (a *FeedAdapter) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", a.userAgent)
	addBrowserHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransientError{Err: fmt.Errorf("fetch URL: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, classifyHTTPStatus(resp.StatusCode, url)
	}

	return resp.Body, nil
}
