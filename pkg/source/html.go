package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-pkgz/lgr"
	"github.com/markusmobius/go-trafilatura"

	"github.com/medscan/medscan/pkg/domain"
)

// maxArticlesPerSweep bounds how many article pages one HTML sweep fetches
const maxArticlesPerSweep = 20

// listing paths tried in order until enough article links are found
var listingPaths = []string{"/", "/news", "/articles"}

// selectors that usually carry article links on news sites
var linkSelectors = []string{
	`a[href*="/articles/"]`,
	`a[href*="/news/"]`,
	"article a",
	"h2 a",
	"h3 a",
}

// HTMLAdapter scrapes articles from a news site without a feed: it discovers
// article links on listing pages and extracts the body of each one.
type HTMLAdapter struct {
	name        string
	baseURL     string
	credibility float64
	client      *http.Client
	userAgent   string
}

// NewHTMLAdapter creates a scrape-backed source adapter
func NewHTMLAdapter(name, baseURL string, credibility float64, timeout time.Duration) *HTMLAdapter {
	return &HTMLAdapter{
		name:        name,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
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
func (a *HTMLAdapter) Name() string { return a.name }

// Fetch discovers article links and extracts each article's content.
// Extraction failures on individual pages are logged and skipped; the sweep
// fails only when link discovery itself fails.
func (a *HTMLAdapter) Fetch(ctx context.Context, since time.Time) ([]domain.RawDocument, error) {
	links, err := a.discoverLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover links: %w", err)
	}

	docs := make([]domain.RawDocument, 0, len(links))
	for _, link := range links {
		if ctx.Err() != nil {
			return docs, ctx.Err()
		}
		doc, err := a.extractArticle(ctx, link)
		if err != nil {
			lgr.Printf("[WARN] failed to extract %s: %v", link, err)
			continue
		}
		if !since.IsZero() && !doc.Published.IsZero() && doc.Published.Before(since) {
			continue
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// discoverLinks scans listing pages for article URLs
func (a *HTMLAdapter) discoverLinks(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	links := make([]string, 0, maxArticlesPerSweep)

	var lastErr error
	for _, path := range listingPaths {
		if len(links) >= maxArticlesPerSweep {
			break
		}

		doc, err := a.fetchDocument(ctx, a.baseURL+path)
		if err != nil {
			lastErr = err
			continue
		}

		for _, selector := range linkSelectors {
			doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
				href, ok := sel.Attr("href")
				if !ok || len(links) >= maxArticlesPerSweep {
					return
				}
				abs := a.absoluteURL(href)
				if abs == "" || seen[abs] || !a.isArticleURL(abs) {
					return
				}
				seen[abs] = true
				links = append(links, abs)
			})
		}
	}

	// no listing page reachable at all
	if len(links) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return links, nil
}

// extractArticle fetches one article page and extracts title and body text
func (a *HTMLAdapter) extractArticle(ctx context.Context, articleURL string) (domain.RawDocument, error) {
	parsedURL, err := url.Parse(articleURL)
	if err != nil {
		return domain.RawDocument{}, fmt.Errorf("parse URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, http.NoBody)
	if err != nil {
		return domain.RawDocument{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	addBrowserHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.RawDocument{}, &TransientError{Err: fmt.Errorf("fetch %s: %w", articleURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.RawDocument{}, classifyHTTPStatus(resp.StatusCode, articleURL)
	}

	opts := trafilatura.Options{
		EnableFallback:  true,
		ExcludeComments: true,
		OriginalURL:     parsedURL,
	}
	result, err := trafilatura.Extract(resp.Body, opts)
	if err != nil {
		return domain.RawDocument{}, &PermanentError{Err: fmt.Errorf("extract content: %w", err)}
	}
	if result == nil || result.ContentText == "" {
		return domain.RawDocument{}, &PermanentError{Err: fmt.Errorf("no content extracted from %s", articleURL)}
	}

	doc := domain.RawDocument{
		Source:      a.name,
		URL:         articleURL,
		Title:       result.Metadata.Title,
		Body:        result.ContentText,
		Author:      result.Metadata.Author,
		Credibility: a.credibility,
	}
	if !result.Metadata.Date.IsZero() {
		doc.Published = result.Metadata.Date
	}
	return doc, nil
}

// fetchDocument retrieves a page and parses it with goquery
func (a *HTMLAdapter) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
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
		return nil, &TransientError{Err: fmt.Errorf("fetch %s: %w", pageURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("parse page %s: %w", pageURL, err)}
	}
	return doc, nil
}

// absoluteURL resolves href against the source base URL
func (a *HTMLAdapter) absoluteURL(href string) string {
	base, err := url.Parse(a.baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// isArticleURL filters discovered links down to actual article pages
func (a *HTMLAdapter) isArticleURL(link string) bool {
	if !strings.HasPrefix(link, a.baseURL) {
		return false
	}
	path := strings.TrimPrefix(link, a.baseURL)
	if !strings.Contains(path, "/articles/") && !strings.Contains(path, "/news/") {
		return false
	}
	// listing pages themselves are not articles
	trimmed := strings.Trim(path, "/")
	return trimmed != "articles" && trimmed != "news"
}
