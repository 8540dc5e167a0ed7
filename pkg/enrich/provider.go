package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
)

// ProviderError classifies enrichment provider failures. Fatal errors
// (malformed input) are not worth retrying; everything else is.
type ProviderError struct {
	Err   error
	Fatal bool
}

func (e *ProviderError) Error() string { return e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a non-retryable provider failure
func IsFatal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Fatal
}

// Provider computes one enrichment stage for an article. Prior holds the
// results of already-completed stages for chains with dependencies.
type Provider interface {
	Stage() string
	Enrich(ctx context.Context, article *domain.Article, prior map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error)
}

// Client wraps an OpenAI-compatible inference endpoint shared by all
// stage providers
type Client struct {
	api *openai.Client
	cfg config.ProviderConfig
}

// NewClient creates a provider client for the configured endpoint
func NewClient(cfg config.ProviderConfig) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	return &Client{
		api: openai.NewClientWithConfig(clientConfig),
		cfg: cfg,
	}
}

// complete sends one chat completion and returns the raw response text
func (c *Client) complete(ctx context.Context, systemMsg, userMsg string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: float32(c.cfg.Temperature),
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMsg},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", &ProviderError{Err: fmt.Errorf("provider request failed: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Err: fmt.Errorf("no response from provider")}
	}
	return resp.Choices[0].Message.Content, nil
}

// articleText picks the best available text for a stage prompt
func articleText(article *domain.Article, limit int) string {
	text := article.Body
	if text == "" {
		text = article.Title
	}
	if limit > 0 && len(text) > limit {
		text = text[:limit] + "..."
	}
	return text
}

// extractJSON pulls the first JSON value delimited by open/close out of a
// response that may carry surrounding prose
func extractJSON(content, open, close string) (string, error) {
	start := strings.Index(content, open)
	end := strings.LastIndex(content, close)
	if start == -1 || end == -1 || start >= end {
		return "", fmt.Errorf("no json %s%s found in response", open, close)
	}
	return content[start : end+1], nil
}

const summarySystemPrompt = `You are an assistant that summarizes medical news articles.
Write a summary of 50-200 words that captures the key findings, the condition or treatment involved,
and any reported outcomes. Write directly about the content itself. NEVER use phrases like
"The article discusses" or "The author explains". Start with the actual subject matter.
Respond with the summary text only, no preamble.`

// SummaryProvider generates article summaries
type SummaryProvider struct {
	client  *Client
	minText int
}

// NewSummaryProvider creates the summarization stage provider
func NewSummaryProvider(client *Client) *SummaryProvider {
	return &SummaryProvider{client: client, minText: client.cfg.MinTextLength}
}

// Stage returns the stage name
func (p *SummaryProvider) Stage() string { return domain.StageSummary }

// Enrich produces a summary of the article body
func (p *SummaryProvider) Enrich(ctx context.Context, article *domain.Article, _ map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error) {
	text := articleText(article, 4000)
	if len(text) < p.minText {
		return nil, &ProviderError{
			Err:   fmt.Errorf("text too short to summarize: %d chars, need %d", len(text), p.minText),
			Fatal: true,
		}
	}

	prompt := fmt.Sprintf("Title: %s\n\n%s", article.Title, text)
	content, err := p.client.complete(ctx, summarySystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	summary := strings.TrimSpace(content)
	if summary == "" {
		return nil, &ProviderError{Err: fmt.Errorf("provider returned empty summary")}
	}

	return &domain.EnrichmentResult{
		Fingerprint: article.Fingerprint,
		Stage:       domain.StageSummary,
		Summary:     summary,
	}, nil
}

const entitiesSystemPrompt = `You are an assistant that extracts named entities from medical news articles.
Extract diseases, drugs, treatments, institutions, and people mentioned in the text.
Respond with a JSON array of entity strings, lowercase, no duplicates. Example:
["ozempic", "type 2 diabetes", "fda", "novo nordisk"]`

// EntitiesProvider extracts named entities
type EntitiesProvider struct {
	client *Client
}

// NewEntitiesProvider creates the entity extraction stage provider
func NewEntitiesProvider(client *Client) *EntitiesProvider {
	return &EntitiesProvider{client: client}
}

// Stage returns the stage name
func (p *EntitiesProvider) Stage() string { return domain.StageEntities }

// Enrich extracts named entities from the article text
func (p *EntitiesProvider) Enrich(ctx context.Context, article *domain.Article, _ map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error) {
	prompt := fmt.Sprintf("Title: %s\n\n%s", article.Title, articleText(article, 4000))

	// retry up to 3 times if the model returns invalid JSON
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		content, err := p.client.complete(ctx, entitiesSystemPrompt, prompt)
		if err != nil {
			return nil, err
		}

		jsonStr, err := extractJSON(content, "[", "]")
		if err != nil {
			lastErr = err
			continue
		}

		var entities []string
		if err := json.Unmarshal([]byte(jsonStr), &entities); err != nil {
			lastErr = fmt.Errorf("parse entities response: %w", err)
			continue
		}

		return &domain.EnrichmentResult{
			Fingerprint: article.Fingerprint,
			Stage:       domain.StageEntities,
			Entities:    normalizeEntities(entities),
		}, nil
	}

	return nil, &ProviderError{Err: fmt.Errorf("failed after 3 attempts: %w", lastErr)}
}

// normalizeEntities lowercases and deduplicates the extracted list
func normalizeEntities(entities []string) []string {
	seen := make(map[string]bool, len(entities))
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

const sentimentSystemPrompt = `You are an assistant that classifies the sentiment of medical news.
Rate how positive or alarming the development described is for patients and public health.
Respond with a JSON object: {"label": "positive|neutral|negative", "score": <number between -1.0 and 1.0>}
where -1.0 is most alarming and 1.0 is most encouraging.`

// SentimentProvider classifies article sentiment. It prefers the summary
// produced by the summarization stage when available.
type SentimentProvider struct {
	client *Client
}

// NewSentimentProvider creates the sentiment stage provider
func NewSentimentProvider(client *Client) *SentimentProvider {
	return &SentimentProvider{client: client}
}

// Stage returns the stage name
func (p *SentimentProvider) Stage() string { return domain.StageSentiment }

// Enrich classifies the sentiment of the article
func (p *SentimentProvider) Enrich(ctx context.Context, article *domain.Article, prior map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error) {
	text := articleText(article, 2000)
	if sum, ok := prior[domain.StageSummary]; ok && sum.Summary != "" {
		text = sum.Summary
	}

	prompt := fmt.Sprintf("Title: %s\n\n%s", article.Title, text)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		content, err := p.client.complete(ctx, sentimentSystemPrompt, prompt)
		if err != nil {
			return nil, err
		}

		jsonStr, err := extractJSON(content, "{", "}")
		if err != nil {
			lastErr = err
			continue
		}

		var parsed struct {
			Label string  `json:"label"`
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
			lastErr = fmt.Errorf("parse sentiment response: %w", err)
			continue
		}

		// clamp score to valid range
		if parsed.Score < -1 {
			parsed.Score = -1
		} else if parsed.Score > 1 {
			parsed.Score = 1
		}

		return &domain.EnrichmentResult{
			Fingerprint:    article.Fingerprint,
			Stage:          domain.StageSentiment,
			SentimentLabel: parsed.Label,
			SentimentScore: parsed.Score,
		}, nil
	}

	return nil, &ProviderError{Err: fmt.Errorf("failed after 3 attempts: %w", lastErr)}
}
