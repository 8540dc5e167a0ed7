package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/dedup"
	"github.com/medscan/medscan/pkg/domain"
)

// EventStore persists alert events and answers idempotency checks
type EventStore interface {
	SaveAlertEvent(ctx context.Context, event *domain.AlertEvent) error
	AlertExists(ctx context.Context, ruleID, fingerprint string) (bool, error)
}

// Dispatcher delivers alert events to a notification channel
type Dispatcher interface {
	Deliver(ctx context.Context, event *domain.AlertEvent, channel string) error
}

// Evaluator tests configured rules against enriched articles and emits
// alert events, suppressing repeats on the same rule/source/topic within
// the sliding window.
type Evaluator struct {
	rules      []domain.AlertRule
	window     time.Duration
	store      EventStore
	dispatcher Dispatcher
	now        func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time // suppression key -> last trigger time
}

// NewEvaluator creates an alert evaluator over the configured rules
func NewEvaluator(cfg config.AlertConfig, store EventStore, dispatcher Dispatcher) *Evaluator {
	return &Evaluator{
		rules:      cfg.Rules,
		window:     cfg.SuppressionWindow,
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
	}
}

// Process evaluates all rules against an enriched article and dispatches
// notifications for surviving matches
func (e *Evaluator) Process(ctx context.Context, enriched *domain.EnrichedArticle) error {
	events := e.Evaluate(ctx, enriched)
	for _, event := range events {
		rule := e.ruleByID(event.RuleID)
		if rule == nil || rule.Channel == "" {
			continue
		}
		if err := e.dispatcher.Deliver(ctx, event, rule.Channel); err != nil {
			// delivery retries and dead-lettering happen inside the dispatcher
			lgr.Printf("[WARN] delivery of alert %s failed: %v", event.ID, err)
		}
	}
	return nil
}

// Evaluate returns the alert events an enriched article triggers. Rules
// whose required enrichment fields are missing (failed branch) are skipped,
// not treated as non-matching.
func (e *Evaluator) Evaluate(ctx context.Context, enriched *domain.EnrichedArticle) []*domain.AlertEvent {
	article := enriched.Article
	var events []*domain.AlertEvent

	for _, rule := range e.rules {
		matched, ok := ruleMatches(rule, enriched)
		if !ok {
			lgr.Printf("[DEBUG] rule %s skipped for %s: required enrichment missing", rule.ID, article.Fingerprint)
			continue
		}
		if !matched {
			continue
		}

		// at most one event per (rule, article), across rescans too
		exists, err := e.store.AlertExists(ctx, rule.ID, article.Fingerprint)
		if err != nil {
			lgr.Printf("[WARN] alert existence check failed for rule %s: %v", rule.ID, err)
			continue
		}
		if exists {
			continue
		}

		key := suppressionKey(rule.ID, article.Source, topicSignature(enriched))
		if e.suppressed(key) {
			lgr.Printf("[INFO] alert for rule %s on %s suppressed (window %v)", rule.ID, article.Fingerprint, e.window)
			continue
		}

		event := &domain.AlertEvent{
			ID:             uuid.New().String(),
			RuleID:         rule.ID,
			Fingerprint:    article.Fingerprint,
			Source:         article.Source,
			Title:          article.Title,
			TriggeredAt:    e.now(),
			SuppressionKey: key,
		}
		if sum, ok := enriched.Result(domain.StageSummary); ok {
			event.Summary = sum.Summary
		}

		if err := e.store.SaveAlertEvent(ctx, event); err != nil {
			lgr.Printf("[ERROR] failed to persist alert event for rule %s: %v", rule.ID, err)
			// the event did not fire; the topic must stay eligible
			e.clearSuppression(key)
			continue
		}

		events = append(events, event)
	}

	return events
}

// suppressed does an atomic check-and-set on the suppression key
func (e *Evaluator) suppressed(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.window {
		return true
	}
	e.lastFired[key] = now

	// prune stale keys so the map stays bounded
	for k, t := range e.lastFired {
		if now.Sub(t) >= e.window {
			delete(e.lastFired, k)
		}
	}
	return false
}

// clearSuppression backs out a mark set by suppressed() when the event was
// not persisted
func (e *Evaluator) clearSuppression(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastFired, key)
}

func (e *Evaluator) ruleByID(id string) *domain.AlertRule {
	for i := range e.rules {
		if e.rules[i].ID == id {
			return &e.rules[i]
		}
	}
	return nil
}

// ruleMatches tests a rule against the enrichment fields that are present.
// The second return is false when a required field's branch failed.
func ruleMatches(rule domain.AlertRule, enriched *domain.EnrichedArticle) (matched, ok bool) {
	article := enriched.Article

	// source scope
	if len(rule.Sources) > 0 && !contains(rule.Sources, article.Source) {
		return false, true
	}

	// keywords match against title, body and summary when available
	if len(rule.Keywords) > 0 {
		text := strings.ToLower(article.Title + " " + article.Body)
		if sum, present := enriched.Result(domain.StageSummary); present {
			text += " " + strings.ToLower(sum.Summary)
		}
		found := false
		for _, kw := range rule.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false, true
		}
	}

	// entity predicate requires the entities stage
	if len(rule.Entities) > 0 {
		res, present := enriched.Result(domain.StageEntities)
		if !present {
			return false, false
		}
		found := false
		for _, want := range rule.Entities {
			if contains(res.Entities, strings.ToLower(want)) {
				found = true
				break
			}
		}
		if !found {
			return false, true
		}
	}

	// sentiment predicate requires the sentiment stage
	if rule.SentimentMax != nil {
		res, present := enriched.Result(domain.StageSentiment)
		if !present {
			return false, false
		}
		if res.SentimentScore > *rule.SentimentMax {
			return false, true
		}
	}

	return true, true
}

// topicSignature derives a stable topic key for suppression: the leading
// extracted entities when available, the normalized title otherwise. Near
// identical articles on one breaking topic share it.
func topicSignature(enriched *domain.EnrichedArticle) string {
	if res, ok := enriched.Result(domain.StageEntities); ok && len(res.Entities) > 0 {
		top := make([]string, len(res.Entities))
		copy(top, res.Entities)
		sort.Strings(top)
		if len(top) > 3 {
			top = top[:3]
		}
		return strings.Join(top, ",")
	}
	return dedup.NormalizeText(enriched.Article.Title)
}

func suppressionKey(ruleID, source, topic string) string {
	return ruleID + "|" + source + "|" + topic
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
