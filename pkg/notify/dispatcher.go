package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/ratelimit"
)

// Limiter guards outbound webhook calls
type Limiter interface {
	Acquire(ctx context.Context, class ratelimit.Class, name string) error
}

// DeadLetterStore persists notifications that exhausted their retries
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	MarkRedelivered(ctx context.Context, id string, at time.Time) error
}

// Envelope is the webhook payload posted to a channel. The idempotency key
// is stable across redeliveries so receivers can discard repeats.
type Envelope struct {
	RuleID         string    `json:"rule_id"`
	Fingerprint    string    `json:"article_fingerprint"`
	TriggeredAt    time.Time `json:"triggered_at"`
	Source         string    `json:"source"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// breaker tracks consecutive failures for one channel
type breaker struct {
	failures  int
	openUntil time.Time
}

// Dispatcher posts alert events to webhook channels with retries, a
// per-channel circuit breaker, and dead-lettering of exhausted deliveries.
type Dispatcher struct {
	channels map[string]string // name -> webhook url
	cfg      config.NotifyConfig
	limiter  Limiter
	store    DeadLetterStore
	client   *http.Client
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewDispatcher creates a dispatcher over the configured channels
func NewDispatcher(channels []config.Channel, cfg config.NotifyConfig, limiter Limiter, store DeadLetterStore) *Dispatcher {
	byName := make(map[string]string, len(channels))
	for _, ch := range channels {
		byName[ch.Name] = ch.URL
	}
	return &Dispatcher{
		channels: byName,
		cfg:      cfg,
		limiter:  limiter,
		store:    store,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

// Deliver posts one alert event to a channel. On exhausted retries or an
// open breaker the envelope is dead-lettered and the error returned.
func (d *Dispatcher) Deliver(ctx context.Context, event *domain.AlertEvent, channel string) error {
	url, ok := d.channels[channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}

	envelope := Envelope{
		RuleID:         event.RuleID,
		Fingerprint:    event.Fingerprint,
		TriggeredAt:    event.TriggeredAt,
		Source:         event.Source,
		Title:          event.Title,
		Summary:        event.Summary,
		IdempotencyKey: event.RuleID + ":" + event.Fingerprint,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if d.breakerOpen(channel) {
		err := fmt.Errorf("channel %s breaker open", channel)
		d.deadLetter(ctx, channel, event.ID, body, err, 0)
		return err
	}

	attempts, err := d.post(ctx, channel, url, body)
	if err != nil {
		d.deadLetter(ctx, channel, event.ID, body, err, attempts)
		return err
	}

	lgr.Printf("[INFO] alert %s delivered to %s after %d attempt(s)", event.ID, channel, attempts)
	return nil
}

// post attempts delivery with exponential backoff, returning the attempt count
func (d *Dispatcher) post(ctx context.Context, channel, url string, body []byte) (int, error) {
	var lastErr error
	delay := d.cfg.RetryDelay

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.limiter.Acquire(ctx, ratelimit.ClassNotify, channel); err != nil {
			return attempt, fmt.Errorf("notify rate limiter: %w", err)
		}

		lastErr = d.postOnce(ctx, url, body)
		if lastErr == nil {
			d.recordSuccess(channel)
			return attempt, nil
		}
		d.recordFailure(channel)

		lgr.Printf("[WARN] delivery to %s attempt %d/%d failed: %v", channel, attempt, d.cfg.MaxAttempts, lastErr)

		if d.breakerOpen(channel) {
			return attempt, fmt.Errorf("channel %s breaker opened: %w", channel, lastErr)
		}

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}
	}

	return d.cfg.MaxAttempts, fmt.Errorf("delivery exhausted after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

// postOnce does a single webhook POST. Any non-2xx response is a failure.
func (d *Dispatcher) postOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Redeliver retries a dead-lettered envelope once, bypassing the retry loop.
// Success marks the record redelivered; failure leaves it in place.
func (d *Dispatcher) Redeliver(ctx context.Context, id string) error {
	dl, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("load dead letter: %w", err)
	}
	if dl == nil {
		return fmt.Errorf("dead letter %s not found", id)
	}
	if dl.RedeliveredAt != nil {
		return fmt.Errorf("dead letter %s already redelivered", id)
	}

	url, ok := d.channels[dl.Channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", dl.Channel)
	}

	if err := d.limiter.Acquire(ctx, ratelimit.ClassNotify, dl.Channel); err != nil {
		return fmt.Errorf("notify rate limiter: %w", err)
	}
	if err := d.postOnce(ctx, url, []byte(dl.Envelope)); err != nil {
		d.recordFailure(dl.Channel)
		return fmt.Errorf("redelivery failed: %w", err)
	}
	d.recordSuccess(dl.Channel)

	if err := d.store.MarkRedelivered(ctx, id, d.now()); err != nil {
		lgr.Printf("[WARN] failed to mark dead letter %s redelivered: %v", id, err)
	}
	lgr.Printf("[INFO] dead letter %s redelivered to %s", id, dl.Channel)
	return nil
}

// deadLetter persists the undeliverable envelope for manual inspection
func (d *Dispatcher) deadLetter(ctx context.Context, channel, eventID string, body []byte, cause error, attempts int) {
	dl := &domain.DeadLetter{
		ID:        uuid.New().String(),
		Channel:   channel,
		EventID:   eventID,
		Envelope:  string(body),
		LastError: cause.Error(),
		Attempts:  attempts,
		CreatedAt: d.now(),
	}
	if err := d.store.SaveDeadLetter(ctx, dl); err != nil {
		lgr.Printf("[ERROR] failed to dead-letter alert %s on %s: %v", eventID, channel, err)
		return
	}
	lgr.Printf("[WARN] alert %s dead-lettered on %s: %v", eventID, channel, cause)
}

// breakerOpen reports whether the channel's breaker currently short-circuits
func (d *Dispatcher) breakerOpen(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[channel]
	if !ok {
		return false
	}
	if b.openUntil.IsZero() {
		return false
	}
	if d.now().Before(b.openUntil) {
		return true
	}
	// cooldown elapsed, half-open: allow the next attempt through
	b.openUntil = time.Time{}
	b.failures = d.cfg.BreakerThreshold - 1
	return false
}

func (d *Dispatcher) recordFailure(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[channel]
	if !ok {
		b = &breaker{}
		d.breakers[channel] = b
	}
	b.failures++
	if b.failures >= d.cfg.BreakerThreshold && b.openUntil.IsZero() {
		b.openUntil = d.now().Add(d.cfg.BreakerCooldown)
		lgr.Printf("[WARN] breaker for channel %s opened after %d consecutive failures, cooldown %v",
			channel, b.failures, d.cfg.BreakerCooldown)
	}
}

func (d *Dispatcher) recordSuccess(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[channel]; ok {
		b.failures = 0
		b.openUntil = time.Time{}
	}
}
