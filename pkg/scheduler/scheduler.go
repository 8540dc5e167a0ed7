package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/dedup"
	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/ratelimit"
	"github.com/medscan/medscan/pkg/source"
)

// Store persists articles, feeds the work queue, and maintains the dedup
// recency index
type Store interface {
	SaveArticle(ctx context.Context, article *domain.Article) error
	Enqueue(ctx context.Context, fingerprint string) error
	ListRecentEnriched(ctx context.Context, since time.Time, limit int) ([]*domain.EnrichedArticle, error)
	PruneDedupIndex(ctx context.Context, cutoff time.Time)
}

// Limiter guards outbound fetches
type Limiter interface {
	Acquire(ctx context.Context, class ratelimit.Class, name string) error
}

// Rescanner re-evaluates already-enriched articles against the alert rules
type Rescanner interface {
	Process(ctx context.Context, enriched *domain.EnrichedArticle) error
}

// lease is one held sweep lease. The token distinguishes the current holder
// from a previous holder whose lease already expired.
type lease struct {
	token  uint64
	expiry time.Time
}

// Scheduler drives periodic ingestion sweeps per source and the alert
// rescan loop. A sweep holds a per-source lease so overlapping runs are
// skipped; the lease expires after a TTL so a wedged sweep cannot block
// a source forever.
type Scheduler struct {
	adapters []source.Adapter
	engine   *dedup.Engine
	store    Store
	limiter  Limiter
	rescan   Rescanner
	cfg      config.ScheduleConfig
	now      func() time.Time

	mu        sync.Mutex
	leaseSeq  uint64
	leases    map[string]lease // source -> current lease
	failures  map[string]int   // source -> consecutive permanent failures
	disabled  map[string]bool
	lastSweep map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over the given source adapters
func New(adapters []source.Adapter, engine *dedup.Engine, store Store, limiter Limiter, rescan Rescanner, cfg config.ScheduleConfig) *Scheduler {
	return &Scheduler{
		adapters:  adapters,
		engine:    engine,
		store:     store,
		limiter:   limiter,
		rescan:    rescan,
		cfg:       cfg,
		now:       time.Now,
		leases:    make(map[string]lease),
		failures:  make(map[string]int),
		disabled:  make(map[string]bool),
		lastSweep: make(map[string]time.Time),
	}
}

// Start launches the sweep and rescan loops. It returns immediately; use
// Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, adapter := range s.adapters {
		s.wg.Add(1)
		go func(a source.Adapter) {
			defer s.wg.Done()
			s.sweepLoop(ctx, a)
		}(adapter)
	}

	if s.rescan != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rescanLoop(ctx)
		}()
	}

	lgr.Printf("[INFO] scheduler started: %d sources, sweep every %v", len(s.adapters), s.cfg.SweepInterval)
}

// Stop cancels the loops and waits for them to drain
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	lgr.Printf("[INFO] scheduler stopped")
}

// sweepLoop runs one source's sweeps, first immediately and then on the
// configured interval, until the source is disabled or the context ends
func (s *Scheduler) sweepLoop(ctx context.Context, adapter source.Adapter) {
	s.Sweep(ctx, adapter)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isDisabled(adapter.Name()) {
				return
			}
			s.Sweep(ctx, adapter)
		}
	}
}

// Sweep runs one ingestion pass for a source: fetch, classify, persist new
// articles, and enqueue them for enrichment
func (s *Scheduler) Sweep(ctx context.Context, adapter source.Adapter) {
	name := adapter.Name()

	if s.isDisabled(name) {
		return
	}
	token, ok := s.acquireLease(name)
	if !ok {
		lgr.Printf("[INFO] sweep of %s skipped, previous sweep still holds the lease", name)
		return
	}
	defer s.releaseLease(name, token)

	// waiting on the bucket defers the sweep rather than failing it
	if err := s.limiter.Acquire(ctx, ratelimit.ClassFetch, name); err != nil {
		lgr.Printf("[WARN] fetch limiter for %s: %v", name, err)
		return
	}

	since := s.sweepSince(name)
	docs, err := adapter.Fetch(ctx, since)
	if err != nil {
		s.recordFetchFailure(name, err)
		return
	}
	s.recordFetchSuccess(name)

	var created, dups int
	for _, doc := range docs {
		res := s.engine.Classify(ctx, doc)
		if res.Status != dedup.StatusNew {
			lgr.Printf("[DEBUG] %s document %s classified %s (existing %s)", name, doc.URL, res.Status, res.Existing)
			dups++
			continue
		}

		now := s.now()
		article := &domain.Article{
			Fingerprint: res.Fingerprint,
			Source:      doc.Source,
			URL:         doc.URL,
			Title:       doc.Title,
			Body:        doc.Body,
			Author:      doc.Author,
			Status:      domain.StatusFetched,
			Credibility: doc.Credibility,
			PublishedAt: doc.Published,
			FetchedAt:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if article.PublishedAt.IsZero() {
			article.PublishedAt = now
		}
		if err := s.store.SaveArticle(ctx, article); err != nil {
			lgr.Printf("[ERROR] failed to save article %s from %s: %v", res.Fingerprint, name, err)
			continue
		}
		if err := s.store.Enqueue(ctx, res.Fingerprint); err != nil {
			lgr.Printf("[ERROR] failed to enqueue article %s from %s: %v", res.Fingerprint, name, err)
			continue
		}
		created++
	}

	s.mu.Lock()
	s.lastSweep[name] = s.now()
	s.mu.Unlock()

	// entries past the recency window can never match; drop them
	s.store.PruneDedupIndex(ctx, s.now().Add(-s.engine.Window()))

	lgr.Printf("[INFO] sweep of %s done: %d fetched, %d new, %d duplicates", name, len(docs), created, dups)
}

// rescanLoop periodically re-evaluates recent enriched articles against the
// alert rules, picking up rule changes and elapsed suppression windows
func (s *Scheduler) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRescan(ctx)
		}
	}
}

func (s *Scheduler) runRescan(ctx context.Context) {
	since := s.now().Add(-s.cfg.RescanLookback)
	enriched, err := s.store.ListRecentEnriched(ctx, since, s.cfg.RescanLimit)
	if err != nil {
		lgr.Printf("[WARN] alert rescan list failed: %v", err)
		return
	}

	for _, ea := range enriched {
		if ctx.Err() != nil {
			return
		}
		if err := s.rescan.Process(ctx, ea); err != nil {
			lgr.Printf("[WARN] rescan of %s failed: %v", ea.Article.Fingerprint, err)
		}
	}
	lgr.Printf("[DEBUG] alert rescan done over %d articles", len(enriched))
}

// sweepSince returns the lower bound for a sweep's fetch, the configured
// lookback for the very first sweep of a source
func (s *Scheduler) sweepSince(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSweep[name]; ok {
		return last
	}
	return s.now().Add(-s.cfg.FirstLookback)
}

// acquireLease takes the per-source sweep lease if it is free or expired,
// returning the token the holder must present on release
func (s *Scheduler) acquireLease(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, held := s.leases[name]; held && now.Before(l.expiry) {
		return 0, false
	}
	s.leaseSeq++
	s.leases[name] = lease{token: s.leaseSeq, expiry: now.Add(s.cfg.LeaseTTL)}
	return s.leaseSeq, true
}

// releaseLease frees the lease only for its current holder. A sweep that
// outlived its TTL must not release the lease a successor already took.
func (s *Scheduler) releaseLease(name string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, held := s.leases[name]; held && l.token == token {
		delete(s.leases, name)
	}
}

// recordFetchFailure counts consecutive permanent failures and disables the
// source when the threshold is reached. Transient failures only log.
func (s *Scheduler) recordFetchFailure(name string, err error) {
	if !source.IsPermanent(err) {
		lgr.Printf("[WARN] transient fetch failure for %s: %v", name, err)
		return
	}

	s.mu.Lock()
	s.failures[name]++
	count := s.failures[name]
	disable := count >= s.cfg.DisableAfter
	if disable {
		s.disabled[name] = true
	}
	s.mu.Unlock()

	if disable {
		lgr.Printf("[ERROR] source %s disabled after %d consecutive permanent failures: %v", name, count, err)
		return
	}
	lgr.Printf("[WARN] permanent fetch failure %d/%d for %s: %v", count, s.cfg.DisableAfter, name, err)
}

func (s *Scheduler) recordFetchSuccess(name string) {
	s.mu.Lock()
	s.failures[name] = 0
	s.mu.Unlock()
}

func (s *Scheduler) isDisabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[name]
}
