package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/enrich"
)

// stageDeps declares the enrichment DAG: summarization and entity extraction
// are independent roots, sentiment consumes the summarization output
var stageDeps = map[string][]string{
	domain.StageSummary:   nil,
	domain.StageEntities:  nil,
	domain.StageSentiment: {domain.StageSummary},
}

// StageRunner executes one enrichment stage for an article
type StageRunner interface {
	Run(ctx context.Context, stage string, article *domain.Article, prior map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, error)
}

// Store persists articles and pipeline jobs
type Store interface {
	GetArticle(ctx context.Context, fingerprint string) (*domain.Article, error)
	SetArticleStatus(ctx context.Context, fingerprint string, status domain.ArticleStatus) error
	GetJob(ctx context.Context, fingerprint string) (*domain.PipelineJob, error)
	SaveJob(ctx context.Context, job *domain.PipelineJob) error
}

// Alerter receives enriched articles after the join step
type Alerter interface {
	Process(ctx context.Context, enriched *domain.EnrichedArticle) error
}

// Orchestrator turns a new article into an ordered chain of enrichment
// stages with a final join. Branches retry independently; the join always
// completes, possibly with partial results.
type Orchestrator struct {
	runner  StageRunner
	store   Store
	alerter Alerter
	cfg     config.PipelineConfig

	mu     sync.Mutex
	active map[string]bool // fingerprints currently in flight in this process
}

// NewOrchestrator creates a pipeline orchestrator
func NewOrchestrator(runner StageRunner, store Store, alerter Alerter, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		runner:  runner,
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		active:  make(map[string]bool),
	}
}

// Process runs the full enrichment chain for one article. Invoking it twice
// for the same fingerprint is safe: a job in a terminal state is never
// restarted and notifications are never dispatched twice.
func (o *Orchestrator) Process(ctx context.Context, article *domain.Article) error {
	fp := article.Fingerprint

	o.mu.Lock()
	if o.active[fp] {
		o.mu.Unlock()
		lgr.Printf("[DEBUG] article %s already in flight, skipping", fp)
		return nil
	}
	o.active[fp] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, fp)
		o.mu.Unlock()
	}()

	existing, err := o.store.GetJob(ctx, fp)
	if err != nil {
		return fmt.Errorf("check existing job: %w", err)
	}
	if existing != nil && existing.State.Terminal() {
		lgr.Printf("[DEBUG] article %s already processed (%s), skipping", fp, existing.State)
		return nil
	}

	job := &domain.PipelineJob{
		Fingerprint: fp,
		State:       domain.JobRunning,
		Stages:      make(map[string]domain.StageRecord, len(stageDeps)),
		StartedAt:   time.Now(),
	}
	for stage := range stageDeps {
		job.Stages[stage] = domain.StageRecord{Status: domain.StagePending}
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("create pipeline job: %w", err)
	}
	if err := o.store.SetArticleStatus(ctx, fp, domain.StatusEnriching); err != nil {
		lgr.Printf("[WARN] failed to mark article %s enriching: %v", fp, err)
	}

	// the join is bounded: a wedged branch cannot hold the chain forever
	jctx, cancel := context.WithTimeout(ctx, o.cfg.JoinTimeout)
	results := o.executeStages(jctx, job, article)
	cancel()

	o.finish(ctx, job, article, results)

	// evaluation sees whatever fields completed; rules needing failed
	// fields are skipped by the evaluator
	enriched := &domain.EnrichedArticle{Article: article, Results: results}
	if err := o.alerter.Process(ctx, enriched); err != nil {
		lgr.Printf("[WARN] alert processing failed for %s: %v", fp, err)
	}

	return nil
}

// executeStages runs the DAG and returns results of successful branches.
// A branch failure never cancels siblings.
func (o *Orchestrator) executeStages(ctx context.Context, job *domain.PipelineJob, article *domain.Article) map[string]*domain.EnrichmentResult {
	var mu sync.Mutex
	results := make(map[string]*domain.EnrichmentResult, len(stageDeps))

	done := make(map[string]chan struct{}, len(stageDeps))
	for stage := range stageDeps {
		done[stage] = make(chan struct{})
	}

	record := func(stage string, rec domain.StageRecord) {
		mu.Lock()
		job.Stages[stage] = rec
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for stage, deps := range stageDeps {
		wg.Add(1)
		go func(stage string, deps []string) {
			defer wg.Done()
			defer close(done[stage])

			for _, dep := range deps {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					record(stage, domain.StageRecord{Status: domain.StageFailed, Error: ctx.Err().Error()})
					return
				}
			}

			mu.Lock()
			prior := make(map[string]*domain.EnrichmentResult, len(results))
			for k, v := range results {
				prior[k] = v
			}
			mu.Unlock()

			// a failed dependency fails the dependent without consuming attempts
			for _, dep := range deps {
				if _, ok := prior[dep]; !ok {
					record(stage, domain.StageRecord{
						Status: domain.StageFailed,
						Error:  fmt.Sprintf("dependency %s failed", dep),
					})
					return
				}
			}

			res, attempts, err := o.runBranch(ctx, stage, article, prior)
			if err != nil {
				record(stage, domain.StageRecord{Status: domain.StageFailed, Attempts: attempts, Error: err.Error()})
				return
			}

			mu.Lock()
			results[stage] = res
			job.Stages[stage] = domain.StageRecord{Status: domain.StageCompleted, Attempts: attempts}
			mu.Unlock()
		}(stage, deps)
	}
	wg.Wait()

	return results
}

// runBranch runs one stage with the per-branch retry budget and exponential
// backoff, returning how many attempts were consumed
func (o *Orchestrator) runBranch(ctx context.Context, stage string, article *domain.Article, prior map[string]*domain.EnrichmentResult) (*domain.EnrichmentResult, int, error) {
	var lastErr error
	delay := o.cfg.RetryDelay

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		res, err := o.runner.Run(ctx, stage, article, prior)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		if enrich.IsFatal(err) {
			lgr.Printf("[WARN] %s stage failed fatally for %s: %v", stage, article.Fingerprint, err)
			return nil, attempt, err
		}

		lgr.Printf("[WARN] %s stage attempt %d/%d failed for %s: %v",
			stage, attempt, o.cfg.MaxAttempts, article.Fingerprint, err)

		if attempt < o.cfg.MaxAttempts {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}
	}

	return nil, o.cfg.MaxAttempts, lastErr
}

// finish derives the terminal state, persists the job, and updates the
// article status
func (o *Orchestrator) finish(ctx context.Context, job *domain.PipelineJob, article *domain.Article, results map[string]*domain.EnrichmentResult) {
	completed := 0
	for _, rec := range job.Stages {
		if rec.Status == domain.StageCompleted {
			completed++
		}
	}

	switch {
	case completed == len(job.Stages):
		job.State = domain.JobCompleted
	case completed > 0:
		job.State = domain.JobCompletedPartial
	default:
		job.State = domain.JobFailed
	}
	job.FinishedAt = time.Now()

	if err := o.store.SaveJob(ctx, job); err != nil {
		lgr.Printf("[ERROR] failed to persist job for %s: %v", job.Fingerprint, err)
	}

	status := domain.StatusEnriched
	if job.State == domain.JobFailed {
		status = domain.StatusFailed
	}
	if err := o.store.SetArticleStatus(ctx, job.Fingerprint, status); err != nil {
		lgr.Printf("[WARN] failed to update article %s status: %v", job.Fingerprint, err)
	}

	article.Status = status
	lgr.Printf("[INFO] article %s joined with state %s (%d/%d stages, %d results)",
		job.Fingerprint, job.State, completed, len(job.Stages), len(results))
}
