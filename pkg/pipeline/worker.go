package pipeline

import (
	"context"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"
)

// QueueItem is one pending article job handed out by the work queue
type QueueItem struct {
	ID          int64
	Fingerprint string
	Attempts    int
}

// Queue is the durable work queue feeding the orchestrator pool. Delivery is
// at-least-once: an item dequeued but never acked becomes visible again.
type Queue interface {
	Dequeue(ctx context.Context, limit int) ([]QueueItem, error)
	Ack(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, delay time.Duration) error
}

// maxQueueAttempts bounds redelivery of a job that keeps failing before
// Process even starts (e.g. the article row is unreadable)
const maxQueueAttempts = 5

// RunWorkers polls the queue and processes article jobs with a bounded
// worker pool until the context is canceled. This method blocks.
func (o *Orchestrator) RunWorkers(ctx context.Context, queue Queue, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainQueue(ctx, queue)
		}
	}
}

// drainQueue pulls one batch and processes it concurrently
func (o *Orchestrator) drainQueue(ctx context.Context, queue Queue) {
	for {
		items, err := queue.Dequeue(ctx, o.cfg.MaxWorkers)
		if err != nil {
			lgr.Printf("[ERROR] failed to dequeue jobs: %v", err)
			return
		}
		if len(items) == 0 {
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxWorkers)
		for _, item := range items {
			g.Go(func() error {
				o.processItem(gctx, queue, item)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return
		}
	}
}

// processItem handles one queue item end to end
func (o *Orchestrator) processItem(ctx context.Context, queue Queue, item QueueItem) {
	article, err := o.store.GetArticle(ctx, item.Fingerprint)
	if err != nil {
		lgr.Printf("[ERROR] failed to load article %s: %v", item.Fingerprint, err)
		o.requeueOrDrop(ctx, queue, item)
		return
	}
	if article == nil {
		// nothing to process, the job is moot
		lgr.Printf("[WARN] queued article %s not found, dropping job", item.Fingerprint)
		o.ack(ctx, queue, item.ID)
		return
	}

	if err := o.Process(ctx, article); err != nil {
		lgr.Printf("[ERROR] failed to process article %s: %v", item.Fingerprint, err)
		o.requeueOrDrop(ctx, queue, item)
		return
	}

	o.ack(ctx, queue, item.ID)
}

func (o *Orchestrator) ack(ctx context.Context, queue Queue, id int64) {
	if err := queue.Ack(ctx, id); err != nil {
		lgr.Printf("[WARN] failed to ack job %d: %v", id, err)
	}
}

func (o *Orchestrator) requeueOrDrop(ctx context.Context, queue Queue, item QueueItem) {
	if item.Attempts+1 >= maxQueueAttempts {
		lgr.Printf("[ERROR] giving up on job %d for %s after %d attempts", item.ID, item.Fingerprint, item.Attempts+1)
		o.ack(ctx, queue, item.ID)
		return
	}
	if err := queue.Retry(ctx, item.ID, o.cfg.RetryDelay); err != nil {
		lgr.Printf("[WARN] failed to requeue job %d: %v", item.ID, err)
	}
}
