package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/medscan/medscan/pkg/pipeline"
)

// visibilityTimeout is how long a dequeued item stays invisible before it is
// redelivered to another worker. Covers a worker crash mid-processing.
const visibilityTimeout = 10 * time.Minute

// dbQueueItem is the database representation of one queue entry
type dbQueueItem struct {
	ID          int64     `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	Attempts    int       `db:"attempts"`
	VisibleAt   time.Time `db:"visible_at"`
	EnqueuedAt  time.Time `db:"enqueued_at"`
}

// Enqueue adds an article job to the work queue
func (s *Store) Enqueue(ctx context.Context, fingerprint string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := s.conn.ExecContext(ctx,
			"INSERT INTO queue (fingerprint, visible_at, enqueued_at) VALUES (?, ?, ?)",
			fingerprint, time.Now(), time.Now())
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("enqueue job: %w", err)}
		}
		return nil
	})
}

// Dequeue claims up to limit visible items. Claimed items become invisible
// for the visibility timeout; items never acked reappear after it elapses.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]pipeline.QueueItem, error) {
	var items []pipeline.QueueItem

	err := s.InTransaction(ctx, func(tx *sqlx.Tx) error {
		var rows []dbQueueItem
		err := tx.SelectContext(ctx, &rows,
			"SELECT * FROM queue WHERE visible_at <= ? ORDER BY id LIMIT ?", time.Now(), limit)
		if err != nil {
			return fmt.Errorf("select queue items: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		invisible := time.Now().Add(visibilityTimeout)
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue SET visible_at = ?, attempts = attempts + 1 WHERE id = ?",
				invisible, row.ID); err != nil {
				return fmt.Errorf("claim queue item %d: %w", row.ID, err)
			}
			items = append(items, pipeline.QueueItem{
				ID:          row.ID,
				Fingerprint: row.Fingerprint,
				Attempts:    row.Attempts,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Ack removes a completed item from the queue
func (s *Store) Ack(ctx context.Context, id int64) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("ack queue item: %w", err)}
		}
		return nil
	})
}

// Retry makes a failed item visible again after the given delay
func (s *Store) Retry(ctx context.Context, id int64, delay time.Duration) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE queue SET visible_at = ? WHERE id = ?", time.Now().Add(delay), id)
	if err != nil {
		return fmt.Errorf("retry queue item: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending queue items
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.conn.GetContext(ctx, &depth, "SELECT COUNT(*) FROM queue"); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
