package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"

	"github.com/medscan/medscan/pkg/domain"
)

// dbAlertEvent is the database representation of an alert event
type dbAlertEvent struct {
	ID             string    `db:"id"`
	RuleID         string    `db:"rule_id"`
	Fingerprint    string    `db:"fingerprint"`
	Source         string    `db:"source"`
	Title          string    `db:"title"`
	Summary        string    `db:"summary"`
	TriggeredAt    time.Time `db:"triggered_at"`
	SuppressionKey string    `db:"suppression_key"`
}

func (e *dbAlertEvent) toDomain() *domain.AlertEvent {
	return &domain.AlertEvent{
		ID:             e.ID,
		RuleID:         e.RuleID,
		Fingerprint:    e.Fingerprint,
		Source:         e.Source,
		Title:          e.Title,
		Summary:        e.Summary,
		TriggeredAt:    e.TriggeredAt,
		SuppressionKey: e.SuppressionKey,
	}
}

// SaveAlertEvent inserts an alert event. The (rule, article) pair is unique;
// a concurrent duplicate insert is silently dropped.
func (s *Store) SaveAlertEvent(ctx context.Context, event *domain.AlertEvent) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO alert_events (id, rule_id, fingerprint, source, title, summary, triggered_at, suppression_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(rule_id, fingerprint) DO NOTHING
		`
		_, err := s.conn.ExecContext(ctx, query,
			event.ID, event.RuleID, event.Fingerprint, event.Source,
			event.Title, event.Summary, event.TriggeredAt, event.SuppressionKey)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("insert alert event: %w", err)}
		}
		return nil
	})
}

// AlertExists reports whether a rule already fired for an article
func (s *Store) AlertExists(ctx context.Context, ruleID, fingerprint string) (bool, error) {
	var exists bool
	err := s.conn.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM alert_events WHERE rule_id = ? AND fingerprint = ?)",
		ruleID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("alert exists: %w", err)
	}
	return exists, nil
}

// ListAlertEvents returns recent alert events, newest first
func (s *Store) ListAlertEvents(ctx context.Context, limit int) ([]*domain.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []dbAlertEvent
	err := s.conn.SelectContext(ctx, &rows,
		"SELECT * FROM alert_events ORDER BY triggered_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}

	events := make([]*domain.AlertEvent, len(rows))
	for i := range rows {
		events[i] = rows[i].toDomain()
	}
	return events, nil
}

// dbDeadLetter is the database representation of a dead-lettered notification
type dbDeadLetter struct {
	ID            string       `db:"id"`
	Channel       string       `db:"channel"`
	EventID       string       `db:"event_id"`
	Envelope      string       `db:"envelope"`
	LastError     string       `db:"last_error"`
	Attempts      int          `db:"attempts"`
	CreatedAt     time.Time    `db:"created_at"`
	RedeliveredAt sql.NullTime `db:"redelivered_at"`
}

func (d *dbDeadLetter) toDomain() *domain.DeadLetter {
	dl := &domain.DeadLetter{
		ID:        d.ID,
		Channel:   d.Channel,
		EventID:   d.EventID,
		Envelope:  d.Envelope,
		LastError: d.LastError,
		Attempts:  d.Attempts,
		CreatedAt: d.CreatedAt,
	}
	if d.RedeliveredAt.Valid {
		t := d.RedeliveredAt.Time
		dl.RedeliveredAt = &t
	}
	return dl
}

// SaveDeadLetter persists a notification that exhausted its retries
func (s *Store) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO dead_letters (id, channel, event_id, envelope, last_error, attempts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.conn.ExecContext(ctx, query,
			dl.ID, dl.Channel, dl.EventID, dl.Envelope, dl.LastError, dl.Attempts, dl.CreatedAt)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("insert dead letter: %w", err)}
		}
		return nil
	})
}

// GetDeadLetter retrieves a dead letter by id, nil when not found
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var d dbDeadLetter
	err := s.conn.GetContext(ctx, &d, "SELECT * FROM dead_letters WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return d.toDomain(), nil
}

// MarkRedelivered records a successful manual redelivery
func (s *Store) MarkRedelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE dead_letters SET redelivered_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("mark dead letter redelivered: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters, undelivered first, newest first
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []dbDeadLetter
	err := s.conn.SelectContext(ctx, &rows,
		"SELECT * FROM dead_letters ORDER BY redelivered_at IS NOT NULL, created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	letters := make([]*domain.DeadLetter, len(rows))
	for i := range rows {
		letters[i] = rows[i].toDomain()
	}
	return letters, nil
}
