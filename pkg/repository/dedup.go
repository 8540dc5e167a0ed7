package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/medscan/medscan/pkg/dedup"
)

// dbDedupEntry is the database representation of one recency index record
type dbDedupEntry struct {
	Fingerprint string    `db:"fingerprint"`
	Source      string    `db:"source"`
	NormTitle   string    `db:"norm_title"`
	SeenAt      time.Time `db:"seen_at"`
}

// Lookup reports whether a fingerprint is already in the recency index
func (s *Store) Lookup(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.conn.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM dedup_index WHERE fingerprint = ?)", fingerprint)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}

// Candidates returns recent same-source index entries for near-duplicate
// matching, newest first
func (s *Store) Candidates(ctx context.Context, source string, since time.Time, limit int) ([]dedup.Entry, error) {
	var rows []dbDedupEntry
	err := s.conn.SelectContext(ctx, &rows,
		"SELECT * FROM dedup_index WHERE source = ? AND seen_at >= ? ORDER BY seen_at DESC LIMIT ?",
		source, since, limit)
	if err != nil {
		return nil, fmt.Errorf("dedup candidates: %w", err)
	}

	entries := make([]dedup.Entry, len(rows))
	for i, r := range rows {
		entries[i] = dedup.Entry{
			Fingerprint: r.Fingerprint,
			Source:      r.Source,
			NormTitle:   r.NormTitle,
			SeenAt:      r.SeenAt,
		}
	}
	return entries, nil
}

// Insert adds an entry to the recency index
func (s *Store) Insert(ctx context.Context, entry dedup.Entry) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO dedup_index (fingerprint, source, norm_title, seen_at) VALUES (?, ?, ?, ?) ON CONFLICT(fingerprint) DO NOTHING",
		entry.Fingerprint, entry.Source, entry.NormTitle, entry.SeenAt)
	if err != nil {
		return fmt.Errorf("dedup insert: %w", err)
	}
	return nil
}

// PruneDedupIndex drops index entries older than the cutoff. Expired entries
// never match anyway; pruning just keeps the table small.
func (s *Store) PruneDedupIndex(ctx context.Context, cutoff time.Time) {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM dedup_index WHERE seen_at < ?", cutoff)
	if err != nil {
		lgr.Printf("[WARN] dedup index prune failed: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		lgr.Printf("[DEBUG] pruned %d expired dedup index entries", n)
	}
}
