package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/go-pkgz/lgr"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
)

// Status classifies a fetched document against previously seen articles
type Status string

// classification outcomes
const (
	StatusNew      Status = "new"
	StatusExactDup Status = "exact_dup"
	StatusNearDup  Status = "near_dup"
)

// Result of classifying one document
type Result struct {
	Status      Status
	Fingerprint string  // fingerprint of the classified document
	Existing    string  // fingerprint of the matched article, set for duplicates
	Similarity  float64 // title similarity ratio, set for near-duplicates
}

// Entry is one record of the recency index
type Entry struct {
	Fingerprint string
	Source      string
	NormTitle   string
	SeenAt      time.Time
}

// Index is the backing store for the recency index. Entries older than the
// recency window never participate in matching; the store may prune them.
type Index interface {
	Lookup(ctx context.Context, fingerprint string) (bool, error)
	Candidates(ctx context.Context, source string, since time.Time, limit int) ([]Entry, error)
	Insert(ctx context.Context, entry Entry) error
}

// Engine classifies fetched documents as new, exact duplicates, or near
// duplicates of already-seen articles
type Engine struct {
	index     Index
	window    time.Duration
	threshold float64
	maxCand   int
	now       func() time.Time

	mu sync.Mutex // check-and-insert must be atomic across workers
}

// NewEngine creates a dedup engine over the given index
func NewEngine(index Index, cfg config.DedupConfig) *Engine {
	return &Engine{
		index:     index,
		window:    cfg.RecencyWindow,
		threshold: cfg.SimilarityThreshold,
		maxCand:   cfg.MaxCandidates,
		now:       time.Now,
	}
}

// Window returns the recency window; entries older than it never match and
// may be pruned from the index
func (e *Engine) Window() time.Duration { return e.window }

// Classify determines whether doc is new or a duplicate. Index failures are
// fail-open: the document classifies as NEW rather than being dropped, and
// downstream idempotency absorbs the occasional duplicate processing.
func (e *Engine) Classify(ctx context.Context, doc domain.RawDocument) Result {
	fp := Fingerprint(doc)
	normTitle := NormalizeText(doc.Title)

	e.mu.Lock()
	defer e.mu.Unlock()

	exists, err := e.index.Lookup(ctx, fp)
	if err != nil {
		lgr.Printf("[WARN] dedup index lookup failed, treating %s as new: %v", doc.URL, err)
		return Result{Status: StatusNew, Fingerprint: fp}
	}
	if exists {
		return Result{Status: StatusExactDup, Fingerprint: fp, Existing: fp}
	}

	// near-duplicate scan is bounded to recent same-source entries
	since := e.now().Add(-e.window)
	candidates, err := e.index.Candidates(ctx, doc.Source, since, e.maxCand)
	if err != nil {
		lgr.Printf("[WARN] dedup candidate scan failed, treating %s as new: %v", doc.URL, err)
		return Result{Status: StatusNew, Fingerprint: fp}
	}

	for _, cand := range candidates {
		ratio := Similarity(normTitle, cand.NormTitle)
		if ratio >= e.threshold {
			lgr.Printf("[INFO] near-duplicate from %s: %q matches %s (similarity %.2f)",
				doc.Source, doc.Title, cand.Fingerprint, ratio)
			return Result{Status: StatusNearDup, Fingerprint: fp, Existing: cand.Fingerprint, Similarity: ratio}
		}
	}

	entry := Entry{Fingerprint: fp, Source: doc.Source, NormTitle: normTitle, SeenAt: e.now()}
	if err := e.index.Insert(ctx, entry); err != nil {
		lgr.Printf("[WARN] dedup index insert failed for %s: %v", doc.URL, err)
	}

	return Result{Status: StatusNew, Fingerprint: fp}
}

// Similarity returns the edit-distance ratio between two normalized strings,
// 1.0 for identical and 0.0 for entirely different
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
