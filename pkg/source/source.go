package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/domain"
)

// Adapter fetches raw documents from one external source. Adapters do not
// dedupe; classification happens downstream.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]domain.RawDocument, error)
}

// TransientError marks a retryable fetch failure: network errors, 5xx
// responses, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying won't fix: 404, gone feed,
// changed page structure. The scheduler disables a source after repeated
// permanent failures.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent source failure
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is a retryable source failure
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classifyHTTPStatus converts a non-200 status into the right error class
func classifyHTTPStatus(code int, url string) error {
	err := fmt.Errorf("unexpected status code %d for %s", code, url)
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return &PermanentError{Err: err}
	case code >= 500:
		return &TransientError{Err: err}
	case code == http.StatusTooManyRequests:
		return &TransientError{Err: err}
	default:
		return &PermanentError{Err: err}
	}
}

// New creates an adapter for the configured source. The set of kinds is
// closed: feed (RSS/Atom) and html (scrape).
func New(cfg config.Source, timeout time.Duration) (Adapter, error) {
	switch cfg.Kind {
	case "feed":
		return NewFeedAdapter(cfg.Name, cfg.URL, cfg.Credibility, timeout), nil
	case "html":
		return NewHTMLAdapter(cfg.Name, cfg.URL, cfg.Credibility, timeout), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
