package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/medscan/medscan/pkg/config"
)

// Class identifies an external dependency class with its own bucket settings
type Class string

// dependency classes guarded by rate limiting
const (
	ClassFetch     Class = "fetch"
	ClassInference Class = "inference"
	ClassNotify    Class = "notify"
)

// Registry holds one token bucket per (class, name) pair: per-source fetch,
// per-provider inference, per-channel notification. Buckets are created
// lazily from the class configuration.
type Registry struct {
	cfg     config.RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a bucket registry with the configured refill rates and bursts
func New(cfg config.RateLimitConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until a token for the named bucket is available or the
// context is done
func (r *Registry) Acquire(ctx context.Context, class Class, name string) error {
	if err := r.limiter(class, name).Wait(ctx); err != nil {
		return fmt.Errorf("acquire %s/%s token: %w", class, name, err)
	}
	return nil
}

// Allow consumes a token if one is immediately available
func (r *Registry) Allow(class Class, name string) bool {
	return r.limiter(class, name).Allow()
}

// Delay returns how long a caller would have to wait for the next token,
// without consuming one
func (r *Registry) Delay(class Class, name string) time.Duration {
	res := r.limiter(class, name).Reserve()
	d := res.Delay()
	res.Cancel()
	return d
}

func (r *Registry) limiter(class Class, name string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(class) + ":" + name
	if lim, ok := r.buckets[key]; ok {
		return lim
	}

	b := r.bucketConfig(class)
	lim := rate.NewLimiter(rate.Limit(b.Rate), b.Burst)
	r.buckets[key] = lim
	return lim
}

func (r *Registry) bucketConfig(class Class) config.Bucket {
	switch class {
	case ClassFetch:
		return r.cfg.Fetch
	case ClassInference:
		return r.cfg.Inference
	case ClassNotify:
		return r.cfg.Notify
	}
	// unknown classes get a conservative default
	return config.Bucket{Rate: 1, Burst: 1}
}
