// Package throttle bounds how hard the pipelines lean on external services.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Config struct {
	// MaxConcurrent is the number of external calls allowed in flight at once.
	MaxConcurrent int64
	// RequestsPerSecond is the sustained call rate; Burst the bucket size.
	RequestsPerSecond float64
	Burst             int
	// Timeout applies to each call made through Do. Zero leaves the context as is.
	Timeout time.Duration
}

// Limiter combines a concurrency cap with a token bucket. The call pipeline shares one
// Limiter across transcription, analysis and summary calls; document indexing gets its
// own for embedding calls, so a backlog of documents never holds up calls.
type Limiter struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout time.Duration

	mu      sync.Mutex
	retryAt time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.MaxConcurrent)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Limiter{
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		timeout: cfg.Timeout,
	}
}

// Unlimited never blocks. Used by tests and one-shot CLI runs.
func Unlimited() *Limiter {
	return New(Config{MaxConcurrent: 1 << 20})
}

// Do runs fn once a concurrency slot and a rate token are available. fn receives a
// context bounded by the per-call timeout.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	if err := l.wait(ctx); err != nil {
		return err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (l *Limiter) wait(ctx context.Context) error {
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return l.limiter.Wait(ctx)
}

// Cooldown pauses new calls for d, typically after a 429 from an upstream service.
func (l *Limiter) Cooldown(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := time.Now().Add(d); until.After(l.retryAt) {
		l.retryAt = until
	}
}
