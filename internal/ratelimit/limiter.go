// Package ratelimit enforces per-site politeness: a concurrency cap, a
// minimum interval between requests, and a backoff multiplier that grows when
// a site throttles us and decays as requests succeed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	backoffGrowth  = 2.0
	backoffDecay   = 0.9
	maxBackoff     = 60.0
	minIntervalCap = 5 * time.Minute
)

// SiteLimiter guards one auction site. All pipeline requests to the site,
// search and detail alike, must pass through Acquire.
type SiteLimiter struct {
	// slots is a semaphore: a buffered send claims a request slot, a receive
	// frees it. Cancellation just selects on ctx, so a cancelled Acquire
	// returns without waiting for the next Release.
	slots chan struct{}

	mu          sync.Mutex
	minInterval time.Duration
	pacer       *rate.Limiter

	// backoff multiplies minInterval after throttle responses. 1 means the
	// site is healthy.
	backoff float64
}

// NewSiteLimiter builds a limiter allowing maxConcurrent in-flight requests
// and at most one request per minInterval. maxConcurrent below 1 is treated
// as 1; a zero minInterval disables pacing until the first throttle.
func NewSiteLimiter(maxConcurrent int, minInterval time.Duration) *SiteLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	l := &SiteLimiter{
		slots:       make(chan struct{}, maxConcurrent),
		minInterval: minInterval,
		backoff:     1,
	}
	l.pacer = rate.NewLimiter(intervalToRate(minInterval), 1)
	return l
}

// Acquire blocks until a request slot is free and the pacing interval has
// elapsed, or the context is done. Every successful Acquire must be paired
// with Release.
func (l *SiteLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	pacer := l.pacer
	l.mu.Unlock()

	if err := pacer.Wait(ctx); err != nil {
		<-l.slots
		return err
	}
	return nil
}

// Release frees the slot taken by Acquire and decays the backoff multiplier.
func (l *SiteLimiter) Release() {
	l.mu.Lock()
	if l.backoff > 1 {
		l.backoff *= backoffDecay
		if l.backoff < 1 {
			l.backoff = 1
		}
		l.resetPacerLocked()
	}
	l.mu.Unlock()
	<-l.slots
}

// Throttle doubles the effective interval. Called when a site answers 429 or
// 503 so the next requests slow down before the retry fires.
func (l *SiteLimiter) Throttle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoff *= backoffGrowth
	if l.backoff > maxBackoff {
		l.backoff = maxBackoff
	}
	l.resetPacerLocked()
}

// Interval reports the current effective pacing interval.
func (l *SiteLimiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effectiveIntervalLocked()
}

// InFlight reports the number of held slots.
func (l *SiteLimiter) InFlight() int {
	return len(l.slots)
}

func (l *SiteLimiter) effectiveIntervalLocked() time.Duration {
	base := l.minInterval
	if l.backoff > 1 {
		if base <= 0 {
			base = 100 * time.Millisecond
		}
		base = time.Duration(float64(base) * l.backoff)
	}
	if base > minIntervalCap {
		base = minIntervalCap
	}
	return base
}

func (l *SiteLimiter) resetPacerLocked() {
	l.pacer = rate.NewLimiter(intervalToRate(l.effectiveIntervalLocked()), 1)
}

func intervalToRate(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Registry hands out one SiteLimiter per site name.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*SiteLimiter
	build    func(site string) *SiteLimiter
}

// NewRegistry builds a registry; build is invoked once per site on first use.
func NewRegistry(build func(site string) *SiteLimiter) *Registry {
	return &Registry{
		limiters: make(map[string]*SiteLimiter),
		build:    build,
	}
}

// For returns the limiter for site, creating it on first use.
func (r *Registry) For(site string) *SiteLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[site]; ok {
		return l
	}
	l := r.build(site)
	r.limiters[site] = l
	return l
}
