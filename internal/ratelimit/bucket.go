// Package ratelimit implements the inbound token-bucket limiter
// applied to local shadow operations, per-thing and in aggregate.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is a token bucket with lazy refill computed on each Allow
// call rather than a background ticker, avoiding a goroutine per key.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	ratePerSec float64
	burst      float64
	lastRefill time.Time
}

func newBucket(ratePerSec, burst float64, now time.Time) *bucket {
	return &bucket{tokens: burst, ratePerSec: ratePerSec, burst: burst, lastRefill: now}
}

func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) reconfigure(ratePerSec, burst float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ratePerSec > 0 {
		b.tokens *= burst / b.burst
	}
	b.ratePerSec = ratePerSec
	b.burst = burst
	if b.tokens > burst {
		b.tokens = burst
	}
}

// Config holds the rate limits spec.md §6 exposes.
type Config struct {
	MaxLocalRequestsPerThingPerSec float64
	BurstPerThing                  float64
	MaxTotalLocalRequestRate       float64
	TotalBurst                     float64
}

// Limiter enforces a per-thing limit and an aggregate limit across all
// things served by this gateway.
type Limiter struct {
	mu       sync.RWMutex
	cfg      Config
	perThing map[string]*bucket
	total    *bucket
	now      func() time.Time
	shared   SharedCounter
}

// SharedCounter optionally mirrors the aggregate bucket's consumption
// into a fleet-wide store. It is advisory: failures never block a
// request.
type SharedCounter interface {
	IncrementAndCheck(key string, limit float64) (allowed bool, ok bool)
}

func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:      cfg,
		perThing: make(map[string]*bucket),
		total:    newBucket(cfg.MaxTotalLocalRequestRate, cfg.TotalBurst, now()),
		now:      now,
	}
}

// SetShared attaches an optional distributed backend for the aggregate
// bucket. Passing nil disables it.
func (l *Limiter) SetShared(s SharedCounter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shared = s
}

// Allow reports whether a request for thing may proceed, consuming a
// token from both the per-thing and aggregate buckets.
func (l *Limiter) Allow(thing string) bool {
	now := l.now()

	l.mu.RLock()
	b, ok := l.perThing[thing]
	shared := l.shared
	cfg := l.cfg
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		b, ok = l.perThing[thing]
		if !ok {
			b = newBucket(cfg.MaxLocalRequestsPerThingPerSec, cfg.BurstPerThing, now)
			l.perThing[thing] = b
		}
		l.mu.Unlock()
	}

	if !b.allow(now) {
		return false
	}
	if !l.total.allow(now) {
		return false
	}
	if shared != nil {
		if allowed, ok := shared.IncrementAndCheck("shadowgw:ratelimit:total", cfg.MaxTotalLocalRequestRate); ok && !allowed {
			return false
		}
	}
	return true
}

// Reconfigure applies new rate/burst values, proportionally rescaling
// any outstanding token balance so an in-flight burst window isn't
// unfairly truncated or extended by the change.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.total.reconfigure(cfg.MaxTotalLocalRequestRate, cfg.TotalBurst)
	for _, b := range l.perThing {
		b.reconfigure(cfg.MaxLocalRequestsPerThingPerSec, cfg.BurstPerThing)
	}
}
