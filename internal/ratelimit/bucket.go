// Package ratelimit provides the token buckets that pace adjudicator calls
// and gateway clients.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket accumulates permits at a fixed rate up to a burst capacity.
// A rate <= 0 admits everything.
type TokenBucket struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	lastAccess time.Time
}

// NewTokenBucket creates a bucket refilling perSecond tokens per second.
// A burst below 1 defaults to max(1, int(perSecond)).
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	limit, burst := limitFor(perSecond, burst)
	return &TokenBucket{
		limiter:    rate.NewLimiter(limit, burst),
		lastAccess: time.Now(),
	}
}

func limitFor(perSecond float64, burst int) (rate.Limit, int) {
	if burst < 1 {
		burst = int(math.Max(1, math.Floor(perSecond)))
	}
	if perSecond <= 0 {
		return rate.Inf, burst
	}
	return rate.Limit(perSecond), burst
}

// Allow consumes a token if one is available without waiting.
func (tb *TokenBucket) Allow() bool {
	tb.touch()
	return tb.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	tb.touch()
	return tb.limiter.Wait(ctx)
}

// SetRate changes the refill rate and burst in place; waiters pick up the
// new rate on their next reservation.
func (tb *TokenBucket) SetRate(perSecond float64, burst int) {
	limit, burst := limitFor(perSecond, burst)
	tb.limiter.SetLimit(limit)
	tb.limiter.SetBurst(burst)
}

// Rate returns tokens per second, or +Inf when unlimited.
func (tb *TokenBucket) Rate() float64 {
	return float64(tb.limiter.Limit())
}

// Burst returns the bucket capacity.
func (tb *TokenBucket) Burst() int {
	return tb.limiter.Burst()
}

// LastAccess returns the time of the last Allow or Wait call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

func (tb *TokenBucket) touch() {
	tb.mu.Lock()
	tb.lastAccess = time.Now()
	tb.mu.Unlock()
}

// Keyed holds one bucket per caller key with idle eviction.
type Keyed struct {
	perSecond float64
	burst     int

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// NewKeyed creates a keyed limiter whose buckets share one rate.
func NewKeyed(perSecond float64, burst int) *Keyed {
	return &Keyed{
		perSecond: perSecond,
		burst:     burst,
		buckets:   make(map[string]*TokenBucket),
	}
}

// Allow consumes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

// Get returns the bucket for key, creating it on first use.
func (k *Keyed) Get(key string) *TokenBucket {
	k.mu.RLock()
	bucket, ok := k.buckets[key]
	k.mu.RUnlock()
	if ok {
		return bucket
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if bucket, ok = k.buckets[key]; ok {
		return bucket
	}
	bucket = NewTokenBucket(k.perSecond, k.burst)
	k.buckets[key] = bucket
	return bucket
}

// Len returns the number of tracked buckets.
func (k *Keyed) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.buckets)
}

// EvictStale drops buckets idle for longer than maxAge.
func (k *Keyed) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	k.mu.Lock()
	defer k.mu.Unlock()

	evicted := 0
	for key, bucket := range k.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(k.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(k.buckets))
	}
	return evicted
}

// StartEviction runs EvictStale every interval until ctx is done.
func (k *Keyed) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.EvictStale(maxAge)
			}
		}
	}()
}
