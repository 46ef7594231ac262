// Package ratelimit implements the per-thing request throttle: a token
// bucket per thing plus one global bucket, with an LRU eviction policy
// bounding the number of per-thing buckets held in memory.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// Limiter decides whether a request for thing may proceed right now.
type Limiter interface {
	Allow(thing string) Decision
	Stats(thing string) (tokens float64, rate int)
}

// Decision is the outcome of a rate-limit check. GlobalRefused is only
// meaningful when Allowed is false: it tells the caller whether the
// shared global bucket or thing's own per-thing bucket was the one that
// was exhausted, so throttle errors can be raised as the matching
// ThrottledTotal or ThrottledPerThing kind instead of always one or the
// other.
type Decision struct {
	Allowed       bool
	GlobalRefused bool
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// TokenBucketLimiter is the default in-process Limiter, grounded on the
// rate-limit node's refillTokens scheme, extended with an LRU-bounded
// registry of per-thing buckets and a shared global bucket.
type TokenBucketLimiter struct {
	mu sync.Mutex

	rate       int // per-thing rate; maxLocalRequestsRatePerThing
	globalRate int // maxTotalLocalRequestsRate
	window     time.Duration
	maxBuckets int

	global bucket

	perThing map[string]*list.Element
	lru      *list.List
}

type lruEntry struct {
	thing  string
	bucket *bucket
}

// Config configures the token-bucket limiter. Rate is the number of
// requests allowed per Window for each per-thing bucket
// (maxLocalRequestsRatePerThing); GlobalRate is the separate ceiling
// shared by every thing (maxTotalLocalRequestsRate), defaulting to Rate
// if unset so a caller that only cares about per-thing limiting doesn't
// have to set both. MaxThingBuckets bounds memory use; the
// least-recently-used thing bucket is evicted once the bound is hit.
type Config struct {
	Rate            int
	GlobalRate      int
	Window          time.Duration
	MaxThingBuckets int
}

// NewTokenBucketLimiter builds a TokenBucketLimiter from cfg, filling in
// sane defaults for zero fields.
func NewTokenBucketLimiter(cfg Config) *TokenBucketLimiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = cfg.Rate
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.MaxThingBuckets <= 0 {
		cfg.MaxThingBuckets = 10000
	}

	now := time.Now()
	return &TokenBucketLimiter{
		rate:       cfg.Rate,
		globalRate: cfg.GlobalRate,
		window:     cfg.Window,
		maxBuckets: cfg.MaxThingBuckets,
		global:     bucket{tokens: float64(cfg.GlobalRate), lastUpdate: now},
		perThing:   make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Allow consumes one token from both the global bucket and thing's bucket,
// reporting which one refused if either is exhausted. The global bucket is
// checked first: a request that would have exhausted both is reported as a
// global refusal, since the per-thing bucket never gets a chance to matter
// once the shared ceiling is hit.
func (l *TokenBucketLimiter) Allow(thing string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(&l.global, l.globalRate)
	b := l.bucketFor(thing)
	l.refill(b, l.rate)

	if l.global.tokens < 1.0 {
		return Decision{Allowed: false, GlobalRefused: true}
	}
	if b.tokens < 1.0 {
		return Decision{Allowed: false}
	}
	l.global.tokens -= 1.0
	b.tokens -= 1.0
	return Decision{Allowed: true}
}

// Stats reports the current token count and configured rate for thing,
// for the admin surface and tests.
func (l *TokenBucketLimiter) Stats(thing string) (float64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(thing)
	l.refill(b, l.rate)
	return b.tokens, l.rate
}

func (l *TokenBucketLimiter) bucketFor(thing string) *bucket {
	if el, ok := l.perThing[thing]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*lruEntry).bucket
	}

	b := &bucket{tokens: float64(l.rate), lastUpdate: time.Now()}
	el := l.lru.PushFront(&lruEntry{thing: thing, bucket: b})
	l.perThing[thing] = el

	if l.lru.Len() > l.maxBuckets {
		oldest := l.lru.Back()
		if oldest != nil {
			l.lru.Remove(oldest)
			delete(l.perThing, oldest.Value.(*lruEntry).thing)
		}
	}
	return b
}

func (l *TokenBucketLimiter) refill(b *bucket, rate int) {
	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)
	b.lastUpdate = now

	tokensToAdd := float64(rate) * elapsed.Seconds() / l.window.Seconds()
	b.tokens += tokensToAdd
	if b.tokens > float64(rate) {
		b.tokens = float64(rate)
	}
}

// ThingBucketCount reports how many per-thing buckets are currently held,
// for tests.
func (l *TokenBucketLimiter) ThingBucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

// Clear discards every per-thing bucket and resets the global bucket to a
// full allowance, releasing the LRU's memory. Called on shutdown so a
// restarted process doesn't inherit stale token counts.
func (l *TokenBucketLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perThing = make(map[string]*list.Element)
	l.lru = list.New()
	l.global = bucket{tokens: float64(l.globalRate), lastUpdate: time.Now()}
}
