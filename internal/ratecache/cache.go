// Package ratecache holds the per-pair indicative rate cache and the
// publisher loop that keeps it fresh.
//
// The cache maps a canonical pair key (lowercased "src:dst") to the last
// refreshed quote. Entries are immutable once stored; the publisher loop
// is the only writer, readers load snapshots without locking. A lookup
// that lands on an expired entry deletes it and reports a miss.
//
// Requests for a different amount than the cached one are served by
// linear scaling. This is a known approximation for amount-dependent
// pricing: requests more than 10x above the cached amount still get the
// scaled answer, but a rate:error warning is published so the operator
// can see the cache being stretched.
package ratecache

import (
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deluthium-bridge/internal/bus"
	"deluthium-bridge/pkg/types"
)

// scaleWarnFactor is the requested/cached amount ratio beyond which a
// linear-scaled response is flagged.
const scaleWarnFactor = 10

// CachedRate is one immutable cache entry.
type CachedRate struct {
	Quote    types.IndicativeQuote
	CachedAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry is still within its TTL at now.
func (c *CachedRate) Fresh(now time.Time) bool {
	return now.Sub(c.CachedAt) <= c.TTL
}

// Key returns the canonical cache key for a token pair.
func Key(srcToken, dstToken string) string {
	return strings.ToLower(srcToken) + ":" + strings.ToLower(dstToken)
}

// Cache is the keyed rate store. Writes come from the publisher loop
// only; reads are lock-free loads of immutable entries.
type Cache struct {
	entries    sync.Map // key → *CachedRate
	size       atomic.Int64
	maxEntries int
	bus        *bus.Bus
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache bounded to maxEntries (default 1024).
func New(maxEntries int, b *bus.Bus, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c := &Cache{
		maxEntries: maxEntries,
		bus:        b,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores a refreshed quote under its pair key, evicting the oldest
// entry when the size bound is exceeded. Last writer wins on CachedAt.
func (c *Cache) Put(quote types.IndicativeQuote, ttl time.Duration) {
	key := Key(quote.SrcToken, quote.DstToken)
	entry := &CachedRate{Quote: quote, CachedAt: c.now(), TTL: ttl}

	if _, loaded := c.entries.Swap(key, entry); !loaded {
		if c.size.Add(1) > int64(c.maxEntries) {
			c.evictOldest()
		}
	}
}

// evictOldest removes the entry with the earliest CachedAt.
func (c *Cache) evictOldest() {
	var oldestKey any
	var oldestAt time.Time
	c.entries.Range(func(k, v any) bool {
		entry := v.(*CachedRate)
		if oldestKey == nil || entry.CachedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = entry.CachedAt
		}
		return true
	})
	if oldestKey != nil {
		if _, loaded := c.entries.LoadAndDelete(oldestKey); loaded {
			c.size.Add(-1)
		}
	}
}

// Lookup returns the fresh entry for a pair, or nil. Expired entries are
// deleted on the way out.
func (c *Cache) Lookup(srcToken, dstToken string) *CachedRate {
	key := Key(srcToken, dstToken)
	v, ok := c.entries.Load(key)
	if !ok {
		return nil
	}
	entry := v.(*CachedRate)
	if !entry.Fresh(c.now()) {
		if _, loaded := c.entries.LoadAndDelete(key); loaded {
			c.size.Add(-1)
		}
		return nil
	}
	return entry
}

// RateRequest asks for a rate at a specific input amount.
type RateRequest struct {
	SrcToken  string
	DstToken  string
	SrcAmount *big.Int
}

// RateResponse is a linearly-scaled view of the cached quote.
type RateResponse struct {
	SrcToken  string
	DstToken  string
	SrcAmount *big.Int
	DstAmount *big.Int
	Price     types.IndicativeQuote
	CachedAt  time.Time
}

// GetRate serves a pull-based rate request from the cache. Misses (no
// entry, or entry expired) return nil. The response is scaled linearly:
// dst = cachedDst * requestedSrc / cachedSrc. Requests above 10x the
// cached amount publish a rate:error warning but are still served.
func (c *Cache) GetRate(req RateRequest) *RateResponse {
	if req.SrcAmount == nil || req.SrcAmount.Sign() <= 0 {
		return nil
	}
	entry := c.Lookup(req.SrcToken, req.DstToken)
	if entry == nil {
		return nil
	}

	cachedSrc := entry.Quote.AmountIn
	cachedDst := entry.Quote.AmountOut

	dst := new(big.Int).Mul(cachedDst, req.SrcAmount)
	dst.Quo(dst, cachedSrc)

	limit := new(big.Int).Mul(cachedSrc, big.NewInt(scaleWarnFactor))
	if req.SrcAmount.Cmp(limit) > 0 && c.bus != nil {
		c.bus.Publish(bus.TopicRateError, bus.RateError{
			SrcToken: req.SrcToken,
			DstToken: req.DstToken,
			Reason:   "requested amount exceeds 10x cached amount, linear scaling may be inaccurate",
		})
	}

	return &RateResponse{
		SrcToken:  req.SrcToken,
		DstToken:  req.DstToken,
		SrcAmount: new(big.Int).Set(req.SrcAmount),
		DstAmount: dst,
		Price:     entry.Quote,
		CachedAt:  entry.CachedAt,
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	c.size.Store(0)
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Snapshot returns a copy of every fresh entry, for the admin surface.
func (c *Cache) Snapshot() map[string]CachedRate {
	now := c.now()
	out := make(map[string]CachedRate)
	c.entries.Range(func(k, v any) bool {
		entry := v.(*CachedRate)
		if entry.Fresh(now) {
			out[k.(string)] = *entry
		}
		return true
	})
	return out
}
