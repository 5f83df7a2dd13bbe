// Package orderbook implements the order-book bridge: the downstream
// venue client, the market-data feed, a local book mirror, and the
// reconciliation loop that keeps downstream limit orders in sync with
// upstream quote mid-prices.
//
// Book mirrors the downstream book for a single ticker. It is updated
// from WebSocket snapshots and used by the dynamic pricing strategy,
// which widens the quoted spread based on book imbalance. The Book is
// concurrency-safe and provides derived values like Mid and Imbalance.
package orderbook

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level of the downstream book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Book maintains a local mirror of the downstream book for one ticker.
type Book struct {
	mu      sync.RWMutex
	ticker  string
	bids    []Level // descending by price
	asks    []Level // ascending by price
	updated time.Time
}

// NewBook creates an empty book mirror.
func NewBook(ticker string) *Book {
	return &Book{ticker: ticker}
}

// Ticker returns the downstream ticker this book mirrors.
func (b *Book) Ticker() string { return b.ticker }

// ApplySnapshot replaces both sides.
func (b *Book) ApplySnapshot(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = bids
	b.asks = asks
	b.updated = time.Now()
}

// Best returns the top of book. ok is false while either side is empty.
func (b *Book) Best() (bid, ask decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// Mid returns the arithmetic mid of the best bid and ask.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, ask, ok := b.Best()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Spread returns the absolute bid-ask spread.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, ask, ok := b.Best()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// Imbalance returns (bidDepth - askDepth) / (bidDepth + askDepth) over
// the top five levels, in [-1, 1]. Zero when the book is empty.
func (b *Book) Imbalance() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depth := func(levels []Level) decimal.Decimal {
		total := decimal.Zero
		for i, l := range levels {
			if i >= 5 {
				break
			}
			total = total.Add(l.Size)
		}
		return total
	}

	bidDepth := depth(b.bids)
	askDepth := depth(b.asks)
	total := bidDepth.Add(askDepth)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidDepth.Sub(askDepth).Div(total)
}

// IsStale reports whether no update arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}
