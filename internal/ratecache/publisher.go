// publisher.go is the periodic refresher feeding the rate cache. When
// Run starts it fetches the pair listing with retry, performs one synchronous
// refresh, then re-quotes every active pair each interval. Per-pair
// failures publish rate:error and never abort the sweep. Both directions
// of each pair are refreshed; a configurable markup in basis points is
// taken out of the quoted output before caching.
package ratecache

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"deluthium-bridge/internal/bus"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

// Quoter is the slice of the upstream client the publisher needs.
type Quoter interface {
	ListPairs(ctx context.Context, chainID int64) ([]types.TradingPair, error)
	IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error)
}

// PublisherConfig tunes the refresh loop.
type PublisherConfig struct {
	ChainID         int64
	RefreshInterval time.Duration
	MarkupBps       int64
	// ProbeAmount is the notional used for refresh quotes, in the base
	// token's smallest unit.
	ProbeAmount *big.Int
}

// Publisher drives the cache refresh loop.
type Publisher struct {
	cfg    PublisherConfig
	quoter Quoter
	cache  *Cache
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.RWMutex
	pairs []types.TradingPair
}

// NewPublisher creates a publisher over the given cache.
func NewPublisher(cfg PublisherConfig, q Quoter, cache *Cache, b *bus.Bus, logger *slog.Logger) *Publisher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.ProbeAmount == nil || cfg.ProbeAmount.Sign() <= 0 {
		cfg.ProbeAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	}
	return &Publisher{
		cfg:    cfg,
		quoter: q,
		cache:  cache,
		bus:    b,
		logger: logger.With("component", "rate_publisher"),
	}
}

// Pairs returns the last fetched pair listing.
func (p *Publisher) Pairs() []types.TradingPair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.TradingPair, len(p.pairs))
	copy(out, p.pairs)
	return out
}

// Run blocks until ctx is cancelled: fetch pairs (with retry), refresh
// once, then refresh every interval. The cache is cleared on exit.
func (p *Publisher) Run(ctx context.Context) {
	if err := p.fetchPairs(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("initial pair fetch failed, loop will retry", "error", err)
	}

	p.refreshAll(ctx)

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.cache.Clear()
			p.logger.Info("rate publisher stopped")
			return
		case <-ticker.C:
			if len(p.Pairs()) == 0 {
				if err := p.fetchPairs(ctx); err != nil {
					continue
				}
			}
			p.refreshAll(ctx)
		}
	}
}

// fetchPairs retries the listing call a few times before giving up to
// the outer loop.
func (p *Publisher) fetchPairs(ctx context.Context) error {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		pairs, err := p.quoter.ListPairs(ctx, p.cfg.ChainID)
		if err == nil {
			p.mu.Lock()
			p.pairs = pairs
			p.mu.Unlock()
			p.logger.Info("pair listing refreshed", "pairs", len(pairs))
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// refreshAll re-quotes every active pair, both directions, in parallel.
func (p *Publisher) refreshAll(ctx context.Context) {
	pairs := p.Pairs()
	ttl := 2 * p.cfg.RefreshInterval

	var wg sync.WaitGroup
	for _, pair := range pairs {
		if !pair.Active {
			continue
		}
		for _, dir := range []struct{ src, dst string }{
			{pair.BaseToken, pair.QuoteToken},
			{pair.QuoteToken, pair.BaseToken},
		} {
			wg.Add(1)
			go func(src, dst string) {
				defer wg.Done()
				p.refreshOne(ctx, src, dst, ttl)
			}(dir.src, dir.dst)
		}
	}
	wg.Wait()
}

// refreshOne quotes one direction and stores the marked-up result.
func (p *Publisher) refreshOne(ctx context.Context, src, dst string, ttl time.Duration) {
	quote, err := p.quoter.IndicativeQuote(ctx, upstream.IndicativeRequest{
		SrcChainID: p.cfg.ChainID,
		DstChainID: p.cfg.ChainID,
		TokenIn:    src,
		TokenOut:   dst,
		AmountIn:   new(big.Int).Set(p.cfg.ProbeAmount),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("pair refresh failed", "src", src, "dst", dst, "error", err)
		p.bus.Publish(bus.TopicRateError, bus.RateError{
			SrcToken: src,
			DstToken: dst,
			Reason:   "refresh failed",
			Err:      err,
		})
		return
	}

	if p.cfg.MarkupBps > 0 {
		quote.AmountOut = applyMarkup(quote.AmountOut, p.cfg.MarkupBps)
	}

	p.cache.Put(*quote, ttl)
	p.bus.Publish(bus.TopicRateUpdated, bus.RateUpdate{SrcToken: src, DstToken: dst})
}

// applyMarkup reduces out by bps basis points: out' = out - out*bps/10000.
func applyMarkup(out *big.Int, bps int64) *big.Int {
	cut := new(big.Int).Mul(out, big.NewInt(bps))
	cut.Quo(cut, big.NewInt(10000))
	return new(big.Int).Sub(out, cut)
}
