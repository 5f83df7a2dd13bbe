// Package engine is the central orchestrator of the liquidity bridge.
//
// It wires together all subsystems:
//
//  1. The upstream client and WebSocket feed against the RFQ source.
//  2. The rate cache and its publisher loop.
//  3. The quote lifecycle engine with its counterparty registry.
//  4. The FIX acceptor with the application router.
//  5. The order-book bridge (venue client + market-data feed + reconciler).
//  6. The WS RFQ network connector and the aggregator pool surface.
//  7. The admin/health server with metrics.
//
// Lifecycle: New() → Start() → [runs until SIGINT/SIGTERM] → Stop().
// Stop drains: the acceptor logs out active sessions, the bridge
// cancels downstream orders best-effort, loops exit at their next
// boundary, and the audit journal is flushed, all within a bounded
// window.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/admin"
	"deluthium-bridge/internal/aggregator"
	"deluthium-bridge/internal/audit"
	"deluthium-bridge/internal/bus"
	"deluthium-bridge/internal/config"
	"deluthium-bridge/internal/fix"
	"deluthium-bridge/internal/journal"
	"deluthium-bridge/internal/lifecycle"
	"deluthium-bridge/internal/orderbook"
	"deluthium-bridge/internal/ratecache"
	"deluthium-bridge/internal/signer"
	"deluthium-bridge/internal/splitrouter"
	"deluthium-bridge/internal/tokens"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/internal/wsrfq"
	"deluthium-bridge/pkg/types"
)

// drainWindow bounds how long Stop waits for goroutines.
const drainWindow = 15 * time.Second

// Engine owns the lifecycle of every component goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus       *bus.Bus
	journal   journal.Journal
	trail     *audit.Trail
	signer    signer.Signer
	upstream  *upstream.Client
	upstreamWS *upstream.WSFeed
	cache     *ratecache.Cache
	publisher *ratecache.Publisher
	tokens    *tokens.Registry
	lifecycle *lifecycle.Engine
	acceptor  *fix.Acceptor
	venue      *orderbook.VenueClient
	venueFeed  *orderbook.Feed
	bridge     *orderbook.Bridge
	split      *splitrouter.Router
	splitScan  *splitrouter.Scanner
	rfqConn    *wsrfq.Connector
	admin      *admin.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	b := bus.New(logger)

	var j journal.Journal
	if cfg.Journal.Dir != "" {
		fj, err := journal.OpenFile(cfg.Journal.Dir, cfg.Journal.MaxEntries,
			time.Duration(cfg.Journal.MaxAgeH)*time.Hour)
		if err != nil {
			return nil, err
		}
		j = fj
	} else {
		j = journal.NewMemory(cfg.Journal.MaxEntries,
			time.Duration(cfg.Journal.MaxAgeH)*time.Hour)
	}
	trail := audit.New(j, b, logger)

	sgn, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}

	client := upstream.NewClient(upstream.Options{
		BaseURL:    cfg.Upstream.BaseURL,
		Token:      upstream.StaticToken(cfg.Upstream.AuthToken),
		ChainID:    cfg.Upstream.ChainID,
		Timeout:    time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		MaxRetries: cfg.Upstream.MaxRetries,
	}, logger)

	var upstreamWS *upstream.WSFeed
	if cfg.Upstream.WSURL != "" {
		upstreamWS = upstream.NewWSFeed(cfg.Upstream.WSURL, b, logger)
	}

	cache := ratecache.New(cfg.Rate.MaxEntries, b)
	publisher := ratecache.NewPublisher(ratecache.PublisherConfig{
		ChainID:         cfg.Upstream.ChainID,
		RefreshInterval: cfg.Rate.RefreshInterval(),
		MarkupBps:       cfg.Rate.MarkupBps,
	}, client, cache, b, logger)

	registry := tokens.NewRegistry()
	for _, t := range cfg.Tokens {
		registry.Register(tokens.Token{Symbol: t.Symbol, Address: t.Address, ChainID: t.ChainID})
	}

	cpRegistry := lifecycle.NewRegistry()
	for _, cp := range cfg.FIX.Counterparties {
		entry := lifecycle.Counterparty{
			ID:         cp.SenderCompID,
			Active:     true,
			FeeRateBps: cp.FeeRateBps,
		}
		for _, pair := range cp.Pairs {
			if base, quote, ok := strings.Cut(pair, "/"); ok {
				entry.EnablePair(base, quote)
			}
		}
		cpRegistry.Add(entry)
	}

	fromAddr := cfg.Signer.FromAddr
	if fromAddr == "" && sgn != nil {
		fromAddr = sgn.Address().Hex()
	}
	toAddr := cfg.Signer.ToAddr
	if toAddr == "" {
		toAddr = fromAddr
	}

	lc := lifecycle.New(lifecycle.Config{
		ChainID:         cfg.Upstream.ChainID,
		DefaultValidity: time.Duration(cfg.Lifecycle.DefaultQuoteValidityS) * time.Second,
		DefaultFeeBps:   cfg.Lifecycle.DefaultFeeRateBps,
		SettleOnChain:   cfg.Lifecycle.SettleOnChain,
		FromAddr:        fromAddr,
		ToAddr:          toAddr,
	}, client, cpRegistry, trail, logger)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		bus:        b,
		journal:    j,
		trail:      trail,
		signer:     sgn,
		upstream:   client,
		upstreamWS: upstreamWS,
		cache:      cache,
		publisher:  publisher,
		tokens:     registry,
		lifecycle:  lc,
	}

	if cfg.FIX.Enabled {
		router := fix.NewRouter(lc, registry,
			time.Duration(cfg.Lifecycle.DefaultQuoteValidityS)*time.Second, logger)
		e.acceptor = fix.NewAcceptor(fix.AcceptorConfig{
			Host:           cfg.FIX.Host,
			Port:           cfg.FIX.Port,
			TLSCertPath:    cfg.FIX.TLSCertPath,
			TLSKeyPath:     cfg.FIX.TLSKeyPath,
			MaxSessions:    cfg.FIX.MaxSessions,
			AllowedIPs:     cfg.FIX.AllowedIPs,
			Counterparties: fixCounterparties(cfg.FIX.Counterparties),
		}, router, logger)
	}

	if cfg.Bridge.Enabled {
		e.venue = orderbook.NewVenueClient(cfg.Bridge.VenueBaseURL, cfg.DryRun, logger)
		e.venueFeed = orderbook.NewFeed(cfg.Bridge.VenueWSURL, logger)
		e.bridge = orderbook.NewBridge(orderbook.BridgeConfig{
			ChainID:         cfg.Upstream.ChainID,
			RefreshInterval: cfg.Bridge.RefreshInterval(),
			Strategy:        orderbook.Strategy(cfg.Bridge.Strategy),
			MaxOrders:       cfg.Bridge.MaxOrders,
			DeviationBps:    cfg.Bridge.PriceDeviationThresholdBps,
			SpreadBps:       cfg.Bridge.SpreadBps,
		}, client, e.venue, e.venueFeed, b, logger)

		for _, m := range cfg.Bridge.Mappings {
			size, err := decimal.NewFromString(m.Size)
			if err != nil {
				return nil, fmt.Errorf("bridge mapping size %q: %w", m.Size, err)
			}
			side := types.SELL
			if strings.EqualFold(m.Side, "buy") {
				side = types.BUY
			}
			e.venueFeed.Track(m.Ticker)
			e.bridge.AddMapping(orderbook.Mapping{
				SrcToken: m.SrcToken,
				DstToken: m.DstToken,
				Ticker:   m.Ticker,
				Side:     side,
				Size:     size,
			})
		}
	}

	if cfg.Split.Enabled {
		amm, err := splitrouter.NewChainAMM(splitrouter.ChainAMMConfig{
			RPCURL:        cfg.Split.RPCURL,
			V2Router:      cfg.Split.V2Router,
			V3Quoter:      cfg.Split.V3Quoter,
			WrappedNative: cfg.Split.WrappedNative,
		}, logger)
		if err != nil {
			return nil, err
		}
		e.split = splitrouter.New(splitrouter.Config{
			ChainID:        cfg.Upstream.ChainID,
			MinSplitBps:    cfg.Split.MinSplitBps,
			MaxSlippageBps: cfg.Split.MaxSlippageBps,
			FromAddr:       fromAddr,
			ToAddr:         toAddr,
		}, client, amm, noopSettler{}, logger)

		if len(cfg.Split.Pairs) > 0 {
			pairs := make([]splitrouter.ScanPair, 0, len(cfg.Split.Pairs))
			for _, p := range cfg.Split.Pairs {
				amount, ok := new(big.Int).SetString(p.Amount, 10)
				if !ok || amount.Sign() <= 0 {
					return nil, fmt.Errorf("split pair amount %q is not a positive integer", p.Amount)
				}
				pairs = append(pairs, splitrouter.ScanPair{
					SrcToken: p.SrcToken,
					DstToken: p.DstToken,
					Amount:   amount,
				})
			}
			e.splitScan = splitrouter.NewScanner(e.split, pairs, cfg.Split.ScanInterval(), b, logger)
		}
	}

	if cfg.WSRFQ.Enabled {
		if sgn == nil {
			return nil, fmt.Errorf("wsrfq requires a configured signer")
		}
		e.rfqConn = wsrfq.New(cfg.WSRFQ.URL, cache, lc, sgn, b, logger)
	}

	if cfg.Admin.Enabled {
		var extra func(*mux.Router)
		if sgn != nil {
			agg := aggregator.New(cache, client, sgn, e.split, cfg.Upstream.ChainID, logger)
			extra = agg.Register
		}
		e.admin = admin.NewServer(cfg.Admin.Port, e, b, extra, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancel = cancel
	return e, nil
}

// buildSigner picks the configured signing variant.
func buildSigner(cfg config.Config) (signer.Signer, error) {
	switch cfg.Signer.Mode {
	case "kms":
		return signer.NewKMS(cfg.Signer.KMSURL, 10*time.Second), nil
	default:
		if cfg.Signer.PrivateKey == "" {
			return nil, nil // dry-run without signing
		}
		return signer.NewLocal(cfg.Signer.PrivateKey)
	}
}

func fixCounterparties(cps []config.FIXCounterparty) []fix.CounterpartyConfig {
	out := make([]fix.CounterpartyConfig, 0, len(cps))
	for _, cp := range cps {
		version := cp.Version
		if version == "" {
			version = fix.BeginFIX44
		}
		out = append(out, fix.CounterpartyConfig{
			SenderCompID: cp.SenderCompID,
			TargetCompID: cp.TargetCompID,
			Version:      version,
			HeartbeatSec: cp.HeartbeatSec,
			ResetOnLogon: cp.ResetOnLogon,
			Password:     cp.Password,
			LifecycleID:  cp.SenderCompID,
		})
	}
	return out
}

// noopSettler records nothing; on-chain submission is external.
type noopSettler struct{}

func (noopSettler) SubmitSettlement(ctx context.Context, firm *types.FirmQuote) (string, error) {
	return "", fmt.Errorf("settlement submission is not wired in this deployment")
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	// Seed the token registry with the upstream pair universe so FIX
	// symbol resolution is live before the first counterparty logs in.
	seedCtx, seedCancel := context.WithTimeout(e.ctx, 30*time.Second)
	if pairs, err := e.upstream.ListPairs(seedCtx, e.cfg.Upstream.ChainID); err != nil {
		e.logger.Warn("initial pair listing failed, registry follows the publisher", "error", err)
	} else {
		e.tokens.ApplyPairs(pairs)
	}
	seedCancel()

	e.spawn("rate_publisher", func() { e.publisher.Run(e.ctx) })

	if e.upstreamWS != nil {
		e.spawn("upstream_ws", func() {
			if err := e.upstreamWS.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("upstream ws exited", "error", err)
			}
		})
	}

	if e.acceptor != nil {
		e.spawn("fix_acceptor", func() {
			if err := e.acceptor.Serve(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("fix acceptor exited", "error", err)
			}
		})
	}

	if e.bridge != nil {
		e.spawn("venue_feed", func() {
			if err := e.venueFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("venue feed exited", "error", err)
			}
		})
		e.spawn("order_bridge", func() { e.bridge.Run(e.ctx, e.venueFeed.Fills()) })
	}

	if e.splitScan != nil {
		e.spawn("split_scanner", func() { e.splitScan.Run(e.ctx) })
	}

	if e.rfqConn != nil {
		e.spawn("wsrfq", func() {
			if err := e.rfqConn.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("rfq connector exited", "error", err)
			}
		})
	}

	if e.admin != nil {
		go func() {
			if err := e.admin.Start(); err != nil {
				e.logger.Error("admin server failed", "error", err)
			}
		}()
	}

	e.logger.Info("bridge started",
		"fix", e.acceptor != nil,
		"order_bridge", e.bridge != nil,
		"wsrfq", e.rfqConn != nil,
		"split", e.split != nil,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

func (e *Engine) spawn(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("component panicked", "component", name, "panic", r)
			}
		}()
		fn()
	}()
}

// Stop drains everything within the drain window.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	if e.admin != nil {
		if err := e.admin.Stop(); err != nil {
			e.logger.Error("admin stop failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainWindow):
		e.logger.Warn("drain window elapsed with goroutines still running")
	}

	if e.upstreamWS != nil {
		e.upstreamWS.Close()
	}
	if e.venueFeed != nil {
		e.venueFeed.Close()
	}
	if err := e.journal.Close(); err != nil {
		e.logger.Error("journal close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// SplitRouter exposes the optimiser (nil when disabled).
func (e *Engine) SplitRouter() *splitrouter.Router { return e.split }

// SessionCount implements admin.StatusProvider.
func (e *Engine) SessionCount() int {
	if e.acceptor == nil {
		return 0
	}
	return e.acceptor.SessionCount()
}

// QuoteCounts implements admin.StatusProvider.
func (e *Engine) QuoteCounts() map[types.QuoteState]int {
	return e.lifecycle.Counts()
}

// CacheSize implements admin.StatusProvider.
func (e *Engine) CacheSize() int {
	return e.cache.Len()
}

// BridgeOrderCount implements admin.StatusProvider.
func (e *Engine) BridgeOrderCount() int {
	if e.bridge == nil {
		return 0
	}
	return len(e.bridge.Orders())
}
