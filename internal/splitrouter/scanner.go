// scanner.go is the periodic arbitrage scanner over the split router:
// every interval it re-optimises each configured pair and publishes a
// split:opportunity event when splitting beats the best single venue.
// Per-pair failures are logged and never abort the sweep.
package splitrouter

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"deluthium-bridge/internal/bus"
)

// ScanPair is one pair the scanner keeps re-optimising.
type ScanPair struct {
	SrcToken string
	DstToken string
	Amount   *big.Int
}

// Opportunity is the payload for bus.TopicSplitOpportunity.
type Opportunity struct {
	Plan       *Plan
	ObservedAt time.Time
}

// Scanner drives the periodic optimisation loop.
type Scanner struct {
	router   *Router
	pairs    []ScanPair
	interval time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewScanner creates a scanner over the router. interval <= 0 defaults
// to 30s.
func NewScanner(router *Router, pairs []ScanPair, interval time.Duration, b *bus.Bus, logger *slog.Logger) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		router:   router,
		pairs:    pairs,
		interval: interval,
		bus:      b,
		logger:   logger.With("component", "split_scanner"),
	}
}

// Run scans until ctx ends.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ScanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("split scanner stopped")
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce optimises every configured pair once.
func (s *Scanner) ScanOnce(ctx context.Context) {
	for _, pair := range s.pairs {
		if ctx.Err() != nil {
			return
		}
		plan, err := s.router.Optimize(ctx, pair.SrcToken, pair.DstToken, pair.Amount)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("split scan failed",
				"src", pair.SrcToken, "dst", pair.DstToken, "error", err)
			continue
		}

		if !plan.SplitBeneficial {
			s.logger.Debug("no split edge",
				"src", pair.SrcToken, "dst", pair.DstToken, "fraction", plan.Fraction)
			continue
		}

		s.logger.Info("split opportunity",
			"src", pair.SrcToken,
			"dst", pair.DstToken,
			"fraction", plan.Fraction,
			"improvement_bps", plan.ImprovementBps,
		)
		if s.bus != nil {
			s.bus.Publish(bus.TopicSplitOpportunity, Opportunity{
				Plan:       plan,
				ObservedAt: time.Now(),
			})
		}
	}
}
