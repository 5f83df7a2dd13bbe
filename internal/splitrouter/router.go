// Package splitrouter allocates a trade across the upstream RFQ source
// and an AMM venue. Optimisation runs in two phases: a coarse grid over
// the split fraction, then a ternary-search refinement around the best
// grid point. Outputs are compared net of gas, with gas cost converted
// into destination units through the AMM-derived dst/native rate.
package splitrouter

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

const (
	gridPoints       = 11 // f ∈ {0, 0.1, ..., 1.0}
	refineIterations = 5
	// upstreamGasUnits approximates the settlement cost of one RFQ fill.
	upstreamGasUnits = 120000
)

// AMMQuote is one AMM pricing answer (best of the v2/v3 pools).
type AMMQuote struct {
	AmountOut *big.Int
	GasUnits  uint64
	Source    string // "v2" or "v3"
}

// SwapParams parameterises an AMM swap execution.
type SwapParams struct {
	TokenIn  string
	TokenOut string
	AmountIn *big.Int
	MinOut   *big.Int
	Deadline time.Time
}

// SwapResult is the outcome of an executed AMM swap.
type SwapResult struct {
	AmountOut *big.Int
	TxHash    string
}

// AMM is the alternate venue: quoting, the dst/native conversion rate,
// the gas price, and swap execution.
type AMM interface {
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn *big.Int) (*AMMQuote, error)
	NativeRate(ctx context.Context, token string) (decimal.Decimal, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Swap(ctx context.Context, params SwapParams) (*SwapResult, error)
}

// Upstream is the slice of the RFQ client the router uses.
type Upstream interface {
	IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error)
	FirmQuote(ctx context.Context, req upstream.FirmRequest) (*types.FirmQuote, error)
}

// Settler submits upstream settlement transactions. On-chain submission
// itself lives outside the core; this is the seam it plugs into.
type Settler interface {
	SubmitSettlement(ctx context.Context, firm *types.FirmQuote) (txHash string, err error)
}

// Config tunes the router.
type Config struct {
	ChainID       int64
	MinSplitBps   int64
	MaxSlippageBps int64
	SwapDeadline  time.Duration
	FromAddr      string
	ToAddr        string
}

// Router is the split-route optimiser.
type Router struct {
	cfg      Config
	upstream Upstream
	amm      AMM
	settler  Settler
	logger   *slog.Logger
}

// New creates a router.
func New(cfg Config, up Upstream, amm AMM, settler Settler, logger *slog.Logger) *Router {
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = 2 * time.Minute
	}
	if cfg.MaxSlippageBps <= 0 {
		cfg.MaxSlippageBps = 50
	}
	return &Router{
		cfg:      cfg,
		upstream: up,
		amm:      amm,
		settler:  settler,
		logger:   logger.With("component", "split_router"),
	}
}

// Allocation is one leg of a split route.
type Allocation struct {
	Venue       string // "upstream" or "amm"
	AmountIn    *big.Int
	ExpectedOut *big.Int
	GasUnits    uint64
}

// Plan is the optimiser's answer.
type Plan struct {
	SrcToken        string
	DstToken        string
	TotalIn         *big.Int
	Fraction        decimal.Decimal // upstream share f ∈ [0, 1]
	Allocations     []Allocation
	ExpectedOut     *big.Int
	NetOutput       decimal.Decimal
	ImprovementBps  decimal.Decimal
	SplitBeneficial bool
}

// sample is one evaluated split point.
type sample struct {
	f      decimal.Decimal
	allocs []Allocation
	out    *big.Int
	gas    uint64
	net    decimal.Decimal
	valid  bool
}

// Optimize finds the net-output-maximising split of total across the
// upstream source and the AMM.
func (r *Router) Optimize(ctx context.Context, srcToken, dstToken string, total *big.Int) (*Plan, error) {
	if total == nil || total.Sign() <= 0 {
		return nil, types.NewError(types.ErrValidation, "total amount must be positive")
	}

	gasPrice, dstPerNative := r.gasContext(ctx, srcToken, dstToken)

	minSplit := decimal.NewFromInt(r.cfg.MinSplitBps).Div(decimal.NewFromInt(10000))
	step := decimal.NewFromInt(1).Div(decimal.NewFromInt(gridPoints - 1))

	// Phase 1: grid.
	var best sample
	for i := 0; i < gridPoints; i++ {
		f := step.Mul(decimal.NewFromInt(int64(i)))
		if skipFraction(f, minSplit) {
			continue
		}
		s := r.evaluate(ctx, srcToken, dstToken, total, f, gasPrice, dstPerNative)
		if s.valid && (!best.valid || s.net.GreaterThan(best.net)) {
			best = s
		}
	}
	if !best.valid {
		return nil, types.NewError(types.ErrUpstreamTransient, "no split point could be priced")
	}

	// Phase 2: ternary refinement around the best grid point.
	lo := best.f.Sub(step)
	hi := best.f.Add(step)
	if lo.IsNegative() {
		lo = decimal.Zero
	}
	if hi.GreaterThan(decimal.NewFromInt(1)) {
		hi = decimal.NewFromInt(1)
	}
	third := decimal.NewFromInt(3)
	for i := 0; i < refineIterations; i++ {
		gap := hi.Sub(lo)
		m1 := lo.Add(gap.Div(third))
		m2 := hi.Sub(gap.Div(third))

		s1 := r.evaluate(ctx, srcToken, dstToken, total, m1, gasPrice, dstPerNative)
		s2 := r.evaluate(ctx, srcToken, dstToken, total, m2, gasPrice, dstPerNative)

		if s1.valid && s1.net.GreaterThan(best.net) {
			best = s1
		}
		if s2.valid && s2.net.GreaterThan(best.net) {
			best = s2
		}

		if !s1.valid || (s2.valid && s2.net.GreaterThan(s1.net)) {
			lo = m1
		} else {
			hi = m2
		}
	}

	// Baseline: the better pure single-source route.
	pureUp := r.evaluate(ctx, srcToken, dstToken, total, decimal.NewFromInt(1), gasPrice, dstPerNative)
	pureAmm := r.evaluate(ctx, srcToken, dstToken, total, decimal.Zero, gasPrice, dstPerNative)
	baseline := pureUp
	if !baseline.valid || (pureAmm.valid && pureAmm.net.GreaterThan(baseline.net)) {
		baseline = pureAmm
	}

	improvement := decimal.Zero
	if baseline.valid && baseline.net.Sign() > 0 {
		improvement = best.net.Sub(baseline.net).Div(baseline.net).Mul(decimal.NewFromInt(10000))
	}
	if improvement.IsNegative() {
		// The baseline is itself a sampled point; the optimum can never
		// genuinely lose to it.
		best = baseline
		improvement = decimal.Zero
	}

	return &Plan{
		SrcToken:        srcToken,
		DstToken:        dstToken,
		TotalIn:         new(big.Int).Set(total),
		Fraction:        best.f,
		Allocations:     best.allocs,
		ExpectedOut:     best.out,
		NetOutput:       best.net,
		ImprovementBps:  improvement,
		SplitBeneficial: improvement.Sign() > 0,
	}, nil
}

// skipFraction drops non-extreme fractions with a dust-sized share on
// either side.
func skipFraction(f, minSplit decimal.Decimal) bool {
	one := decimal.NewFromInt(1)
	if f.IsZero() || f.Equal(one) {
		return false
	}
	if f.LessThan(minSplit) {
		return true
	}
	return one.Sub(f).LessThan(minSplit)
}

// gasContext fetches the gas price and the dst/native conversion rate;
// both degrade to zero (free gas) when unavailable.
func (r *Router) gasContext(ctx context.Context, srcToken, dstToken string) (*big.Int, decimal.Decimal) {
	gasPrice := big.NewInt(0)
	if gp, err := r.amm.GasPrice(ctx); err == nil && gp != nil {
		gasPrice = gp
	}
	rate := decimal.Zero
	if nr, err := r.amm.NativeRate(ctx, dstToken); err == nil {
		rate = nr
	}
	return gasPrice, rate
}

// evaluate prices one split point: upstream gets f of total, the AMM
// the rest.
func (r *Router) evaluate(ctx context.Context, srcToken, dstToken string, total *big.Int, f decimal.Decimal, gasPrice *big.Int, dstPerNative decimal.Decimal) sample {
	s := sample{f: f}

	upAmount := decimal.NewFromBigInt(total, 0).Mul(f).BigInt()
	ammAmount := new(big.Int).Sub(total, upAmount)

	out := big.NewInt(0)
	var gas uint64

	if upAmount.Sign() > 0 {
		quote, err := r.upstream.IndicativeQuote(ctx, upstream.IndicativeRequest{
			SrcChainID: r.cfg.ChainID,
			DstChainID: r.cfg.ChainID,
			TokenIn:    srcToken,
			TokenOut:   dstToken,
			AmountIn:   upAmount,
		})
		if err != nil {
			return s
		}
		out.Add(out, quote.AmountOut)
		gas += upstreamGasUnits
		s.allocs = append(s.allocs, Allocation{
			Venue:       "upstream",
			AmountIn:    upAmount,
			ExpectedOut: quote.AmountOut,
			GasUnits:    upstreamGasUnits,
		})
	}

	if ammAmount.Sign() > 0 {
		quote, err := r.amm.Quote(ctx, srcToken, dstToken, ammAmount)
		if err != nil {
			return s
		}
		out.Add(out, quote.AmountOut)
		gas += quote.GasUnits
		s.allocs = append(s.allocs, Allocation{
			Venue:       "amm",
			AmountIn:    ammAmount,
			ExpectedOut: quote.AmountOut,
			GasUnits:    quote.GasUnits,
		})
	}

	s.out = out
	s.gas = gas
	s.net = netOutput(out, gas, gasPrice, dstPerNative)
	s.valid = true
	return s
}

// netOutput subtracts the gas cost, converted into dst units, from the
// raw output. A zero dst/native rate treats gas as free.
func netOutput(out *big.Int, gasUnits uint64, gasPrice *big.Int, dstPerNative decimal.Decimal) decimal.Decimal {
	outD := decimal.NewFromBigInt(out, 0)
	if dstPerNative.IsZero() || gasPrice == nil || gasPrice.Sign() == 0 {
		return outD
	}
	gasWei := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), gasPrice)
	gasNative := decimal.NewFromBigInt(gasWei, -18)
	return outD.Sub(gasNative.Mul(dstPerNative))
}
