package splitrouter

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// linearUpstream quotes out = rate * in.
type linearUpstream struct {
	rate    int64
	firmErr error
}

func (u *linearUpstream) IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error) {
	out := new(big.Int).Mul(req.AmountIn, big.NewInt(u.rate))
	return &types.IndicativeQuote{
		SrcToken:  req.TokenIn,
		DstToken:  req.TokenOut,
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: out,
		Price:     decimal.NewFromInt(u.rate),
	}, nil
}

func (u *linearUpstream) FirmQuote(ctx context.Context, req upstream.FirmRequest) (*types.FirmQuote, error) {
	if u.firmErr != nil {
		return nil, u.firmErr
	}
	return &types.FirmQuote{
		QuoteID:   "fq-1",
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: new(big.Int).Mul(req.AmountIn, big.NewInt(u.rate)),
		FeeAmount: big.NewInt(0),
		Deadline:  time.Now().Add(time.Minute),
	}, nil
}

// linearAMM quotes out = num/den * in.
type linearAMM struct {
	num, den  int64
	gasPrice  *big.Int
	rate      decimal.Decimal
	swapCalls []SwapParams
	swapErr   error
}

func (a *linearAMM) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn *big.Int) (*AMMQuote, error) {
	out := new(big.Int).Mul(amountIn, big.NewInt(a.num))
	out.Quo(out, big.NewInt(a.den))
	return &AMMQuote{AmountOut: out, GasUnits: v2GasUnits, Source: "v2"}, nil
}

func (a *linearAMM) NativeRate(ctx context.Context, token string) (decimal.Decimal, error) {
	return a.rate, nil
}

func (a *linearAMM) GasPrice(ctx context.Context) (*big.Int, error) {
	if a.gasPrice == nil {
		return big.NewInt(0), nil
	}
	return a.gasPrice, nil
}

func (a *linearAMM) Swap(ctx context.Context, params SwapParams) (*SwapResult, error) {
	a.swapCalls = append(a.swapCalls, params)
	if a.swapErr != nil {
		return nil, a.swapErr
	}
	out := new(big.Int).Mul(params.AmountIn, big.NewInt(a.num))
	out.Quo(out, big.NewInt(a.den))
	return &SwapResult{AmountOut: out, TxHash: "0xswap"}, nil
}

// recordingSettler captures settlement submissions.
type recordingSettler struct {
	calls int
	err   error
}

func (s *recordingSettler) SubmitSettlement(ctx context.Context, firm *types.FirmQuote) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "0xsettle", nil
}

func bigPow10(exp int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
}

// Upstream pays 2x, AMM pays 1.9x, gas negligible: the optimum is all
// upstream, and against a pure-upstream baseline the improvement is 0.
func TestOptimizeUpstreamDominates(t *testing.T) {
	t.Parallel()
	up := &linearUpstream{rate: 2}
	amm := &linearAMM{num: 19, den: 10}
	r := New(Config{ChainID: 137, MinSplitBps: 500}, up, amm, &recordingSettler{}, testLogger())

	total := bigPow10(20)
	plan, err := r.Optimize(context.Background(), "0xsrc", "0xdst", total)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}

	if !plan.Fraction.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fraction = %s, want 1", plan.Fraction)
	}
	if plan.SplitBeneficial {
		t.Fatal("split flagged beneficial with a dominant single source")
	}
	if !plan.ImprovementBps.IsZero() {
		t.Fatalf("improvement = %s, want 0", plan.ImprovementBps)
	}

	want := new(big.Int).Mul(total, big.NewInt(2))
	if plan.ExpectedOut.Cmp(want) != 0 {
		t.Fatalf("expected out = %s, want %s", plan.ExpectedOut, want)
	}
	if len(plan.Allocations) != 1 || plan.Allocations[0].Venue != "upstream" {
		t.Fatalf("allocations = %+v", plan.Allocations)
	}
}

func TestOptimizeAMMDominates(t *testing.T) {
	t.Parallel()
	up := &linearUpstream{rate: 1}
	amm := &linearAMM{num: 3, den: 1}
	r := New(Config{ChainID: 137}, up, amm, &recordingSettler{}, testLogger())

	plan, err := r.Optimize(context.Background(), "0xsrc", "0xdst", bigPow10(18))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !plan.Fraction.IsZero() {
		t.Fatalf("fraction = %s, want 0", plan.Fraction)
	}
	if len(plan.Allocations) != 1 || plan.Allocations[0].Venue != "amm" {
		t.Fatalf("allocations = %+v", plan.Allocations)
	}
}

func TestOptimizeRejectsNonPositive(t *testing.T) {
	t.Parallel()
	r := New(Config{}, &linearUpstream{rate: 1}, &linearAMM{num: 1, den: 1}, &recordingSettler{}, testLogger())
	if _, err := r.Optimize(context.Background(), "a", "b", big.NewInt(0)); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestSkipFraction(t *testing.T) {
	t.Parallel()
	minSplit := decimal.RequireFromString("0.05") // 500 bps

	cases := []struct {
		f    string
		skip bool
	}{
		{"0", false},
		{"1", false},
		{"0.02", true},  // below min on the upstream side
		{"0.98", true},  // below min on the amm side
		{"0.5", false},
		{"0.1", false},
	}
	for _, tc := range cases {
		if got := skipFraction(decimal.RequireFromString(tc.f), minSplit); got != tc.skip {
			t.Fatalf("skipFraction(%s) = %v, want %v", tc.f, got, tc.skip)
		}
	}
}

func TestNetOutputGasConversion(t *testing.T) {
	t.Parallel()
	out := big.NewInt(1_000_000)

	// No rate: gas is free.
	if got := netOutput(out, 100000, big.NewInt(50_000_000_000), decimal.Zero); !got.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("net with zero rate = %s", got)
	}

	// 100000 gas at 50 gwei = 5e-3 native; at 2000 dst per native the
	// cost is 10 dst units.
	rate := decimal.NewFromInt(2000)
	got := netOutput(out, 100000, big.NewInt(50_000_000_000), rate)
	want := decimal.NewFromInt(1_000_000 - 10)
	if !got.Equal(want) {
		t.Fatalf("net = %s, want %s", got, want)
	}
}

func TestExecuteSplitLegs(t *testing.T) {
	t.Parallel()
	up := &linearUpstream{rate: 2}
	amm := &linearAMM{num: 2, den: 1}
	settler := &recordingSettler{}
	r := New(Config{ChainID: 137, MaxSlippageBps: 50}, up, amm, settler, testLogger())

	plan := &Plan{
		SrcToken: "0xsrc",
		DstToken: "0xdst",
		Allocations: []Allocation{
			{Venue: "upstream", AmountIn: big.NewInt(1000), ExpectedOut: big.NewInt(2000)},
			{Venue: "amm", AmountIn: big.NewInt(500), ExpectedOut: big.NewInt(1000)},
		},
	}

	report := r.Execute(context.Background(), plan)
	if report.AnyFailed {
		t.Fatalf("legs failed: %+v", report.Legs)
	}
	if settler.calls != 1 {
		t.Fatalf("settlement calls = %d, want 1", settler.calls)
	}
	if report.TotalOut.Int64() != 3000 {
		t.Fatalf("total out = %s, want 3000", report.TotalOut)
	}

	// AMM leg carried the slippage-bounded minOut: 1000 * (1 - 50/10000).
	if len(amm.swapCalls) != 1 {
		t.Fatalf("swap calls = %d", len(amm.swapCalls))
	}
	if amm.swapCalls[0].MinOut.Int64() != 995 {
		t.Fatalf("min out = %s, want 995", amm.swapCalls[0].MinOut)
	}
}

func TestExecuteLegFailureIsIsolated(t *testing.T) {
	t.Parallel()
	up := &linearUpstream{rate: 2, firmErr: types.NewError(types.ErrUpstreamPermanent, "reserved")}
	amm := &linearAMM{num: 2, den: 1}
	r := New(Config{ChainID: 137, MaxSlippageBps: 50}, up, amm, &recordingSettler{}, testLogger())

	plan := &Plan{
		SrcToken: "0xsrc",
		DstToken: "0xdst",
		Allocations: []Allocation{
			{Venue: "upstream", AmountIn: big.NewInt(1000), ExpectedOut: big.NewInt(2000)},
			{Venue: "amm", AmountIn: big.NewInt(500), ExpectedOut: big.NewInt(1000)},
		},
	}

	report := r.Execute(context.Background(), plan)
	if !report.AnyFailed {
		t.Fatal("failure not recorded")
	}
	if len(report.Legs) != 2 {
		t.Fatalf("legs = %d, want 2 (second leg still ran)", len(report.Legs))
	}
	if report.Legs[0].Err == nil || report.Legs[1].Err != nil {
		t.Fatalf("leg errors = %v / %v", report.Legs[0].Err, report.Legs[1].Err)
	}
	if report.TotalOut.Int64() != 1000 {
		t.Fatalf("total out = %s, want 1000", report.TotalOut)
	}
}

func TestSlippageBps(t *testing.T) {
	t.Parallel()
	// Expected 2000, actual 1990: 50 bps of slippage.
	got := slippageBps(big.NewInt(2000), big.NewInt(1990))
	if !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("slippage = %s, want 50", got)
	}
}
