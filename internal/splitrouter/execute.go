// execute.go carries a Plan into the market: firm quotes and settlement
// for the upstream leg, a slippage-bounded swap for the AMM leg.
// Per-allocation failures are recorded and do not abort the remaining
// allocations.
package splitrouter

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/upstream"
)

// LegResult is the outcome of one executed allocation.
type LegResult struct {
	Venue       string
	AmountIn    *big.Int
	ExpectedOut *big.Int
	ActualOut   *big.Int
	TxHash      string
	SlippageBps decimal.Decimal
	Err         error
}

// ExecutionReport summarises an executed plan.
type ExecutionReport struct {
	Legs      []LegResult
	TotalOut  *big.Int
	AnyFailed bool
}

// Execute runs every allocation in plan order.
func (r *Router) Execute(ctx context.Context, plan *Plan) *ExecutionReport {
	report := &ExecutionReport{TotalOut: big.NewInt(0)}

	for _, alloc := range plan.Allocations {
		var leg LegResult
		switch alloc.Venue {
		case "upstream":
			leg = r.executeUpstream(ctx, plan, alloc)
		default:
			leg = r.executeAMM(ctx, plan, alloc)
		}

		if leg.Err != nil {
			report.AnyFailed = true
			r.logger.Error("split leg failed",
				"venue", leg.Venue, "amount_in", leg.AmountIn, "error", leg.Err)
		} else {
			report.TotalOut.Add(report.TotalOut, leg.ActualOut)
		}
		report.Legs = append(report.Legs, leg)
	}

	return report
}

func (r *Router) executeUpstream(ctx context.Context, plan *Plan, alloc Allocation) LegResult {
	leg := LegResult{
		Venue:       alloc.Venue,
		AmountIn:    alloc.AmountIn,
		ExpectedOut: alloc.ExpectedOut,
	}

	slippagePct := decimal.NewFromInt(r.cfg.MaxSlippageBps).Div(decimal.NewFromInt(100))
	firm, err := r.upstream.FirmQuote(ctx, upstream.FirmRequest{
		FromAddr:   r.cfg.FromAddr,
		ToAddr:     r.cfg.ToAddr,
		SrcChainID: r.cfg.ChainID,
		DstChainID: r.cfg.ChainID,
		TokenIn:    plan.SrcToken,
		TokenOut:   plan.DstToken,
		AmountIn:   alloc.AmountIn,
		Slippage:   slippagePct,
		ExpirySec:  int64(r.cfg.SwapDeadline / time.Second),
	})
	if err != nil {
		leg.Err = err
		return leg
	}

	txHash, err := r.settler.SubmitSettlement(ctx, firm)
	if err != nil {
		leg.Err = err
		return leg
	}

	leg.ActualOut = firm.AmountOut
	leg.TxHash = txHash
	leg.SlippageBps = slippageBps(alloc.ExpectedOut, firm.AmountOut)
	return leg
}

func (r *Router) executeAMM(ctx context.Context, plan *Plan, alloc Allocation) LegResult {
	leg := LegResult{
		Venue:       alloc.Venue,
		AmountIn:    alloc.AmountIn,
		ExpectedOut: alloc.ExpectedOut,
	}

	minOut := new(big.Int).Mul(alloc.ExpectedOut, big.NewInt(10000-r.cfg.MaxSlippageBps))
	minOut.Quo(minOut, big.NewInt(10000))

	result, err := r.amm.Swap(ctx, SwapParams{
		TokenIn:  plan.SrcToken,
		TokenOut: plan.DstToken,
		AmountIn: alloc.AmountIn,
		MinOut:   minOut,
		Deadline: time.Now().Add(r.cfg.SwapDeadline),
	})
	if err != nil {
		leg.Err = err
		return leg
	}

	leg.ActualOut = result.AmountOut
	leg.TxHash = result.TxHash
	leg.SlippageBps = slippageBps(alloc.ExpectedOut, result.AmountOut)
	return leg
}

// slippageBps is (expected - actual) / expected in basis points.
// Negative values mean the fill beat the estimate.
func slippageBps(expected, actual *big.Int) decimal.Decimal {
	if expected == nil || expected.Sign() == 0 {
		return decimal.Zero
	}
	e := decimal.NewFromBigInt(expected, 0)
	a := decimal.NewFromBigInt(actual, 0)
	return e.Sub(a).Div(e).Mul(decimal.NewFromInt(10000))
}
