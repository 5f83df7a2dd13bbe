// amm.go is the on-chain AMM implementation: quotes are taken from both
// the v2 router (getAmountsOut) and the v3 quoter (quoteExactInputSingle)
// via eth_call, and the better answer wins. The dst/native rate is
// derived the same way, quoting one native token into dst. Swap
// execution signs and submits through the configured signer-backed
// transactor; failures surface to the split router per leg.
package splitrouter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const (
	v2GasUnits = 130000
	v3GasUnits = 180000
)

const v2RouterABI = `[{"name":"getAmountsOut","type":"function","stateMutability":"view",
"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
"outputs":[{"name":"amounts","type":"uint256[]"}]}]`

const v3QuoterABI = `[{"name":"quoteExactInputSingle","type":"function","stateMutability":"nonpayable",
"inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},
{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},
{"name":"sqrtPriceLimitX96","type":"uint160"}],
"outputs":[{"name":"amountOut","type":"uint256"}]}]`

// ChainAMMConfig locates the on-chain venues.
type ChainAMMConfig struct {
	RPCURL       string
	V2Router     string
	V3Quoter     string
	V3FeeTier    uint32 // e.g. 3000 for 0.3%
	WrappedNative string
}

// SwapExecutor signs and submits AMM swaps. Transaction submission is
// outside the core; deployments plug their transactor in here.
type SwapExecutor interface {
	ExecuteSwap(ctx context.Context, params SwapParams) (*SwapResult, error)
}

// ChainAMM implements AMM over an Ethereum JSON-RPC endpoint.
type ChainAMM struct {
	cfg      ChainAMMConfig
	client   *ethclient.Client
	v2ABI    abi.ABI
	v3ABI    abi.ABI
	executor SwapExecutor // nil quotes only
	logger   *slog.Logger
}

// SetExecutor wires a signing transactor for swap execution.
func (a *ChainAMM) SetExecutor(e SwapExecutor) { a.executor = e }

// NewChainAMM dials the RPC endpoint and prepares the call ABIs.
func NewChainAMM(cfg ChainAMMConfig, logger *slog.Logger) (*ChainAMM, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	v2, err := abi.JSON(strings.NewReader(v2RouterABI))
	if err != nil {
		return nil, fmt.Errorf("parse v2 abi: %w", err)
	}
	v3, err := abi.JSON(strings.NewReader(v3QuoterABI))
	if err != nil {
		return nil, fmt.Errorf("parse v3 abi: %w", err)
	}
	if cfg.V3FeeTier == 0 {
		cfg.V3FeeTier = 3000
	}
	return &ChainAMM{
		cfg:    cfg,
		client: client,
		v2ABI:  v2,
		v3ABI:  v3,
		logger: logger.With("component", "chain_amm"),
	}, nil
}

// Quote returns the better of the v2 and v3 prices. Either leg may fail
// (missing pool); only both failing is an error.
func (a *ChainAMM) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn *big.Int) (*AMMQuote, error) {
	var best *AMMQuote

	if out, err := a.quoteV2(ctx, tokenIn, tokenOut, amountIn); err == nil {
		best = &AMMQuote{AmountOut: out, GasUnits: v2GasUnits, Source: "v2"}
	} else {
		a.logger.Debug("v2 quote unavailable", "error", err)
	}

	if out, err := a.quoteV3(ctx, tokenIn, tokenOut, amountIn); err == nil {
		if best == nil || out.Cmp(best.AmountOut) > 0 {
			best = &AMMQuote{AmountOut: out, GasUnits: v3GasUnits, Source: "v3"}
		}
	} else {
		a.logger.Debug("v3 quote unavailable", "error", err)
	}

	if best == nil {
		return nil, fmt.Errorf("no amm liquidity for %s → %s", tokenIn, tokenOut)
	}
	return best, nil
}

func (a *ChainAMM) quoteV2(ctx context.Context, tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, error) {
	path := []common.Address{common.HexToAddress(tokenIn), common.HexToAddress(tokenOut)}
	data, err := a.v2ABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack getAmountsOut: %w", err)
	}

	router := common.HexToAddress(a.cfg.V2Router)
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call v2 router: %w", err)
	}

	var amounts []*big.Int
	if err := a.v2ABI.UnpackIntoInterface(&amounts, "getAmountsOut", raw); err != nil {
		return nil, fmt.Errorf("unpack amounts: %w", err)
	}
	if len(amounts) < 2 {
		return nil, fmt.Errorf("short amounts array")
	}
	return amounts[len(amounts)-1], nil
}

func (a *ChainAMM) quoteV3(ctx context.Context, tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, error) {
	data, err := a.v3ABI.Pack("quoteExactInputSingle",
		common.HexToAddress(tokenIn),
		common.HexToAddress(tokenOut),
		big.NewInt(int64(a.cfg.V3FeeTier)),
		amountIn,
		big.NewInt(0),
	)
	if err != nil {
		return nil, fmt.Errorf("pack quoteExactInputSingle: %w", err)
	}

	quoter := common.HexToAddress(a.cfg.V3Quoter)
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call v3 quoter: %w", err)
	}

	var out *big.Int
	if err := a.v3ABI.UnpackIntoInterface(&out, "quoteExactInputSingle", raw); err != nil {
		return nil, fmt.Errorf("unpack amountOut: %w", err)
	}
	return out, nil
}

// NativeRate quotes one wrapped-native token into token and scales the
// answer to token units per native. An unpriceable pair returns zero,
// which the router treats as free gas.
func (a *ChainAMM) NativeRate(ctx context.Context, token string) (decimal.Decimal, error) {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	quote, err := a.Quote(ctx, a.cfg.WrappedNative, token, one)
	if err != nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(quote.AmountOut, 0), nil
}

// GasPrice reads the suggested gas price.
func (a *ChainAMM) GasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.client.SuggestGasPrice(callCtx)
}

// Swap hands execution to the configured transactor. Quoting-only
// deployments leave it unset and the leg fails cleanly.
func (a *ChainAMM) Swap(ctx context.Context, params SwapParams) (*SwapResult, error) {
	if a.executor == nil {
		return nil, fmt.Errorf("amm execution requires a signing transactor")
	}
	return a.executor.ExecuteSwap(ctx, params)
}
