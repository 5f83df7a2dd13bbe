// Package upstream implements the client for the Deluthium RFQ source.
//
// The REST client (Client) covers the three endpoints the bridge
// depends on:
//   - ListPairs:       GET  /v1/listing/pairs    — tradeable pairs per chain
//   - IndicativeQuote: POST /v1/quote/indicative — non-binding estimate
//   - FirmQuote:       POST /v1/quote/firm       — binding, signed quote
//
// Every request carries a bearer token (static or resolved per call),
// runs under a deadline, is rate-limited via per-category TokenBuckets,
// and retried with exponential backoff — but only for network errors,
// timeouts and HTTP 5xx/429. Other 4xx and non-success envelope codes
// surface immediately as API_ERROR. A circuit breaker keeps a flapping
// upstream from being hammered.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"deluthium-bridge/pkg/types"
)

// envelopeOK is the upstream's success code.
const envelopeOK = 10000

// TokenProvider resolves the bearer token before each request. A static
// token is wrapped via StaticToken.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed bearer token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// Options configures the upstream client.
type Options struct {
	BaseURL    string
	Token      TokenProvider
	ChainID    int64
	Timeout    time.Duration // per-call deadline, default 30s
	MaxRetries int           // attempts beyond the first, default 3
}

// Client is the Deluthium RFQ REST client.
type Client struct {
	http       *resty.Client
	token      TokenProvider
	chainID    int64
	timeout    time.Duration
	maxRetries int
	rl         *RateLimiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// envelope is the upstream response wrapper. Success iff Code == 10000.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// NewClient creates the upstream client. Retries are driven by this
// package (not resty's) so the policy matches the documented contract
// exactly: backoff starts at 1s and doubles, retrying only transient
// failures.
func NewClient(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "upstream",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
	})

	return &Client{
		http:       httpClient,
		token:      opts.Token,
		chainID:    opts.ChainID,
		timeout:    timeout,
		maxRetries: maxRetries,
		rl:         NewRateLimiter(),
		breaker:    breaker,
		logger:     logger.With("component", "upstream"),
	}
}

// ChainID returns the chain the client is configured against.
func (c *Client) ChainID() int64 { return c.chainID }

// pairDTO etc. are the wire shapes; amounts travel as decimal strings.
type pairDTO struct {
	PairID     string `json:"pair_id"`
	BaseToken  string `json:"base_token"`
	QuoteToken string `json:"quote_token"`
	ChainID    int64  `json:"chain_id"`
	Active     bool   `json:"active"`
}

type indicativeDTO struct {
	SrcToken    string `json:"token_in"`
	DstToken    string `json:"token_out"`
	AmountIn    string `json:"amount_in"`
	AmountOut   string `json:"amount_out"`
	Price       string `json:"price"`
	ValidForSec int64  `json:"valid_for_sec"`
}

type firmDTO struct {
	QuoteID    string `json:"quote_id"`
	SrcChainID int64  `json:"src_chain_id"`
	DstChainID int64  `json:"dst_chain_id"`
	FromAddr   string `json:"from_address"`
	ToAddr     string `json:"to_address"`
	SrcToken   string `json:"token_in"`
	DstToken   string `json:"token_out"`
	AmountIn   string `json:"amount_in"`
	AmountOut  string `json:"amount_out"`
	FeeRateBps int64  `json:"fee_rate_bps"`
	FeeAmount  string `json:"fee_amount"`
	RouterAddr string `json:"router_address"`
	Calldata   string `json:"calldata"`
	DeadlineSec int64 `json:"deadline"`
}

// ListPairs fetches the tradeable pairs for a chain.
func (c *Client) ListPairs(ctx context.Context, chainID int64) ([]types.TradingPair, error) {
	if err := c.rl.Listing.Wait(ctx); err != nil {
		return nil, err
	}

	var env envelope[struct {
		Pairs []pairDTO `json:"pairs"`
	}]
	err := c.call(ctx, "/v1/listing/pairs", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("chain_id", strconv.FormatInt(chainID, 10)).
			SetResult(&env).
			Get("/v1/listing/pairs")
	}, func() int { return env.Code }, func() string { return env.Message })
	if err != nil {
		return nil, err
	}

	pairs := make([]types.TradingPair, 0, len(env.Data.Pairs))
	for _, p := range env.Data.Pairs {
		if p.BaseToken == p.QuoteToken {
			c.logger.Warn("skipping degenerate pair", "pair_id", p.PairID)
			continue
		}
		pairs = append(pairs, types.TradingPair{
			ID:         p.PairID,
			BaseToken:  p.BaseToken,
			QuoteToken: p.QuoteToken,
			ChainID:    p.ChainID,
			Active:     p.Active,
		})
	}
	return pairs, nil
}

// IndicativeRequest parameterises IndicativeQuote.
type IndicativeRequest struct {
	SrcChainID int64
	DstChainID int64
	TokenIn    string
	TokenOut   string
	AmountIn   *big.Int
	Side       types.Side // optional
}

// IndicativeQuote requests a non-binding estimate.
func (c *Client) IndicativeQuote(ctx context.Context, req IndicativeRequest) (*types.IndicativeQuote, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, types.NewError(types.ErrValidation, "amount_in must be positive")
	}
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"src_chain_id": req.SrcChainID,
		"dst_chain_id": req.DstChainID,
		"token_in":     req.TokenIn,
		"token_out":    req.TokenOut,
		"amount_in":    req.AmountIn.String(),
	}
	if req.Side != "" {
		body["side"] = string(req.Side)
	}

	var env envelope[indicativeDTO]
	err := c.call(ctx, "/v1/quote/indicative", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&env).Post("/v1/quote/indicative")
	}, func() int { return env.Code }, func() string { return env.Message })
	if err != nil {
		return nil, err
	}

	return parseIndicative(env.Data)
}

// FirmRequest parameterises FirmQuote.
type FirmRequest struct {
	FromAddr   string
	ToAddr     string
	SrcChainID int64
	DstChainID int64
	TokenIn    string
	TokenOut   string
	AmountIn   *big.Int
	Slippage   decimal.Decimal // percent
	ExpirySec  int64
}

// FirmQuote requests a binding quote with reserved liquidity.
func (c *Client) FirmQuote(ctx context.Context, req FirmRequest) (*types.FirmQuote, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, types.NewError(types.ErrValidation, "amount_in must be positive")
	}
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"from_address":    req.FromAddr,
		"to_address":      req.ToAddr,
		"src_chain_id":    req.SrcChainID,
		"dst_chain_id":    req.DstChainID,
		"token_in":        req.TokenIn,
		"token_out":       req.TokenOut,
		"amount_in":       req.AmountIn.String(),
		"slippage":        req.Slippage.String(),
		"expiry_time_sec": req.ExpirySec,
	}

	var env envelope[firmDTO]
	err := c.call(ctx, "/v1/quote/firm", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&env).Post("/v1/quote/firm")
	}, func() int { return env.Code }, func() string { return env.Message })
	if err != nil {
		return nil, err
	}

	fq, err := parseFirm(env.Data)
	if err != nil {
		return nil, err
	}
	if fq.Expired(time.Now()) {
		return nil, types.NewError(types.ErrQuoteExpired, "firm quote already past deadline %s", fq.Deadline)
	}
	return fq, nil
}

// call runs one endpoint invocation under the retry policy and breaker.
// doReq issues the request; code/message read the decoded envelope.
func (c *Client) call(
	ctx context.Context,
	endpoint string,
	doReq func(*resty.Request) (*resty.Response, error),
	code func() int,
	message func() string,
) error {
	backoff := time.Second

	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, endpoint, doReq, code, message)
		if err == nil {
			return nil
		}

		kind := types.KindOf(err)
		if kind != types.ErrUpstreamTransient && kind != types.ErrTimeout {
			return err
		}
		if attempt >= c.maxRetries {
			return err
		}

		c.logger.Warn("upstream call failed, retrying",
			"endpoint", endpoint,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrTimeout, ctx.Err(), "upstream call cancelled (%s)", endpoint)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) attempt(
	ctx context.Context,
	endpoint string,
	doReq func(*resty.Request) (*resty.Response, error),
	code func() int,
	message func() string,
) error {
	result, err := c.breaker.Execute(func() (any, error) {
		req := c.http.R().SetContext(ctx)

		if c.token != nil {
			tok, terr := c.token(ctx)
			if terr != nil {
				return nil, types.WrapError(types.ErrUpstreamTransient, terr, "resolve auth token")
			}
			req.SetHeader("Authorization", "Bearer "+tok)
		}

		resp, rerr := doReq(req)
		if rerr != nil {
			if errors.Is(rerr, context.DeadlineExceeded) {
				return nil, types.WrapError(types.ErrTimeout, rerr, "upstream timeout after %s (%s)", c.timeout, endpoint)
			}
			return nil, types.WrapError(types.ErrUpstreamTransient, rerr, "upstream request failed (%s)", endpoint)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.WrapError(types.ErrUpstreamTransient, err, "upstream circuit open (%s)", endpoint)
		}
		return err
	}

	resp := result.(*resty.Response)
	status := resp.StatusCode()
	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		return &types.BridgeError{
			Kind:     types.ErrUpstreamTransient,
			Msg:      fmt.Sprintf("upstream status %d", status),
			Endpoint: endpoint,
			Body:     resp.String(),
		}
	case status >= 400:
		return &types.BridgeError{
			Kind:     types.ErrUpstreamPermanent,
			Msg:      fmt.Sprintf("upstream status %d", status),
			Endpoint: endpoint,
			Body:     resp.String(),
		}
	}

	if code() != envelopeOK {
		return &types.BridgeError{
			Kind:     types.ErrUpstreamPermanent,
			Msg:      fmt.Sprintf("envelope code %d: %s", code(), message()),
			Endpoint: endpoint,
			Body:     resp.String(),
		}
	}
	return nil
}

func parseIndicative(d indicativeDTO) (*types.IndicativeQuote, error) {
	amountIn, ok := new(big.Int).SetString(d.AmountIn, 10)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "bad amount_in %q", d.AmountIn)
	}
	amountOut, ok := new(big.Int).SetString(d.AmountOut, 10)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "bad amount_out %q", d.AmountOut)
	}
	if amountIn.Sign() <= 0 || amountOut.Sign() <= 0 {
		return nil, types.NewError(types.ErrValidation, "non-positive quote amounts")
	}
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "bad price %q", d.Price)
	}
	return &types.IndicativeQuote{
		SrcToken:   d.SrcToken,
		DstToken:   d.DstToken,
		AmountIn:   amountIn,
		AmountOut:  amountOut,
		Price:      price,
		ObservedAt: time.Now(),
		ValidFor:   time.Duration(d.ValidForSec) * time.Second,
	}, nil
}

func parseFirm(d firmDTO) (*types.FirmQuote, error) {
	amountIn, ok := new(big.Int).SetString(d.AmountIn, 10)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "bad amount_in %q", d.AmountIn)
	}
	amountOut, ok := new(big.Int).SetString(d.AmountOut, 10)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "bad amount_out %q", d.AmountOut)
	}
	feeAmount := big.NewInt(0)
	if d.FeeAmount != "" {
		if feeAmount, ok = new(big.Int).SetString(d.FeeAmount, 10); !ok {
			return nil, types.NewError(types.ErrValidation, "bad fee_amount %q", d.FeeAmount)
		}
	}
	return &types.FirmQuote{
		QuoteID:    d.QuoteID,
		SrcChainID: d.SrcChainID,
		DstChainID: d.DstChainID,
		FromAddr:   d.FromAddr,
		ToAddr:     d.ToAddr,
		SrcToken:   d.SrcToken,
		DstToken:   d.DstToken,
		AmountIn:   amountIn,
		AmountOut:  amountOut,
		FeeRateBps: d.FeeRateBps,
		FeeAmount:  feeAmount,
		RouterAddr: d.RouterAddr,
		Calldata:   d.Calldata,
		Deadline:   time.Unix(d.DeadlineSec, 0),
	}, nil
}
