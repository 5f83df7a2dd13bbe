// Package lifecycle owns every in-flight quote's state machine.
//
// A FIX QuoteRequest and a WS RFQ push both become a Submit (aggregator
// pulls are answered from the rate cache and upstream firm quotes
// without entering this engine), and every path out of
// Quoted is driven here — Accept (through firm-quote execution), Reject,
// Cancel, or the expiry timer. Transitions for one quote are serialised
// under that quote's own lock; distinct quotes proceed independently.
// Terminal states are absorbing. Each transition lands exactly one entry
// in the audit journal.
//
// State machine:
//
//	Pending --submit--> Quoted --accept--> Accepted --(firm)--> Executed --settle--> Settled
//	                     |                    |                        \--fail--> Failed
//	                     |--reject--> Rejected |
//	                     |--expire--> Expired
//	                     \--cancel--> Cancelled
package lifecycle

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/audit"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

// timerResolution bounds how late an expiry may fire.
const timerResolution = 100 * time.Millisecond

// UpstreamQuoter is the slice of the upstream client the engine uses.
type UpstreamQuoter interface {
	IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error)
	FirmQuote(ctx context.Context, req upstream.FirmRequest) (*types.FirmQuote, error)
}

// Config tunes the engine.
type Config struct {
	ChainID         int64
	DefaultValidity time.Duration // quote lifetime, default 30s
	DefaultFeeBps   int64
	// SettleOnChain controls whether Accept obtains a firm quote with an
	// on-chain settlement payload before executing.
	SettleOnChain bool
	// FromAddr/ToAddr are the settlement addresses used on firm quotes.
	FromAddr string
	ToAddr   string
}

// entry wraps a quote with its transition lock and expiry timer.
type entry struct {
	mu    sync.Mutex
	quote *types.Quote
	timer *time.Timer
}

// Engine is the quote lifecycle state machine host.
type Engine struct {
	cfg      Config
	quoter   UpstreamQuoter
	registry *Registry
	trail    *audit.Trail
	logger   *slog.Logger

	mu        sync.RWMutex
	quotes    map[string]*entry       // quote-id → entry
	byRequest map[string]string       // request-id → quote-id
	trades    map[string]*types.Trade // trade-id → trade

	now func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates the engine.
func New(cfg Config, q UpstreamQuoter, reg *Registry, trail *audit.Trail, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = 30 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		quoter:    q,
		registry:  reg,
		trail:     trail,
		logger:    logger.With("component", "lifecycle"),
		quotes:    make(map[string]*entry),
		byRequest: make(map[string]string),
		trades:    make(map[string]*types.Trade),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitRequest is an inbound RFQ from any venue.
type SubmitRequest struct {
	RequestID      string
	CounterpartyID string
	BaseToken      string
	QuoteToken     string
	Side           types.Side
	Quantity       *big.Int
	Validity       time.Duration // 0 → engine default
	SourceIP       string
}

// Submit runs the Pending→Quoted path: validate the counterparty and
// pair, obtain an indicative quote, price in the fee, persist the quote
// and arm its expiry timer.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*types.Quote, error) {
	if req.Quantity == nil || req.Quantity.Sign() <= 0 {
		return nil, types.NewError(types.ErrValidation, "quantity must be positive")
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return nil, types.NewError(types.ErrValidation, "side must be BUY or SELL")
	}

	cp, err := e.registry.Get(req.CounterpartyID)
	if err != nil {
		return nil, err
	}
	if !cp.PairEnabled(req.BaseToken, req.QuoteToken) {
		return nil, types.NewError(types.ErrValidation,
			"pair %s/%s not enabled for counterparty %s", req.BaseToken, req.QuoteToken, cp.ID)
	}

	e.trail.Record(audit.Entry{
		EventType:   types.EventRFQReceived,
		Actor:       req.CounterpartyID,
		Description: "rfq received",
		Related:     types.RelatedIDs{RequestID: req.RequestID, CounterpartyID: req.CounterpartyID},
		SourceIP:    req.SourceIP,
		Data:        map[string]any{"side": req.Side, "quantity": req.Quantity.String()},
	})

	indicative, err := e.quoter.IndicativeQuote(ctx, upstream.IndicativeRequest{
		SrcChainID: e.cfg.ChainID,
		DstChainID: e.cfg.ChainID,
		TokenIn:    req.BaseToken,
		TokenOut:   req.QuoteToken,
		AmountIn:   req.Quantity,
		Side:       req.Side,
	})
	if err != nil {
		e.trail.Record(audit.Entry{
			EventType:   types.EventQuoteRejected,
			Actor:       "lifecycle",
			Description: "indicative quote unavailable: " + err.Error(),
			Related:     types.RelatedIDs{RequestID: req.RequestID, CounterpartyID: req.CounterpartyID},
			Severity:    types.SeverityWarning,
		})
		return nil, err
	}

	feeBps := cp.FeeBps(e.cfg.DefaultFeeBps)
	fee := new(big.Int).Mul(indicative.AmountOut, big.NewInt(feeBps))
	fee.Quo(fee, big.NewInt(10000))

	validity := req.Validity
	if validity <= 0 {
		validity = e.cfg.DefaultValidity
	}

	nowT := e.now()
	q := &types.Quote{
		QuoteID:        uuid.NewString(),
		RequestID:      req.RequestID,
		CounterpartyID: req.CounterpartyID,
		State:          types.StateQuoted,
		Indicative:     indicative,
		BaseToken:      req.BaseToken,
		QuoteToken:     req.QuoteToken,
		Side:           req.Side,
		Quantity:       new(big.Int).Set(req.Quantity),
		Price:          indicative.Price,
		Notional:       indicative.Price.Mul(decimal.NewFromBigInt(req.Quantity, 0)),
		Fee:            fee,
		ExpiresAt:      nowT.Add(validity),
		CreatedAt:      nowT,
	}

	ent := &entry{quote: q}
	ent.timer = time.AfterFunc(validity+timerResolution/2, func() { e.expire(q.QuoteID) })

	e.mu.Lock()
	e.quotes[q.QuoteID] = ent
	e.byRequest[q.RequestID] = q.QuoteID
	e.mu.Unlock()

	e.trail.Record(audit.Entry{
		EventType:   types.EventQuoteGenerated,
		Actor:       "lifecycle",
		Description: "quote generated",
		Related: types.RelatedIDs{
			RequestID:      q.RequestID,
			QuoteID:        q.QuoteID,
			CounterpartyID: q.CounterpartyID,
		},
		Data: map[string]any{
			"price":      q.Price.String(),
			"fee_bps":    feeBps,
			"expires_at": q.ExpiresAt,
		},
	})

	return cloneQuote(q), nil
}

// Accept runs Quoted→Accepted→Executed. If the quote already expired, it
// transitions to Expired and fails with QUOTE_EXPIRED. On upstream firm
// failure, the quote transitions to Failed and the error surfaces.
func (e *Engine) Accept(ctx context.Context, quoteID string) (*types.Trade, error) {
	ent, err := e.entryFor(quoteID)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	q := ent.quote

	if q.State != types.StateQuoted {
		return nil, types.NewError(types.ErrInvalidState,
			"cannot accept quote %s in state %s", quoteID, q.State)
	}
	if e.now().After(q.ExpiresAt) {
		e.transitionLocked(ent, types.StateExpired, types.EventQuoteExpired, "expired at point of acceptance")
		return nil, types.NewError(types.ErrQuoteExpired, "quote %s expired", quoteID)
	}

	e.transitionLocked(ent, types.StateAccepted, types.EventQuoteAccepted, "quote accepted")

	var firm *types.FirmQuote
	if e.cfg.SettleOnChain {
		firm, err = e.quoter.FirmQuote(ctx, upstream.FirmRequest{
			FromAddr:   e.cfg.FromAddr,
			ToAddr:     e.cfg.ToAddr,
			SrcChainID: e.cfg.ChainID,
			DstChainID: e.cfg.ChainID,
			TokenIn:    q.BaseToken,
			TokenOut:   q.QuoteToken,
			AmountIn:   q.Quantity,
			Slippage:   decimal.NewFromFloat(0.5),
			ExpirySec:  int64(e.cfg.DefaultValidity / time.Second),
		})
		if err != nil {
			e.transitionLocked(ent, types.StateFailed, types.EventTradeFailed,
				"firm quote failed: "+err.Error())
			return nil, err
		}
		q.Firm = firm
	}

	e.transitionLocked(ent, types.StateExecuted, "", "")

	trade := &types.Trade{
		TradeID:        uuid.NewString(),
		QuoteID:        q.QuoteID,
		RequestID:      q.RequestID,
		CounterpartyID: q.CounterpartyID,
		Side:           q.Side,
		Price:          q.Price,
		Quantity:       new(big.Int).Set(q.Quantity),
		Notional:       q.Notional,
		Fee:            q.Fee,
		ExecutedAt:     e.now(),
		Settlement:     types.SettlementPending,
		ChainID:        e.cfg.ChainID,
	}

	e.mu.Lock()
	e.trades[trade.TradeID] = trade
	e.mu.Unlock()

	e.trail.Record(audit.Entry{
		EventType:   types.EventTradeExecuted,
		Actor:       "lifecycle",
		Description: "trade executed",
		Related: types.RelatedIDs{
			RequestID:      q.RequestID,
			QuoteID:        q.QuoteID,
			TradeID:        trade.TradeID,
			CounterpartyID: q.CounterpartyID,
		},
		Data: map[string]any{"price": trade.Price.String(), "quantity": trade.Quantity.String()},
	})

	return cloneTrade(trade), nil
}

// Reject moves a Quoted quote to Rejected.
func (e *Engine) Reject(quoteID, reason string) error {
	ent, err := e.entryFor(quoteID)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.quote.State != types.StateQuoted {
		return types.NewError(types.ErrInvalidState,
			"cannot reject quote %s in state %s", quoteID, ent.quote.State)
	}
	e.transitionLocked(ent, types.StateRejected, types.EventQuoteRejected, reason)
	return nil
}

// Cancel moves the quote for a request-id from Quoted to Cancelled.
func (e *Engine) Cancel(requestID string) error {
	e.mu.RLock()
	quoteID, ok := e.byRequest[requestID]
	e.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "no quote for request %s", requestID)
	}

	ent, err := e.entryFor(quoteID)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.quote.State != types.StateQuoted {
		return types.NewError(types.ErrInvalidState,
			"cannot cancel quote %s in state %s", quoteID, ent.quote.State)
	}
	e.transitionLocked(ent, types.StateCancelled, types.EventQuoteCancelled, "cancelled by counterparty")
	return nil
}

// Settle finalises a trade: Executed→Settled on the quote, settled on
// the trade, with the optional transaction hash attached.
func (e *Engine) Settle(tradeID, txHash string) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	e.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "no trade %s", tradeID)
	}

	ent, err := e.entryFor(trade.QuoteID)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.quote.State != types.StateExecuted {
		return types.NewError(types.ErrInvalidState,
			"cannot settle quote %s in state %s", trade.QuoteID, ent.quote.State)
	}

	trade.Settlement = types.SettlementSettled
	trade.TxHash = txHash
	e.transitionLocked(ent, types.StateSettled, types.EventTradeSettled, "trade settled")
	return nil
}

// FailSettlement marks a trade's settlement as failed: Executed→Failed.
func (e *Engine) FailSettlement(tradeID, reason string) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	e.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "no trade %s", tradeID)
	}

	ent, err := e.entryFor(trade.QuoteID)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.quote.State != types.StateExecuted {
		return types.NewError(types.ErrInvalidState,
			"cannot fail quote %s in state %s", trade.QuoteID, ent.quote.State)
	}

	trade.Settlement = types.SettlementFailed
	e.transitionLocked(ent, types.StateFailed, types.EventTradeFailed, reason)
	return nil
}

// expire is the timer callback. Idempotent: a quote that already left
// Quoted is untouched.
func (e *Engine) expire(quoteID string) {
	ent, err := e.entryFor(quoteID)
	if err != nil {
		return
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.quote.State != types.StateQuoted {
		return
	}
	e.transitionLocked(ent, types.StateExpired, types.EventQuoteExpired, "validity window elapsed")
}

// transitionLocked mutates state under the entry lock, stops a live
// timer once the quote leaves Quoted, and journals the event when an
// event type is given.
func (e *Engine) transitionLocked(ent *entry, to types.QuoteState, eventType, description string) {
	q := ent.quote
	q.State = to

	if to != types.StateQuoted && ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}

	if eventType != "" {
		sev := types.SeverityInfo
		if to == types.StateFailed {
			sev = types.SeverityError
		}
		e.trail.Record(audit.Entry{
			EventType:   eventType,
			Actor:       "lifecycle",
			Description: description,
			Related: types.RelatedIDs{
				RequestID:      q.RequestID,
				QuoteID:        q.QuoteID,
				CounterpartyID: q.CounterpartyID,
			},
			Severity: sev,
		})
	}
}

func (e *Engine) entryFor(quoteID string) (*entry, error) {
	e.mu.RLock()
	ent, ok := e.quotes[quoteID]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "no quote %s", quoteID)
	}
	return ent, nil
}

// GetQuote returns a copy of the quote, or nil.
func (e *Engine) GetQuote(quoteID string) *types.Quote {
	ent, err := e.entryFor(quoteID)
	if err != nil {
		return nil
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return cloneQuote(ent.quote)
}

// GetQuoteByRequest returns a copy of the quote for a request-id, or nil.
func (e *Engine) GetQuoteByRequest(requestID string) *types.Quote {
	e.mu.RLock()
	quoteID, ok := e.byRequest[requestID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.GetQuote(quoteID)
}

// GetTrade returns a copy of the trade, or nil.
func (e *Engine) GetTrade(tradeID string) *types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[tradeID]
	if !ok {
		return nil
	}
	return cloneTrade(t)
}

// Counts returns quote totals by state, for the admin surface.
func (e *Engine) Counts() map[types.QuoteState]int {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.quotes))
	for _, ent := range e.quotes {
		entries = append(entries, ent)
	}
	e.mu.RUnlock()

	out := make(map[types.QuoteState]int)
	for _, ent := range entries {
		ent.mu.Lock()
		out[ent.quote.State]++
		ent.mu.Unlock()
	}
	return out
}

func cloneQuote(q *types.Quote) *types.Quote {
	cp := *q
	cp.Quantity = new(big.Int).Set(q.Quantity)
	if q.Fee != nil {
		cp.Fee = new(big.Int).Set(q.Fee)
	}
	return &cp
}

func cloneTrade(t *types.Trade) *types.Trade {
	cp := *t
	cp.Quantity = new(big.Int).Set(t.Quantity)
	if t.Fee != nil {
		cp.Fee = new(big.Int).Set(t.Fee)
	}
	return &cp
}
