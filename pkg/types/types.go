// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bridge — trading pairs,
// indicative and firm quotes, the quote lifecycle entity, trades, bridge
// orders, and audit entries. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a quote or order: BUY or SELL,
// always from the counterparty's perspective on the base token.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// QuoteState enumerates the lifecycle states of a quote.
// Rejected, Expired, Settled, Failed and Cancelled are terminal.
type QuoteState string

const (
	StatePending   QuoteState = "PENDING"
	StateQuoted    QuoteState = "QUOTED"
	StateAccepted  QuoteState = "ACCEPTED"
	StateRejected  QuoteState = "REJECTED"
	StateExecuted  QuoteState = "EXECUTED"
	StateSettled   QuoteState = "SETTLED"
	StateExpired   QuoteState = "EXPIRED"
	StateFailed    QuoteState = "FAILED"
	StateCancelled QuoteState = "CANCELLED"
)

// Terminal reports whether a state can never be left again.
func (s QuoteState) Terminal() bool {
	switch s {
	case StateRejected, StateExpired, StateSettled, StateFailed, StateCancelled:
		return true
	}
	return false
}

// SettlementState tracks the post-trade settlement progress of a Trade.
type SettlementState string

const (
	SettlementPending  SettlementState = "pending"
	SettlementSettling SettlementState = "settling"
	SettlementSettled  SettlementState = "settled"
	SettlementFailed   SettlementState = "failed"
)

// BridgeOrderState enumerates the order-book bridge order states.
type BridgeOrderState string

const (
	BridgePending   BridgeOrderState = "pending"
	BridgePlaced    BridgeOrderState = "placed"
	BridgeFilled    BridgeOrderState = "filled"
	BridgeCancelled BridgeOrderState = "cancelled"
	BridgeError     BridgeOrderState = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Upstream market data
// ————————————————————————————————————————————————————————————————————————

// TradingPair is one tradeable pair as listed by the upstream RFQ source.
type TradingPair struct {
	ID         string `json:"pair_id"`
	BaseToken  string `json:"base_token"`
	QuoteToken string `json:"quote_token"`
	ChainID    int64  `json:"chain_id"`
	Active     bool   `json:"active"`
}

// IndicativeQuote is a non-binding price estimate from the upstream source.
// Amounts are exact integers in the token's smallest unit.
type IndicativeQuote struct {
	SrcToken   string          `json:"src_token"`
	DstToken   string          `json:"dst_token"`
	AmountIn   *big.Int        `json:"amount_in"`
	AmountOut  *big.Int        `json:"amount_out"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
	ValidFor   time.Duration   `json:"valid_for"`
}

// FirmQuote is a binding quote: the upstream has reserved liquidity for
// this exact trade until Deadline. Calldata is the settlement payload.
type FirmQuote struct {
	QuoteID    string    `json:"quote_id"`
	SrcChainID int64     `json:"src_chain_id"`
	DstChainID int64     `json:"dst_chain_id"`
	FromAddr   string    `json:"from_addr"`
	ToAddr     string    `json:"to_addr"`
	SrcToken   string    `json:"src_token"`
	DstToken   string    `json:"dst_token"`
	AmountIn   *big.Int  `json:"amount_in"`
	AmountOut  *big.Int  `json:"amount_out"`
	FeeRateBps int64     `json:"fee_rate_bps"`
	FeeAmount  *big.Int  `json:"fee_amount"`
	RouterAddr string    `json:"router_addr"`
	Calldata   string    `json:"calldata"`
	Deadline   time.Time `json:"deadline"`
}

// Expired reports whether the firm quote's deadline has passed.
func (f *FirmQuote) Expired(now time.Time) bool {
	return !now.Before(f.Deadline)
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle entities
// ————————————————————————————————————————————————————————————————————————

// Quote is the lifecycle entity owned by the lifecycle engine. FIX and WS
// RFQ quotes funnel into this single state machine; cross-component
// references are by QuoteID only.
type Quote struct {
	QuoteID        string
	RequestID      string
	CounterpartyID string
	State          QuoteState
	Indicative     *IndicativeQuote
	Firm           *FirmQuote // nil until execution reaches the upstream

	BaseToken  string
	QuoteToken string
	Side       Side
	Quantity   *big.Int
	Price      decimal.Decimal
	Notional   decimal.Decimal
	Fee        *big.Int

	ExpiresAt time.Time
	CreatedAt time.Time
}

// Trade is created exactly once, on the quote's transition to Executed.
type Trade struct {
	TradeID        string
	QuoteID        string
	RequestID      string
	CounterpartyID string
	Side           Side
	Price          decimal.Decimal
	Quantity       *big.Int
	Notional       decimal.Decimal
	Fee            *big.Int
	ExecutedAt     time.Time
	Settlement     SettlementState
	TxHash         string
	ChainID        int64
}

// ————————————————————————————————————————————————————————————————————————
// Order-book bridge
// ————————————————————————————————————————————————————————————————————————

// QuoteSnapshot captures the upstream quote a bridge order was derived from.
type QuoteSnapshot struct {
	SrcToken   string
	DstToken   string
	Mid        decimal.Decimal
	ObservedAt time.Time
}

// DownstreamOrder is the venue-side order a BridgeOrder maps to.
type DownstreamOrder struct {
	OrderID string
	Ticker  string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	Status  string
}

// BridgeOrder mirrors an upstream mid-price as a downstream limit order.
type BridgeOrder struct {
	BridgeID    string
	Source      QuoteSnapshot
	Ticker      string
	Side        Side
	TargetPrice decimal.Decimal
	TargetSize  decimal.Decimal
	Downstream  *DownstreamOrder // nil until placed
	State       BridgeOrderState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Live reports whether the order counts against the bridge order budget.
func (b *BridgeOrder) Live() bool {
	return b.State == BridgePending || b.State == BridgePlaced
}

// ————————————————————————————————————————————————————————————————————————
// Audit
// ————————————————————————————————————————————————————————————————————————

// Severity classifies an audit entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// RelatedIDs carries the identifiers an audit entry is correlated with.
// All fields are optional; zero values mean "not related".
type RelatedIDs struct {
	RequestID      string `json:"request_id,omitempty"`
	QuoteID        string `json:"quote_id,omitempty"`
	TradeID        string `json:"trade_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
}

// AuditEntry is one append-only record in the quote journal. EventID is
// strictly increasing within a process.
type AuditEntry struct {
	EventID     uint64         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       string         `json:"actor"`
	Description string         `json:"description"`
	Related     RelatedIDs     `json:"related,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	SourceIP    string         `json:"source_ip,omitempty"`
	Severity    Severity       `json:"severity"`
}

// Well-known audit event types emitted by the lifecycle engine.
const (
	EventRFQReceived    = "rfq.received"
	EventQuoteGenerated = "quote.generated"
	EventQuoteAccepted  = "quote.accepted"
	EventQuoteRejected  = "quote.rejected"
	EventQuoteExpired   = "quote.expired"
	EventQuoteCancelled = "quote.cancelled"
	EventTradeExecuted  = "trade.executed"
	EventTradeSettled   = "trade.settled"
	EventTradeFailed    = "trade.failed"
)
