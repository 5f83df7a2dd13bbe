// app.go routes application-level FIX messages into the quote
// lifecycle: QuoteRequest → Quote, NewOrderSingle → ExecutionReport,
// QuoteCancel, SecurityListRequest → SecurityList. QuoteCancel is
// applied without a reply; every other application message yields a
// Quote, an ExecutionReport, a SecurityList, or a reject.
package fix

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"deluthium-bridge/internal/lifecycle"
	"deluthium-bridge/pkg/types"
)

// QuoteService is the slice of the lifecycle engine the router uses.
type QuoteService interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (*types.Quote, error)
	Accept(ctx context.Context, quoteID string) (*types.Trade, error)
	Cancel(requestID string) error
	GetQuote(quoteID string) *types.Quote
}

// SymbolResolver maps FIX symbols ("BASE/QUOTE") to token identifiers
// and enumerates the listable universe.
type SymbolResolver interface {
	Resolve(symbol string) (base, quote string, err error)
	Symbols() []string
}

// Router is the FIX application layer.
type Router struct {
	quotes       QuoteService
	symbols      SymbolResolver
	quoteValidity time.Duration
	logger       *slog.Logger
}

// NewRouter creates the application router. validity is the quoted
// lifetime offered on QuoteRequest replies (default 30s).
func NewRouter(q QuoteService, s SymbolResolver, validity time.Duration, logger *slog.Logger) *Router {
	if validity <= 0 {
		validity = 30 * time.Second
	}
	return &Router{
		quotes:       q,
		symbols:      s,
		quoteValidity: validity,
		logger:       logger.With("component", "fix_app"),
	}
}

// Route dispatches one application message.
func (r *Router) Route(ctx context.Context, sess *Session, msg *Message) {
	switch msg.MsgType {
	case MsgTypeQuoteRequest:
		r.onQuoteRequest(ctx, sess, msg)
	case MsgTypeNewOrderSingle:
		r.onNewOrderSingle(ctx, sess, msg)
	case MsgTypeQuoteCancel:
		r.onQuoteCancel(sess, msg)
	case MsgTypeSecurityListReq:
		r.onSecurityListRequest(sess, msg)
	default:
		sess.sendBusinessReject(msg.SeqNum, msg.MsgType, "3", "unsupported message type")
	}
}

// onQuoteRequest serves 35=R: resolve the symbol, obtain an indicative
// quote through the lifecycle engine, and reply 35=S.
func (r *Router) onQuoteRequest(ctx context.Context, sess *Session, msg *Message) {
	quoteReqID, ok := msg.Get(TagQuoteReqID)
	if !ok {
		sess.sendReject(msg.SeqNum, msg.MsgType, "1", "QuoteReqID required")
		return
	}
	symbol, ok := msg.Get(TagSymbol)
	if !ok {
		sess.sendReject(msg.SeqNum, msg.MsgType, "1", "Symbol required")
		return
	}

	base, quote, err := r.symbols.Resolve(symbol)
	if err != nil {
		sess.sendBusinessReject(msg.SeqNum, msg.MsgType, "2", "unknown symbol "+symbol)
		return
	}

	side, err := parseSide(msg.GetOr(TagSide, "1"))
	if err != nil {
		sess.sendReject(msg.SeqNum, msg.MsgType, "5", err.Error())
		return
	}

	qty, ok := new(big.Int).SetString(msg.GetOr(TagOrderQty, ""), 10)
	if !ok || qty.Sign() <= 0 {
		sess.sendReject(msg.SeqNum, msg.MsgType, "5", "OrderQty must be a positive integer")
		return
	}

	q, err := r.quotes.Submit(ctx, lifecycle.SubmitRequest{
		RequestID:      quoteReqID,
		CounterpartyID: sess.Counterparty(),
		BaseToken:      base,
		QuoteToken:     quote,
		Side:           side,
		Quantity:       qty,
		Validity:       r.quoteValidity,
		SourceIP:       sess.SourceIP(),
	})
	if err != nil {
		r.logger.Warn("quote request failed", "quote_req_id", quoteReqID, "error", err)
		sess.sendBusinessReject(msg.SeqNum, msg.MsgType, "0", "quote unavailable: "+err.Error())
		return
	}

	body := map[int]string{
		TagQuoteReqID:     quoteReqID,
		TagQuoteID:        q.QuoteID,
		TagSymbol:         symbol,
		TagTransactTime:   FormatTime(time.Now()),
		TagValidUntilTime: FormatTime(q.ExpiresAt),
		TagQuoteType:      "1", // tradeable
	}
	// A buying counterparty gets our offer; a selling one our bid.
	if side == types.BUY {
		body[TagOfferPx] = q.Price.String()
	} else {
		body[TagBidPx] = q.Price.String()
	}

	if err := sess.send(MsgTypeQuote, body); err != nil {
		r.logger.Warn("quote reply failed", "quote_id", q.QuoteID, "error", err)
	}
}

// onNewOrderSingle serves 35=D. Only previously-quoted orders (117 set)
// are supported; the quoted price is firm within its validity.
func (r *Router) onNewOrderSingle(ctx context.Context, sess *Session, msg *Message) {
	clOrdID := msg.GetOr(TagClOrdID, "")
	symbol := msg.GetOr(TagSymbol, "")
	sideRaw := msg.GetOr(TagSide, "1")
	qtyRaw := msg.GetOr(TagOrderQty, "0")

	quoteID, ok := msg.Get(TagQuoteID)
	if !ok {
		r.sendExecReject(sess, clOrdID, "", symbol, sideRaw, qtyRaw,
			"orders without QuoteID are not supported")
		return
	}

	q := r.quotes.GetQuote(quoteID)
	if q == nil {
		r.sendExecReject(sess, clOrdID, quoteID, symbol, sideRaw, qtyRaw, "unknown quote")
		return
	}

	trade, err := r.quotes.Accept(ctx, quoteID)
	if err != nil {
		text := "quote not executable"
		switch types.KindOf(err) {
		case types.ErrQuoteExpired:
			text = "quote expired"
		case types.ErrInvalidState:
			text = "quote no longer active"
		default:
			text = "execution failed: " + err.Error()
		}
		r.sendExecReject(sess, clOrdID, quoteID, symbol, sideRaw, qtyRaw, text)
		return
	}

	qtyStr := trade.Quantity.String()
	body := map[int]string{
		TagAvgPx:        trade.Price.String(),
		TagClOrdID:      clOrdID,
		TagCumQty:       qtyStr,
		TagExecID:       uuid.NewString(),
		TagOrderID:      trade.TradeID,
		TagOrderQty:     qtyStr,
		TagOrdStatus:    "2", // filled
		TagSide:         sideRaw,
		TagSymbol:       symbol,
		TagTransactTime: FormatTime(trade.ExecutedAt),
		TagExecType:     "F", // trade
		TagLeavesQty:    "0",
		TagQuoteID:      quoteID,
	}
	if err := sess.send(MsgTypeExecutionReport, body); err != nil {
		r.logger.Warn("execution report failed", "trade_id", trade.TradeID, "error", err)
	}
}

// sendExecReject is the rejected path: ordStatus=8, leaves/cum zero.
func (r *Router) sendExecReject(sess *Session, clOrdID, quoteID, symbol, side, qty, text string) {
	body := map[int]string{
		TagAvgPx:        "0",
		TagClOrdID:      clOrdID,
		TagCumQty:       "0",
		TagExecID:       uuid.NewString(),
		TagOrderID:      "NONE",
		TagOrderQty:     qty,
		TagOrdStatus:    "8", // rejected
		TagSide:         side,
		TagSymbol:       symbol,
		TagText:         text,
		TagTransactTime: FormatTime(time.Now()),
		TagExecType:     "8",
		TagLeavesQty:    "0",
	}
	if quoteID != "" {
		body[TagQuoteID] = quoteID
	}
	if err := sess.send(MsgTypeExecutionReport, body); err != nil {
		r.logger.Warn("exec reject failed", "error", err)
	}
}

// onQuoteCancel serves 35=Z: drop the referenced quote. Per the quote
// cancel contract no response is sent.
func (r *Router) onQuoteCancel(sess *Session, msg *Message) {
	quoteID, ok := msg.Get(TagQuoteID)
	if !ok {
		return
	}
	q := r.quotes.GetQuote(quoteID)
	if q == nil {
		return
	}
	if err := r.quotes.Cancel(q.RequestID); err != nil {
		r.logger.Debug("quote cancel ignored", "quote_id", quoteID, "error", err)
	}
}

// onSecurityListRequest serves 35=x with the full symbol universe.
func (r *Router) onSecurityListRequest(sess *Session, msg *Message) {
	symbols := r.symbols.Symbols()

	fields := []Field{
		{Tag: TagSecurityReqID, Value: msg.GetOr(TagSecurityReqID, "")},
		{Tag: TagSecurityResponseID, Value: uuid.NewString()},
		{Tag: TagNoRelatedSym, Value: strconv.Itoa(len(symbols))},
	}
	for _, sym := range symbols {
		fields = append(fields, Field{Tag: TagSymbol, Value: sym})
	}

	if err := sess.sendFields(MsgTypeSecurityList, fields); err != nil {
		r.logger.Warn("security list reply failed", "error", err)
	}
}

// parseSide maps FIX tag 54 to a Side.
func parseSide(v string) (types.Side, error) {
	switch strings.TrimSpace(v) {
	case "1":
		return types.BUY, nil
	case "2":
		return types.SELL, nil
	default:
		return "", types.NewError(types.ErrValidation, "unsupported side %q", v)
	}
}
