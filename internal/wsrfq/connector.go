// Package wsrfq connects the bridge to a push-based WebSocket RFQ
// network. The connector does two jobs: republish price levels derived
// from the rate cache whenever a rate refreshes, and answer pushed
// quote requests with signed firm quotes produced through the lifecycle
// engine. Reconnects follow the shared policy: 1s doubling to 32s with
// ±20% jitter, 15 attempts before giving up for good.
package wsrfq

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/bus"
	"deluthium-bridge/internal/lifecycle"
	"deluthium-bridge/internal/ratecache"
	"deluthium-bridge/internal/signer"
	"deluthium-bridge/pkg/types"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 32 * time.Second
	maxAttempts    = 15
	writeTimeout   = 10 * time.Second
	readTimeout    = 90 * time.Second
)

// QuoteService is the slice of the lifecycle engine the connector uses.
type QuoteService interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (*types.Quote, error)
	Accept(ctx context.Context, quoteID string) (*types.Trade, error)
}

// Connector maintains the RFQ network connection.
type Connector struct {
	url    string
	cache  *ratecache.Cache
	quotes QuoteService
	signer signer.Signer
	bus    *bus.Bus
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates the connector. It subscribes to rate updates immediately;
// publishes are dropped while disconnected.
func New(url string, cache *ratecache.Cache, quotes QuoteService, s signer.Signer, b *bus.Bus, logger *slog.Logger) *Connector {
	c := &Connector{
		url:    url,
		cache:  cache,
		quotes: quotes,
		signer: s,
		bus:    b,
		logger: logger.With("component", "wsrfq"),
	}
	b.Subscribe(bus.TopicRateUpdated, c.onRateUpdated)
	return c
}

// Run connects and serves until ctx ends or reconnects are exhausted.
func (c *Connector) Run(ctx context.Context) error {
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxAttempts {
			c.logger.Error("rfq network permanently disconnected", "error", err)
			c.bus.Publish(bus.TopicUpstreamDisconnected, err)
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		wait := backoff + time.Duration((rand.Float64()*0.4-0.2)*float64(backoff))
		c.logger.Warn("rfq network disconnected, reconnecting",
			"error", err, "backoff", wait, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Connector) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.logger.Info("rfq network connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(ctx, raw)
	}
}

// quoteRequestMsg is a pushed RFQ from the network.
type quoteRequestMsg struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	CounterpartyID string `json:"counterparty_id"`
	BaseToken      string `json:"base_token"`
	QuoteToken     string `json:"quote_token"`
	Side           string `json:"side"`
	Amount         string `json:"amount"`
	Firm           bool   `json:"firm"`
}

func (c *Connector) handleMessage(ctx context.Context, raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Debug("ignoring non-json rfq message")
		return
	}

	switch envelope.Type {
	case "quote_request":
		var req quoteRequestMsg
		if err := json.Unmarshal(raw, &req); err != nil {
			c.logger.Warn("bad quote_request payload", "error", err)
			return
		}
		c.onQuoteRequest(ctx, req)
	case "ping":
		c.writeJSON(map[string]string{"type": "pong"})
	default:
		c.logger.Debug("ignoring rfq message", "type", envelope.Type)
	}
}

// onQuoteRequest answers one pushed RFQ with a signed quote.
func (c *Connector) onQuoteRequest(ctx context.Context, req quoteRequestMsg) {
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.writeJSON(map[string]string{
			"type":       "quote_reject",
			"request_id": req.RequestID,
			"reason":     "amount must be a positive integer",
		})
		return
	}

	side := types.BUY
	if req.Side == "SELL" || req.Side == "2" {
		side = types.SELL
	}

	q, err := c.quotes.Submit(ctx, lifecycle.SubmitRequest{
		RequestID:      req.RequestID,
		CounterpartyID: req.CounterpartyID,
		BaseToken:      req.BaseToken,
		QuoteToken:     req.QuoteToken,
		Side:           side,
		Quantity:       amount,
	})
	if err != nil {
		c.writeJSON(map[string]string{
			"type":       "quote_reject",
			"request_id": req.RequestID,
			"reason":     err.Error(),
		})
		return
	}

	payload := fmt.Sprintf("%s|%s|%s|%d",
		q.QuoteID, q.Price.String(), q.Indicative.AmountOut.String(), q.ExpiresAt.UnixMilli())
	sig, err := c.signer.SignMessage(ctx, []byte(payload))
	if err != nil {
		c.logger.Error("quote signing failed", "quote_id", q.QuoteID, "error", err)
		c.writeJSON(map[string]string{
			"type":       "quote_reject",
			"request_id": req.RequestID,
			"reason":     "signing unavailable",
		})
		return
	}

	c.writeJSON(map[string]any{
		"type":       "quote",
		"request_id": req.RequestID,
		"quote_id":   q.QuoteID,
		"price":      q.Price.String(),
		"amount_out": q.Indicative.AmountOut.String(),
		"expires_at": q.ExpiresAt.UnixMilli(),
		"signature":  "0x" + hex.EncodeToString(sig),
	})
}

// onRateUpdated republishes price levels for a refreshed pair.
func (c *Connector) onRateUpdated(payload any) {
	update, ok := payload.(bus.RateUpdate)
	if !ok {
		return
	}
	entry := c.cache.Lookup(update.SrcToken, update.DstToken)
	if entry == nil {
		return
	}

	size := decimal.NewFromBigInt(entry.Quote.AmountIn, 0)
	c.writeJSON(map[string]any{
		"type":       "price_levels",
		"base_token": update.SrcToken,
		"quote_token": update.DstToken,
		"levels": []map[string]string{
			{"price": entry.Quote.Price.String(), "size": size.String()},
		},
		"observed_at": entry.CachedAt.UnixMilli(),
	})
}

// writeJSON sends one frame; silently dropped while disconnected.
func (c *Connector) writeJSON(v any) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Warn("rfq write failed", "error", err)
	}
}
