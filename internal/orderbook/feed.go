// feed.go is the downstream market-data WebSocket: book snapshots for
// the dynamic strategy and fill notifications for bridge orders. The
// reconnect policy mirrors the upstream feed: 1s doubling to 32s with
// ±20% jitter, 15 attempts, then the feed gives up for the process
// lifetime.
package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	feedInitialBackoff = time.Second
	feedMaxBackoff     = 32 * time.Second
	feedMaxAttempts    = 15
	feedReadTimeout    = 90 * time.Second
	feedWriteTimeout   = 10 * time.Second
	feedBuffer         = 128
)

// FillEvent reports a downstream order fill.
type FillEvent struct {
	OrderID string          `json:"order_id"`
	Ticker  string          `json:"ticker"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// bookMsg is the wire shape of a book snapshot push.
type bookMsg struct {
	Ticker string     `json:"ticker"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// Feed maintains the downstream market-data connection and routes
// snapshots into Book mirrors and fills onto a channel.
type Feed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	booksMu sync.RWMutex
	books   map[string]*Book // ticker → mirror

	fills chan FillEvent
}

// NewFeed creates the market-data feed.
func NewFeed(url string, logger *slog.Logger) *Feed {
	return &Feed{
		url:    url,
		logger: logger.With("component", "venue_feed"),
		books:  make(map[string]*Book),
		fills:  make(chan FillEvent, feedBuffer),
	}
}

// Fills returns the fill notification channel.
func (f *Feed) Fills() <-chan FillEvent { return f.fills }

// Track registers a ticker and returns its book mirror.
func (f *Feed) Track(ticker string) *Book {
	f.booksMu.Lock()
	defer f.booksMu.Unlock()
	if b, ok := f.books[ticker]; ok {
		return b
	}
	b := NewBook(ticker)
	f.books[ticker] = b
	return b
}

// BookFor returns the mirror for a ticker, or nil.
func (f *Feed) BookFor(ticker string) *Book {
	f.booksMu.RLock()
	defer f.booksMu.RUnlock()
	return f.books[ticker]
}

// Run connects and maintains the feed until ctx ends or the reconnect
// budget is exhausted.
func (f *Feed) Run(ctx context.Context) error {
	backoff := feedInitialBackoff

	for attempt := 1; ; attempt++ {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= feedMaxAttempts {
			f.logger.Error("venue feed permanently disconnected", "error", err)
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		wait := backoff + time.Duration((rand.Float64()*0.4-0.2)*float64(backoff))
		f.logger.Warn("venue feed disconnected, reconnecting",
			"error", err, "backoff", wait, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > feedMaxBackoff {
			backoff = feedMaxBackoff
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("venue feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) subscribeAll() error {
	f.booksMu.RLock()
	tickers := make([]string, 0, len(f.books))
	for t := range f.books {
		tickers = append(tickers, t)
	}
	f.booksMu.RUnlock()

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(map[string]any{
		"op":      "subscribe",
		"tickers": tickers,
	})
}

func (f *Feed) dispatch(data []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json feed message")
		return
	}

	switch envelope.Channel {
	case "orderbook":
		var msg bookMsg
		if err := json.Unmarshal(envelope.Data, &msg); err != nil {
			f.logger.Error("unmarshal book snapshot", "error", err)
			return
		}
		book := f.BookFor(msg.Ticker)
		if book == nil {
			return
		}
		book.ApplySnapshot(parseLevels(msg.Bids), parseLevels(msg.Asks))

	case "fills":
		var fill FillEvent
		if err := json.Unmarshal(envelope.Data, &fill); err != nil {
			f.logger.Error("unmarshal fill", "error", err)
			return
		}
		select {
		case f.fills <- fill:
		default:
			f.logger.Warn("fill channel full, dropping event", "order_id", fill.OrderID)
		}

	default:
		f.logger.Debug("ignoring feed channel", "channel", envelope.Channel)
	}
}

func parseLevels(raw [][2]string) []Level {
	out := make([]Level, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l[1])
		if err != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

// Close shuts the connection down.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
