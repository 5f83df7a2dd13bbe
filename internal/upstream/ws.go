// ws.go implements the upstream WebSocket feed. The socket streams pair
// listing changes and liquidity notices; the bridge mostly runs off REST
// polling, so the feed's job is staying connected and surfacing pushes.
//
// Reconnect policy: exponential backoff starting at 1s, doubling to a
// 32s cap, with ±20% jitter, for at most 15 attempts — then a permanent
// disconnect event is published and the feed stops. Concurrent dial
// attempts are deduplicated: only one dial is ever in flight.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deluthium-bridge/internal/bus"
)

const (
	wsInitialBackoff = time.Second
	wsMaxBackoff     = 32 * time.Second
	wsMaxAttempts    = 15
	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 90 * time.Second
	wsEventBuffer    = 128
)

// WSEvent is one pushed upstream message, routed by Type.
type WSEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSFeed maintains the upstream WebSocket connection.
type WSFeed struct {
	url    string
	bus    *bus.Bus
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	dialMu   sync.Mutex
	dialing  bool
	dialDone chan error

	events chan WSEvent
}

// NewWSFeed creates the upstream feed. The bus receives the permanent
// disconnect event if reconnection is exhausted.
func NewWSFeed(url string, b *bus.Bus, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:    url,
		bus:    b,
		logger: logger.With("component", "upstream_ws"),
		events: make(chan WSEvent, wsEventBuffer),
	}
}

// Events returns the pushed-event channel.
func (f *WSFeed) Events() <-chan WSEvent { return f.events }

// Run connects and maintains the connection until ctx is cancelled or the
// reconnect budget is exhausted.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := wsInitialBackoff

	for attempt := 1; ; attempt++ {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= wsMaxAttempts {
			f.logger.Error("upstream websocket permanently disconnected",
				"attempts", attempt, "error", err)
			f.bus.Publish(bus.TopicUpstreamDisconnected, err)
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		wait := jitter(backoff)
		f.logger.Warn("upstream websocket disconnected, reconnecting",
			"error", err, "backoff", wait, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

// jitter applies ±20% to d.
func jitter(d time.Duration) time.Duration {
	delta := (rand.Float64()*0.4 - 0.2) * float64(d)
	return d + time.Duration(delta)
}

// connectAndRead dials once (deduplicated) and reads until failure.
func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
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

	f.logger.Info("upstream websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var evt WSEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			f.logger.Debug("ignoring non-json ws message", "data", string(msg))
			continue
		}

		select {
		case f.events <- evt:
		default:
			f.logger.Warn("ws event channel full, dropping event", "type", evt.Type)
		}
	}
}

// dial deduplicates concurrent connection attempts: the second caller
// waits on the first caller's result instead of opening a second socket.
func (f *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	f.dialMu.Lock()
	if f.dialing {
		done := f.dialDone
		f.dialMu.Unlock()
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				return nil, fmt.Errorf("connection closed before handoff")
			}
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.dialing = true
	f.dialDone = make(chan error, 1)
	done := f.dialDone
	f.dialMu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)

	f.dialMu.Lock()
	f.dialing = false
	f.dialMu.Unlock()

	if err != nil {
		done <- fmt.Errorf("dial: %w", err)
		return nil, fmt.Errorf("dial: %w", err)
	}
	done <- nil
	return conn, nil
}

// Close shuts the connection down.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
