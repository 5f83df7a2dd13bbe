// bridge.go is the reconciliation loop that mirrors upstream quote
// mid-prices as downstream limit orders. Each registered mapping
// (upstream pair → downstream ticker and side) is re-priced every
// interval; live orders are left alone while the new target stays
// within the deviation threshold, and re-placed otherwise. The total
// number of live bridge orders is bounded by a global budget; new
// placements beyond it queue until budget frees up.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/bus"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

// Strategy selects the target-price policy.
type Strategy string

const (
	// StrategyMirror quotes the upstream mid exactly.
	StrategyMirror Strategy = "mirror"
	// StrategySpread applies ±spreadBps/2 around the mid.
	StrategySpread Strategy = "spread"
	// StrategyDynamic widens the spread with downstream book imbalance,
	// clamping the absolute bid-ask spread as a lower bound.
	StrategyDynamic Strategy = "dynamic"
)

// Mapping binds one upstream pair to one downstream order.
type Mapping struct {
	SrcToken string
	DstToken string
	Ticker   string
	Side     types.Side
	Size     decimal.Decimal
}

func (m Mapping) key() string {
	return m.Ticker + "|" + string(m.Side)
}

// Venue is the slice of the downstream client the bridge uses.
type Venue interface {
	PlaceOrder(ctx context.Context, ticker string, side types.Side, price, size decimal.Decimal) (*types.DownstreamOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Quoter is the slice of the upstream client the bridge uses.
type Quoter interface {
	IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error)
}

// BookSource exposes downstream book mirrors for the dynamic strategy.
type BookSource interface {
	BookFor(ticker string) *Book
}

// BridgeConfig tunes the reconciler.
type BridgeConfig struct {
	ChainID         int64
	RefreshInterval time.Duration // default 2s
	Strategy        Strategy
	MaxOrders       int
	DeviationBps    int64
	SpreadBps       int64
	// ProbeAmount is the upstream quote size used to derive the mid.
	ProbeAmount *big.Int
}

// queuedPlacement is a placement waiting for budget. Queued entries are
// not BridgeOrders yet, so they hold no budget; they are retargeted on
// every sweep and promoted as soon as a fill or cancel frees a slot.
type queuedPlacement struct {
	mapping Mapping
	mid     decimal.Decimal
	target  decimal.Decimal
}

// Bridge runs the reconciliation loop.
type Bridge struct {
	cfg    BridgeConfig
	quoter Quoter
	venue  Venue
	books  BookSource
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	mappings []Mapping
	byKey    map[string]*types.BridgeOrder // mapping key → live order
	orders   map[string]*types.BridgeOrder // bridge id → order
	byDownID map[string]string             // downstream order id → bridge id
	queue    map[string]*queuedPlacement   // mapping key → over-budget placement
}

// NewBridge creates the reconciler.
func NewBridge(cfg BridgeConfig, q Quoter, v Venue, books BookSource, b *bus.Bus, logger *slog.Logger) *Bridge {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = 16
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyMirror
	}
	if cfg.ProbeAmount == nil || cfg.ProbeAmount.Sign() <= 0 {
		cfg.ProbeAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	}
	return &Bridge{
		cfg:      cfg,
		quoter:   q,
		venue:    v,
		books:    books,
		bus:      b,
		logger:   logger.With("component", "order_bridge"),
		byKey:    make(map[string]*types.BridgeOrder),
		orders:   make(map[string]*types.BridgeOrder),
		byDownID: make(map[string]string),
		queue:    make(map[string]*queuedPlacement),
	}
}

// AddMapping registers a mapping before the loop starts.
func (b *Bridge) AddMapping(m Mapping) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mappings = append(b.mappings, m)
}

// Run drives the reconcile loop and fill consumption until ctx ends.
// On exit, live downstream orders are cancelled best-effort.
func (b *Bridge) Run(ctx context.Context, fills <-chan FillEvent) {
	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	b.ReconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			b.cancelAll()
			b.logger.Info("order bridge stopped")
			return
		case fill := <-fills:
			b.applyFill(fill)
		case <-ticker.C:
			b.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs one pass over every mapping. Per-mapping failures
// emit bridge:error and never abort the sweep.
func (b *Bridge) ReconcileOnce(ctx context.Context) {
	b.mu.Lock()
	mappings := make([]Mapping, len(b.mappings))
	copy(mappings, b.mappings)
	b.mu.Unlock()

	for _, m := range mappings {
		if ctx.Err() != nil {
			return
		}
		if err := b.reconcileMapping(ctx, m); err != nil {
			b.logger.Warn("mapping reconcile failed",
				"ticker", m.Ticker, "side", m.Side, "error", err)
		}
	}
}

func (b *Bridge) reconcileMapping(ctx context.Context, m Mapping) error {
	quote, err := b.quoter.IndicativeQuote(ctx, upstream.IndicativeRequest{
		SrcChainID: b.cfg.ChainID,
		DstChainID: b.cfg.ChainID,
		TokenIn:    m.SrcToken,
		TokenOut:   m.DstToken,
		AmountIn:   new(big.Int).Set(b.cfg.ProbeAmount),
	})
	if err != nil {
		b.faultMapping(m, err)
		return err
	}

	mid := quote.Price
	target := b.targetPrice(m, mid)

	b.mu.Lock()
	if q, ok := b.queue[m.key()]; ok {
		// Still waiting for budget: retarget in place and try again.
		q.mid = mid
		q.target = target
		b.mu.Unlock()
		b.drainQueue(ctx)
		return nil
	}
	existing := b.byKey[m.key()]
	b.mu.Unlock()

	if existing != nil && existing.Live() && existing.Downstream != nil {
		dev := deviationBps(target, existing.TargetPrice)
		if dev < b.cfg.DeviationBps {
			return nil
		}
		if err := b.cancelOrder(ctx, existing); err != nil {
			b.faultOrder(existing, err)
			return err
		}
	}

	return b.place(ctx, m, mid, target)
}

// targetPrice applies the configured strategy to an upstream mid.
func (b *Bridge) targetPrice(m Mapping, mid decimal.Decimal) decimal.Decimal {
	switch b.cfg.Strategy {
	case StrategySpread:
		return applyHalfSpread(mid, m.Side, decimal.NewFromInt(b.cfg.SpreadBps))

	case StrategyDynamic:
		spreadBps := decimal.NewFromInt(b.cfg.SpreadBps)
		if book := b.books.BookFor(m.Ticker); book != nil {
			// Widen with the size of the book imbalance, whichever side it leans to.
			imb := book.Imbalance().Abs()
			spreadBps = spreadBps.Mul(decimal.NewFromInt(1).Add(imb))

			// The venue's own spread is the floor: quoting inside it
			// would cross the book.
			if abs, ok := book.Spread(); ok && mid.Sign() > 0 {
				absBps := abs.Div(mid).Mul(decimal.NewFromInt(10000))
				if absBps.GreaterThan(spreadBps) {
					spreadBps = absBps
				}
			}
		}
		return applyHalfSpread(mid, m.Side, spreadBps)

	default: // mirror
		return mid
	}
}

// applyHalfSpread shifts the mid by spreadBps/2 away from the touch.
func applyHalfSpread(mid decimal.Decimal, side types.Side, spreadBps decimal.Decimal) decimal.Decimal {
	half := spreadBps.Div(decimal.NewFromInt(2)).Div(decimal.NewFromInt(10000))
	if side == types.BUY {
		return mid.Mul(decimal.NewFromInt(1).Sub(half))
	}
	return mid.Mul(decimal.NewFromInt(1).Add(half))
}

// deviationBps returns |new-old| / old in basis points, as an int64
// floor. A zero old price forces re-placement.
func deviationBps(newPrice, oldPrice decimal.Decimal) int64 {
	if oldPrice.IsZero() {
		return 1 << 30
	}
	return newPrice.Sub(oldPrice).Abs().Div(oldPrice).Mul(decimal.NewFromInt(10000)).IntPart()
}

// place creates a bridge order and submits it if budget allows. Orders
// in {pending, placed} never exceed MaxOrders; a placement that would
// cross the cap queues outside the order set until budget frees up.
func (b *Bridge) place(ctx context.Context, m Mapping, mid, target decimal.Decimal) error {
	b.mu.Lock()
	if b.liveCountLocked() >= b.cfg.MaxOrders {
		b.queue[m.key()] = &queuedPlacement{mapping: m, mid: mid, target: target}
		b.mu.Unlock()
		b.logger.Debug("bridge placement queued over budget",
			"ticker", m.Ticker, "side", m.Side)
		return nil
	}

	order := &types.BridgeOrder{
		BridgeID: uuid.NewString(),
		Source: types.QuoteSnapshot{
			SrcToken:   m.SrcToken,
			DstToken:   m.DstToken,
			Mid:        mid,
			ObservedAt: time.Now(),
		},
		Ticker:      m.Ticker,
		Side:        m.Side,
		TargetPrice: target,
		TargetSize:  m.Size,
		State:       types.BridgePending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	b.byKey[m.key()] = order
	b.orders[order.BridgeID] = order
	b.mu.Unlock()

	return b.submit(ctx, order)
}

// submit pushes a pending bridge order to the venue.
func (b *Bridge) submit(ctx context.Context, order *types.BridgeOrder) error {
	down, err := b.venue.PlaceOrder(ctx, order.Ticker, order.Side, order.TargetPrice, order.TargetSize)
	if err != nil {
		b.faultOrder(order, err)
		return err
	}

	b.mu.Lock()
	order.Downstream = down
	order.State = types.BridgePlaced
	order.UpdatedAt = time.Now()
	b.byDownID[down.OrderID] = order.BridgeID
	b.mu.Unlock()

	b.logger.Info("bridge order placed",
		"bridge_id", order.BridgeID,
		"ticker", order.Ticker,
		"side", order.Side,
		"price", order.TargetPrice,
	)
	return nil
}

// drainQueue promotes queued placements into bridge orders while the
// {pending, placed} count stays under the budget.
func (b *Bridge) drainQueue(ctx context.Context) {
	for {
		b.mu.Lock()
		var next *queuedPlacement
		if b.liveCountLocked() < b.cfg.MaxOrders {
			for key, q := range b.queue {
				next = q
				delete(b.queue, key)
				break
			}
		}
		b.mu.Unlock()

		if next == nil {
			return
		}
		if err := b.place(ctx, next.mapping, next.mid, next.target); err != nil {
			return
		}
	}
}

// cancelOrder cancels the downstream leg and marks the bridge order.
func (b *Bridge) cancelOrder(ctx context.Context, order *types.BridgeOrder) error {
	if order.Downstream != nil {
		if err := b.venue.CancelOrder(ctx, order.Downstream.OrderID); err != nil {
			return fmt.Errorf("cancel downstream: %w", err)
		}
	}
	b.mu.Lock()
	order.State = types.BridgeCancelled
	order.UpdatedAt = time.Now()
	if order.Downstream != nil {
		delete(b.byDownID, order.Downstream.OrderID)
	}
	b.mu.Unlock()
	return nil
}

// applyFill marks the matching bridge order filled and frees budget.
func (b *Bridge) applyFill(fill FillEvent) {
	b.mu.Lock()
	bridgeID, ok := b.byDownID[fill.OrderID]
	var order *types.BridgeOrder
	if ok {
		order = b.orders[bridgeID]
		order.State = types.BridgeFilled
		order.UpdatedAt = time.Now()
		delete(b.byDownID, fill.OrderID)
		if b.byKey[order.Ticker+"|"+string(order.Side)] == order {
			delete(b.byKey, order.Ticker+"|"+string(order.Side))
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.logger.Info("bridge order filled",
		"bridge_id", bridgeID, "ticker", fill.Ticker, "price", fill.Price)
	b.bus.Publish(bus.TopicBridgeFilled, bridgeID)

	b.drainQueue(context.Background())
}

// faultOrder records a downstream error against one bridge order.
func (b *Bridge) faultOrder(order *types.BridgeOrder, err error) {
	b.mu.Lock()
	order.State = types.BridgeError
	order.UpdatedAt = time.Now()
	b.mu.Unlock()

	b.bus.Publish(bus.TopicBridgeError, bus.BridgeFault{BridgeID: order.BridgeID, Err: err})
}

// faultMapping reports a failure before any bridge order exists.
func (b *Bridge) faultMapping(m Mapping, err error) {
	b.bus.Publish(bus.TopicBridgeError, bus.BridgeFault{BridgeID: m.key(), Err: err})
}

// liveCountLocked counts orders in {pending, placed} — the set the
// MaxOrders budget bounds.
func (b *Bridge) liveCountLocked() int {
	n := 0
	for _, o := range b.orders {
		if o.Live() {
			n++
		}
	}
	return n
}

// cancelAll cancels every live downstream order, best-effort.
func (b *Bridge) cancelAll() {
	b.mu.Lock()
	live := make([]*types.BridgeOrder, 0, len(b.orders))
	for _, o := range b.orders {
		if o.State == types.BridgePlaced {
			live = append(live, o)
		}
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, o := range live {
		if err := b.cancelOrder(ctx, o); err != nil {
			b.logger.Warn("shutdown cancel failed", "bridge_id", o.BridgeID, "error", err)
		}
	}
}

// Orders returns a snapshot of every bridge order.
func (b *Bridge) Orders() []types.BridgeOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BridgeOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out
}

// LiveCount returns the number of budget-holding orders.
func (b *Bridge) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveCountLocked()
}

// QueuedCount returns the number of placements waiting for budget.
func (b *Bridge) QueuedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
