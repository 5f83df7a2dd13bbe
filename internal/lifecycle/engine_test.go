package lifecycle

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/audit"
	"deluthium-bridge/internal/journal"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream answers indicative and firm quotes, optionally failing.
type fakeUpstream struct {
	mu            sync.Mutex
	indicativeErr error
	firmErr       error
	firmCalls     int
}

func (f *fakeUpstream) IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indicativeErr != nil {
		return nil, f.indicativeErr
	}
	out := new(big.Int).Mul(req.AmountIn, big.NewInt(45000))
	return &types.IndicativeQuote{
		SrcToken:   req.TokenIn,
		DstToken:   req.TokenOut,
		AmountIn:   new(big.Int).Set(req.AmountIn),
		AmountOut:  out,
		Price:      decimal.NewFromInt(45000),
		ObservedAt: time.Now(),
		ValidFor:   30 * time.Second,
	}, nil
}

func (f *fakeUpstream) FirmQuote(ctx context.Context, req upstream.FirmRequest) (*types.FirmQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firmCalls++
	if f.firmErr != nil {
		return nil, f.firmErr
	}
	return &types.FirmQuote{
		QuoteID:   "fq-1",
		SrcToken:  req.TokenIn,
		DstToken:  req.TokenOut,
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: new(big.Int).Mul(req.AmountIn, big.NewInt(45000)),
		FeeAmount: big.NewInt(0),
		Calldata:  "0xdeadbeef",
		Deadline:  time.Now().Add(time.Minute),
	}, nil
}

type testRig struct {
	engine  *Engine
	up      *fakeUpstream
	journal *journal.Memory
}

func newRig(t *testing.T, cfg Config, opts ...Option) *testRig {
	t.Helper()
	if cfg.ChainID == 0 {
		cfg.ChainID = 137
	}
	j := journal.NewMemory(1000, 0)
	trail := audit.New(j, nil, testLogger())
	reg := NewRegistry()
	reg.Add(Counterparty{ID: "WINTERMUTE", Active: true})
	reg.Add(Counterparty{ID: "DORMANT", Active: false})
	up := &fakeUpstream{}
	return &testRig{
		engine:  New(cfg, up, reg, trail, testLogger(), opts...),
		up:      up,
		journal: j,
	}
}

func submitReq(requestID string) SubmitRequest {
	return SubmitRequest{
		RequestID:      requestID,
		CounterpartyID: "WINTERMUTE",
		BaseToken:      "BTC",
		QuoteToken:     "USDT",
		Side:           types.BUY,
		Quantity:       big.NewInt(1e15),
	}
}

func TestSubmitGeneratesQuote(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{DefaultFeeBps: 10})

	q, err := rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if q.State != types.StateQuoted {
		t.Fatalf("state = %s, want QUOTED", q.State)
	}
	if !q.Price.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("price = %s", q.Price)
	}
	// fee = amountOut * 10 / 10000
	wantFee := new(big.Int).Mul(big.NewInt(1e15), big.NewInt(45000))
	wantFee.Quo(wantFee, big.NewInt(1000))
	if q.Fee.Cmp(wantFee) != 0 {
		t.Fatalf("fee = %s, want %s", q.Fee, wantFee)
	}

	entries, _ := rig.journal.Query(journal.Filter{RequestID: "REQ-001"})
	if len(entries) != 2 ||
		entries[0].EventType != types.EventRFQReceived ||
		entries[1].EventType != types.EventQuoteGenerated {
		t.Fatalf("journal = %+v", entries)
	}
}

func TestSubmitUnknownCounterparty(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})
	req := submitReq("REQ-X")
	req.CounterpartyID = "NOBODY"
	if _, err := rig.engine.Submit(context.Background(), req); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestSubmitInactiveCounterparty(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})
	req := submitReq("REQ-X")
	req.CounterpartyID = "DORMANT"
	if _, err := rig.engine.Submit(context.Background(), req); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestAcceptExecutesAndJournals(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{SettleOnChain: true, FromAddr: "0x1", ToAddr: "0x2"})

	q, err := rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	trade, err := rig.engine.Accept(context.Background(), q.QuoteID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if trade.Settlement != types.SettlementPending {
		t.Fatalf("settlement = %s", trade.Settlement)
	}
	if got := rig.engine.GetQuote(q.QuoteID); got.State != types.StateExecuted {
		t.Fatalf("quote state = %s, want EXECUTED", got.State)
	}
	if got := rig.engine.GetQuote(q.QuoteID); got.Firm == nil {
		t.Fatal("firm quote not attached")
	}

	// Audit completeness for the happy path: rfq.received,
	// quote.generated, quote.accepted, trade.executed in order.
	entries, _ := rig.journal.Query(journal.Filter{RequestID: "REQ-001"})
	wantOrder := []string{
		types.EventRFQReceived,
		types.EventQuoteGenerated,
		types.EventQuoteAccepted,
		types.EventTradeExecuted,
	}
	if len(entries) != len(wantOrder) {
		t.Fatalf("journal has %d entries, want %d: %+v", len(entries), len(wantOrder), entries)
	}
	for i, want := range wantOrder {
		if entries[i].EventType != want {
			t.Fatalf("journal[%d] = %s, want %s", i, entries[i].EventType, want)
		}
		if entries[i].Related.RequestID != "REQ-001" {
			t.Fatalf("journal[%d] lost request id", i)
		}
	}
}

func TestAcceptExpiredQuoteTransitionsToExpired(t *testing.T) {
	t.Parallel()
	current := time.Now()
	rig := newRig(t, Config{}, WithClock(func() time.Time { return current }))

	q, err := rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	current = current.Add(time.Minute) // past the 30s default validity

	if _, err := rig.engine.Accept(context.Background(), q.QuoteID); !types.IsKind(err, types.ErrQuoteExpired) {
		t.Fatalf("err = %v, want QUOTE_EXPIRED", err)
	}
	if got := rig.engine.GetQuote(q.QuoteID); got.State != types.StateExpired {
		t.Fatalf("state = %s, want EXPIRED", got.State)
	}
}

func TestAcceptFirmFailureTransitionsToFailed(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{SettleOnChain: true})
	rig.up.firmErr = types.NewError(types.ErrUpstreamPermanent, "liquidity gone")

	q, _ := rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	if _, err := rig.engine.Accept(context.Background(), q.QuoteID); err == nil {
		t.Fatal("expected firm failure to surface")
	}
	if got := rig.engine.GetQuote(q.QuoteID); got.State != types.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})

	q, _ := rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	if err := rig.engine.Reject(q.QuoteID, "no thanks"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := rig.engine.Accept(context.Background(), q.QuoteID); !types.IsKind(err, types.ErrInvalidState) {
		t.Fatalf("accept after reject: %v, want INVALID_STATE", err)
	}
	if err := rig.engine.Reject(q.QuoteID, "again"); !types.IsKind(err, types.ErrInvalidState) {
		t.Fatalf("double reject: %v, want INVALID_STATE", err)
	}
	if err := rig.engine.Cancel("REQ-001"); !types.IsKind(err, types.ErrInvalidState) {
		t.Fatalf("cancel after reject: %v, want INVALID_STATE", err)
	}
	if got := rig.engine.GetQuote(q.QuoteID); got.State != types.StateRejected {
		t.Fatalf("terminal state left: %s", got.State)
	}
}

func TestCancelByRequestID(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})

	rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	if err := rig.engine.Cancel("REQ-001"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if q := rig.engine.GetQuoteByRequest("REQ-001"); q.State != types.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", q.State)
	}
}

func TestExpiryTimerFires(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})

	req := submitReq("REQ-001")
	req.Validity = 50 * time.Millisecond
	q, err := rig.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rig.engine.GetQuote(q.QuoteID).State == types.StateExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("quote never expired; state = %s", rig.engine.GetQuote(q.QuoteID).State)
}

func TestExpiryTimerIsIdempotent(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})

	req := submitReq("REQ-001")
	req.Validity = 50 * time.Millisecond
	q, _ := rig.engine.Submit(context.Background(), req)

	// Accept before the timer fires.
	if _, err := rig.engine.Accept(context.Background(), q.QuoteID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := rig.engine.GetQuote(q.QuoteID); got.State != types.StateExecuted {
		t.Fatalf("timer clobbered executed quote: %s", got.State)
	}
}

func TestSettleLifecycle(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})

	q, _ := rig.engine.Submit(context.Background(), submitReq("REQ-001"))
	trade, err := rig.engine.Accept(context.Background(), q.QuoteID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := rig.engine.Settle(trade.TradeID, "0xhash"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got := rig.engine.GetTrade(trade.TradeID)
	if got.Settlement != types.SettlementSettled || got.TxHash != "0xhash" {
		t.Fatalf("trade = %+v", got)
	}
	if rig.engine.GetQuote(q.QuoteID).State != types.StateSettled {
		t.Fatal("quote not settled")
	}

	// Settle is not repeatable.
	if err := rig.engine.Settle(trade.TradeID, "0xhash2"); !types.IsKind(err, types.ErrInvalidState) {
		t.Fatalf("double settle: %v, want INVALID_STATE", err)
	}
}

func TestPairAllowList(t *testing.T) {
	t.Parallel()
	rig := newRig(t, Config{})
	cp := Counterparty{ID: "PICKY", Active: true}
	cp.EnablePair("ETH", "USDC")
	rig.engine.registry.Add(cp)

	req := submitReq("REQ-1")
	req.CounterpartyID = "PICKY"
	if _, err := rig.engine.Submit(context.Background(), req); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("disallowed pair: %v, want VALIDATION", err)
	}

	req.BaseToken, req.QuoteToken = "ETH", "USDC"
	req.RequestID = "REQ-2"
	if _, err := rig.engine.Submit(context.Background(), req); err != nil {
		t.Fatalf("allowed pair rejected: %v", err)
	}
}
