package fix

import (
	"context"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/audit"
	"deluthium-bridge/internal/journal"
	"deluthium-bridge/internal/lifecycle"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream quotes a flat 45000 price.
type fakeUpstream struct{}

func (fakeUpstream) IndicativeQuote(ctx context.Context, req upstream.IndicativeRequest) (*types.IndicativeQuote, error) {
	return &types.IndicativeQuote{
		SrcToken:   req.TokenIn,
		DstToken:   req.TokenOut,
		AmountIn:   new(big.Int).Set(req.AmountIn),
		AmountOut:  new(big.Int).Mul(req.AmountIn, big.NewInt(45000)),
		Price:      decimal.NewFromInt(45000),
		ObservedAt: time.Now(),
	}, nil
}

func (fakeUpstream) FirmQuote(ctx context.Context, req upstream.FirmRequest) (*types.FirmQuote, error) {
	return &types.FirmQuote{
		QuoteID:   "fq-1",
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: new(big.Int).Mul(req.AmountIn, big.NewInt(45000)),
		FeeAmount: big.NewInt(0),
		Deadline:  time.Now().Add(time.Minute),
	}, nil
}

// staticSymbols resolves BTC/USDT only.
type staticSymbols struct{}

func (staticSymbols) Resolve(symbol string) (string, string, error) {
	if symbol == "BTC/USDT" {
		return "BTC", "USDT", nil
	}
	return "", "", types.NewError(types.ErrValidation, "unknown symbol %s", symbol)
}

func (staticSymbols) Symbols() []string { return []string{"BTC/USDT", "ETH/USDT"} }

type fixRig struct {
	acceptor *Acceptor
	journal  *journal.Memory
	cancel   context.CancelFunc
	addr     string
}

func startRig(t *testing.T) *fixRig {
	t.Helper()
	logger := testLogger()

	j := journal.NewMemory(1000, 0)
	trail := audit.New(j, nil, logger)
	reg := lifecycle.NewRegistry()
	reg.Add(lifecycle.Counterparty{ID: "WINTERMUTE", Active: true})

	eng := lifecycle.New(lifecycle.Config{ChainID: 137}, fakeUpstream{}, reg, trail, logger)
	router := NewRouter(eng, staticSymbols{}, 30*time.Second, logger)

	acceptor := NewAcceptor(AcceptorConfig{
		Host:        "127.0.0.1",
		Port:        0,
		MaxSessions: 4,
		Counterparties: []CounterpartyConfig{{
			SenderCompID: "WINTERMUTE",
			TargetCompID: "DELUTHIUM",
			Version:      BeginFIX44,
			HeartbeatSec: 30,
			Password:     "secret",
			LifecycleID:  "WINTERMUTE",
		}},
	}, router, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go acceptor.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for acceptor.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("acceptor never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig := &fixRig{acceptor: acceptor, journal: j, cancel: cancel, addr: acceptor.Addr().String()}
	t.Cleanup(cancel)
	return rig
}

// fixClient is a minimal test-side counterparty.
type fixClient struct {
	t       *testing.T
	conn    net.Conn
	framer  *Framer
	seq     int
	pending []*Message
}

func dialRig(t *testing.T, rig *fixRig) *fixClient {
	t.Helper()
	conn, err := net.Dial("tcp", rig.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fixClient{t: t, conn: conn, framer: &Framer{}}
}

func (c *fixClient) send(msgType string, body map[int]string) {
	c.t.Helper()
	c.seq++
	full := map[int]string{
		TagMsgSeqNum:    strconv.Itoa(c.seq),
		TagSenderCompID: "WINTERMUTE",
		TagTargetCompID: "DELUTHIUM",
		TagSendingTime:  FormatTime(time.Now()),
	}
	for k, v := range body {
		full[k] = v
	}
	if _, err := c.conn.Write(BuildMap(BeginFIX44, msgType, full)); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

func (c *fixClient) sendRaw(raw []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(raw); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

// read returns the next inbound message within the timeout.
func (c *fixClient) read(timeout time.Duration) *Message {
	c.t.Helper()
	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.t.Fatalf("client read: %v", err)
		}
		msgs, ferr := c.framer.Push(buf[:n])
		if ferr != nil {
			c.t.Fatalf("client framing: %v", ferr)
		}
		for _, raw := range msgs {
			msg, perr := Parse(raw)
			if perr != nil {
				c.t.Fatalf("client parse: %v", perr)
			}
			c.pending = append(c.pending, msg)
		}
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending = c.pending[1:]
			return msg
		}
	}
	return nil
}

func (c *fixClient) logon() *Message {
	c.t.Helper()
	c.send(MsgTypeLogon, map[int]string{
		TagEncryptMethod:   "0",
		TagHeartBtInt:      "30",
		TagPassword:        "secret",
		TagResetSeqNumFlag: "Y",
	})
	msg := c.read(2 * time.Second)
	if msg == nil || msg.MsgType != MsgTypeLogon {
		c.t.Fatalf("no logon echo: %+v", msg)
	}
	return msg
}

func TestLogonEcho(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)

	echo := c.logon()
	if echo.Sender != "DELUTHIUM" || echo.Target != "WINTERMUTE" {
		t.Fatalf("echo comp ids: %s → %s", echo.Sender, echo.Target)
	}
	if echo.SeqNum != 1 {
		t.Fatalf("echo seq = %d, want 1", echo.SeqNum)
	}
	if v := echo.GetOr(TagResetSeqNumFlag, ""); v != "Y" {
		t.Fatalf("reset flag = %q, want Y", v)
	}
}

func TestBadPasswordRejected(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)

	c.send(MsgTypeLogon, map[int]string{
		TagEncryptMethod: "0",
		TagHeartBtInt:    "30",
		TagPassword:      "wrong",
	})
	msg := c.read(2 * time.Second)
	if msg == nil || msg.MsgType != MsgTypeReject {
		t.Fatalf("expected reject, got %+v", msg)
	}
}

func TestCorruptedChecksumIgnored(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	// A message with a corrupted checksum must be silently dropped and
	// must not advance the inbound sequence number.
	c.seq++
	raw := BuildMap(BeginFIX44, MsgTypeTestRequest, map[int]string{
		TagMsgSeqNum:    strconv.Itoa(c.seq),
		TagSenderCompID: "WINTERMUTE",
		TagTargetCompID: "DELUTHIUM",
		TagSendingTime:  FormatTime(time.Now()),
		TagTestReqID:    "T-BAD",
	})
	raw[len(raw)-4] = '9'
	raw[len(raw)-3] = '9'
	raw[len(raw)-2] = '9'
	c.sendRaw(raw)
	c.seq-- // the server never saw it

	// Resend the same sequence number with a valid checksum; if the
	// server had advanced, this would trigger a resend request instead
	// of a heartbeat reply.
	c.send(MsgTypeTestRequest, map[int]string{TagTestReqID: "T-GOOD"})
	msg := c.read(2 * time.Second)
	if msg == nil || msg.MsgType != MsgTypeHeartbeat {
		t.Fatalf("expected heartbeat, got %+v", msg)
	}
	if id := msg.GetOr(TagTestReqID, ""); id != "T-GOOD" {
		t.Fatalf("test req id = %q", id)
	}
}

func TestSequenceGapTriggersResendRequest(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	// Skip ahead: server expects 2, send 5.
	c.seq = 4
	c.send(MsgTypeTestRequest, map[int]string{TagTestReqID: "T-GAP"})

	msg := c.read(2 * time.Second)
	if msg == nil || msg.MsgType != MsgTypeResendRequest {
		t.Fatalf("expected resend request, got %+v", msg)
	}
	if got := msg.GetOr(TagBeginSeqNo, ""); got != "2" {
		t.Fatalf("begin seq = %q, want 2", got)
	}
	if got := msg.GetOr(TagEndSeqNo, ""); got != "0" {
		t.Fatalf("end seq = %q, want 0", got)
	}
}

func TestQuoteFlowScenario(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	// QuoteRequest for 1e18 BTC/USDT, counterparty buying.
	c.send(MsgTypeQuoteRequest, map[int]string{
		TagQuoteReqID: "REQ-001",
		TagSymbol:     "BTC/USDT",
		TagSide:       "1",
		TagOrderQty:   "1000000000000000000",
	})

	quote := c.read(2 * time.Second)
	if quote == nil || quote.MsgType != MsgTypeQuote {
		t.Fatalf("expected quote, got %+v", quote)
	}
	if quote.GetOr(TagQuoteReqID, "") != "REQ-001" {
		t.Fatalf("quote req id = %q", quote.GetOr(TagQuoteReqID, ""))
	}
	if quote.GetOr(TagOfferPx, "") != "45000" {
		t.Fatalf("offer px = %q, want 45000", quote.GetOr(TagOfferPx, ""))
	}
	if quote.GetOr(TagQuoteType, "") != "1" {
		t.Fatalf("quote type = %q, want 1", quote.GetOr(TagQuoteType, ""))
	}
	quoteID := quote.GetOr(TagQuoteID, "")
	if quoteID == "" {
		t.Fatal("no quote id")
	}
	if _, err := ParseTime(quote.GetOr(TagValidUntilTime, "")); err != nil {
		t.Fatalf("bad valid-until: %v", err)
	}

	// Execute the quote.
	c.send(MsgTypeNewOrderSingle, map[int]string{
		TagClOrdID:  "ORD-1",
		TagQuoteID:  quoteID,
		TagSymbol:   "BTC/USDT",
		TagSide:     "1",
		TagOrderQty: "1000000000000000000",
	})

	exec := c.read(2 * time.Second)
	if exec == nil || exec.MsgType != MsgTypeExecutionReport {
		t.Fatalf("expected execution report, got %+v", exec)
	}
	if exec.GetOr(TagOrdStatus, "") != "2" {
		t.Fatalf("ord status = %q, want 2 (filled)", exec.GetOr(TagOrdStatus, ""))
	}
	if exec.GetOr(TagAvgPx, "") != "45000" {
		t.Fatalf("avg px = %q", exec.GetOr(TagAvgPx, ""))
	}
	if exec.GetOr(TagCumQty, "") != "1000000000000000000" {
		t.Fatalf("cum qty = %q", exec.GetOr(TagCumQty, ""))
	}
	if exec.GetOr(TagLeavesQty, "") != "0" {
		t.Fatalf("leaves qty = %q", exec.GetOr(TagLeavesQty, ""))
	}

	// Audit completeness: the four events in order, sharing REQ-001.
	deadline := time.Now().Add(time.Second)
	var entries []types.AuditEntry
	for time.Now().Before(deadline) {
		entries, _ = rig.journal.Query(journal.Filter{RequestID: "REQ-001"})
		if len(entries) >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	want := []string{
		types.EventRFQReceived,
		types.EventQuoteGenerated,
		types.EventQuoteAccepted,
		types.EventTradeExecuted,
	}
	if len(entries) != len(want) {
		t.Fatalf("journal entries = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].EventType != w {
			t.Fatalf("journal[%d] = %s, want %s", i, entries[i].EventType, w)
		}
	}
}

func TestOrderWithoutQuoteIDRejected(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	c.send(MsgTypeNewOrderSingle, map[int]string{
		TagClOrdID:  "ORD-1",
		TagSymbol:   "BTC/USDT",
		TagSide:     "1",
		TagOrderQty: "100",
	})

	exec := c.read(2 * time.Second)
	if exec == nil || exec.MsgType != MsgTypeExecutionReport {
		t.Fatalf("expected execution report, got %+v", exec)
	}
	if exec.GetOr(TagOrdStatus, "") != "8" {
		t.Fatalf("ord status = %q, want 8 (rejected)", exec.GetOr(TagOrdStatus, ""))
	}
}

func TestUnknownMsgTypeBusinessRejected(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	c.send("V", map[int]string{}) // MarketDataRequest, unsupported

	msg := c.read(2 * time.Second)
	if msg == nil || msg.MsgType != MsgTypeBusinessReject {
		t.Fatalf("expected business reject, got %+v", msg)
	}
	if msg.GetOr(TagBusinessRejectReason, "") != "3" {
		t.Fatalf("reason = %q, want 3", msg.GetOr(TagBusinessRejectReason, ""))
	}
}

func TestServerSeqMonotonicity(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	last := 1 // logon echo was 1
	for i := 0; i < 3; i++ {
		c.send(MsgTypeTestRequest, map[int]string{TagTestReqID: "T"})
		msg := c.read(2 * time.Second)
		if msg == nil {
			t.Fatal("no reply")
		}
		if msg.SeqNum != last+1 {
			t.Fatalf("seq = %d, want %d", msg.SeqNum, last+1)
		}
		last = msg.SeqNum
	}
}

func TestSecurityList(t *testing.T) {
	t.Parallel()
	rig := startRig(t)
	c := dialRig(t, rig)
	c.logon()

	c.send(MsgTypeSecurityListReq, map[int]string{
		TagSecurityReqID: "SLR-1",
	})

	msg := c.read(2 * time.Second)
	if msg == nil || msg.MsgType != MsgTypeSecurityList {
		t.Fatalf("expected security list, got %+v", msg)
	}
	if msg.GetOr(TagNoRelatedSym, "") != "2" {
		t.Fatalf("symbol count = %q, want 2", msg.GetOr(TagNoRelatedSym, ""))
	}
}
