// session.go holds the per-connection FIX session state machine:
// logon/logout, heartbeats and test requests, sequence-number
// discipline, and outbound serialisation. Outbound messages are
// strictly serialised: sequence assignment and the socket write happen
// under one lock.
package fix

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// SessionState is the session's protocol stage.
type SessionState string

const (
	StateDisconnected  SessionState = "DISCONNECTED"
	StateAwaitingLogon SessionState = "AWAITING_LOGON"
	StateLoggedIn      SessionState = "LOGGED_IN"
	StateLogoutSent    SessionState = "LOGOUT_SENT"
)

// CounterpartyConfig describes one FIX counterparty the acceptor will
// log in. SenderCompID is the counterparty's comp id (their tag 49);
// TargetCompID is ours.
type CounterpartyConfig struct {
	SenderCompID  string
	TargetCompID  string
	Version       string // FIX.4.4 or FIXT.1.1
	HeartbeatSec  int
	ResetOnLogon  bool
	Password      string // empty disables the check
	LifecycleID   string // counterparty id in the lifecycle registry
}

// Session is one live FIX connection.
type Session struct {
	ID     string
	cfg    CounterpartyConfig
	logger *slog.Logger

	conn   net.Conn
	connMu sync.Mutex // serialises seq assignment + write

	stateMu sync.Mutex
	state   SessionState
	outSeq  int
	inSeq   int
	resync  bool

	hbInterval   time.Duration
	lastSent     time.Time
	lastReceived time.Time
	testReqSent  bool

	sourceIP string
}

// newSession wraps an accepted connection awaiting logon.
func newSession(id string, conn net.Conn, sourceIP string, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		conn:         conn,
		state:        StateAwaitingLogon,
		outSeq:       0,
		inSeq:        0,
		lastSent:     now,
		lastReceived: now,
		sourceIP:     sourceIP,
		logger:       logger.With("session", id),
	}
}

// State returns the current protocol stage.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Counterparty returns the lifecycle counterparty id bound at logon.
func (s *Session) Counterparty() string {
	return s.cfg.LifecycleID
}

// SourceIP returns the stripped remote address.
func (s *Session) SourceIP() string { return s.sourceIP }

// beginString returns the session's negotiated FIX version.
func (s *Session) beginString() string {
	if s.cfg.Version != "" {
		return s.cfg.Version
	}
	return BeginFIX44
}

// send serialises and writes one message, assigning the next outbound
// sequence number atomically with the write.
func (s *Session) send(msgType string, body map[int]string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.outSeq++
	full := make(map[int]string, len(body)+4)
	for k, v := range body {
		full[k] = v
	}
	full[TagMsgSeqNum] = strconv.Itoa(s.outSeq)
	full[TagSenderCompID] = s.cfg.TargetCompID
	full[TagTargetCompID] = s.cfg.SenderCompID
	full[TagSendingTime] = FormatTime(time.Now())

	raw := BuildMap(s.beginString(), msgType, full)

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}

	s.stateMu.Lock()
	s.lastSent = time.Now()
	s.stateMu.Unlock()
	return nil
}

// sendFields is send for messages with repeating groups, where tag
// order is structural. Header fields are prepended in order.
func (s *Session) sendFields(msgType string, body []Field) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.outSeq++
	header := []Field{
		{Tag: TagMsgSeqNum, Value: strconv.Itoa(s.outSeq)},
		{Tag: TagSenderCompID, Value: s.cfg.TargetCompID},
		{Tag: TagTargetCompID, Value: s.cfg.SenderCompID},
		{Tag: TagSendingTime, Value: FormatTime(time.Now())},
	}
	raw := Build(s.beginString(), msgType, append(header, body...))

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}

	s.stateMu.Lock()
	s.lastSent = time.Now()
	s.stateMu.Unlock()
	return nil
}

// sendReject emits a session-level Reject (35=3).
func (s *Session) sendReject(refSeq int, refMsgType, reason, text string) {
	body := map[int]string{
		TagRefSeqNum: strconv.Itoa(refSeq),
		TagText:      text,
	}
	if refMsgType != "" {
		body[TagRefMsgType] = refMsgType
	}
	if reason != "" {
		body[TagSessionRejectReason] = reason
	}
	if err := s.send(MsgTypeReject, body); err != nil {
		s.logger.Warn("reject send failed", "error", err)
	}
}

// sendBusinessReject emits a BusinessMessageReject (35=j).
func (s *Session) sendBusinessReject(refSeq int, refMsgType, reason, text string) {
	body := map[int]string{
		TagRefSeqNum:            strconv.Itoa(refSeq),
		TagRefMsgType:           refMsgType,
		TagBusinessRejectReason: reason,
		TagText:                 text,
	}
	if err := s.send(MsgTypeBusinessReject, body); err != nil {
		s.logger.Warn("business reject send failed", "error", err)
	}
}

// handleLogon validates credentials and version, applies the sequence
// reset flag, echoes the Logon and moves to LoggedIn.
func (s *Session) handleLogon(msg *Message, cfg *CounterpartyConfig) error {
	if cfg.Version != "" && msg.BeginString != cfg.Version {
		s.sendReject(msg.SeqNum, MsgTypeLogon, "18", "unsupported BeginString "+msg.BeginString)
		return fmt.Errorf("version mismatch: got %s want %s", msg.BeginString, cfg.Version)
	}
	if cfg.Password != "" {
		if pw, _ := msg.Get(TagPassword); pw != cfg.Password {
			s.sendReject(msg.SeqNum, MsgTypeLogon, "99", "invalid credentials")
			return fmt.Errorf("bad password for %s", msg.Sender)
		}
	}

	s.stateMu.Lock()
	s.cfg = *cfg

	hbSec := cfg.HeartbeatSec
	if v, ok := msg.Get(TagHeartBtInt); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hbSec = n
		}
	}
	if hbSec <= 0 {
		hbSec = 30
	}
	s.hbInterval = time.Duration(hbSec) * time.Second

	reset := cfg.ResetOnLogon
	if v, ok := msg.Get(TagResetSeqNumFlag); ok && v == "Y" {
		reset = true
	}
	if reset {
		s.outSeq = 0
		s.inSeq = 0
	}
	s.inSeq = msg.SeqNum
	s.state = StateLoggedIn
	s.lastReceived = time.Now()
	s.stateMu.Unlock()

	body := map[int]string{
		TagEncryptMethod: "0",
		TagHeartBtInt:    strconv.Itoa(hbSec),
	}
	if reset {
		body[TagResetSeqNumFlag] = "Y"
	}
	if err := s.send(MsgTypeLogon, body); err != nil {
		return err
	}

	s.logger.Info("session logged in",
		"counterparty", s.cfg.SenderCompID,
		"heartbeat_s", hbSec,
		"reset", reset,
	)
	return nil
}

// checkSeq enforces msgSeqNum == inSeq+1. On a gap it requests a resend
// and reports false; the message must not be applied. Only the initial
// Logon bypasses this path; every message after logon, ResendRequest
// included, passes through it.
func (s *Session) checkSeq(msg *Message) bool {
	s.stateMu.Lock()
	expected := s.inSeq + 1
	if msg.SeqNum == expected {
		s.inSeq = expected
		s.resync = false
		s.lastReceived = time.Now()
		s.stateMu.Unlock()
		return true
	}
	if msg.SeqNum < expected {
		// Duplicate or replay; drop without resetting the gap state.
		s.lastReceived = time.Now()
		s.stateMu.Unlock()
		s.logger.Warn("dropping low seq", "got", msg.SeqNum, "expected", expected)
		return false
	}
	s.resync = true
	s.lastReceived = time.Now()
	s.stateMu.Unlock()

	s.logger.Warn("sequence gap, requesting resend", "got", msg.SeqNum, "expected", expected)
	if err := s.send(MsgTypeResendRequest, map[int]string{
		TagBeginSeqNo: strconv.Itoa(expected),
		TagEndSeqNo:   "0",
	}); err != nil {
		s.logger.Warn("resend request failed", "error", err)
	}
	return false
}

// Resynchronising reports whether the session is waiting out a gap.
func (s *Session) Resynchronising() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.resync
}

// heartbeatTick runs the liveness rules once. Returns false when the
// session must be force-closed (counterparty silent past the test
// request grace).
func (s *Session) heartbeatTick(now time.Time) bool {
	s.stateMu.Lock()
	if s.state != StateLoggedIn || s.hbInterval <= 0 {
		s.stateMu.Unlock()
		return true
	}
	hb := s.hbInterval
	sinceSent := now.Sub(s.lastSent)
	sinceRecv := now.Sub(s.lastReceived)
	testReqSent := s.testReqSent
	s.stateMu.Unlock()

	if sinceSent > hb {
		if err := s.send(MsgTypeHeartbeat, map[int]string{}); err != nil {
			s.logger.Warn("heartbeat send failed", "error", err)
			return false
		}
	}

	switch {
	case sinceRecv > 3*hb && testReqSent:
		s.logger.Warn("counterparty silent past test request, forcing logout")
		return false
	case sinceRecv > 2*hb && !testReqSent:
		s.stateMu.Lock()
		s.testReqSent = true
		s.stateMu.Unlock()
		if err := s.send(MsgTypeTestRequest, map[int]string{
			TagTestReqID: fmt.Sprintf("TEST-%d", now.UnixMilli()),
		}); err != nil {
			s.logger.Warn("test request send failed", "error", err)
			return false
		}
	case sinceRecv <= 2*hb:
		s.stateMu.Lock()
		s.testReqSent = false
		s.stateMu.Unlock()
	}
	return true
}

// logout sends Logout and marks the session down.
func (s *Session) logout(text string) {
	body := map[int]string{}
	if text != "" {
		body[TagText] = text
	}
	if err := s.send(MsgTypeLogout, body); err != nil {
		s.logger.Debug("logout send failed", "error", err)
	}
	s.stateMu.Lock()
	s.state = StateLogoutSent
	s.stateMu.Unlock()
}

// close tears the connection down.
func (s *Session) close() {
	s.stateMu.Lock()
	s.state = StateDisconnected
	s.stateMu.Unlock()
	s.conn.Close()
}

// OutSeq returns the last assigned outbound sequence number.
func (s *Session) OutSeq() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.outSeq
}

// InSeq returns the last accepted inbound sequence number.
func (s *Session) InSeq() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.inSeq
}
