// acceptor.go binds the listening socket, enforces the IP allow-list
// and session cap, and runs the per-connection read loop: framing,
// checksum validation, sequence discipline, session-level dispatch, and
// handoff of application messages to the router.
package fix

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// heartbeatResolution is how often liveness rules are evaluated.
const heartbeatResolution = time.Second

// AcceptorConfig configures the FIX acceptor.
type AcceptorConfig struct {
	Host           string
	Port           int
	TLSCertPath    string
	TLSKeyPath     string
	MaxSessions    int
	AllowedIPs     []string
	Counterparties []CounterpartyConfig
}

// AppRouter receives application-level messages on a logged-in session.
type AppRouter interface {
	Route(ctx context.Context, sess *Session, msg *Message)
}

// Acceptor is the TCP/TLS FIX acceptor.
type Acceptor struct {
	cfg    AcceptorConfig
	router AppRouter
	logger *slog.Logger

	ln net.Listener

	mu       sync.Mutex
	sessions map[string]*Session

	wg sync.WaitGroup
}

// NewAcceptor creates an acceptor; Serve binds and runs it.
func NewAcceptor(cfg AcceptorConfig, router AppRouter, logger *slog.Logger) *Acceptor {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 32
	}
	return &Acceptor{
		cfg:      cfg,
		router:   router,
		logger:   logger.With("component", "fix_acceptor"),
		sessions: make(map[string]*Session),
	}
}

// Serve binds the listener and accepts connections until ctx ends. On
// shutdown it sends Logout on every active session before returning.
func (a *Acceptor) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	var ln net.Listener
	var err error
	if a.cfg.TLSCertPath != "" && a.cfg.TLSKeyPath != "" {
		cert, cerr := tls.LoadX509KeyPair(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		if cerr != nil {
			return fmt.Errorf("load tls keypair: %w", cerr)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		a.logger.Warn("TLS not configured, FIX credentials travel in plaintext")
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.logger.Info("fix acceptor listening", "addr", addr, "tls", a.cfg.TLSCertPath != "")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Warn("accept failed", "error", aerr)
			continue
		}
		a.handleAccept(ctx, conn)
	}

	a.shutdownSessions()
	a.wg.Wait()
	return nil
}

// handleAccept applies the allow-list and session cap, then spawns the
// connection handler.
func (a *Acceptor) handleAccept(ctx context.Context, conn net.Conn) {
	ip := remoteIP(conn)
	if len(a.cfg.AllowedIPs) > 0 && !a.ipAllowed(ip) {
		a.logger.Warn("connection refused by allow-list", "ip", ip)
		conn.Close()
		return
	}

	a.mu.Lock()
	if len(a.sessions) >= a.cfg.MaxSessions {
		a.mu.Unlock()
		a.logger.Warn("session cap reached, closing connection", "ip", ip, "max", a.cfg.MaxSessions)
		conn.Close()
		return
	}
	sess := newSession(uuid.NewString(), conn, ip, a.logger)
	a.sessions[sess.ID] = sess
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runConnection(ctx, sess)
	}()
}

// runConnection drives one session: read loop plus heartbeat loop.
func (a *Acceptor) runConnection(ctx context.Context, sess *Session) {
	defer func() {
		sess.close()
		a.mu.Lock()
		delete(a.sessions, sess.ID)
		a.mu.Unlock()
		a.logger.Info("session closed", "session", sess.ID)
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go a.heartbeatLoop(hbCtx, sess)

	framer := &Framer{}
	buf := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(heartbeatResolution))
		n, err := sess.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		msgs, ferr := framer.Push(buf[:n])
		if ferr != nil {
			a.logger.Error("framing error, dropping connection",
				"session", sess.ID, "error", ferr)
			return
		}
		for _, raw := range msgs {
			if !a.dispatch(ctx, sess, raw) {
				return
			}
		}
	}
}

// dispatch validates and routes one framed message. Returns false when
// the connection must close.
func (a *Acceptor) dispatch(ctx context.Context, sess *Session, raw []byte) bool {
	// Bad checksum: drop the message silently, keep the session and do
	// not advance the inbound sequence.
	if !ValidateChecksum(raw) {
		a.logger.Warn("checksum mismatch, dropping message", "session", sess.ID)
		return true
	}

	msg, err := Parse(raw)
	if err != nil {
		a.logger.Warn("unparseable message dropped", "session", sess.ID, "error", err)
		return true
	}
	if msg.MsgType == "" || msg.Sender == "" {
		a.logger.Warn("message missing MsgType or SenderCompID, dropping", "session", sess.ID)
		return true
	}

	switch sess.State() {
	case StateAwaitingLogon:
		if msg.MsgType != MsgTypeLogon {
			a.logger.Warn("pre-logon message rejected", "session", sess.ID, "msg_type", msg.MsgType)
			sess.sendReject(msg.SeqNum, msg.MsgType, "99", "logon required")
			return false
		}
		cfg := a.counterpartyFor(msg.Sender, msg.Target)
		if cfg == nil {
			a.logger.Warn("logon from unknown counterparty",
				"sender", msg.Sender, "target", msg.Target)
			sess.sendReject(msg.SeqNum, MsgTypeLogon, "99", "unknown counterparty")
			return false
		}
		if err := sess.handleLogon(msg, cfg); err != nil {
			a.logger.Warn("logon failed", "session", sess.ID, "error", err)
			return false
		}
		return true

	case StateLoggedIn:
		return a.dispatchLoggedIn(ctx, sess, msg)

	default:
		return false
	}
}

func (a *Acceptor) dispatchLoggedIn(ctx context.Context, sess *Session, msg *Message) bool {
	// Sequence discipline applies to every post-logon message. A gap
	// triggers a resend request and the message itself is not applied.
	if !sess.checkSeq(msg) {
		return true
	}

	switch msg.MsgType {
	case MsgTypeHeartbeat:
		return true

	case MsgTypeTestRequest:
		body := map[int]string{}
		if id, ok := msg.Get(TagTestReqID); ok {
			body[TagTestReqID] = id
		}
		if err := sess.send(MsgTypeHeartbeat, body); err != nil {
			a.logger.Warn("heartbeat reply failed", "session", sess.ID, "error", err)
		}
		return true

	case MsgTypeResendRequest:
		// In-memory sessions cannot replay; gap-fill instead.
		if err := sess.send(MsgTypeSequenceReset, map[int]string{
			TagNewSeqNo: fmt.Sprintf("%d", sess.OutSeq()+1),
		}); err != nil {
			a.logger.Warn("gap fill failed", "session", sess.ID, "error", err)
		}
		return true

	case MsgTypeLogout:
		sess.logout("bye")
		return false

	case MsgTypeLogon:
		// Duplicate logon after login: ignore.
		return true

	case MsgTypeQuoteRequest, MsgTypeNewOrderSingle, MsgTypeQuoteCancel, MsgTypeSecurityListReq:
		a.router.Route(ctx, sess, msg)
		return true

	default:
		// Unsupported message type.
		sess.sendBusinessReject(msg.SeqNum, msg.MsgType, "3", "unsupported message type "+msg.MsgType)
		return true
	}
}

// heartbeatLoop evaluates liveness once per resolution tick.
func (a *Acceptor) heartbeatLoop(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(heartbeatResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !sess.heartbeatTick(now) {
				sess.logout("heartbeat timeout")
				sess.close()
				return
			}
		}
	}
}

// counterpartyFor matches a logon's comp ids against configuration.
func (a *Acceptor) counterpartyFor(sender, target string) *CounterpartyConfig {
	for i := range a.cfg.Counterparties {
		cp := &a.cfg.Counterparties[i]
		if cp.SenderCompID == sender && cp.TargetCompID == target {
			return cp
		}
	}
	return nil
}

// ipAllowed checks the stripped remote address against the allow-list.
func (a *Acceptor) ipAllowed(ip string) bool {
	for _, allowed := range a.cfg.AllowedIPs {
		if ip == allowed {
			return true
		}
	}
	return false
}

// remoteIP strips the port and any IPv4-mapped IPv6 prefix.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return strings.TrimPrefix(host, "::ffff:")
}

// Addr returns the bound listener address, or nil before Serve binds.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// SessionCount returns the number of live sessions.
func (a *Acceptor) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// shutdownSessions sends Logout everywhere during drain.
func (a *Acceptor) shutdownSessions() {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if s.State() == StateLoggedIn {
			s.logout("shutting down")
		}
		s.close()
	}
}
