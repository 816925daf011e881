// Package session implements the per-client WebSocket session state machine
// (C3): handshake, registration, relay, and teardown. A Session owns one
// WebSocket connection from accept to terminal close.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aliscie/ic-websocket-gateway/internal/envelope"
	"github.com/aliscie/ic-websocket-gateway/internal/registry"
)

// State is one of the four FSM states in §4.2.
type State int32

const (
	Handshaking State = iota
	Registered
	Closing
	Closed
)

const (
	inboxCapacity  = 256
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	drainGrace     = 1 * time.Second
)

// BackendCaller is the subset of internal/canister.Client a Session needs:
// forwarding pre-signed envelopes to ws_open / ws_message.
type BackendCaller interface {
	Call(ctx context.Context, backendID, method string, body []byte) ([]byte, error)
}

// Registrar is the subset of internal/registry.Registry a Session needs.
type Registrar interface {
	Register(backend string, session registry.SessionHandle) (registry.RegisterOutcome, registry.SessionHandle)
	Deregister(backend string, key envelope.ClientKey, sessionID uuid.UUID)
}

// Conn is the subset of *websocket.Conn a Session depends on, so tests can
// substitute a fake transport.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Metrics receives session-level observations for /metrics (§4.8).
type Metrics interface {
	IncInboxDrop(backendID string)
	IncIngressForwardError(backendID string)
}

// Session is one live WebSocket connection and its routing identity.
type Session struct {
	id      uuid.UUID
	conn    Conn
	reg     Registrar
	backend BackendCaller
	metrics Metrics
	logger  *slog.Logger

	backendID string
	clientKey envelope.ClientKey
	nextRecv  uint64

	inbox          chan envelope.OutboundMessage
	closeRequested chan struct{}
	closeOnce      sync.Once

	stateMu sync.Mutex
	state   State

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	writeMu sync.Mutex

	createdAt time.Time
}

// New creates a Session in the Handshaking state, ready for Run.
func New(conn Conn, reg Registrar, backend BackendCaller, metrics Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:             uuid.New(),
		conn:           conn,
		reg:            reg,
		backend:        backend,
		metrics:        metrics,
		logger:         logger,
		inbox:          make(chan envelope.OutboundMessage, inboxCapacity),
		closeRequested: make(chan struct{}),
		state:          Handshaking,
		createdAt:      time.Now(),
	}
}

// ID implements registry.SessionHandle.
func (s *Session) ID() uuid.UUID { return s.id }

// BackendID implements registry.SessionHandle. Valid only after handshake.
func (s *Session) BackendID() string { return s.backendID }

// Key implements registry.SessionHandle. Valid only after handshake.
func (s *Session) Key() envelope.ClientKey { return s.clientKey }

func (s *Session) setState(v State) {
	s.stateMu.Lock()
	s.state = v
	s.stateMu.Unlock()
}

// State returns the session's current FSM state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// setFinalClose records the WebSocket close code/reason for teardown,
// first caller wins — whichever failure is detected first determines the
// client-visible close (§7).
func (s *Session) setFinalClose(code int, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeReason = reason
	}
}

func (s *Session) finalClose() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return s.closeCode, s.closeReason
}

// Displace implements registry.SessionHandle: a newer registration has
// taken this session's (backend, key) slot (I1). The session closes with
// WebSocket code 1000 reason "displaced".
func (s *Session) Displace() {
	s.setFinalClose(websocket.CloseNormalClosure, "displaced")
	s.closeOnce.Do(func() { close(s.closeRequested) })
}

// Deliver implements registry.SessionHandle: hands an outbound message to
// this session's egress path. Never blocks — under overflow it drops the
// oldest already-queued message and enqueues this one (§4.3 step 4),
// favoring recency since the client discards out-of-order messages anyway.
func (s *Session) Deliver(msg envelope.OutboundMessage) {
	select {
	case s.inbox <- msg:
		return
	default:
	}

	select {
	case <-s.inbox:
		if s.metrics != nil {
			s.metrics.IncInboxDrop(s.backendID)
		}
	default:
	}

	select {
	case s.inbox <- msg:
	default:
		s.logger.Warn("dropping outbound message, inbox still full after eviction",
			"backend", s.backendID, "client_key", s.clientKey.String())
	}
}

// Run drives the session from Handshaking through to terminal Closed. It
// returns once the socket is fully torn down. ctx carries the process-wide
// shutdown broadcast (§5) — including during handshake, where a client that
// never sends its first frame must not keep this goroutine (and therefore
// graceful shutdown) blocked indefinitely.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic, closing as internal error", "panic", r)
			s.setFinalClose(websocket.CloseInternalServerErr, "internal")
			s.teardown()
			s.setState(Closed)
		}
	}()

	handshakeDone := make(chan struct{})
	go s.watchForClose(ctx, handshakeDone)
	ok := s.handshake(ctx)
	close(handshakeDone)

	if !ok {
		s.setState(Closed)
		return
	}
	s.setState(Registered)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingressLoop(gctx) })
	g.Go(func() error { return s.egressLoop(gctx) })
	g.Go(func() error {
		s.watchForClose(gctx, nil)
		return nil
	})
	_ = g.Wait()

	s.setState(Closing)
	s.teardown()
	s.setState(Closed)
}

// watchForClose closes the connection as soon as ctx is canceled,
// Displace signals closeRequested, or stop is closed — whichever happens
// first. A *websocket.Conn has no native way to cancel a pending
// ReadMessage, so this is the only way to unblock one: during handshake it
// bounds the wait on a client's first frame to the shutdown signal; during
// steady state it propagates an ingress/egress failure (via gctx) or a
// displacement into the peer loop's blocked read.
func (s *Session) watchForClose(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		_ = s.conn.Close()
	case <-s.closeRequested:
		_ = s.conn.Close()
	case <-stop:
	}
}

// handshake reads exactly one binary frame, decodes it as a
// RegistrationEnvelope, registers with C5, and forwards it to the
// backend's ws_open. Returns false if the session should close without
// ever reaching Registered.
func (s *Session) handshake(ctx context.Context) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Debug("handshake read failed", "error", err)
		return false
	}
	if mt != websocket.BinaryMessage {
		s.writeCloseBestEffort(websocket.ClosePolicyViolation, "bad_envelope")
		return false
	}

	_, content, err := envelope.DecodeRegistrationEnvelope(data)
	if err != nil {
		s.logger.Warn("malformed registration envelope", "error", err)
		s.writeCloseBestEffort(websocket.ClosePolicyViolation, "bad_envelope")
		return false
	}

	s.backendID = content.CanisterID
	s.clientKey = content.ClientKey
	s.logger = s.logger.With("backend", s.backendID, "client_key", s.clientKey.String())

	outcome, old := s.reg.Register(s.backendID, s)
	if outcome == registry.Superseded && old != nil {
		old.Displace()
	}

	if _, err := s.backend.Call(ctx, s.backendID, "ws_open", data); err != nil {
		s.logger.Error("backend rejected registration", "error", err)
		s.reg.Deregister(s.backendID, s.clientKey, s.id)
		s.writeCloseBestEffort(websocket.CloseInternalServerErr, "register_failed")
		return false
	}

	s.logger.Info("session registered")
	return true
}

// ingressLoop reads client frames and forwards them to the backend,
// awaiting each reply before reading the next frame — a deliberate
// backpressure knob (§5): a slow backend slows the client.
func (s *Session) ingressLoop(ctx context.Context) error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setFinalClose(websocket.CloseNormalClosure, "")
			return err
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleRelayed(ctx, data)
		case websocket.TextMessage:
			s.logger.Warn("dropping unexpected text frame")
		default:
			s.logger.Debug("dropping unsupported frame", "type", mt)
		}
	}
}

func (s *Session) handleRelayed(ctx context.Context, data []byte) {
	_, content, err := envelope.DecodeRelayedEnvelope(data)
	if err != nil {
		s.logger.Warn("malformed relayed envelope, dropping", "error", err)
		return
	}

	if content.SequenceNum != s.nextRecv {
		s.logger.Warn("sequence gap or duplicate, dropping (backend will reissue)",
			"expected", s.nextRecv, "got", content.SequenceNum)
		return
	}
	s.nextRecv++

	resp, err := s.backend.Call(ctx, s.backendID, "ws_message", data)
	if err != nil {
		s.logger.Error("forwarding relayed message failed, client may retransmit", "error", err)
		if s.metrics != nil {
			s.metrics.IncIngressForwardError(s.backendID)
		}
		return
	}
	if reason, isErr := envelope.HasErrMarker(resp); isErr {
		s.logger.Error("backend rejected relayed message", "reason", reason)
	}
}

// egressLoop drains the inbox and writes each message to the socket in
// the order the Poller enqueued it (§5 ordering guarantees), and keeps
// the connection alive with a periodic ping.
func (s *Session) egressLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.inbox:
			if !ok {
				return nil
			}
			if err := s.writeBinary(msg.Raw); err != nil {
				s.setFinalClose(websocket.CloseInternalServerErr, "internal")
				return err
			}
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				s.setFinalClose(websocket.CloseInternalServerErr, "internal")
				return err
			}
		}
	}
}

func (s *Session) writePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Session) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Session) writeCloseBestEffort(code int, reason string) {
	s.setFinalClose(code, reason)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// teardown implements §4.2 Closing/Closed: deregister (idempotent, I2),
// drain the outbox up to drainGrace, send a close frame if not already
// sent, then free the socket.
func (s *Session) teardown() {
	s.reg.Deregister(s.backendID, s.clientKey, s.id)

	deadline := time.After(drainGrace)
drain:
	for {
		select {
		case <-s.inbox:
		case <-deadline:
			break drain
		default:
			break drain
		}
	}

	code, reason := s.finalClose()
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.writeMu.Unlock()

	_ = s.conn.Close()
	s.logger.Info("session closed", "code", code, "reason", reason)
}
