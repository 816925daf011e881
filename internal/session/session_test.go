package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliscie/ic-websocket-gateway/internal/envelope"
	"github.com/aliscie/ic-websocket-gateway/internal/registry"
)

type frame struct {
	mt   int
	data []byte
}

type fakeConn struct {
	frames  chan frame
	closed  chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	controls [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan frame, 300), closed: make(chan struct{})}
}

func (f *fakeConn) push(mt int, data []byte) { f.frames <- frame{mt, data} }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return 0, nil, errors.New("no more frames")
		}
		return fr.mt, fr.data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(mt int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type registerCall struct {
	backend string
	session registry.SessionHandle
}

type deregisterCall struct {
	backend string
	key     envelope.ClientKey
	id      uuid.UUID
}

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []registerCall
	deregistered []deregisterCall
	outcome      registry.RegisterOutcome
	old          registry.SessionHandle
}

func (r *fakeRegistrar) Register(backend string, s registry.SessionHandle) (registry.RegisterOutcome, registry.SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, registerCall{backend, s})
	return r.outcome, r.old
}

func (r *fakeRegistrar) Deregister(backend string, key envelope.ClientKey, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, deregisterCall{backend, key, id})
}

type backendCall struct {
	backendID string
	method    string
	body      []byte
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
	err   error
	resp  []byte
}

func (b *fakeBackend) Call(ctx context.Context, backendID, method string, body []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{backendID, method, append([]byte(nil), body...)})
	if b.err != nil {
		return nil, b.err
	}
	return b.resp, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fakeMetrics struct {
	mu            sync.Mutex
	inboxDrops    map[string]int
	forwardErrors map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{inboxDrops: map[string]int{}, forwardErrors: map[string]int{}}
}

func (m *fakeMetrics) IncInboxDrop(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboxDrops[backendID]++
}

func (m *fakeMetrics) IncIngressForwardError(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwardErrors[backendID]++
}

func registrationFrame(t *testing.T, key envelope.ClientKey, canisterID string) []byte {
	t.Helper()
	content, err := cbor.Marshal(envelope.RegistrationContent{ClientKey: key, CanisterID: canisterID})
	require.NoError(t, err)
	frame, err := cbor.Marshal(envelope.RegistrationEnvelope{Content: content, Sig: []byte{1, 2, 3}})
	require.NoError(t, err)
	return frame
}

func relayedFrame(t *testing.T, key envelope.ClientKey, seq uint64, msg []byte) []byte {
	t.Helper()
	content, err := cbor.Marshal(envelope.RelayedContent{ClientKey: key, SequenceNum: seq, Message: msg})
	require.NoError(t, err)
	signed := envelope.SignedContent{Content: content, Sig: []byte{4, 5}}
	frame, err := cbor.Marshal(envelope.RelayedEnvelope{RelayedFromClient: &signed})
	require.NoError(t, err)
	return frame
}

func TestHandshake_Success(t *testing.T) {
	conn := newFakeConn()
	reg := &fakeRegistrar{outcome: registry.Inserted}
	backend := &fakeBackend{resp: []byte{}}

	s := New(conn, reg, backend, newFakeMetrics(), nil)

	var key envelope.ClientKey
	key[0] = 0x42
	data := registrationFrame(t, key, "aaaaa-aa")
	conn.push(websocket.BinaryMessage, data)

	ok := s.handshake(context.Background())
	require.True(t, ok)
	assert.Equal(t, "aaaaa-aa", s.BackendID())
	assert.Equal(t, key, s.Key())

	require.Len(t, reg.registered, 1)
	assert.Same(t, s, reg.registered[0].session)

	require.Equal(t, 1, backend.callCount())
	assert.Equal(t, "ws_open", backend.calls[0].method)
	assert.Equal(t, data, backend.calls[0].body, "registration bytes must be forwarded untouched")
}

func TestHandshake_NonBinaryFrameClosesBadEnvelope(t *testing.T) {
	conn := newFakeConn()
	reg := &fakeRegistrar{}
	backend := &fakeBackend{}
	s := New(conn, reg, backend, newFakeMetrics(), nil)

	conn.push(websocket.TextMessage, []byte("not binary"))

	ok := s.handshake(context.Background())
	require.False(t, ok)

	code, reason := s.finalClose()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, "bad_envelope", reason)
	assert.Empty(t, reg.registered)
}

func TestHandshake_MalformedCBORClosesBadEnvelope(t *testing.T) {
	conn := newFakeConn()
	reg := &fakeRegistrar{}
	backend := &fakeBackend{}
	s := New(conn, reg, backend, newFakeMetrics(), nil)

	conn.push(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff, 0xff})

	ok := s.handshake(context.Background())
	require.False(t, ok)

	code, reason := s.finalClose()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, "bad_envelope", reason)
}

func TestHandshake_BackendRejectionDeregistersAndClosesInternalError(t *testing.T) {
	conn := newFakeConn()
	reg := &fakeRegistrar{outcome: registry.Inserted}
	backend := &fakeBackend{err: errors.New("canister trapped")}
	s := New(conn, reg, backend, newFakeMetrics(), nil)

	var key envelope.ClientKey
	key[1] = 7
	conn.push(websocket.BinaryMessage, registrationFrame(t, key, "bbbbb-bb"))

	ok := s.handshake(context.Background())
	require.False(t, ok)

	code, reason := s.finalClose()
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "register_failed", reason)

	require.Len(t, reg.deregistered, 1)
	assert.Equal(t, "bbbbb-bb", reg.deregistered[0].backend)
	assert.Equal(t, s.ID(), reg.deregistered[0].id)
}

func TestHandshake_SupersededOldSessionIsDisplaced(t *testing.T) {
	conn := newFakeConn()
	oldConn := newFakeConn()
	oldSession := New(oldConn, &fakeRegistrar{}, &fakeBackend{}, newFakeMetrics(), nil)

	reg := &fakeRegistrar{outcome: registry.Superseded, old: oldSession}
	backend := &fakeBackend{resp: []byte{}}
	s := New(conn, reg, backend, newFakeMetrics(), nil)

	var key envelope.ClientKey
	conn.push(websocket.BinaryMessage, registrationFrame(t, key, "aaaaa-aa"))

	ok := s.handshake(context.Background())
	require.True(t, ok)

	code, reason := oldSession.finalClose()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "displaced", reason)
}

func TestHandleRelayed_ForwardsInSequenceAndAdvancesNextRecv(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{resp: []byte{}}
	s := New(conn, &fakeRegistrar{}, backend, newFakeMetrics(), nil)
	s.backendID = "aaaaa-aa"

	var key envelope.ClientKey
	data := relayedFrame(t, key, 0, []byte("hello"))
	s.handleRelayed(context.Background(), data)

	assert.Equal(t, uint64(1), s.nextRecv)
	require.Equal(t, 1, backend.callCount())
	assert.Equal(t, "ws_message", backend.calls[0].method)
	assert.Equal(t, data, backend.calls[0].body)
}

func TestHandleRelayed_DuplicateSequenceIsDroppedNotClosed(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{resp: []byte{}}
	s := New(conn, &fakeRegistrar{}, backend, newFakeMetrics(), nil)
	s.backendID = "aaaaa-aa"

	var key envelope.ClientKey
	first := relayedFrame(t, key, 0, []byte("hello"))
	s.handleRelayed(context.Background(), first)
	require.Equal(t, uint64(1), s.nextRecv)

	// Resend the same sequence number (I4): must be silently dropped.
	s.handleRelayed(context.Background(), first)
	assert.Equal(t, uint64(1), s.nextRecv, "duplicate must not advance nextRecv")
	assert.Equal(t, 1, backend.callCount(), "duplicate must not be forwarded")
}

func TestHandleRelayed_SequenceGapIsDroppedNotClosed(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{resp: []byte{}}
	s := New(conn, &fakeRegistrar{}, backend, newFakeMetrics(), nil)
	s.backendID = "aaaaa-aa"

	var key envelope.ClientKey
	gapped := relayedFrame(t, key, 5, []byte("hello"))
	s.handleRelayed(context.Background(), gapped)

	assert.Equal(t, uint64(0), s.nextRecv, "gap leaves nextRecv unchanged, no advance on drop")
	assert.Equal(t, 0, backend.callCount())
}

func TestHandleRelayed_ForwardErrorIncrementsMetric(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{err: errors.New("unreachable")}
	metrics := newFakeMetrics()
	s := New(conn, &fakeRegistrar{}, backend, metrics, nil)
	s.backendID = "aaaaa-aa"

	var key envelope.ClientKey
	s.handleRelayed(context.Background(), relayedFrame(t, key, 0, []byte("x")))

	assert.Equal(t, 1, metrics.forwardErrors["aaaaa-aa"])
}

func TestDeliver_DropsOldestOnOverflow(t *testing.T) {
	conn := newFakeConn()
	metrics := newFakeMetrics()
	s := New(conn, &fakeRegistrar{}, &fakeBackend{}, metrics, nil)
	s.backendID = "aaaaa-aa"

	for i := 0; i < inboxCapacity; i++ {
		s.Deliver(envelope.OutboundMessage{Key: string(rune('a' + i%26)), Raw: []byte{byte(i)}})
	}
	require.Len(t, s.inbox, inboxCapacity)

	s.Deliver(envelope.OutboundMessage{Key: "extra", Raw: []byte("extra")})

	assert.Equal(t, 1, metrics.inboxDrops["aaaaa-aa"])
	require.Len(t, s.inbox, inboxCapacity)

	first := <-s.inbox
	assert.Equal(t, []byte{1}, first.Raw, "oldest (index 0) message must have been evicted")

	var last envelope.OutboundMessage
	for i := 0; i < inboxCapacity-1; i++ {
		last = <-s.inbox
	}
	assert.Equal(t, []byte("extra"), last.Raw, "newly delivered message survives as the newest entry")
}

func TestDisplace_SetsFinalCloseAndSignalsCloseRequested(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, &fakeRegistrar{}, &fakeBackend{}, newFakeMetrics(), nil)

	s.Displace()

	code, reason := s.finalClose()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "displaced", reason)

	select {
	case <-s.closeRequested:
	default:
		t.Fatal("closeRequested must be closed after Displace")
	}

	// Idempotent: calling twice must not panic.
	assert.NotPanics(t, func() { s.Displace() })
}

func TestRun_StalledHandshakeUnblocksOnContextCancellation(t *testing.T) {
	conn := newFakeConn() // no frame ever pushed: handshake's ReadMessage blocks
	s := New(conn, &fakeRegistrar{}, &fakeBackend{}, newFakeMetrics(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	// Give Run a moment to actually be parked in ReadMessage before cancelling.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run must return once ctx is canceled, even mid-handshake")
	}
	assert.Equal(t, Closed, s.State())
}

func TestRun_DisplaceUnblocksStalledHandshake(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, &fakeRegistrar{}, &fakeBackend{}, newFakeMetrics(), nil)

	runDone := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(runDone)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Displace()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run must return once Displace signals closeRequested, even mid-handshake")
	}
}
