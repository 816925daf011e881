// Package poller implements the per-backend poll loop (C4): pulling
// outbound message batches from a backend's ws_get_messages query and
// routing each message to the session that owns its client key.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aliscie/ic-websocket-gateway/internal/envelope"
	"github.com/aliscie/ic-websocket-gateway/internal/registry"
)

// BatchFetcher is the subset of internal/canister.Client a Poller needs.
type BatchFetcher interface {
	Query(ctx context.Context, backendID string, body []byte) ([]byte, error)
}

// SessionLookup is the subset of internal/registry.Registry a Poller needs.
type SessionLookup interface {
	Lookup(backend string, key envelope.ClientKey) (registry.SessionHandle, bool)
}

// Metrics receives poll-loop observations for /metrics (§4.8).
type Metrics interface {
	IncPollBatch(backendID string)
	IncPollError(backendID string)
}

// Poller owns one backend's poll loop. It implements registry.PollerHandle.
type Poller struct {
	backendID string
	client    BatchFetcher
	lookup    SessionLookup
	interval  time.Duration
	metrics   Metrics
	logger    *slog.Logger

	nonce uint64

	// routing side table, populated from val.client_key when present and
	// consulted when a later message omits it (§9 design notes). Per-poller,
	// unlocked — only the poll goroutine touches it (§5).
	clientKeyOf map[string]envelope.ClientKey

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

// New starts a Poller for backendID and returns as soon as its goroutine
// has been launched. Polling itself proceeds asynchronously (§4.4).
func New(backendID string, client BatchFetcher, lookup SessionLookup, interval time.Duration, metrics Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	p := &Poller{
		backendID:   backendID,
		client:      client,
		lookup:      lookup,
		interval:    interval,
		metrics:     metrics,
		logger:      logger.With("backend", backendID),
		clientKeyOf: make(map[string]envelope.ClientKey),
		shutdownCh:  make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Shutdown implements registry.PollerHandle. It only signals — it must
// never block, since the registry may call it from inside its lock (§5).
// A second call is a no-op.
func (p *Poller) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
}

func (p *Poller) run() {
	defer close(p.doneCh)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poller panic, exiting", "panic", r)
		}
	}()

	p.logger.Debug("poller starting")
	for {
		select {
		case <-p.shutdownCh:
			p.logger.Debug("poller stopped")
			return
		default:
		}

		p.pollOnce(context.Background())

		select {
		case <-p.shutdownCh:
			p.logger.Debug("poller stopped")
			return
		case <-time.After(p.interval):
		}
	}
}

// pollOnce implements §4.3 steps 1-5: fetch a batch, resolve each message's
// client key, route it through the registry, and advance nonce past the
// sequence number of the last message in the batch whose client key
// resolved.
func (p *Poller) pollOnce(ctx context.Context) {
	body, err := envelope.EncodeNonceQuery(p.nonce)
	if err != nil {
		p.logger.Error("encoding poll query", "error", err)
		return
	}

	resp, err := p.client.Query(ctx, p.backendID, body)
	if err != nil {
		p.logger.Warn("poll failed, retrying next interval", "error", err)
		if p.metrics != nil {
			p.metrics.IncPollError(p.backendID)
		}
		return
	}

	messages, err := envelope.DecodeMessagesBatch(resp)
	if err != nil {
		p.logger.Error("malformed messages batch, dropping", "error", err)
		if p.metrics != nil {
			p.metrics.IncPollError(p.backendID)
		}
		return
	}
	if p.metrics != nil {
		p.metrics.IncPollBatch(p.backendID)
	}

	var (
		lastSeq uint64
		haveSeq bool
	)

	for _, msg := range messages {
		content, err := envelope.DecodeOutboundContent(msg.Val)
		if err != nil {
			p.logger.Warn("dropping unparseable outbound message", "key", msg.Key, "error", err)
			continue
		}

		clientKey, ok := p.resolveClientKey(msg.Key, content)
		if !ok {
			p.logger.Warn("cannot resolve client key for outbound message, dropping", "key", msg.Key)
			continue
		}

		lastSeq = content.SequenceNum
		haveSeq = true

		session, ok := p.lookup.Lookup(p.backendID, clientKey)
		if !ok {
			p.logger.Debug("no live session for outbound message, dropping", "key", msg.Key)
			continue
		}
		session.Deliver(msg)
	}

	if haveSeq {
		p.nonce = lastSeq + 1
	}
}

func (p *Poller) resolveClientKey(key string, content *envelope.OutboundContent) (envelope.ClientKey, bool) {
	if content.ClientKey != nil {
		p.clientKeyOf[key] = *content.ClientKey
		return *content.ClientKey, true
	}
	if ck, ok := p.clientKeyOf[key]; ok {
		return ck, true
	}
	return envelope.ClientKey{}, false
}
