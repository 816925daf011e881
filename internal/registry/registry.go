// Package registry implements the router/registry (C5): the process-wide
// map from (BackendId, ClientKey) to session handle, and the refcounted
// lifecycle of one poller per backend with at least one live session. It is
// the only component holding strong ownership of Session and Poller handles
// outside their owning goroutines (§4.4).
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aliscie/ic-websocket-gateway/internal/envelope"
)

// SessionHandle is the subset of a Session's behavior the registry and
// Poller need, without importing the session package (which in turn
// depends on registry to register itself).
type SessionHandle interface {
	// ID uniquely identifies this session instance, distinct across
	// supersession — deregister only acts if the stored handle's ID
	// still matches the caller's, guarding the race in §4.4.
	ID() uuid.UUID
	BackendID() string
	Key() envelope.ClientKey
	// Deliver hands an outbound message to the session's egress path.
	// Implementations must not block: under overflow they drop the
	// oldest already-queued message and enqueue this one (§4.3 step 4).
	Deliver(msg envelope.OutboundMessage)
	// Displace tells a superseded session to close with the
	// WebSocket 1000 "displaced" code (I1).
	Displace()
}

// PollerHandle is the subset of a Poller's behavior the registry needs to
// manage its lifecycle.
type PollerHandle interface {
	// Shutdown signals the poller that its backend has no more live
	// sessions. The poller finishes its in-flight batch and exits;
	// a second call is a no-op (idempotent per §4.3 termination).
	Shutdown()
}

// PollerFactory starts a new poller for backendID and returns a handle to
// it. The poller must begin polling asynchronously — the factory call
// itself must not block on network I/O. Registry depends on this via
// injection so it never imports the poller package (which depends on
// registry for Lookup), keeping the two components acyclic per §9.
type PollerFactory func(backendID string) PollerHandle

type sessionKey struct {
	backend string
	key     envelope.ClientKey
}

type pollerEntry struct {
	handle   PollerHandle
	refcount int
}

// Registry owns the shared mutable state described in §4.4 and §5: one
// read-write lock, no I/O performed while it is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[sessionKey]SessionHandle
	pollers  map[string]*pollerEntry
	newPoller PollerFactory
}

// New creates an empty Registry. factory is used to start a Poller the
// first time a backend gains a live session.
func New(factory PollerFactory) *Registry {
	return &Registry{
		sessions:  make(map[sessionKey]SessionHandle),
		pollers:   make(map[string]*pollerEntry),
		newPoller: factory,
	}
}

// RegisterOutcome describes the result of Register.
type RegisterOutcome int

const (
	// Inserted means the session was admitted with no prior occupant.
	Inserted RegisterOutcome = iota
	// Superseded means an older session occupied the slot and has been
	// evicted; Register's second return value holds it so the caller
	// can signal it to close.
	Superseded
)

// Register inserts session under (backend, session.Key()). If the slot was
// already occupied (I1), the old occupant is returned with outcome
// Superseded so the caller can call Displace on it — Register itself does
// not call Displace, keeping this method free of any action that could
// block. Register also starts this backend's poller on the 0→1 refcount
// transition and returns only after the poller handle is stored (§4.4).
func (r *Registry) Register(backend string, session SessionHandle) (RegisterOutcome, SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := sessionKey{backend: backend, key: session.Key()}

	old, existed := r.sessions[k]
	r.sessions[k] = session

	entry, ok := r.pollers[backend]
	if !ok {
		entry = &pollerEntry{}
		r.pollers[backend] = entry
	}
	if entry.refcount == 0 {
		entry.handle = r.newPoller(backend)
		slog.Info("poller started", "backend", backend)
	}
	if !existed {
		entry.refcount++
	}

	if existed {
		return Superseded, old
	}
	return Inserted, nil
}

// Deregister removes the (backend, key) slot only if the stored handle's
// ID still matches sessionID — guarding the race where a superseded
// session tears down after a newer one has taken its slot (§4.4). On the
// 1→0 refcount transition the backend's poller is signaled to shut down.
func (r *Registry) Deregister(backend string, key envelope.ClientKey, sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := sessionKey{backend: backend, key: key}

	current, ok := r.sessions[k]
	if !ok || current.ID() != sessionID {
		return
	}
	delete(r.sessions, k)

	entry, ok := r.pollers[backend]
	if !ok {
		return
	}
	entry.refcount--
	if entry.refcount <= 0 {
		delete(r.pollers, backend)
		if entry.handle != nil {
			entry.handle.Shutdown()
		}
		slog.Info("poller stopped", "backend", backend)
	}
}

// Lookup returns the live session for (backend, key), if any.
func (r *Registry) Lookup(backend string, key envelope.ClientKey) (SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionKey{backend: backend, key: key}]
	return s, ok
}

// SessionCount returns the number of live sessions, for diagnostics/metrics.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PollerCount returns the number of active pollers, for diagnostics/metrics.
func (r *Registry) PollerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pollers)
}
