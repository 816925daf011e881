// Package gatewayhttp implements the Listener (C6): the WebSocket upgrade
// endpoint plus the gateway's health and metrics HTTP surface.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SessionRunner spawns and drives one Session for an accepted connection.
// Implemented by a closure in cmd/gateway that wires internal/session.New.
type SessionRunner func(ctx context.Context, conn *websocket.Conn)

// HealthStatus is the payload served at /api/health.
type HealthStatus struct {
	Healthy       bool    `json:"healthy"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Sessions      int     `json:"sessions"`
	Pollers       int     `json:"pollers"`
}

// Gauge reports live counts for /api/health and /metrics.
type Gauge interface {
	SessionCount() int
	PollerCount() int
}

// Listener owns the gateway's single HTTP server: WebSocket upgrades plus
// health and metrics endpoints (§6).
type Listener struct {
	server    *http.Server
	startedAt time.Time
	baseCtx   context.Context

	wg sync.WaitGroup
}

// New builds a Listener bound to addr. baseCtx is handed to every spawned
// session instead of the per-request context — a hijacked WebSocket
// connection outlives its HTTP request, and sessions must observe the
// process-wide shutdown broadcast (§5), not a request's own cancellation.
// metricsHandler and gauge may be nil in tests that only exercise the
// WebSocket path.
func New(baseCtx context.Context, addr string, upgrade SessionRunner, gauge Gauge, metricsHandler http.Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Listener{startedAt: time.Now(), baseCtx: baseCtx}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/api/health", l.handleHealth(gauge)).Methods(http.MethodGet)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	router.HandleFunc("/", l.handleUpgrade(upgrader, upgrade, logger)).Methods(http.MethodGet)

	l.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l
}

func (l *Listener) handleUpgrade(upgrader websocket.Upgrader, run SessionRunner, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			run(l.baseCtx, conn)
		}()
	}
}

func (l *Listener) handleHealth(gauge Gauge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Healthy:       true,
			UptimeSeconds: time.Since(l.startedAt).Seconds(),
		}
		if gauge != nil {
			status.Sessions = gauge.SessionCount()
			status.Pollers = gauge.PollerCount()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServe runs the HTTP server, loading TLS material if certPath and
// keyPath are both non-empty. Blocks until Shutdown is called or the
// server fails.
func (l *Listener) ListenAndServe(certPath, keyPath string) error {
	if certPath != "" && keyPath != "" {
		return l.server.ListenAndServeTLS(certPath, keyPath)
	}
	return l.server.ListenAndServe()
}

// Shutdown gracefully stops accepting connections and waits up to the
// context deadline for in-flight sessions' goroutines to be spawned (not
// to finish — sessions observe ctx cancellation themselves, per §5).
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

// Wait blocks until every spawned session goroutine has returned, or until
// ctx is done, whichever comes first. It reports whether every goroutine
// finished cleanly — a caller on a shutdown deadline should log and
// abandon the stragglers rather than block forever (§5's 5s grace period).
func (l *Listener) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
