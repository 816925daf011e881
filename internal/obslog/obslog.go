// Package obslog builds the gateway's structured logger: a JSON handler to
// stdout and a second JSON handler to a rotating-by-start-timestamp trace
// file, each independently leveled by RUST_LOG_STDOUT / RUST_LOG_FILE (§6).
package obslog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	stdoutLevelEnv = "RUST_LOG_STDOUT"
	fileLevelEnv   = "RUST_LOG_FILE"
)

// New builds the fan-out logger and returns it along with the open trace
// file so the caller can close it on shutdown. dataDir is the gateway's
// data directory; the trace file is written under <dataDir>/traces.
func New(dataDir string, startUnix int64) (*slog.Logger, *os.File, error) {
	tracesDir := filepath.Join(dataDir, "traces")
	if err := os.MkdirAll(tracesDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating traces directory %s: %w", tracesDir, err)
	}

	tracePath := filepath.Join(tracesDir, fmt.Sprintf("gateway_%d.log", startUnix))
	traceFile, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening trace file %s: %w", tracePath, err)
	}

	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(stdoutLevelEnv, slog.LevelInfo),
	})
	fileHandler := slog.NewJSONHandler(traceFile, &slog.HandlerOptions{
		Level: levelFromEnv(fileLevelEnv, slog.LevelDebug),
	})

	logger := slog.New(fanOutHandler{handlers: []slog.Handler{stdoutHandler, fileHandler}})
	return logger, traceFile, nil
}

func levelFromEnv(name string, fallback slog.Level) slog.Level {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return lvl
}

// fanOutHandler fans every record out to each wrapped handler. Each
// handler applies its own level filter independently, so the two sinks
// can be leveled differently from the same record stream.
type fanOutHandler struct {
	handlers []slog.Handler
}

func (f fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanOutHandler{handlers: next}
}

func (f fanOutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanOutHandler{handlers: next}
}

var _ slog.Handler = fanOutHandler{}
