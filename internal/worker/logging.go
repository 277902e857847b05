package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/ipc"
)

// forwardingHandler writes records to the local tint handler and forwards
// warning-and-above records to the supervisor as IPC log messages, so
// worker problems appear in the aggregated feed even when stderr is lost.
type forwardingHandler struct {
	inner    slog.Handler
	enc      *ipc.Encoder
	workerID int
	epoch    uint64
}

func (h *forwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *forwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.inner.Handle(ctx, r)

	if h.enc != nil && r.Level >= slog.LevelWarn {
		msg := &ipc.Message{
			Type:     ipc.TypeLog,
			WorkerID: h.workerID,
			Epoch:    h.epoch,
			Level:    r.Level.String(),
			Text:     r.Message,
		}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "routing" {
				msg.RoutingHint = a.Value.String()
				return false
			}
			return true
		})
		// best effort: a broken control connection must not break logging
		h.enc.Encode(msg)
	}
	return err
}

func (h *forwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &forwardingHandler{
		inner:    h.inner.WithAttrs(attrs),
		enc:      h.enc,
		workerID: h.workerID,
		epoch:    h.epoch,
	}
}

func (h *forwardingHandler) WithGroup(name string) slog.Handler {
	return &forwardingHandler{
		inner:    h.inner.WithGroup(name),
		enc:      h.enc,
		workerID: h.workerID,
		epoch:    h.epoch,
	}
}

// setupLogging installs the worker's logger: tint to stderr, plus IPC
// forwarding once the control connection is up.
func setupLogging(cfg *core.Settings, enc *ipc.Encoder, workerID int, epoch uint64) {
	opts := &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.DateTime,
	}
	if cfg.DisableTimestamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}

	handler := &forwardingHandler{
		inner:    tint.NewHandler(os.Stderr, opts),
		enc:      enc,
		workerID: workerID,
		epoch:    epoch,
	}
	slog.SetDefault(slog.New(handler))
}

// slogWriter adapts slog for the http.Server ErrorLog. Transport-level
// client errors (malformed requests, failed TLS handshakes) land here; the
// HTTP layer has already answered or closed the connection, so they are
// recorded and never escalate.
type slogWriter struct {
	listener string
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	slog.Debug("Transport error", "listener", w.listener, "detail", string(p))
	return len(p), nil
}
