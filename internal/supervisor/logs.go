package supervisor

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nurminendev/unnode/internal/core"
)

// LogBroadcaster fans the supervisor's aggregated log feed (its own records
// plus worker-forwarded ones) out to connected log clients, keeping a ring
// buffer of recent lines for history replay.
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string
	maxHist int
	mu      sync.RWMutex
}

func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a client to receive broadcasts.
func (lb *LogBroadcaster) Subscribe() chan string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100) // buffered so a slow client can't block
	lb.clients[ch] = true
	return ch
}

// SubscribeWithHistory adds a client and returns up to historyLines of
// recent output alongside the live channel.
func (lb *LogBroadcaster) SubscribeWithHistory(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := len(lb.history) - historyLines
		if start < 0 {
			start = 0
		}
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}
	return ch, history
}

// Unsubscribe removes a client and closes its channel.
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	delete(lb.clients, ch)
	close(ch)
}

// Broadcast sends a line to every subscribed client and appends it to the
// history buffer.
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// client buffer full, drop rather than block the supervisor
		}
	}
}

// logWriter broadcasts everything written through the slog handler.
type logWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *logWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// setupLogging installs a tint handler writing to both stderr and the log
// broadcaster, so `unnode logs` clients see the same feed as the terminal.
func setupLogging(broadcast *LogBroadcaster, cfg *core.Settings) {
	multiWriter := io.MultiWriter(os.Stderr, &logWriter{broadcaster: broadcast})

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

	slog.SetDefault(slog.New(tint.NewHandler(multiWriter, opts)))
}
