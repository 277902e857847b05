// Package ipc defines the wire protocol between the supervisor and its
// workers: newline-delimited JSON messages from worker to supervisor over
// the supervisor's unix control socket, and the single bare-line command
// "shutdown" from supervisor to worker.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MessageType enumerates the worker-to-supervisor message variants. The set
// is closed: receivers switch over it exhaustively and log unknown tags as
// warnings instead of dropping them silently.
type MessageType string

const (
	// TypeLog forwards a worker log record to the supervisor's aggregated
	// log feed.
	TypeLog MessageType = "log"

	// TypeShutdown tells the supervisor this worker has finished draining
	// and can be removed from the pool.
	TypeShutdown MessageType = "shutdown"

	// TypeServerRunning reports listener readiness, tagged with the epoch
	// the worker was spawned under so stale reports from a previous
	// generation never advance the current readiness count.
	TypeServerRunning MessageType = "serverRunning"

	// TypePingConsole is the periodic heartbeat, carrying process
	// telemetry for idle-activity alerting.
	TypePingConsole MessageType = "pingConsole"
)

// ShutdownCommand is the only supervisor-to-worker command. It is sent as a
// bare line, not a JSON object.
const ShutdownCommand = "shutdown"

// Message is the worker-to-supervisor tagged union. WorkerID and Epoch are
// set on every message; the remaining fields are per-variant.
type Message struct {
	Type     MessageType `json:"type"`
	WorkerID int         `json:"workerId"`
	Epoch    uint64      `json:"epoch"`

	// TypeLog
	Level       string `json:"level,omitempty"`
	Text        string `json:"message,omitempty"`
	RoutingHint string `json:"routingHint,omitempty"`

	// TypeServerRunning; nil port means that listener is not configured
	Host         string `json:"host,omitempty"`
	InsecurePort *int   `json:"insecurePort,omitempty"`
	SecurePort   *int   `json:"securePort,omitempty"`

	// TypePingConsole telemetry
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
}

// Known reports whether the message carries one of the closed set of tags.
func (m *Message) Known() bool {
	switch m.Type {
	case TypeLog, TypeShutdown, TypeServerRunning, TypePingConsole:
		return true
	}
	return false
}

// Encoder writes messages as JSON lines. Safe for concurrent use; the
// heartbeat ticker and the shutdown path may both write to the same
// connection.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode ipc message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write ipc message: %w", err)
	}
	return nil
}

// Decode parses one JSON line into a Message.
func Decode(line string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return nil, fmt.Errorf("failed to decode ipc message: %w", err)
	}
	return &m, nil
}

// WorkerHello is the first line a worker sends after dialing the control
// socket, announcing its identity before switching to the JSON protocol.
// Format: "WORKER <id> <epoch>".
func WorkerHello(workerID int, epoch uint64) string {
	return fmt.Sprintf("WORKER %d %d", workerID, epoch)
}

// ParseWorkerHello parses a hello line, reporting ok=false when the line is
// a client command rather than a worker announcement.
func ParseWorkerHello(line string) (workerID int, epoch uint64, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "WORKER" {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &workerID); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(fields[2], "%d", &epoch); err != nil {
		return 0, 0, false
	}
	return workerID, epoch, true
}

// ReadLine reads a single newline-terminated line, for the worker side of
// the connection where the only traffic is the shutdown command.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
