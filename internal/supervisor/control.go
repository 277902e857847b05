package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/ipc"
)

// openControlSocket creates the unix control socket, recovering from a
// stale socket file left behind by a crashed supervisor.
func (s *Supervisor) openControlSocket() (net.Listener, error) {
	socketPath := s.cfg.SocketPath()

	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}

	if _, statErr := os.Stat(socketPath); statErr == nil {
		// Socket file exists; probe it to see if a supervisor is live
		conn, dialErr := net.Dial("unix", socketPath)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("supervisor is already running on %s", socketPath)
		}
		slog.Info("Removing stale control socket", "path", socketPath)
		if removeErr := os.Remove(socketPath); removeErr != nil {
			return nil, fmt.Errorf("could not remove stale socket: %w", removeErr)
		}
		listener, err = net.Listen("unix", socketPath)
	}
	if err != nil {
		return nil, fmt.Errorf("could not create control socket: %w", err)
	}
	return listener, nil
}

func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info("Error accepting control connection", "error", err)
			}
			return
		}
		go s.handleConnection(conn)
	}
}

// handleConnection sorts inbound connections by their first line: workers
// announce themselves with a WORKER hello and stay connected for the
// process lifetime; anything else is a one-shot client command.
func (s *Supervisor) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	line, err := ipc.ReadLine(reader)
	if err != nil {
		conn.Close()
		return
	}

	if workerID, epoch, ok := ipc.ParseWorkerHello(line); ok {
		s.handleWorkerSession(conn, reader, workerID, epoch)
		return
	}

	s.handleClientCommand(conn, line)
}

// handleWorkerSession reads the worker's JSON message stream until the
// connection drops. The supervisor-to-worker direction carries only the
// shutdown command, written elsewhere through rec.conn.
func (s *Supervisor) handleWorkerSession(conn net.Conn, reader *bufio.Reader, workerID int, epoch uint64) {
	rec := s.handleWorkerOnline(workerID, epoch, conn)
	if rec == nil {
		conn.Close()
		return
	}

	for {
		line, err := ipc.ReadLine(reader)
		if err != nil {
			// connection gone; the process monitor owns pool removal
			return
		}
		msg, err := ipc.Decode(line)
		if err != nil {
			slog.Warn("Malformed message from worker", "worker", workerID, "error", err)
			continue
		}

		switch msg.Type {
		case ipc.TypeServerRunning:
			s.handleServerRunning(msg.WorkerID, msg.Epoch, msg.Host, msg.InsecurePort, msg.SecurePort)
		case ipc.TypePingConsole:
			s.handlePing(msg.WorkerID, msg.CPUPercent, msg.RSSBytes)
		case ipc.TypeShutdown:
			s.handleWorkerShutdownMsg(msg.WorkerID)
		case ipc.TypeLog:
			s.relayWorkerLog(msg)
		default:
			slog.Warn("Unknown message type from worker",
				"worker", workerID, "type", string(msg.Type))
		}
	}
}

// relayWorkerLog re-emits a worker-forwarded log record into the
// supervisor's feed so it reaches the terminal and any log clients.
func (s *Supervisor) relayWorkerLog(msg *ipc.Message) {
	attrs := []any{"worker", msg.WorkerID}
	if msg.RoutingHint != "" {
		attrs = append(attrs, "routing", msg.RoutingHint)
	}
	switch msg.Level {
	case "ERROR":
		slog.Error(msg.Text, attrs...)
	case "WARN":
		slog.Warn(msg.Text, attrs...)
	case "DEBUG":
		slog.Debug(msg.Text, attrs...)
	default:
		slog.Info(msg.Text, attrs...)
	}
}

// WorkerStatus is the per-worker slice of the STATUS response.
type WorkerStatus struct {
	ID           int     `json:"id"`
	Pid          int     `json:"pid"`
	State        string  `json:"state"`
	Epoch        uint64  `json:"epoch"`
	Host         string  `json:"host,omitempty"`
	InsecurePort *int    `json:"insecurePort,omitempty"`
	SecurePort   *int    `json:"securePort,omitempty"`
	UptimeSec    int64   `json:"uptimeSec"`
	LastPingSec  int64   `json:"lastPingSec,omitempty"`
	CPUPercent   float64 `json:"cpuPercent,omitempty"`
	RSSBytes     uint64  `json:"rssBytes,omitempty"`
}

// PoolStatus is the STATUS response payload.
type PoolStatus struct {
	Version    string         `json:"version"`
	Pid        int            `json:"pid"`
	Epoch      uint64         `json:"epoch"`
	Desired    int            `json:"desired"`
	ReadyCount int            `json:"readyCount"`
	FullyReady bool           `json:"fullyReady"`
	Workers    []WorkerStatus `json:"workers"`
}

func (s *Supervisor) poolStatus() PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := PoolStatus{
		Version:    core.FormatVersion(core.Version),
		Pid:        os.Getpid(),
		Epoch:      s.epoch,
		Desired:    s.desired,
		ReadyCount: s.readyCount,
		FullyReady: s.cycleReady,
	}
	now := time.Now()
	for _, rec := range s.workers {
		ws := WorkerStatus{
			ID:           rec.ID,
			Pid:          rec.Pid,
			State:        string(rec.State),
			Epoch:        rec.Epoch,
			Host:         rec.Host,
			InsecurePort: rec.InsecurePort,
			SecurePort:   rec.SecurePort,
			UptimeSec:    int64(now.Sub(rec.SpawnTime).Seconds()),
			CPUPercent:   rec.CPUPercent,
			RSSBytes:     rec.RSSBytes,
		}
		if !rec.LastPing.IsZero() {
			ws.LastPingSec = int64(now.Sub(rec.LastPing).Seconds())
		}
		status.Workers = append(status.Workers, ws)
	}
	return status
}

// handleClientCommand serves one command from a CLI client and closes the
// connection, except for LOGS which streams until the client disconnects.
func (s *Supervisor) handleClientCommand(conn net.Conn, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		conn.Close()
		return
	}
	command := fields[0]

	if command != "VERSION" {
		slog.Debug("Executing control command", "command", command)
	}

	var response Response
	switch command {
	case "STATUS":
		response.AddData(s.poolStatus())

	case "VERSION":
		response.AddData(map[string]string{"version": core.FormatVersion(core.Version)})

	case "STOP":
		response.AddMessage("Draining all workers", StatusInfo)
		go s.ShutdownAll()

	case "RELOAD":
		if s.RestartAll() {
			response.AddMessage(fmt.Sprintf("Hot restart started, epoch %d", s.Epoch()), StatusInfo)
		} else {
			response.AddMessage("Reload ignored, no successful startup completed yet", StatusWarn)
		}

	case "LOGS":
		s.handleLogs(conn)
		return

	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}

	conn.Write([]byte(response.ToJSON()))
	conn.Close()
}

// handleLogs streams the aggregated log feed to the client until they
// disconnect, replaying some history first.
func (s *Supervisor) handleLogs(conn net.Conn) {
	defer conn.Close()

	logChan, history := s.broadcast.SubscribeWithHistory(20)
	defer s.broadcast.Unsubscribe(logChan)

	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(done)
	}()

	for {
		select {
		case msg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(msg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
