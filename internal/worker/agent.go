// Package worker implements the child process of the pool: it builds the
// hostname routing stack from the declarative config, opens the plaintext
// and TLS listeners, reports readiness to the supervisor and drains
// gracefully on command.
package worker

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/ipc"
	"github.com/nurminendev/unnode/internal/router"
	"github.com/nurminendev/unnode/internal/tlsutil"
)

// AgentState tracks the worker lifecycle:
// starting -> listening -> ready -> draining -> stopped.
type AgentState string

const (
	AgentStarting  AgentState = "starting"
	AgentListening AgentState = "listening"
	AgentReady     AgentState = "ready"
	AgentDraining  AgentState = "draining"
	AgentStopped   AgentState = "stopped"
)

// Agent is one worker's runtime: listeners, routing stack and the control
// connection to the supervisor.
type Agent struct {
	id         int
	epoch      uint64
	cfg        *core.Settings
	socketPath string
	resolve    HandlerResolver

	hostRouter   *router.HostRouter
	certResolver *tlsutil.CertResolver
	base         http.Handler
	handler      http.Handler

	conn net.Conn
	enc  *ipc.Encoder

	httpSrv  *http.Server
	httpsSrv *http.Server

	mu    sync.Mutex
	state AgentState

	preShutdown   func(context.Context) error
	heartbeatStop chan struct{}
	shutdownOnce  sync.Once
	done          chan struct{}
	drainTimeout  time.Duration
}

// NewAgent builds a worker agent. Identity (id, epoch, control socket) is
// injected by the supervisor through the environment; see AgentFromEnv.
func NewAgent(cfg *core.Settings, id int, epoch uint64, socketPath string, resolve HandlerResolver) *Agent {
	if resolve == nil {
		resolve = ResolveRegistered
	}
	return &Agent{
		id:            id,
		epoch:         epoch,
		cfg:           cfg,
		socketPath:    socketPath,
		resolve:       resolve,
		state:         AgentStarting,
		heartbeatStop: make(chan struct{}),
		done:          make(chan struct{}),
		drainTimeout:  core.DrainTimeout,
	}
}

// AgentFromEnv reads the identity the supervisor injected when spawning
// this process.
func AgentFromEnv(cfg *core.Settings, resolve HandlerResolver) *Agent {
	id, _ := strconv.Atoi(os.Getenv("UNNODE_WORKER_ID"))
	epoch, _ := strconv.ParseUint(os.Getenv("UNNODE_WORKER_EPOCH"), 10, 64)
	socketPath := os.Getenv("UNNODE_CONTROL_SOCKET")
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	return NewAgent(cfg, id, epoch, socketPath, resolve)
}

// SetPreShutdown registers a callback awaited before the listeners start
// draining, used by the hosting application to flush its own state. Its
// duration is the collaborator's responsibility.
func (a *Agent) SetPreShutdown(fn func(context.Context) error) {
	a.preShutdown = fn
}

// State returns the current lifecycle state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(state AgentState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// Run is the worker process entry point: connect to the supervisor, build
// routing, open listeners, report readiness and serve until told to drain.
// Startup errors are fatal; the process exits and the supervisor decides
// what happens next.
func (a *Agent) Run() error {
	conn, err := net.Dial("unix", a.socketPath)
	if err != nil {
		setupLogging(a.cfg, nil, a.id, a.epoch)
		return fmt.Errorf("failed to connect to supervisor: %w", err)
	}
	a.conn = conn
	a.enc = ipc.NewEncoder(conn)
	setupLogging(a.cfg, a.enc, a.id, a.epoch)

	if _, err := conn.Write([]byte(ipc.WorkerHello(a.id, a.epoch) + "\n")); err != nil {
		return fmt.Errorf("failed to announce worker: %w", err)
	}

	servers, err := core.LoadServersConfig(a.cfg.ServersConfigPath)
	if err != nil {
		slog.Error("Fatal: invalid servers config", "error", err)
		return err
	}
	if err := a.buildRouting(servers); err != nil {
		slog.Error("Fatal: failed to build routing", "error", err)
		return err
	}

	if err := a.listen(); err != nil {
		// a worker with no listeners cannot serve; drain and go away
		a.Shutdown()
		return err
	}

	a.reportReady()
	go a.heartbeatLoop()

	// The supervisor signals workers that have no control connection yet;
	// treat those signals as the same drain trigger.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGTERM, unix.SIGINT)
	go func() {
		<-sigChan
		slog.Info("Termination signal received, draining")
		a.Shutdown()
	}()

	go a.commandLoop()

	<-a.done
	return nil
}

// commandLoop reads supervisor commands off the control connection. The
// only command is the bare shutdown line.
func (a *Agent) commandLoop() {
	reader := bufio.NewReader(a.conn)
	for {
		line, err := ipc.ReadLine(reader)
		if err != nil {
			// supervisor went away; drain rather than serve unsupervised
			slog.Warn("Lost control connection, draining")
			a.Shutdown()
			return
		}
		if line == ipc.ShutdownCommand {
			slog.Info("Shutdown command received, draining")
			a.Shutdown()
			return
		}
		slog.Warn("Unknown supervisor command", "command", line)
	}
}

// listen opens the configured listeners. At least one of the two ports
// must be present; otherwise, and on any bind error, the worker is done.
func (a *Agent) listen() error {
	if !a.cfg.HasListener() {
		slog.Error("Fatal: neither UNNODE_PORT nor UNNODE_SECURE_PORT is set to a valid port")
		return errors.New("no listener configured")
	}

	if a.cfg.Port != nil {
		addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(*a.cfg.Port))
		ln, err := listenShared(addr)
		if err != nil {
			logBindError(err, addr)
			return err
		}
		a.httpSrv = &http.Server{
			Handler:  a.handler,
			ErrorLog: stdlog.New(&slogWriter{listener: "http"}, "", 0),
		}
		go a.httpSrv.Serve(ln)
		slog.Info("Plaintext listener up", "addr", addr)
	}

	if a.cfg.SecurePort != nil {
		tlsCfg, err := a.buildTLSConfig()
		if err != nil {
			slog.Error("Fatal: invalid TLS configuration", "error", err)
			return err
		}
		addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(*a.cfg.SecurePort))
		ln, err := listenShared(addr)
		if err != nil {
			logBindError(err, addr)
			return err
		}
		a.httpsSrv = &http.Server{
			Handler:   a.handler,
			TLSConfig: tlsCfg,
			ErrorLog:  stdlog.New(&slogWriter{listener: "https"}, "", 0),
		}
		go a.httpsSrv.Serve(tls.NewListener(ln, tlsCfg))
		slog.Info("TLS listener up", "addr", addr, "sni_bindings", a.certResolver.Len())
	}

	a.setState(AgentListening)
	return nil
}

// buildTLSConfig assembles the listener TLS config: the mandatory default
// certificate, the SNI callback when named bindings exist, and optional
// client trust anchors.
func (a *Agent) buildTLSConfig() (*tls.Config, error) {
	if a.cfg.TLSCertPath == "" || a.cfg.TLSKeyPath == "" {
		return nil, errors.New("secure port set but default certificate material is missing")
	}
	defaultCert, err := tlsutil.LoadDefault(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		MinVersion:   a.cfg.TLSMinVersion,
		Certificates: []tls.Certificate{defaultCert},
	}
	if a.certResolver.Len() > 0 {
		tlsCfg.GetCertificate = a.certResolver.GetCertificate
	}
	if a.cfg.TLSCAPath != "" {
		pem, err := os.ReadFile(a.cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust-anchor bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("trust-anchor bundle contains no certificates")
		}
		tlsCfg.ClientCAs = pool
	}
	return tlsCfg, nil
}

// reportReady tells the supervisor this worker's listeners are up. The
// message carries the spawn epoch so reports surviving a hot restart are
// discarded instead of counted.
func (a *Agent) reportReady() {
	a.setState(AgentReady)
	msg := &ipc.Message{
		Type:         ipc.TypeServerRunning,
		WorkerID:     a.id,
		Epoch:        a.epoch,
		Host:         a.cfg.Host,
		InsecurePort: a.cfg.Port,
		SecurePort:   a.cfg.SecurePort,
	}
	if err := a.enc.Encode(msg); err != nil {
		slog.Warn("Failed to report readiness", "error", err)
	}
}

// heartbeatLoop sends the periodic liveness ping with process telemetry.
func (a *Agent) heartbeatLoop() {
	proc, _ := process.NewProcess(int32(os.Getpid()))

	ticker := time.NewTicker(core.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.heartbeatStop:
			return
		case <-ticker.C:
			msg := &ipc.Message{
				Type:     ipc.TypePingConsole,
				WorkerID: a.id,
				Epoch:    a.epoch,
			}
			if proc != nil {
				if cpu, err := proc.CPUPercent(); err == nil {
					msg.CPUPercent = cpu
				}
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					msg.RSSBytes = mem.RSS
				}
			}
			if err := a.enc.Encode(msg); err != nil {
				return
			}
		}
	}
}

// Shutdown drains the worker exactly once: stop the heartbeat, await the
// pre-shutdown callback, drain both listeners within the grace period,
// then notify the supervisor. Repeated calls are no-ops.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.setState(AgentDraining)
		close(a.heartbeatStop)

		if a.preShutdown != nil {
			if err := a.preShutdown(context.Background()); err != nil {
				slog.Warn("Pre-shutdown callback failed", "error", err)
			}
		}

		// Stop accepting, let in-flight connections finish within the
		// grace period. The supervisor's force-kill window is longer, so
		// a draining worker is never killed mid-drain.
		ctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
		defer cancel()

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("Plaintext listener drain incomplete", "error", err)
			}
		}
		if a.httpsSrv != nil {
			if err := a.httpsSrv.Shutdown(ctx); err != nil {
				slog.Warn("TLS listener drain incomplete", "error", err)
			}
		}

		if a.enc != nil {
			a.enc.Encode(&ipc.Message{
				Type:     ipc.TypeShutdown,
				WorkerID: a.id,
				Epoch:    a.epoch,
			})
		}
		if a.conn != nil {
			a.conn.Close()
		}

		a.setState(AgentStopped)
		close(a.done)
	})
}

// Done exposes completion for callers that shut the agent down from another
// goroutine.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// listenShared binds addr with SO_REUSEPORT. The pool's only shared
// resource is the listening port: every worker binds it and the kernel
// load-distributes accepted connections across the binders. The flag also
// lets a replacement generation bind while the old one is still draining,
// so the port is never unbound during a hot restart.
func listenShared(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// logBindError distinguishes the two operationally meaningful bind
// failures from everything else.
func logBindError(err error, addr string) {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		slog.Error("Fatal: listen address already in use", "addr", addr)
	case errors.Is(err, syscall.EACCES):
		slog.Error("Fatal: permission denied binding listen address", "addr", addr)
	default:
		slog.Error("Fatal: failed to bind listen address", "addr", addr, "error", err)
	}
}
