// Package supervisor implements the parent process of the pool: it spawns
// worker processes, tracks their readiness per epoch, replaces abnormal
// exits and coordinates graceful shutdown and zero-downtime hot restarts.
package supervisor

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/db"
)

// WorkerState is the supervisor-side view of a worker's lifecycle. States
// only move forward: spawning -> online -> ready -> disconnecting -> exited.
type WorkerState string

const (
	WorkerSpawning      WorkerState = "spawning"
	WorkerOnline        WorkerState = "online"
	WorkerReady         WorkerState = "ready"
	WorkerDisconnecting WorkerState = "disconnecting"
	WorkerExited        WorkerState = "exited"
)

var stateRank = map[WorkerState]int{
	WorkerSpawning:      0,
	WorkerOnline:        1,
	WorkerReady:         2,
	WorkerDisconnecting: 3,
	WorkerExited:        4,
}

// WorkerRecord tracks one spawned worker process. Created on spawn,
// dropped from the pool once the exit is confirmed.
type WorkerRecord struct {
	ID        int
	Epoch     uint64
	Pid       int
	Cmd       *exec.Cmd
	State     WorkerState
	SpawnTime time.Time

	// reported by the worker over IPC
	Host         string
	InsecurePort *int
	SecurePort   *int
	LastPing     time.Time
	CPUPercent   float64
	RSSBytes     uint64

	ExitCode   int
	ExitSignal syscall.Signal

	conn        net.Conn    // worker's control-socket connection, nil until online
	killTimer   *time.Timer // armed during hot restart
	forceKilled bool
}

// advance moves the record forward to next, returning false if the record
// is already at or past it. Backward transitions never happen.
func (w *WorkerRecord) advance(next WorkerState) bool {
	if stateRank[next] <= stateRank[w.State] {
		return false
	}
	w.State = next
	return true
}

// Supervisor owns the worker pool for one service instance. It is
// constructed by the serve command and passed by reference; there is no
// package-level singleton.
type Supervisor struct {
	cfg *core.Settings

	mu         sync.Mutex
	workers    map[int]*WorkerRecord
	desired    int
	epoch      uint64
	readyCount int
	cycleReady bool // "fully ready" already fired for the current epoch
	everReady  bool // at least one epoch reached full readiness since boot
	shutdown   bool
	nextID     int

	listener  net.Listener
	broadcast *LogBroadcaster
	events    *db.DB

	// spawnCmd builds the worker command; tests replace it to run without
	// real processes.
	spawnCmd func(id int, epoch uint64) (*exec.Cmd, error)

	drained      chan struct{} // closed when shutdown completes with an empty pool
	shutdownOnce sync.Once
	finishOnce   sync.Once
}

func New(cfg *core.Settings) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		workers:   make(map[int]*WorkerRecord),
		desired:   core.ResolveWorkerCount(cfg.WorkerOverride, core.NumCPU()),
		epoch:     1,
		broadcast: NewLogBroadcaster(1000),
		drained:   make(chan struct{}),
	}
	s.spawnCmd = s.defaultSpawnCmd
	return s
}

// Desired returns the resolved target worker count.
func (s *Supervisor) Desired() int {
	return s.desired
}

// Epoch returns the current re-initialization epoch.
func (s *Supervisor) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Run starts the supervisor: control socket, signal handlers, config
// watcher and the initial worker generation. It blocks until graceful
// shutdown completes.
func (s *Supervisor) Run() error {
	setupLogging(s.broadcast, s.cfg)

	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	database, err := db.Open(s.cfg.EventsDBPath())
	if err != nil {
		slog.Error("Failed to open event log, continuing without it", "error", err)
	} else {
		s.events = database
		s.logSupervisorEvent("start", fmt.Sprintf("version %s, pid %d, workers %d",
			core.FormatVersion(core.Version), os.Getpid(), s.desired))
	}

	listener, err := s.openControlSocket()
	if err != nil {
		return err
	}
	s.listener = listener

	pidFilePath := s.cfg.PidFilePath()
	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(s.cfg.SocketPath())

	slog.Info("Supervisor listening on control socket", "path", s.cfg.SocketPath())

	s.watchConfig()

	shutdownChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, unix.SIGTERM, unix.SIGINT)
	signal.Notify(reloadChan, unix.SIGUSR2)

	go func() {
		for range shutdownChan {
			// ShutdownAll is idempotent, repeated signals are no-ops
			slog.Info("Shutdown signal received, draining all workers")
			s.ShutdownAll()
		}
	}()

	go func() {
		for range reloadChan {
			if !s.RestartAll() {
				slog.Info("Reload signal ignored, no successful startup completed yet")
			}
		}
	}()

	s.mu.Lock()
	slog.Info("Starting workers", "count", s.desired)
	for i := 0; i < s.desired; i++ {
		s.spawnWorkerLocked()
	}
	s.mu.Unlock()

	go s.acceptLoop()

	<-s.drained

	if s.events != nil {
		s.logSupervisorEvent("stop", "all workers drained")
		s.events.Close()
	}
	slog.Info("Supervisor shutdown complete")
	return nil
}

// defaultSpawnCmd re-execs the current binary as a worker. The worker picks
// up its identity, epoch and the control socket path from the environment.
func (s *Supervisor) defaultSpawnCmd(id int, epoch uint64) (*exec.Cmd, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable path: %w", err)
	}

	cmd := exec.Command(execPath, "worker")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("UNNODE_WORKER_ID=%d", id),
		fmt.Sprintf("UNNODE_WORKER_EPOCH=%d", epoch),
		fmt.Sprintf("UNNODE_CONTROL_SOCKET=%s", s.cfg.SocketPath()),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so a force kill reaches any children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// spawnWorkerLocked forks one worker under the current epoch. Process
// creation is fire-and-forget: a failure to come up surfaces later as an
// exit, handled by the monitor.
func (s *Supervisor) spawnWorkerLocked() *WorkerRecord {
	s.nextID++
	id := s.nextID

	rec := &WorkerRecord{
		ID:        id,
		Epoch:     s.epoch,
		State:     WorkerSpawning,
		SpawnTime: time.Now(),
	}
	s.workers[id] = rec

	cmd, err := s.spawnCmd(id, s.epoch)
	if err != nil {
		slog.Error("Failed to build worker command", "worker", id, "error", err)
		return rec
	}
	if cmd != nil {
		if err := cmd.Start(); err != nil {
			slog.Error("Failed to start worker process", "worker", id, "error", err)
			// surfaces like any other exit, so after first readiness the
			// classification spawns a replacement and the pool never
			// silently shrinks
			go s.handleWorkerExit(rec, -1, syscall.Signal(-1))
			return rec
		}
		rec.Cmd = cmd
		rec.Pid = cmd.Process.Pid
		go s.monitorWorker(rec)
	}

	slog.Info("Spawned worker", "worker", id, "pid", rec.Pid, "epoch", rec.Epoch)
	s.logWorkerEvent(rec, "spawn", fmt.Sprintf("pid %d", rec.Pid))
	return rec
}

// monitorWorker blocks on the process and feeds its exit status back into
// the pool bookkeeping.
func (s *Supervisor) monitorWorker(rec *WorkerRecord) {
	err := rec.Cmd.Wait()

	code := 0
	sig := syscall.Signal(-1)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sig = ws.Signal()
				code = -1
			} else {
				code = exitErr.ExitCode()
			}
		} else {
			code = -1
		}
	}

	s.handleWorkerExit(rec, code, sig)
}

// handleWorkerExit classifies a worker exit as clean or abnormal and
// enforces the self-healing contract: abnormal exits in the current epoch
// trigger exactly one replacement spawn, so crashes never shrink the pool.
func (s *Supervisor) handleWorkerExit(rec *WorkerRecord, exitCode int, sig syscall.Signal) {
	s.mu.Lock()

	rec.advance(WorkerExited)
	rec.ExitCode = exitCode
	rec.ExitSignal = sig
	if rec.killTimer != nil {
		rec.killTimer.Stop()
		rec.killTimer = nil
	}
	if rec.conn != nil {
		rec.conn.Close()
		rec.conn = nil
	}
	delete(s.workers, rec.ID)

	stale := rec.Epoch != s.epoch
	clean := exitCode == 0 ||
		!s.everReady || // startup-phase crash: fail fast, no restart storm
		isGracefulSignal(sig) ||
		rec.forceKilled ||
		stale

	if clean {
		slog.Info("Worker exited",
			"worker", rec.ID,
			"pid", rec.Pid,
			"code", exitCode,
			"signal", signalName(sig))
		s.logWorkerEvent(rec, "exit_clean", exitDetails(exitCode, sig))
	} else {
		slog.Error("Worker exited abnormally, spawning replacement",
			"worker", rec.ID,
			"pid", rec.Pid,
			"code", exitCode,
			"signal", signalName(sig))
		s.logWorkerEvent(rec, "exit_abnormal", exitDetails(exitCode, sig))
		if !s.shutdown {
			s.spawnWorkerLocked()
		}
	}

	poolEmpty := len(s.workers) == 0
	shuttingDown := s.shutdown
	s.mu.Unlock()

	if shuttingDown && poolEmpty {
		s.finishShutdown()
	}
}

// handleServerRunning processes a readiness report. Reports are tagged with
// the epoch the worker was spawned under; anything from a previous epoch is
// ignored so a stale ready count can never short-circuit a rollout.
func (s *Supervisor) handleServerRunning(workerID int, epoch uint64, host string, insecurePort, securePort *int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		slog.Warn("Ignoring readiness report from stale epoch",
			"worker", workerID, "reported_epoch", epoch, "current_epoch", s.epoch)
		return
	}

	rec := s.workers[workerID]
	if rec == nil {
		slog.Warn("Readiness report from unknown worker", "worker", workerID)
		return
	}

	rec.Host = host
	rec.InsecurePort = insecurePort
	rec.SecurePort = securePort

	if !rec.advance(WorkerReady) {
		// duplicate report in the same epoch, counting is a no-op
		return
	}

	slog.Info("Worker ready",
		"worker", workerID,
		"host", host,
		"insecure_port", portString(insecurePort),
		"secure_port", portString(securePort))
	s.logWorkerEvent(rec, "ready", fmt.Sprintf("host %s insecure %s secure %s",
		host, portString(insecurePort), portString(securePort)))

	if s.cycleReady {
		return
	}
	s.readyCount++
	if s.readyCount >= s.desired {
		s.cycleReady = true
		s.everReady = true
		listeners := s.readyListenersLocked()
		slog.Info("Service fully ready",
			"workers", s.desired,
			"epoch", s.epoch,
			"listeners", listeners)
		s.logSupervisorEvent("fully_ready", fmt.Sprintf("epoch %d, %d workers: %s",
			s.epoch, s.desired, strings.Join(listeners, "; ")))
	}
}

// readyListenersLocked summarizes the bound host and ports of every ready
// worker in the current epoch, ordered by worker id.
func (s *Supervisor) readyListenersLocked() []string {
	ids := make([]int, 0, len(s.workers))
	for id, rec := range s.workers {
		if rec.State == WorkerReady && rec.Epoch == s.epoch {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	listeners := make([]string, 0, len(ids))
	for _, id := range ids {
		rec := s.workers[id]
		listeners = append(listeners, fmt.Sprintf("worker %d %s insecure %s secure %s",
			id, rec.Host, portString(rec.InsecurePort), portString(rec.SecurePort)))
	}
	return listeners
}

// handleWorkerOnline records the spawning -> online transition once the
// worker's control connection is up.
func (s *Supervisor) handleWorkerOnline(workerID int, epoch uint64, conn net.Conn) *WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.workers[workerID]
	if rec == nil {
		slog.Warn("Control connection from unknown worker", "worker", workerID, "epoch", epoch)
		return nil
	}
	rec.conn = conn
	if rec.advance(WorkerOnline) {
		slog.Info("Worker online", "worker", workerID, "pid", rec.Pid, "epoch", rec.Epoch)
		s.logWorkerEvent(rec, "online", "")
	}
	return rec
}

// handlePing refreshes a worker's heartbeat telemetry.
func (s *Supervisor) handlePing(workerID int, cpuPercent float64, rssBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.workers[workerID]
	if rec == nil {
		return
	}
	rec.LastPing = time.Now()
	rec.CPUPercent = cpuPercent
	rec.RSSBytes = rssBytes
}

// handleWorkerShutdownMsg marks a worker that finished draining and asked
// for removal. The record leaves the pool when the process exit is
// confirmed by the monitor.
func (s *Supervisor) handleWorkerShutdownMsg(workerID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.workers[workerID]
	if rec == nil {
		return
	}
	if rec.advance(WorkerDisconnecting) {
		slog.Info("Worker drained, awaiting exit", "worker", workerID, "pid", rec.Pid)
		s.logWorkerEvent(rec, "drained", "")
	}
}

// ShutdownAll broadcasts the graceful-shutdown command to every live worker
// exactly once. No force kill here: each worker bounds its own drain.
func (s *Supervisor) ShutdownAll() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		if s.events != nil {
			s.logSupervisorEvent("shutdown", fmt.Sprintf("%d workers to drain", len(s.workers)))
		}
		for _, rec := range s.workers {
			s.sendShutdownLocked(rec)
		}
		poolEmpty := len(s.workers) == 0
		s.mu.Unlock()

		if poolEmpty {
			s.finishShutdown()
		}
	})
}

// RestartAll performs a coordinated hot restart: new epoch, fresh readiness
// cycle, replacement workers spawned immediately so the listening ports
// never go unbound while the old generation drains. Returns false when
// ignored because no startup has succeeded yet.
func (s *Supervisor) RestartAll() bool {
	s.mu.Lock()

	if s.shutdown || !s.everReady {
		s.mu.Unlock()
		return false
	}

	s.epoch++
	s.readyCount = 0
	s.cycleReady = false

	slog.Info("Hot restart initiated", "epoch", s.epoch, "workers", s.desired)
	s.logSupervisorEvent("reload", fmt.Sprintf("epoch %d", s.epoch))

	old := make([]*WorkerRecord, 0, len(s.workers))
	for _, rec := range s.workers {
		old = append(old, rec)
	}

	for _, rec := range old {
		s.sendShutdownLocked(rec)
		// The force-kill window is longer than the worker drain timeout,
		// so a healthy worker always finishes draining first.
		rec.killTimer = time.AfterFunc(core.ForceKillTimeout, func() {
			s.forceKill(rec)
		})
	}

	for i := 0; i < s.desired; i++ {
		s.spawnWorkerLocked()
	}

	s.mu.Unlock()
	return true
}

// sendShutdownLocked delivers the drain command over the worker's control
// connection. Workers that have not connected yet are signalled instead.
func (s *Supervisor) sendShutdownLocked(rec *WorkerRecord) {
	if !rec.advance(WorkerDisconnecting) {
		return
	}
	s.logWorkerEvent(rec, "shutdown_sent", "")

	if rec.conn != nil {
		_, err := rec.conn.Write([]byte("shutdown\n"))
		if err == nil {
			return
		}
		slog.Warn("Failed to send shutdown command, falling back to signal",
			"worker", rec.ID, "error", err)
	}
	if rec.Pid > 0 {
		// no usable control connection; SIGTERM reaches the worker's own
		// signal handler and triggers the same drain path
		unix.Kill(rec.Pid, unix.SIGTERM)
	}
}

// forceKill terminates a worker that outlived the restart grace window.
func (s *Supervisor) forceKill(rec *WorkerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.State == WorkerExited || rec.Pid <= 0 {
		return
	}
	rec.forceKilled = true
	slog.Warn("Worker did not drain in time, force killing", "worker", rec.ID, "pid", rec.Pid)
	s.logWorkerEvent(rec, "force_kill", fmt.Sprintf("pid %d", rec.Pid))

	if err := unix.Kill(-rec.Pid, unix.SIGKILL); err != nil {
		unix.Kill(rec.Pid, unix.SIGKILL)
	}
}

func (s *Supervisor) finishShutdown() {
	s.finishOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		close(s.drained)
	})
}

func (s *Supervisor) logWorkerEvent(rec *WorkerRecord, eventType, details string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogWorkerEvent(rec.ID, rec.Epoch, eventType, details); err != nil {
		slog.Error("Failed to log worker event", "error", err)
	}
}

func (s *Supervisor) logSupervisorEvent(eventType, details string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogSupervisorEvent(eventType, details); err != nil {
		slog.Error("Failed to log supervisor event", "error", err)
	}
}

// isGracefulSignal reports whether sig is one of the signals the shutdown
// path itself uses, so a worker killed by them counts as a clean exit.
func isGracefulSignal(sig syscall.Signal) bool {
	switch sig {
	case unix.SIGTERM, unix.SIGINT:
		return true
	}
	return false
}

func signalName(sig syscall.Signal) string {
	if sig < 0 {
		return ""
	}
	return unix.SignalName(sig)
}

func exitDetails(code int, sig syscall.Signal) string {
	if sig >= 0 {
		return fmt.Sprintf("signal %s", signalName(sig))
	}
	return fmt.Sprintf("exit code %d", code)
}

func portString(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}
