package core

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	PidFileName = "supervisor.pid"
	SocketName  = "supervisor.sock"
	EventsDBName = "events.db"
)

// Shutdown timing. The supervisor's force-kill window must stay strictly
// longer than the worker drain window or in-flight connections get severed
// mid-restart; keep these two in lockstep when tuning.
const (
	// DrainTimeout bounds how long a worker waits for in-flight
	// connections after it stops accepting new ones.
	DrainTimeout = 10 * time.Second

	// ForceKillTimeout is how long the supervisor waits after sending the
	// shutdown command before it SIGKILLs a worker that has not exited.
	ForceKillTimeout = 15 * time.Second

	// HeartbeatInterval is how often a worker sends a liveness ping with
	// process telemetry to the supervisor.
	HeartbeatInterval = 30 * time.Second
)

// Settings holds the environment-derived runtime settings shared by the
// supervisor and its workers. Flags may override individual fields after load.
type Settings struct {
	WorkerOverride    string // raw value of UNNODE_WORKERS, resolved by ResolveWorkerCount
	Host              string // listen host for both listeners
	Port              *int   // plaintext listener port, nil when absent/invalid
	SecurePort        *int   // TLS listener port, nil when absent/invalid
	TLSCertPath       string // default certificate chain
	TLSKeyPath        string // default private key
	TLSCAPath         string // optional trust-anchor bundle
	TLSMinVersion     uint16
	ServersConfigPath string // HCL virtual-host config file
	StateDir          string // control socket, pidfile and event db live here
	TrustProxy        bool   // prefer X-Forwarded-Host from an upstream proxy
	DisableTimestamps bool
}

// LoadSettings reads the UNNODE_* environment once into a Settings struct.
func LoadSettings() *Settings {
	s := &Settings{
		WorkerOverride:    os.Getenv("UNNODE_WORKERS"),
		Host:              os.Getenv("UNNODE_HOST"),
		Port:              parsePort(os.Getenv("UNNODE_PORT")),
		SecurePort:        parsePort(os.Getenv("UNNODE_SECURE_PORT")),
		TLSCertPath:       os.Getenv("UNNODE_TLS_CERT"),
		TLSKeyPath:        os.Getenv("UNNODE_TLS_KEY"),
		TLSCAPath:         os.Getenv("UNNODE_TLS_CA"),
		TLSMinVersion:     ParseTLSMinVersion(os.Getenv("UNNODE_TLS_MIN_VERSION")),
		ServersConfigPath: os.Getenv("UNNODE_SERVERS_CONFIG"),
		StateDir:          os.Getenv("UNNODE_STATE_DIR"),
		TrustProxy:        os.Getenv("UNNODE_TRUST_PROXY") != "",
		DisableTimestamps: os.Getenv("UNNODE_DISABLE_TIMESTAMPS") != "",
	}
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.StateDir == "" {
		s.StateDir = filepath.Join(os.TempDir(), "unnode")
	}
	return s
}

func (s *Settings) SocketPath() string {
	return filepath.Join(s.StateDir, SocketName)
}

func (s *Settings) PidFilePath() string {
	return filepath.Join(s.StateDir, PidFileName)
}

func (s *Settings) EventsDBPath() string {
	return filepath.Join(s.StateDir, EventsDBName)
}

// HasListener reports whether at least one of the two listener ports is
// configured. A worker with neither port is a startup-configuration error.
func (s *Settings) HasListener() bool {
	return s.Port != nil || s.SecurePort != nil
}

// ResolveWorkerCount resolves the desired worker count from an override,
// clamped to [1, cpus]. A missing, non-numeric or out-of-range override
// falls back to the logical CPU count.
func ResolveWorkerCount(override string, cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	n, err := strconv.Atoi(override)
	if err != nil || n < 1 || n > cpus {
		return cpus
	}
	return n
}

// NumCPU is split out so tests can exercise ResolveWorkerCount against a
// fixed CPU count.
func NumCPU() int {
	return runtime.NumCPU()
}

// ParseTLSMinVersion maps the UNNODE_TLS_MIN_VERSION value to a crypto/tls
// version constant, defaulting to TLS 1.2.
func ParseTLSMinVersion(v string) uint16 {
	switch v {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func parsePort(v string) *int {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 65535 {
		return nil
	}
	return &n
}
