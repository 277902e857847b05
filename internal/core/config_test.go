package core

import (
	"crypto/tls"
	"testing"
)

func TestResolveWorkerCount(t *testing.T) {
	tests := []struct {
		name     string
		override string
		cpus     int
		want     int
	}{
		{name: "empty override falls back to cpu count", override: "", cpus: 8, want: 8},
		{name: "valid override", override: "3", cpus: 8, want: 3},
		{name: "override equal to cpu count", override: "8", cpus: 8, want: 8},
		{name: "override of one", override: "1", cpus: 8, want: 1},
		{name: "zero is out of range", override: "0", cpus: 8, want: 8},
		{name: "negative is out of range", override: "-2", cpus: 8, want: 8},
		{name: "above cpu count is out of range", override: "9", cpus: 8, want: 8},
		{name: "non-numeric falls back", override: "many", cpus: 4, want: 4},
		{name: "float is non-numeric", override: "2.5", cpus: 4, want: 4},
		{name: "single cpu host", override: "4", cpus: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveWorkerCount(tt.override, tt.cpus)
			if got != tt.want {
				t.Errorf("ResolveWorkerCount(%q, %d) = %d, want %d", tt.override, tt.cpus, got, tt.want)
			}
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		input string
		want  int // 0 means nil expected
	}{
		{input: "", want: 0},
		{input: "8080", want: 8080},
		{input: "1", want: 1},
		{input: "65535", want: 65535},
		{input: "65536", want: 0},
		{input: "0", want: 0},
		{input: "-1", want: 0},
		{input: "http", want: 0},
	}

	for _, tt := range tests {
		got := parsePort(tt.input)
		if tt.want == 0 {
			if got != nil {
				t.Errorf("parsePort(%q) = %d, want nil", tt.input, *got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("parsePort(%q) = %v, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseTLSMinVersion(t *testing.T) {
	tests := []struct {
		input string
		want  uint16
	}{
		{input: "1.0", want: tls.VersionTLS10},
		{input: "1.1", want: tls.VersionTLS11},
		{input: "1.2", want: tls.VersionTLS12},
		{input: "1.3", want: tls.VersionTLS13},
		{input: "", want: tls.VersionTLS12},
		{input: "bogus", want: tls.VersionTLS12},
	}

	for _, tt := range tests {
		if got := ParseTLSMinVersion(tt.input); got != tt.want {
			t.Errorf("ParseTLSMinVersion(%q) = %#x, want %#x", tt.input, got, tt.want)
		}
	}
}

func TestSettingsHasListener(t *testing.T) {
	port := 8080
	s := &Settings{}
	if s.HasListener() {
		t.Error("expected no listener with both ports nil")
	}
	s.Port = &port
	if !s.HasListener() {
		t.Error("expected listener with plaintext port set")
	}
	s = &Settings{SecurePort: &port}
	if !s.HasListener() {
		t.Error("expected listener with secure port set")
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("UNNODE_WORKERS", "2")
	t.Setenv("UNNODE_HOST", "127.0.0.1")
	t.Setenv("UNNODE_PORT", "8080")
	t.Setenv("UNNODE_SECURE_PORT", "not-a-port")
	t.Setenv("UNNODE_TLS_MIN_VERSION", "1.3")
	t.Setenv("UNNODE_STATE_DIR", t.TempDir())
	t.Setenv("UNNODE_DISABLE_TIMESTAMPS", "1")

	s := LoadSettings()
	if s.WorkerOverride != "2" {
		t.Errorf("WorkerOverride = %q, want 2", s.WorkerOverride)
	}
	if s.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", s.Host)
	}
	if s.Port == nil || *s.Port != 8080 {
		t.Errorf("Port = %v, want 8080", s.Port)
	}
	if s.SecurePort != nil {
		t.Errorf("SecurePort = %v, want nil for invalid value", s.SecurePort)
	}
	if s.TLSMinVersion != ParseTLSMinVersion("1.3") {
		t.Errorf("TLSMinVersion = %#x, want TLS 1.3", s.TLSMinVersion)
	}
	if !s.DisableTimestamps {
		t.Error("DisableTimestamps should be set")
	}
}
