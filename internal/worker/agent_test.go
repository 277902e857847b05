package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/ipc"
)

func quietLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func testResolver(t *testing.T) HandlerResolver {
	t.Helper()
	return func(ref, param string) (http.Handler, error) {
		switch ref {
		case "hello":
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "hello:"+param)
			}), nil
		case "echo-host":
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, r.Host)
			}), nil
		default:
			return nil, errors.New("no such handler: " + ref)
		}
	}
}

func newTestAgent(t *testing.T, cfg *core.Settings) *Agent {
	t.Helper()
	quietLogger(t)
	if cfg == nil {
		cfg = &core.Settings{Host: "127.0.0.1"}
	}
	return NewAgent(cfg, 1, 1, filepath.Join(t.TempDir(), "control.sock"), testResolver(t))
}

func catchAll() *core.ServerConfig {
	return &core.ServerConfig{
		Name:   "default",
		Vhosts: []string{"*"},
		Routes: []core.RouteConfig{
			{Path: "/", Handler: "hello", Param: "default"},
		},
	}
}

func TestBuildRoutingRequiresCatchAll(t *testing.T) {
	a := newTestAgent(t, nil)

	err := a.buildRouting([]*core.ServerConfig{
		{Name: "app", Vhosts: []string{"example.com"}, Routes: []core.RouteConfig{
			{Path: "/", Handler: "hello"},
		}},
	})
	if err == nil {
		t.Fatal("expected error for config without catch-all entry")
	}
}

func TestBuildRoutingUnresolvableHandler(t *testing.T) {
	a := newTestAgent(t, nil)

	err := a.buildRouting([]*core.ServerConfig{
		catchAll(),
		{Name: "app", Vhosts: []string{"example.com"}, Routes: []core.RouteConfig{
			{Path: "/", Handler: "nope"},
		}},
	})
	if err == nil || !strings.Contains(err.Error(), "no such handler") {
		t.Fatalf("expected unresolvable handler error, got %v", err)
	}
}

func TestBuildRoutingDispatch(t *testing.T) {
	a := newTestAgent(t, nil)

	err := a.buildRouting([]*core.ServerConfig{
		catchAll(),
		{Name: "app", Vhosts: []string{"app.example.com"}, Routes: []core.RouteConfig{
			{Path: "/", Handler: "echo-host"},
		}},
	})
	if err != nil {
		t.Fatalf("buildRouting: %v", err)
	}

	get := func(host, path string) string {
		req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
		req.Host = host
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, req)
		return rec.Body.String()
	}

	if got := get("app.example.com", "/"); got != "app.example.com" {
		t.Errorf("named vhost: got %q", got)
	}
	if got := get("unknown.example.net", "/"); got != "hello:default" {
		t.Errorf("catch-all fallback: got %q", got)
	}
}

func TestBuildRoutingMethodRestriction(t *testing.T) {
	a := newTestAgent(t, nil)

	err := a.buildRouting([]*core.ServerConfig{
		{Name: "default", Vhosts: []string{"*"}, Routes: []core.RouteConfig{
			{Method: "POST", Path: "/submit", Handler: "hello", Param: "post"},
		}},
	})
	if err != nil {
		t.Fatalf("buildRouting: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://x/submit", nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on POST route: status %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}

	req = httptest.NewRequest(http.MethodPost, "http://x/submit", nil)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Body.String() != "hello:post" {
		t.Errorf("POST: got %q", rec.Body.String())
	}
}

func TestBuildRoutingStaticMount(t *testing.T) {
	a := newTestAgent(t, nil)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.txt"), []byte("asset"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := a.buildRouting([]*core.ServerConfig{
		{Name: "default", Vhosts: []string{"*"}, Routes: []core.RouteConfig{
			{Path: "/assets/", Static: dir},
		}},
	})
	if err != nil {
		t.Fatalf("buildRouting: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://x/assets/index.txt", nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Body.String() != "asset" {
		t.Errorf("static asset: got %q", rec.Body.String())
	}
}

func TestBuildRoutingBadCertificateBinding(t *testing.T) {
	a := newTestAgent(t, nil)

	err := a.buildRouting([]*core.ServerConfig{
		catchAll(),
		{
			Name:   "secure",
			Vhosts: []string{"secure.example.com"},
			Routes: []core.RouteConfig{{Path: "/", Handler: "hello"}},
			TLS:    &core.TLSMaterial{Cert: "/nonexistent/cert.pem", Key: "/nonexistent/key.pem"},
		},
	})
	if err == nil {
		t.Fatal("expected error for unreadable certificate material")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	a := newTestAgent(t, nil)

	a.Shutdown()
	a.Shutdown()

	select {
	case <-a.Done():
	default:
		t.Fatal("done channel not closed after shutdown")
	}
	if got := a.State(); got != AgentStopped {
		t.Errorf("state after shutdown: %q, want %q", got, AgentStopped)
	}
}

func TestShutdownRunsPreShutdownHook(t *testing.T) {
	a := newTestAgent(t, nil)

	called := 0
	a.SetPreShutdown(func(ctx context.Context) error {
		called++
		return nil
	})

	a.Shutdown()
	a.Shutdown()
	if called != 1 {
		t.Errorf("pre-shutdown hook ran %d times, want 1", called)
	}
}

func TestShutdownNotifiesSupervisor(t *testing.T) {
	a := newTestAgent(t, nil)

	client, server := net.Pipe()
	defer client.Close()
	a.conn = server
	a.enc = ipc.NewEncoder(server)

	lines := make(chan string, 4)
	go func() {
		reader := bufio.NewReader(client)
		for {
			line, err := ipc.ReadLine(reader)
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	a.Shutdown()

	select {
	case line := <-lines:
		msg, err := ipc.Decode(line)
		if err != nil {
			t.Fatalf("decode shutdown notification: %v", err)
		}
		if msg.Type != ipc.TypeShutdown {
			t.Errorf("notification type %q, want %q", msg.Type, ipc.TypeShutdown)
		}
		if msg.WorkerID != 1 || msg.Epoch != 1 {
			t.Errorf("notification identity %d/%d, want 1/1", msg.WorkerID, msg.Epoch)
		}
	case <-time.After(time.Second):
		t.Fatal("no shutdown notification within deadline")
	}
}

func TestCommandLoopShutdownLine(t *testing.T) {
	a := newTestAgent(t, nil)

	client, server := net.Pipe()
	defer client.Close()
	a.conn = server
	a.enc = ipc.NewEncoder(server)

	go func() {
		reader := bufio.NewReader(client)
		for {
			if _, err := ipc.ReadLine(reader); err != nil {
				return
			}
		}
	}()
	go a.commandLoop()

	if _, err := client.Write([]byte(ipc.ShutdownCommand + "\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown command did not drain the worker")
	}
}

func TestCommandLoopLostConnection(t *testing.T) {
	a := newTestAgent(t, nil)

	client, server := net.Pipe()
	a.conn = server
	a.enc = ipc.NewEncoder(server)

	go a.commandLoop()
	client.Close()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("lost control connection did not drain the worker")
	}
}

func TestListenRequiresAListener(t *testing.T) {
	a := newTestAgent(t, &core.Settings{Host: "127.0.0.1"})
	a.handler = http.NotFoundHandler()

	if err := a.listen(); err == nil {
		t.Fatal("expected error when no port is configured")
	}
}

func TestMalformedRequestDoesNotStopServing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	a := newTestAgent(t, &core.Settings{Host: "127.0.0.1", Port: &port})
	if err := a.buildRouting([]*core.ServerConfig{catchAll()}); err != nil {
		t.Fatalf("buildRouting: %v", err)
	}
	if err := a.listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Shutdown()

	addr := "127.0.0.1:" + strconv.Itoa(port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("]]]not http at all\r\n\r\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, _ := io.ReadAll(conn)
	conn.Close()
	if len(reply) > 0 && !strings.Contains(string(reply), "400") {
		t.Errorf("garbage request answered with %q, want a 400 or a bare close", reply)
	}

	// the process keeps serving other connections
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("well-formed request after garbage: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello:default" {
		t.Errorf("response body %q", body)
	}
}

func TestListenAddressInUse(t *testing.T) {
	// a foreign listener without SO_REUSEPORT still blocks the bind
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	a := newTestAgent(t, &core.Settings{Host: "127.0.0.1", Port: &port})
	a.handler = http.NotFoundHandler()

	err = a.listen()
	if err == nil {
		t.Fatal("expected bind error for occupied port")
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Errorf("expected EADDRINUSE, got %v", err)
	}
}

func TestPoolWorkersShareOnePort(t *testing.T) {
	// reserve an ephemeral port, then release it for the workers; a
	// lingering reuseport socket would siphon off accepted connections
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	spawn := func(id int) *Agent {
		a := NewAgent(&core.Settings{Host: "127.0.0.1", Port: &port}, id, 1,
			filepath.Join(t.TempDir(), "control.sock"), testResolver(t))
		if err := a.buildRouting([]*core.ServerConfig{catchAll()}); err != nil {
			t.Fatalf("buildRouting: %v", err)
		}
		if err := a.listen(); err != nil {
			t.Fatalf("worker %d failed to bind the shared port: %v", id, err)
		}
		t.Cleanup(a.Shutdown)
		return a
	}

	quietLogger(t)
	spawn(1)
	spawn(2)

	// with both generations bound, requests still get answered
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/")
	if err != nil {
		t.Fatalf("request against the shared port: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestListenAndServe(t *testing.T) {
	port := 0
	a := newTestAgent(t, &core.Settings{Host: "127.0.0.1", Port: &port})

	err := a.buildRouting([]*core.ServerConfig{catchAll()})
	if err != nil {
		t.Fatalf("buildRouting: %v", err)
	}
	// bind explicitly so the test can learn the ephemeral port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	bound := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	a.cfg.Port = &bound

	if err := a.listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Shutdown()

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(bound) + "/")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello:default" {
		t.Errorf("response body %q", body)
	}
	if got := a.State(); got != AgentListening {
		t.Errorf("state after listen: %q, want %q", got, AgentListening)
	}
}
