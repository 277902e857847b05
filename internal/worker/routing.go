package worker

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/router"
	"github.com/nurminendev/unnode/internal/tlsutil"
)

// HandlerResolver turns a route's handler reference and its optional custom
// parameter into an http.Handler. Unresolvable references are startup
// errors: the worker aborts instead of serving a partial route table.
type HandlerResolver func(ref, param string) (http.Handler, error)

var (
	handlerMu       sync.Mutex
	handlerRegistry = make(map[string]func(param string) http.Handler)
)

// RegisterHandler binds a handler factory under a reference name used by
// the servers config. Programs embedding the harness register their
// controllers before starting the worker.
func RegisterHandler(ref string, factory func(param string) http.Handler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlerRegistry[ref] = factory
}

// ResolveRegistered is the default HandlerResolver, backed by the
// package registry.
func ResolveRegistered(ref, param string) (http.Handler, error) {
	handlerMu.Lock()
	factory, ok := handlerRegistry[ref]
	handlerMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for ref %q", ref)
	}
	return factory(param), nil
}

// buildRouting constructs the worker's routing stack from the declarative
// server entries: a gorilla/mux application per entry, the hostname table
// for named vhosts, certificate bindings for entries carrying TLS material
// and the catch-all entry mounted as the base application.
func (a *Agent) buildRouting(servers []*core.ServerConfig) error {
	a.hostRouter = router.New()
	a.certResolver = tlsutil.NewCertResolver()
	a.base = nil

	for _, sc := range servers {
		app := mux.NewRouter()
		for i, rc := range sc.Routes {
			if rc.IsStatic() {
				app.PathPrefix(rc.Path).Handler(
					http.StripPrefix(rc.Path, http.FileServer(http.Dir(rc.Static))))
				continue
			}
			h, err := a.resolve(rc.Handler, rc.Param)
			if err != nil {
				return fmt.Errorf("server %q route %d: %w", sc.Name, i, err)
			}
			r := app.Handle(rc.Path, h)
			if rc.Method != "" {
				r.Methods(rc.Method)
			}
		}

		if sc.IsCatchAll() {
			// the catch-all is the base application, not a registered vhost
			a.base = app
			if sc.TLS != nil {
				slog.Warn("Ignoring tls block on catch-all entry, the default certificate comes from the environment",
					"server", sc.Name)
			}
			continue
		}

		for _, host := range sc.Vhosts {
			a.hostRouter.Register(host, app)
		}
		if sc.TLS != nil {
			if err := a.certResolver.AddBinding(sc.Vhosts, sc.TLS.Cert, sc.TLS.Key, sc.TLS.CA); err != nil {
				return fmt.Errorf("server %q: %w", sc.Name, err)
			}
		}
	}

	if a.base == nil {
		return fmt.Errorf("servers config has no catch-all entry")
	}

	a.handler = a.hostRouter.Middleware(a.cfg.TrustProxy)(a.base)

	slog.Info("Routing built",
		"vhosts", a.hostRouter.Len(),
		"certificate_bindings", a.certResolver.Len())
	return nil
}
