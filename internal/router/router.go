// Package router maps an inbound request's hostname to the application
// registered for it, multiplexing several virtual hosts over one listener.
package router

import (
	"net"
	"net/http"
	"strings"
)

// HostRouter holds the hostname routing table. It is built once at worker
// startup and read-only afterwards, so lookups take no lock.
type HostRouter struct {
	apps map[string]http.Handler
}

func New() *HostRouter {
	return &HostRouter{apps: make(map[string]http.Handler)}
}

// Register binds an application to a hostname or a leading-wildcard pattern
// such as "*.example.com". Last registration for a given key wins.
func (hr *HostRouter) Register(host string, app http.Handler) {
	hr.apps[strings.ToLower(host)] = app
}

// RegisterFunc adapts a plain handler func at registration time.
func (hr *HostRouter) RegisterFunc(host string, fn func(http.ResponseWriter, *http.Request)) {
	hr.Register(host, http.HandlerFunc(fn))
}

// App returns the application registered for the exact key, or nil.
func (hr *HostRouter) App(host string) http.Handler {
	return hr.apps[strings.ToLower(host)]
}

// Len returns the number of registered entries.
func (hr *HostRouter) Len() int {
	return len(hr.apps)
}

// Lookup resolves a request hostname: exact match first, then the wildcard
// form built from the first-dot suffix. "example.com" does not match
// "*.example.com"; its wildcard form is "*.com".
func (hr *HostRouter) Lookup(host string) http.Handler {
	host = strings.ToLower(stripPort(host))
	if app, ok := hr.apps[host]; ok {
		return app
	}
	if i := strings.Index(host, "."); i >= 0 {
		if app, ok := hr.apps["*"+host[i:]]; ok {
			return app
		}
	}
	return nil
}

// Middleware returns an interceptor that dispatches requests to the matching
// virtual host. Unmatched hosts fall through to next, the catch-all
// application mounted below this middleware. When trustProxy is set, a
// forwarded-host header from an upstream proxy takes precedence over the
// request's own host field.
func (hr *HostRouter) Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if trustProxy {
				if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
					host = fwd
				}
			}
			if app := hr.Lookup(host); app != nil {
				app.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// stripPort drops a trailing :port from a host header value, leaving bare
// hostnames and bracketed IPv6 literals intact.
func stripPort(host string) string {
	if !strings.Contains(host, ":") {
		return host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
