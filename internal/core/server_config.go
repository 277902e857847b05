package core

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// ServerConfig is one virtual-host entry from the servers config file: a set
// of hostnames, the routes registered under them and optional per-entry TLS
// certificate material. The entry whose vhost list is the single wildcard
// "*" becomes the catch-all application receiving all unmatched hosts.
type ServerConfig struct {
	Name       string
	Vhosts     []string
	Routes     []RouteConfig
	ViewEngine string
	ViewsPath  string
	TLS        *TLSMaterial
}

// RouteConfig is a single route inside a virtual host: either a handler
// route (method + path + handler ref) or a static-asset mount (path + dir).
type RouteConfig struct {
	Method  string
	Path    string
	Handler string
	Static  string
	Param   string // opaque custom parameter handed to the handler factory
}

// TLSMaterial points at the certificate files for one virtual host.
type TLSMaterial struct {
	Cert string
	Key  string
	CA   string
}

// IsCatchAll reports whether this entry is the mandatory wildcard fallback.
func (sc *ServerConfig) IsCatchAll() bool {
	return len(sc.Vhosts) == 1 && sc.Vhosts[0] == "*"
}

// IsStatic reports whether the route serves static assets instead of a
// resolved handler.
func (rc *RouteConfig) IsStatic() bool {
	return rc.Static != ""
}

// HCL parsing structs

type hclServersFile struct {
	Servers []hclServer `hcl:"server,block"`
}

type hclServer struct {
	Name       string     `hcl:"name,label"`
	Vhosts     []string   `hcl:"vhosts"`
	Routes     []hclRoute `hcl:"route,block"`
	ViewEngine string     `hcl:"view_engine,optional"`
	ViewsPath  string     `hcl:"views_path,optional"`
	TLS        *hclTLS    `hcl:"tls,block"`
}

type hclRoute struct {
	Method  string `hcl:"method,optional"`
	Path    string `hcl:"path,optional"`
	Handler string `hcl:"handler,optional"`
	Static  string `hcl:"static,optional"`
	Param   string `hcl:"param,optional"`
}

type hclTLS struct {
	Cert string `hcl:"cert"`
	Key  string `hcl:"key"`
	CA   string `hcl:"ca,optional"`
}

// LoadServersConfig parses and validates the HCL servers config file.
// Validation failures here are startup-configuration errors: the worker must
// abort rather than come up with a partial routing table.
func LoadServersConfig(filename string) ([]*ServerConfig, error) {
	var file hclServersFile
	if err := hclsimple.DecodeFile(filename, nil, &file); err != nil {
		return nil, fmt.Errorf("failed to parse servers config: %w", err)
	}

	if len(file.Servers) == 0 {
		return nil, fmt.Errorf("servers config %s defines no server blocks", filename)
	}

	servers := make([]*ServerConfig, 0, len(file.Servers))
	catchAlls := 0
	for _, hs := range file.Servers {
		sc := &ServerConfig{
			Name:       hs.Name,
			Vhosts:     hs.Vhosts,
			ViewEngine: hs.ViewEngine,
			ViewsPath:  hs.ViewsPath,
		}
		if len(hs.Vhosts) == 0 {
			return nil, fmt.Errorf("server %q has an empty vhost list", hs.Name)
		}
		for _, host := range hs.Vhosts {
			if strings.TrimSpace(host) == "" {
				return nil, fmt.Errorf("server %q has a blank vhost entry", hs.Name)
			}
		}
		if sc.IsCatchAll() {
			catchAlls++
		}
		for i, hr := range hs.Routes {
			if hr.Static == "" && hr.Handler == "" {
				return nil, fmt.Errorf("server %q route %d needs either a handler or a static dir", hs.Name, i)
			}
			if hr.Static != "" && hr.Handler != "" {
				return nil, fmt.Errorf("server %q route %d sets both handler and static", hs.Name, i)
			}
			if hr.Path == "" {
				return nil, fmt.Errorf("server %q route %d has no path", hs.Name, i)
			}
			sc.Routes = append(sc.Routes, RouteConfig{
				Method:  strings.ToUpper(hr.Method),
				Path:    hr.Path,
				Handler: hr.Handler,
				Static:  hr.Static,
				Param:   hr.Param,
			})
		}
		if hs.TLS != nil {
			sc.TLS = &TLSMaterial{Cert: hs.TLS.Cert, Key: hs.TLS.Key, CA: hs.TLS.CA}
		}
		servers = append(servers, sc)
	}

	if catchAlls != 1 {
		return nil, fmt.Errorf("servers config must have exactly one catch-all entry with vhosts = [\"*\"], found %d", catchAlls)
	}

	return servers, nil
}
