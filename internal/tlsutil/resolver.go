// Package tlsutil selects per-hostname certificates during the TLS
// handshake, keyed by the client's requested server name.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// CertResolver holds the named certificate bindings collected from the
// virtual-host config. Bindings are loaded once at startup and read-only
// afterwards; an unreadable key or certificate is a fatal startup error, not
// something deferred to handshake time.
type CertResolver struct {
	certs map[string]*tls.Certificate
	pools map[string]*x509.CertPool
}

func NewCertResolver() *CertResolver {
	return &CertResolver{
		certs: make(map[string]*tls.Certificate),
		pools: make(map[string]*x509.CertPool),
	}
}

// AddBinding loads the certificate material for one virtual host and binds
// it under every hostname in hosts. Hostnames may be exact or
// leading-wildcard patterns ("*.example.com").
func (cr *CertResolver) AddBinding(hosts []string, certFile, keyFile, caFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate for %v: %w", hosts, err)
	}

	var pool *x509.CertPool
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("failed to read CA bundle for %v: %w", hosts, err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("CA bundle %s for %v contains no certificates", caFile, hosts)
		}
	}

	for _, host := range hosts {
		key := strings.ToLower(host)
		cr.certs[key] = &cert
		if pool != nil {
			cr.pools[key] = pool
		}
	}
	return nil
}

// Len returns the number of bound hostname keys.
func (cr *CertResolver) Len() int {
	return len(cr.certs)
}

// GetCertificate is the crypto/tls name-negotiation callback. It returns the
// binding matching the requested name exactly, or its wildcard form; with no
// match it returns (nil, nil) so the TLS layer falls back to the statically
// configured default certificate.
func (cr *CertResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
	if name == "" {
		return nil, nil
	}
	if cert, ok := cr.certs[name]; ok {
		return cert, nil
	}
	if i := strings.Index(name, "."); i >= 0 {
		if cert, ok := cr.certs["*"+name[i:]]; ok {
			return cert, nil
		}
	}
	return nil, nil
}

// CAPool returns the trust-anchor pool bound to a hostname key, or nil.
func (cr *CertResolver) CAPool(host string) *x509.CertPool {
	return cr.pools[strings.ToLower(host)]
}

// LoadDefault loads the mandatory default certificate used when no named
// binding matches the handshake.
func LoadDefault(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load default certificate: %w", err)
	}
	return cert, nil
}
