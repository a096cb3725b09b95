// Package tlsconfig loads TLS material for the build log gateway and its
// clients.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cusdeb/dominion/internal/paths"
)

// Options holds explicit TLS paths from config or flags.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// ResolveServer returns the gateway's tls.Config. Paths that are not set
// explicitly are looked up as server.pem and server.key in the TLS
// directory. It returns nil when no certificate is found.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := discover(opts.CertPath, "server.pem")
	keyPath := discover(opts.KeyPath, "server.key")
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns a client tls.Config, trusting ca.pem from the TLS
// directory in addition to the system roots when present.
func ResolveClient(opts Options) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	caPath := discover(opts.CAPath, "ca.pem")
	if caPath == "" {
		return tlsCfg, nil
	}
	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

func discover(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}
