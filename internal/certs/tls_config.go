package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientTLSConfig returns the TLS configuration shared by every probe and
// HTTPS call. caPath optionally names a PEM bundle appended to the system
// roots, for networks whose proxies re-sign traffic.
func ClientTLSConfig(caPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	if !roots.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid CA bundle %q", caPath)
	}
	cfg.RootCAs = roots
	return cfg, nil
}

// ForServer clones base and pins the expected server name.
func ForServer(base *tls.Config, serverName string) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = base.Clone()
	}
	cfg.ServerName = serverName
	return cfg
}
