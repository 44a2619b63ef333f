package relay

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ClientTLSConfig builds the TLS config used to dial wss:// endpoints.
// A nil caCertPEM keeps the system roots. certPEM and keyPEM are optional, and when given the key pair is
// presented as a client certificate.
func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if len(caCertPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertPEM) {
			return nil, errors.New("no certificates found in CA cert PEM")
		}
		cfg.RootCAs = caCertPool
	}

	if len(certPEM) > 0 || len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// LoadClientTLSConfig is ClientTLSConfig reading PEM files. It returns nil when no file is given.
func LoadClientTLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	if caCertFile == "" && certFile == "" && keyFile == "" {
		return nil, nil
	}
	read := func(name, path string) ([]byte, error) {
		if path == "" {
			return nil, nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return b, nil
	}

	caCertPEM, err := read("CA cert", caCertFile)
	if err != nil {
		return nil, err
	}
	certPEM, err := read("client cert", certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := read("client key", keyFile)
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(caCertPEM, certPEM, keyPEM)
}
