package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSFiles locates the PEM material for one side of a mutual-TLS link.
type TLSFiles struct {
	Cert string
	Key  string
	CA   string
}

// Validate checks that all three paths are set.
func (f TLSFiles) Validate() error {
	if f.Cert == "" || f.Key == "" || f.CA == "" {
		return errors.New("tls cert, key and ca are all required")
	}
	return nil
}

// ServerTLSConfig builds a listener config that only accepts clients whose
// certificate chains to the CA in f.
func ServerTLSConfig(f TLSFiles) (*tls.Config, error) {
	cert, pool, err := load(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds a dialer config presenting the client certificate
// and verifying the broker against the same CA.
func ClientTLSConfig(f TLSFiles, serverName string) (*tls.Config, error) {
	cert, pool, err := load(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func load(f TLSFiles) (tls.Certificate, *x509.CertPool, error) {
	if err := f.Validate(); err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(f.CA)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates found in %s", f.CA)
	}
	return cert, pool, nil
}
