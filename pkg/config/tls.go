package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSMode mirrors PostgreSQL's sslmode settings applied to the pooler as a
// server for incoming client connections.
type TLSMode string

const (
	// TLSModeDisable rejects SSL requests; only plaintext is accepted.
	TLSModeDisable TLSMode = "disable"
	// TLSModeAllow accepts both TLS and plaintext connections.
	TLSModeAllow TLSMode = "allow"
	// TLSModeRequire accepts only TLS connections.
	TLSModeRequire TLSMode = "require"
	// TLSModeVerifyFull additionally verifies client certificates against
	// the configured CA.
	TLSModeVerifyFull TLSMode = "verify-full"
)

// ClientTLSConfig builds the tls.Config used to terminate client TLS, or nil
// when tls_mode is disable.
func (c *Config) ClientTLSConfig() (*tls.Config, error) {
	mode := TLSMode(c.General.TLSMode)
	if mode == TLSModeDisable {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.General.TLSCertificate, c.General.TLSPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if mode == TLSModeVerifyFull {
		if c.General.TLSCaFile == "" {
			return nil, fmt.Errorf("tls_mode verify-full requires tls_ca_file")
		}
		caPEM, err := os.ReadFile(c.General.TLSCaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls_ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("tls_ca_file %q contains no certificates", c.General.TLSCaFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// TLSRequired reports whether plaintext client connections must be rejected.
func (c *Config) TLSRequired() bool {
	mode := TLSMode(c.General.TLSMode)
	return mode == TLSModeRequire || mode == TLSModeVerifyFull
}

// ServerTLSConfig builds the tls.Config used when dialing the pool's real
// backend, or nil when server_tls is off.
func (p *PoolConfig) ServerTLSConfig() *tls.Config {
	if !p.ServerTLS {
		return nil
	}
	return &tls.Config{
		// Certificate verification of the backend is opt-in, matching the
		// verify_server_certificate key.
		InsecureSkipVerify: !p.VerifyServerCertificate,
		ServerName:         p.ServerHost,
		MinVersion:         tls.VersionTLS12,
	}
}
