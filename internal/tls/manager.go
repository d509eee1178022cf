package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// Config selects how the server terminates TLS: ACME-issued
// certificates, operator-provided files, or a generated development
// certificate, in that order of preference.
type Config struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

// Manager resolves server certificates at handshake time.
type Manager struct {
	cfg      *Config
	autoCert *autocert.Manager
	logger   *zap.Logger
}

func NewManager(cfg *Config, logger *zap.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: logger}
	if cfg.EnableTLS && cfg.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert cache directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	m.logger.Info("AutoCert configured",
		zap.String("domain", m.cfg.Domain),
		zap.String("cache_dir", m.cfg.AutoCertDir),
	)
}

// GetCertificate prefers ACME, then configured certificate files. A
// development process falls back to a generated self-signed pair;
// production never serves an untrusted certificate.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile); err == nil {
			return &cert, nil
		}
	}

	if m.cfg.Environment == "production" {
		return nil, fmt.Errorf("tls: no certificate available for %q", hello.ServerName)
	}

	return m.devCertificate()
}

func (m *Manager) devCertificate() (*tls.Certificate, error) {
	hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}

	cert, err := newDevCertStore(m.cfg.AutoCertDir, m.logger).Certificate(hosts)
	if err != nil {
		return nil, fmt.Errorf("tls: self-signed certificate: %w", err)
	}

	m.logger.Info("Serving self-signed development certificate", zap.Strings("hosts", hosts))
	return &cert, nil
}

// ServerConfig returns the tls.Config the HTTPS listener runs with.
func (m *Manager) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// AutocertManager exposes the ACME manager so the HTTP listener can
// answer http-01 challenges. Nil when autocert is off.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
