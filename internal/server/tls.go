package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/blobmetrics/internal/logging"
)

// TLSConfig names the certificate pair for the HTTP listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether both files are set.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// CertReloader serves the current certificate and swaps it when the files
// change on disk. ReloadIfChanged is meant to be scheduled periodically.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *logging.Logger
	cert     atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	lastMod time.Time
}

// NewCertReloader loads the initial certificate.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logging.OrDefault(logger).Component("tls"),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("server: load initial certificate: %w", err)
	}
	if mod, ok := r.latestModTime(); ok {
		r.lastMod = mod
	}
	return r, nil
}

func (r *CertReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return err
	}
	r.cert.Store(&cert)
	r.logger.Infof("TLS certificate loaded", map[string]any{
		"certFile": r.certFile,
		"keyFile":  r.keyFile,
	})
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("server: no certificate loaded")
	}
	return cert, nil
}

// Reload reads the pair again. On failure the previous certificate stays in
// use.
func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// ReloadIfChanged reloads when either file is newer than the last load.
func (r *CertReloader) ReloadIfChanged(context.Context) {
	mod, ok := r.latestModTime()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !mod.After(r.lastMod) {
		return
	}
	if err := r.load(); err != nil {
		r.logger.Warnf("certificate reload failed, keeping previous certificate", map[string]any{
			logging.FieldError: err,
		})
		return
	}
	r.lastMod = mod
}

func (r *CertReloader) latestModTime() (time.Time, bool) {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}, false
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}, false
	}
	latest := certInfo.ModTime()
	if keyInfo.ModTime().After(latest) {
		latest = keyInfo.ModTime()
	}
	return latest, true
}

// NewTLSListener listens on addr and terminates TLS with certificates from
// the returned reloader.
func NewTLSListener(addr string, cfg TLSConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if !cfg.Enabled() {
		return nil, nil, errors.New("server: certificate and key files are required")
	}
	reloader, err := NewCertReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), reloader, nil
}
