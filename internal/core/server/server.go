// Package server owns the public HTTP listener. Its address and TLS material
// come from the catalog, so a configuration reload may move or restart it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/geoos/geoarchive/internal/catalog"
)

const shutdownGrace = 10 * time.Second

type Manager struct {
	handler http.Handler
	logger  *slog.Logger

	mu      sync.Mutex
	current catalog.WebServer
	srv     *http.Server
	addr    net.Addr
	done    chan struct{}
}

func NewManager(handler http.Handler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{handler: handler, logger: logger.With("component", "webserver")}
}

// Apply makes the listener match ws. An unchanged section is a no-op; a
// disabled one stops the server.
func (m *Manager) Apply(ctx context.Context, ws catalog.WebServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv != nil && ws == m.current {
		return nil
	}
	if err := m.stopLocked(ctx); err != nil {
		m.logger.WarnContext(ctx, "webserver shutdown", "err", err)
	}
	if !ws.Enabled() {
		m.logger.InfoContext(ctx, "webserver disabled")
		return nil
	}
	tlsOn := ws.Protocol == "https"
	if !tlsOn && ws.Protocol != "" && ws.Protocol != "http" {
		return fmt.Errorf("webserver: unsupported protocol %q", ws.Protocol)
	}
	if tlsOn && (ws.KeyFile == "" || ws.CertFile == "") {
		return errors.New("webserver: https requires keyFile and certFile")
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(ws.Port))
	if err != nil {
		return fmt.Errorf("webserver: listen on %d: %w", ws.Port, err)
	}
	srv := &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		var err error
		if tlsOn {
			err = srv.ServeTLS(ln, ws.CertFile, ws.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("webserver stopped", "err", err)
		}
	}()
	m.srv, m.current, m.addr, m.done = srv, ws, ln.Addr(), done
	m.logger.InfoContext(ctx, "http listen", "addr", ln.Addr().String(), "protocol", ws.Protocol)
	return nil
}

// Addr is the bound address, nil while stopped.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	srv, done := m.srv, m.done
	m.srv, m.addr, m.done, m.current = nil, nil, nil, catalog.WebServer{}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(sctx)
	<-done
	return err
}
