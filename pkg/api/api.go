// Package api exposes the orchestrator over HTTP: run intake, run and
// policy reads, the worker result callback, and the admin decision
// endpoints (approve/cancel) behind session auth.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/engine"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 15 * time.Minute
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// StatsSource reports engine counters for the status endpoint.
type StatsSource interface {
	Stats() engine.Stats
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	engine     StatsSource
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server. The store is shared with the
// engine and owned by the caller; the server never starts or stops it.
// eng may be nil when the process runs without an embedded engine, in
// which case the status endpoint omits the engine counters.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	eng StatsSource,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		store:  st,
		engine: eng,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	// Start session cleanup goroutine.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.store.DeleteExpiredSessions(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to clean expired sessions")
				}
			case <-s.done:
				return
			}
		}
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
