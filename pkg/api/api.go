package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrvahepc/hepc/pkg/archivestore"
	"github.com/mrvahepc/hepc/pkg/collector"
	"github.com/mrvahepc/hepc/pkg/config"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	stores     *metastore.Handle
	archives   archivestore.Reader
	background collector.Service
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates the serving layer. The metadata store handle is
// swappable so an operator can cut the server over to a migrated store
// copy; background may be nil when periodic collection is disabled.
// The serving layer never writes to either store.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	stores *metastore.Handle,
	archives archivestore.Reader,
	background collector.Service,
) Server {
	return &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		stores:     stores,
		archives:   archives,
		background: background,
	}
}

// Start binds the listener and serves HTTP in the background. The
// background collector, when configured, is started only after the
// listener is up so the endpoint is reachable during the first pass.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("HTTP server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if s.background != nil {
		if err := s.background.Start(ctx); err != nil {
			return fmt.Errorf("starting background collection: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and background collection.
func (s *server) Stop() error {
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

	if s.background != nil {
		if err := s.background.Stop(); err != nil {
			s.log.WithError(err).Warn("Background collection stop error")
		}
	}

	s.log.Info("HTTP server stopped")

	return nil
}
