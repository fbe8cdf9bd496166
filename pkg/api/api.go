// Package api serves the simboard REST API under /api/v1.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/api/store"
	"github.com/tomvothecoder/simboard/pkg/archivestore"
	"github.com/tomvothecoder/simboard/pkg/config"
	"github.com/tomvothecoder/simboard/pkg/ingest"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 15 * time.Minute
	sessionCookieName      = "simboard_session"
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	ingest     ingest.Service
	sessionTTL time.Duration
	maxUpload  int64
	github     githubClient

	presigner     *archivePresigner
	localArchives *localArchiveServer

	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		github: newGitHubClient(),
		done:   make(chan struct{}),
	}
}

// Start initializes the store, seeds config data, and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.seed(ctx); err != nil {
		return err
	}

	archives, err := archivestore.New(s.log, &s.cfg.Storage.Archives)
	if err != nil {
		return fmt.Errorf("configuring archive storage: %w", err)
	}

	if archives != nil {
		if err := archives.Preflight(ctx); err != nil {
			return fmt.Errorf("archive storage preflight: %w", err)
		}

		s.log.Info("Archive retention enabled")
	}

	if err := s.setup(archives); err != nil {
		return err
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

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

	// Bind synchronously so port conflicts fail Start.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

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

// seed upserts users, GitHub role mappings and machines from config.
func (s *server) seed(ctx context.Context) error {
	return store.SeedConfig(ctx, s.store, s.cfg)
}

// setup derives request-time settings and builds the ingestion service on
// top of an already started store.
func (s *server) setup(archives archivestore.Store) error {
	ttl, err := s.cfg.Auth.SessionDuration()
	if err != nil {
		return err
	}

	opts, err := s.cfg.Ingest.ServiceOptions()
	if err != nil {
		return fmt.Errorf("ingest options: %w", err)
	}

	var retain ingest.ArchiveStore
	if archives != nil {
		retain = archives
	}

	if err := s.setupDownloads(); err != nil {
		return err
	}

	s.sessionTTL = ttl
	s.maxUpload = opts.MaxUploadSize
	s.ingest = ingest.NewService(
		s.log, opts, s.store.Ingestion(s.cfg.Ingest.AutoCreate()), retain,
	)

	return nil
}

// setupDownloads prepares serving of retained archives for the enabled
// backend.
func (s *server) setupDownloads() error {
	archives := s.cfg.Storage.Archives
	if !archives.Enabled {
		return nil
	}

	var err error

	switch {
	case archives.Local != nil && archives.Local.Enabled:
		s.localArchives, err = newLocalArchiveServer(s.log, archives.Local)
	case archives.S3 != nil && archives.S3.Enabled:
		s.presigner, err = newArchivePresigner(s.log, archives.S3)
	}

	if err != nil {
		return fmt.Errorf("archive downloads: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
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

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
