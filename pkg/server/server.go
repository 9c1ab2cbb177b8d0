// Package server is brookd's composition root: it owns the catalog,
// the session manager, the per-tenant database manager, the request
// dispatcher, and the TCP listener and metrics/health HTTP endpoints
// built on top of them. Grounded on the teacher's pkg/api.Server and
// cmd/warren's cluster-init wiring sequence ("create manager, start
// scheduler, start reconciler, start metrics collector, register
// health, serve, wait for signal, shutdown"), generalized from a
// Raft-backed gRPC service to brook's catalog/dispatcher/wire stack.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/internal/catalog"
	"github.com/cuemby/brook/internal/database"
	"github.com/cuemby/brook/internal/dispatcher"
	"github.com/cuemby/brook/internal/tree"
	"github.com/cuemby/brook/pkg/health"
	"github.com/cuemby/brook/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config holds the settings needed to stand up a brookd instance.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string
}

// Server wires together brook's storage, session, and request-routing
// layers and exposes them over a wire listener plus a metrics/health
// HTTP server.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	catalog    *catalog.Catalog
	authTrees  *tree.Store
	Auth       *auth.Manager
	Databases  *database.Manager
	Dispatcher *dispatcher.Dispatcher

	collector *metrics.Collector
	listener  net.Listener
	httpSrv   *http.Server

	stopHealth chan struct{}
}

// New opens the catalog and session store under cfg.DataDir, builds
// the database manager with plugins registered, and wires a dispatcher
// over it. It does not yet listen for connections; call Start for
// that.
func New(cfg Config, logger zerolog.Logger, plugins ...database.Plugin) (*Server, error) {
	cat, err := catalog.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("server: open catalog: %w", err)
	}

	authTrees, err := tree.Open(filepath.Join(cfg.DataDir, "_auth.db"))
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("server: open auth store: %w", err)
	}
	authMgr := auth.NewManager(authTrees, auth.NewArgon2Hasher())

	dbMgr := database.NewManager(cat, logger)
	for _, p := range plugins {
		dbMgr.RegisterSchema(p)
	}

	d := dispatcher.New(authMgr, dbMgr, logger)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		catalog:    cat,
		authTrees:  authTrees,
		Auth:       authMgr,
		Databases:  dbMgr,
		Dispatcher: d,
		collector:  metrics.NewCollector(dbMgr, authMgr),
		stopHealth: make(chan struct{}),
	}, nil
}

// Start opens the wire listener and the metrics/health HTTP server,
// and begins serving both until Stop is called. It returns once both
// listeners are accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	mln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("server: listen on %s: %w", s.cfg.MetricsAddr, err)
	}
	s.listener = ln

	go s.acceptLoop(ln)

	s.collector.Start()
	metrics.RegisterComponent("catalog", true, "ready")
	metrics.RegisterComponent("dispatcher", true, "ready")
	go s.watchHealth()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	s.httpSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(mln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server: metrics http server")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("server: wire listener started")
	s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("server: metrics/health listener started")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.Dispatcher.Serve(conn)
	}
}

// watchHealth periodically runs the active checkers and republishes
// their state into the component-health tracker the HTTP endpoints
// read from.
func (s *Server) watchHealth() {
	tcpChecker := health.NewTCPChecker(s.cfg.ListenAddr)
	storeChecker := health.NewStoreChecker(s.catalog)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			dispatcherResult := tcpChecker.Check(ctx)
			catalogResult := storeChecker.Check(ctx)
			cancel()
			metrics.UpdateComponent("dispatcher", dispatcherResult.Healthy, dispatcherResult.Message)
			metrics.UpdateComponent("catalog", catalogResult.Healthy, catalogResult.Message)
		case <-s.stopHealth:
			return
		}
	}
}

// Stop closes the wire listener, the metrics/health HTTP server, the
// metrics collector, and every open database and its backing store.
func (s *Server) Stop() error {
	close(s.stopHealth)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(ctx)
	}
	if err := s.Databases.Close(); err != nil {
		s.logger.Error().Err(err).Msg("server: close database manager")
	}
	if err := s.authTrees.Close(); err != nil {
		s.logger.Error().Err(err).Msg("server: close auth store")
	}
	return s.catalog.Close()
}
