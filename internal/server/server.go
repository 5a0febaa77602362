// Package server wires the engine into a reusable HTTP server that
// can be embedded in other binaries.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandmux/sandmux/internal/agent"
	"github.com/sandmux/sandmux/internal/config"
	"github.com/sandmux/sandmux/internal/db"
	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/logging"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/provider/docker"
	"github.com/sandmux/sandmux/internal/provider/local"
	"github.com/sandmux/sandmux/internal/reconcile"
	"github.com/sandmux/sandmux/internal/run"
	"github.com/sandmux/sandmux/internal/sandbox"
	"github.com/sandmux/sandmux/internal/session"
	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/stream"
	"github.com/sandmux/sandmux/internal/webhook"
)

// ServerConfig holds configuration for an engine server.
type ServerConfig struct {
	Config *config.Config

	// Graph and Checkpointer come from the embedding binary; runs are
	// unavailable without a graph.
	Graph        agent.Graph
	Checkpointer agent.Checkpointer

	// ExtraProviders are registered on top of the built-ins.
	ExtraProviders []provider.Provider
	WebhookSecrets map[string]string
}

// Server is a wired engine instance.
type Server struct {
	cfg       *config.Config
	sqlDB     *sql.DB
	st        *store.Store
	registry  *provider.Registry
	machine   *lease.Machine
	sessions  *session.Manager
	sandboxes *sandbox.Manager
	runner    *run.Runner
	server    *http.Server
}

// NewServer opens the database, runs and validates migrations, and
// wires all services. Call Serve to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := db.ValidateSchema(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	st := store.New(sqlDB)

	registry := provider.NewRegistry()
	registry.Register(local.New(cfg.SandboxDir(), cfg.ShellPath))
	if dockerProv, derr := docker.New(docker.Options{}); derr == nil {
		registry.Register(dockerProv)
	} else {
		slog.Debug("docker provider unavailable", "error", derr)
	}
	for _, p := range sc.ExtraProviders {
		registry.Register(p)
	}
	for name, secret := range sc.WebhookSecrets {
		registry.SetWebhookSecret(name, secret)
	}
	if _, err := registry.Get(cfg.Provider); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("default provider: %w", err)
	}

	machine := lease.NewMachine(st, registry, cfg.FreshnessTTL())
	sessions := session.NewManager(st, machine, registry, cfg.ShellPath)
	policy := session.Policy{
		IdleTTL:     time.Duration(cfg.IdleTTLSec) * time.Second,
		MaxDuration: time.Duration(cfg.MaxDurationSec) * time.Second,
	}
	sandboxes := sandbox.NewManager(st, machine, registry, sessions, cfg.Provider, policy)

	runReg := run.NewRegistry()
	runner := run.NewRunner(st, runReg, sandboxes, sc.Graph, sc.Checkpointer, cfg.KeepRuns)

	mux := chi.NewRouter()
	mux.Use(chimiddleware.Recoverer)
	mux.Use(logging.HTTPMiddleware)

	webhook.NewHandler(st, webhook.NewProcessor(st, machine, registry)).Routes(mux)
	stream.NewHandler(st, runReg, cfg.Keepalive()).Routes(mux)
	newAPI(st, machine, sandboxes, runner, sc.Graph != nil).Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		cfg:       cfg,
		sqlDB:     sqlDB,
		st:        st,
		registry:  registry,
		machine:   machine,
		sessions:  sessions,
		sandboxes: sandboxes,
		runner:    runner,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Store returns the server's store for direct access (standalone
// embedding, tests).
func (s *Server) Store() *store.Store { return s.st }

// Sandboxes returns the sandbox manager.
func (s *Server) Sandboxes() *sandbox.Manager { return s.sandboxes }

// Runner returns the run pipeline.
func (s *Server) Runner() *run.Runner { return s.runner }

// Serve starts listening and blocks until ctx is cancelled, then
// performs graceful shutdown: drain HTTP, stop tickers, close live
// runtimes, close the DB.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	bgCtx, bgStop := context.WithCancel(context.Background())
	go s.sandboxes.RunReaper(bgCtx, s.cfg.ReaperInterval())
	go reconcile.New(s.st, s.machine, s.cfg.ReaperInterval(), s.cfg.FreshnessTTL()).Run(bgCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("shutting down...")

		bgStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		s.sessions.CloseRuntimes()
		close(shutdownDone)
	}()

	slog.Info("listening", "addr", s.cfg.Addr, "provider", s.cfg.Provider)
	err = s.server.Serve(ln)
	<-shutdownDone
	_ = s.sqlDB.Close()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
