// Package server assembles the Agent Console server: store, queue,
// worker registry, session manager, worktree service, event hub, and
// the HTTP/WS surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentconsole/agentconsole/internal/api"
	"github.com/agentconsole/agentconsole/internal/bootstrap"
	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/logging"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/notify"
	"github.com/agentconsole/agentconsole/internal/outputlog"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/suggest"
	"github.com/agentconsole/agentconsole/internal/workers"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

// Server is a fully wired Agent Console instance.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	hub        *events.Hub
	queue      *jobqueue.Queue
	registry   *workers.Registry
	sessions   *session.Manager
	httpServer *http.Server
	shutdownCh chan struct{}
}

// New opens the store, runs migrations, seeds built-ins, and wires all
// services. Call Serve to start listening.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	if err := bootstrap.Run(context.Background(), st); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	shutdownCh := make(chan struct{})
	hub := events.NewHub()
	logs := outputlog.NewManager(cfg.OutputsDir(), outputlog.Options{
		FlushThreshold: cfg.FlushThreshold,
		FlushInterval:  cfg.FlushInterval,
		FileMaxSize:    cfg.FileMaxSize,
	})
	queue := jobqueue.New(st, cfg.JobConcurrency)
	registry := workers.NewRegistry(st, logs, queue, hub, workers.Options{
		IdleTimeout:  cfg.IdleTimeout,
		ActiveWindow: cfg.ActiveWindow,
		KillGrace:    cfg.KillGrace,
	})
	sessions := session.NewManager(st, registry, queue, hub)
	suggester := suggest.NewClient(cfg.SuggesterURL, cfg.OutboundTimeout)
	worktrees := worktree.NewService(st, hub, suggester, cfg.RepositoriesDir(), cfg.TemplatesDir())
	notifier := notify.NewNotifier(cfg.SlackToken, cfg.OutboundTimeout)

	registerJobHandlers(queue, st, logs, notifier, worktrees)
	registerSnapshots(hub, st, sessions, registry)

	if err := sessions.RecoverStartup(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}

	apiSrv := api.NewServer(cfg, st, sessions, registry, worktrees, queue, hub, notifier, shutdownCh)
	mux := apiSrv.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		store:      st,
		hub:        hub,
		queue:      queue,
		registry:   registry,
		sessions:   sessions,
		httpServer: httpServer,
		shutdownCh: shutdownCh,
	}, nil
}

// registerSnapshots binds the late-join sync providers.
func registerSnapshots(hub *events.Hub, st *store.Store, sessions *session.Manager, registry *workers.Registry) {
	hub.RegisterSnapshot(events.SessionsSync, func(ctx context.Context) (map[string]any, error) {
		views, err := sessions.GetAllSessions(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"sessions":       views,
			"activityStates": registry.ActivityStates(),
		}, nil
	})
	hub.RegisterSnapshot(events.AgentsSync, func(ctx context.Context) (map[string]any, error) {
		agents, err := st.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agents": agents}, nil
	})
	hub.RegisterSnapshot(events.RepositoriesSync, func(ctx context.Context) (map[string]any, error) {
		repos, err := st.ListRepositories(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"repositories": repos}, nil
	})
}

// Serve starts the queue and the HTTP listener, blocking until ctx is
// cancelled, then shuts down in dependency order.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.queue.Start(ctx); err != nil {
		_ = s.store.Close()
		return fmt.Errorf("start job queue: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.queue.Stop()
		_ = s.store.Close()
		return fmt.Errorf("listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")

		// 1. Reject new WebSocket connections and signal open ones.
		close(s.shutdownCh)

		// 2. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("server listening", "addr", s.cfg.Addr)
	serveErr := s.httpServer.Serve(ln)
	<-shutdownDone

	// 3. Stop background work and live processes.
	s.queue.Stop()
	s.registry.Shutdown()
	s.hub.Close()

	// 4. Close the store (checkpoints the WAL).
	if err := s.store.Close(); err != nil {
		slog.Warn("close store failed", "error", err)
	}

	if serveErr != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}
