// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/cerberus/pkg/config"
	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/ratelimit"
)

// reloadShutdownTimeout bounds the teardown phase of a config reload.
const reloadShutdownTimeout = 30 * time.Second

// Options configures the server.
type Options struct {
	// Config is the loaded configuration. Required.
	Config *config.Config

	// ConfigLoader enables hot-reload when set: the server watches for
	// changes and restarts its runtime on each successful reload.
	ConfigLoader *config.Loader

	// Addr overrides the configured listen address, e.g. "127.0.0.1:0"
	// for an ephemeral port. Empty means config host:port.
	Addr string
}

// Server runs the rate limit decision and admin API over HTTP, with the
// counter janitor and config watcher alongside. Reloads tear the runtime
// down and rebuild it from the new configuration.
type Server struct {
	mu     sync.Mutex
	config *config.Config
	loader *config.Loader
	opts   Options
	logger *slog.Logger

	obs     *observability.Manager
	pool    *config.DBPool
	engine  *ratelimit.Engine
	janitor *ratelimit.Janitor

	httpServer *http.Server
	listener   net.Listener

	group      *errgroup.Group
	groupStop  context.CancelFunc
	stopChan   chan struct{}
	reloadChan chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once
	runErr     error
}

// New creates a server from the given options.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &Server{
		config:     opts.Config,
		loader:     opts.ConfigLoader,
		opts:       opts,
		logger:     slog.Default(),
		stopChan:   make(chan struct{}),
		reloadChan: make(chan struct{}, 1),
		doneChan:   make(chan struct{}),
	}

	if s.loader != nil {
		s.loader.SetOnChange(func(cfg *config.Config) {
			s.mu.Lock()
			s.config = cfg
			s.mu.Unlock()
			select {
			case s.reloadChan <- struct{}{}:
			default:
			}
		})
	}

	return s, nil
}

// Start initializes the runtime and begins serving. It returns once the
// listener is bound; use Wait to block until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}

	go s.runLifecycle()
	return nil
}

// Wait blocks until the server has shut down and returns the terminal
// runtime error, if any.
func (s *Server) Wait() error {
	<-s.doneChan
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop requests shutdown and waits for it to complete or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Engine returns the running engine, valid after Start. It changes across
// config reloads.
func (s *Server) Engine() *ratelimit.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// start builds the runtime for the current config and begins serving.
func (s *Server) start(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()

	if err := s.initialize(ctx, cfg); err != nil {
		return err
	}
	if err := s.listen(cfg); err != nil {
		s.teardownRuntime()
		return err
	}

	s.startGroup(cfg)

	s.logger.Info("Server started",
		"addr", s.Addr(),
		"store", s.engine.Store().Name(),
		"admin", cfg.Server.IsAdminEnabled(),
		"janitor", s.janitor != nil)
	return nil
}

// initialize builds observability, the engine, and the janitor from cfg.
func (s *Server) initialize(ctx context.Context, cfg *config.Config) error {
	var obsCfg observability.Config
	if cfg.Observability != nil {
		obsCfg = *cfg.Observability
	}
	obs := observability.NewManager(obsCfg)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	pool := config.NewDBPool()
	recorder := obs.GetRecorder()

	events := ratelimit.MultiRecorder{
		ratelimit.SlogRecorder{Logger: s.logger},
		ratelimit.NewMetricsRecorder(recorder),
	}

	engine, err := ratelimit.NewEngineFromConfig(ctx, cfg, pool, recorder,
		ratelimit.WithEvents(events))
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if engine == nil {
		pool.Close()
		return fmt.Errorf("rate limiting is disabled in configuration; nothing to serve")
	}

	s.mu.Lock()
	s.obs = obs
	s.pool = pool
	s.engine = engine
	s.janitor = nil
	if config.BoolValue(cfg.RateLimit.Janitor.Enabled, true) {
		s.janitor = ratelimit.NewJanitor(engine.Store(), cfg.RateLimit.Janitor)
	}
	s.mu.Unlock()
	return nil
}

// listen binds the HTTP listener and builds the http.Server around the
// router for cfg.
func (s *Server) listen(cfg *config.Config) error {
	addr := s.opts.Addr
	if addr == "" {
		addr = net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.routes(cfg),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()
	return nil
}

// startGroup launches the runtime tasks: HTTP serving, the counter
// janitor, and the config watcher.
func (s *Server) startGroup(cfg *config.Config) {
	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	s.group = g
	s.groupStop = cancel
	srv, ln := s.httpServer, s.listener
	janitor := s.janitor
	s.mu.Unlock()

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if janitor != nil {
		g.Go(func() error {
			if err := janitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if s.loader != nil {
		g.Go(func() error {
			if err := s.loader.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("config watch failed: %w", err)
			}
			return nil
		})
	}
}

// runLifecycle owns the serve/reload/shutdown loop.
func (s *Server) runLifecycle() {
	defer close(s.doneChan)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			s.logger.Info("Received signal, shutting down", "signal", sig.String())
			s.shutdown()
			return

		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.reloadChan:
			s.logger.Info("Configuration changed, restarting runtime")
			s.shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), reloadShutdownTimeout)
			err := s.start(ctx)
			cancel()
			if err != nil {
				s.logger.Error("Restart after reload failed", "error", err)
				s.mu.Lock()
				s.runErr = err
				s.mu.Unlock()
				return
			}
		}
	}
}

// shutdown stops the HTTP server, drains the run group, and releases the
// runtime resources. Safe to call between reload incarnations.
func (s *Server) shutdown() {
	s.mu.Lock()
	cfg := s.config
	srv := s.httpServer
	cancel := s.groupStop
	group := s.group
	s.mu.Unlock()

	shutdownTimeout := reloadShutdownTimeout
	if cfg != nil && cfg.Server.ShutdownTimeout > 0 {
		shutdownTimeout = cfg.Server.ShutdownTimeout.Duration()
	}

	if srv != nil {
		ctx, cancelTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP shutdown failed", "error", err)
		}
		cancelTimeout()
	}

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			s.logger.Error("Runtime task failed", "error", err)
			s.mu.Lock()
			if s.runErr == nil {
				s.runErr = err
			}
			s.mu.Unlock()
		}
	}

	s.teardownRuntime()
}

// teardownRuntime closes the engine's stores, the DB pool, and the
// observability exporters built by initialize.
func (s *Server) teardownRuntime() {
	s.mu.Lock()
	engine := s.engine
	pool := s.pool
	obs := s.obs
	s.engine = nil
	s.janitor = nil
	s.pool = nil
	s.obs = nil
	s.httpServer = nil
	s.listener = nil
	s.group = nil
	s.groupStop = nil
	s.mu.Unlock()

	if engine != nil {
		if err := engine.Store().Close(); err != nil {
			s.logger.Error("Store close failed", "error", err)
		}
		if err := engine.Registry().Close(); err != nil {
			s.logger.Error("Registry close failed", "error", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
	if obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := obs.Shutdown(ctx); err != nil {
			s.logger.Error("Observability shutdown failed", "error", err)
		}
		cancel()
	}
}
