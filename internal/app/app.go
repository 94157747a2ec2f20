// Package app wires all Parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithIndex, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/parleyvoice/parley/internal/agent"
	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/deploy"
	"github.com/parleyvoice/parley/internal/health"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/sandbox"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/tools/builtin"
	"github.com/parleyvoice/parley/internal/transcript"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes: telemetry, the deploy registry, and the
// HTTP server hosting the session, deploy, health, and metrics routes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	index     deploy.Index
	bundles   *deploy.BundleDir
	registry  *deploy.Registry
	builtins  *builtin.Registry
	corrector *transcript.Corrector
	handler   http.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIndex injects a deploy index instead of creating one from config.
func WithIndex(idx deploy.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithMetrics injects a metrics set instead of creating one from the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (see [BuildProviders]). Use Option functions to inject
// test doubles for any subsystem.
//
// New performs all initialisation synchronously: deploy index connection,
// bundle slot loading, the config-pinned agent in single-agent mode, and
// route assembly. The returned App serves nothing until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.LLM == nil {
		return nil, errors.New("app: STT, TTS, and LLM providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	// ── 2. Deploy index ──────────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		return nil, fmt.Errorf("app: init index: %w", err)
	}

	// ── 3. Bundle registry ───────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 4. Session tooling ───────────────────────────────────────────────
	a.builtins = builtin.NewRegistry()
	a.corrector = transcript.New()

	// ── 5. Config-pinned agent ───────────────────────────────────────────
	if err := a.initFixedAgent(); err != nil {
		return nil, fmt.Errorf("app: init fixed agent: %w", err)
	}

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initIndex connects the configured deploy index backend, unless one was
// injected.
func (a *App) initIndex(ctx context.Context) error {
	if a.index == nil {
		idx := a.cfg.Deploy.Index
		switch idx.Backend {
		case config.IndexPostgres:
			pool, err := pgxpool.New(ctx, idx.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			pg := deploy.NewPostgresIndex(pool)
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return fmt.Errorf("migrate index schema: %w", err)
			}
			a.index = pg
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})

		case config.IndexRedis:
			client := redis.NewClient(&redis.Options{Addr: idx.RedisAddr})
			a.index = deploy.NewRedisIndex(client, deploy.WithKeyPrefix(idx.KeyPrefix))
			a.closers = append(a.closers, a.index.Close)

		default:
			a.index = deploy.NewMemoryIndex()
		}
	}

	if err := a.index.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// initRegistry opens the bundle store and reconciles it with the index.
func (a *App) initRegistry(ctx context.Context) error {
	bundles, err := deploy.NewBundleDir(a.cfg.Deploy.BundleDir)
	if err != nil {
		return err
	}
	a.bundles = bundles

	a.registry = deploy.NewRegistry(bundles, a.index,
		deploy.WithRequiredSecrets(config.RequiredSecrets),
	)
	if err := a.registry.LoadSlots(ctx); err != nil {
		return err
	}
	return nil
}

// initFixedAgent loads the single-agent-mode worker from config and exposes
// it in the registry without a deploy step. A no-op when no worker file is
// configured.
func (a *App) initFixedAgent() error {
	if a.cfg.Agent.WorkerFile == "" {
		return nil
	}

	source, err := os.ReadFile(a.cfg.Agent.WorkerFile)
	if err != nil {
		return fmt.Errorf("read worker file: %w", err)
	}
	def, err := agent.FromWorkerSource(a.cfg.Agent.Slug, string(source))
	if err != nil {
		return err
	}

	var clientSource string
	if a.cfg.Agent.ClientFile != "" {
		src, err := os.ReadFile(a.cfg.Agent.ClientFile)
		if err != nil {
			return fmt.Errorf("read client file: %w", err)
		}
		clientSource = string(src)
	}

	a.registry.Install(&deploy.Worker{
		Slug:  a.cfg.Agent.Slug,
		Agent: def,
	}, clientSource)

	slog.Info("loaded fixed agent",
		"slug", a.cfg.Agent.Slug,
		"worker_file", a.cfg.Agent.WorkerFile,
	)
	return nil
}

// initRoutes assembles the mux: health probes, the Prometheus scrape
// endpoint, and the deploy and session routes, all behind the telemetry
// middleware.
func (a *App) initRoutes() {
	mux := http.NewServeMux()

	health.New(
		health.PingChecker("index", a.index),
		health.DirChecker("bundles", a.cfg.Deploy.BundleDir),
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	var handlerOpts []deploy.HandlerOption
	if a.cfg.Agent.WorkerFile != "" {
		handlerOpts = append(handlerOpts, deploy.WithDefaultSlug(a.cfg.Agent.Slug))
	}
	deploy.NewHandler(a.registry, a, slog.Default(), handlerOpts...).Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// StartSession runs one voice session over an accepted WebSocket. The
// worker's tools execute in a sandbox scoped to the session, with the
// worker's env as the sandbox secrets.
func (a *App) StartSession(ctx context.Context, w *deploy.Worker, conn *websocket.Conn) error {
	exec := sandbox.New(sandboxTools(w.Agent.Tools), w.Env)
	defer exec.Dispose()

	orch, err := session.New(session.Config{
		Agent:      w.Agent,
		Transport:  session.NewWebSocketTransport(conn),
		STT:        a.providers.STT,
		TTS:        a.providers.TTS,
		LLM:        a.providers.LLM,
		Executor:   exec,
		Builtins:   a.builtins,
		Corrector:  a.corrector,
		SampleRate: a.cfg.Providers.STT.SampleRate,
		Metrics:    observe.NewSessionRecorder(a.metrics, w.Slug),
	})
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}
	return orch.Run(ctx)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
// The server itself is stopped by Shutdown, not by Run returning.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server running",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"agents", len(a.registry.Slugs()),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Handler returns the assembled HTTP handler. Intended for tests that serve
// it through httptest instead of Run.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, then tears down the remaining subsystems
// in order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sandboxTools converts agent tool specs to sandbox tools.
func sandboxTools(specs []agent.ToolSpec) []sandbox.Tool {
	tools := make([]sandbox.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, sandbox.Tool{
			Name:   s.Name,
			Source: s.HandlerSource,
		})
	}
	return tools
}
