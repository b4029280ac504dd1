package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/polisai/polis-broker/pkg/audit"
	"github.com/polisai/polis-broker/pkg/config"
	"github.com/polisai/polis-broker/pkg/mcp"
	"github.com/polisai/polis-broker/pkg/policy"
	"github.com/polisai/polis-broker/pkg/proxy"
	"github.com/polisai/polis-broker/pkg/storage"
	"github.com/polisai/polis-broker/pkg/telemetry"
)

// Runtime is the assembled broker: storage, audit, secret backend, guard,
// proxy engine, RPC server and metrics, built from one configuration.
type Runtime struct {
	cfg      *config.Config
	store    *storage.PolicyStore
	audit    *audit.Log
	secrets  storage.SecretStore
	engine   *proxy.Engine
	service  *Service
	server   *mcp.Server
	metrics  *telemetry.Metrics
	shutdown func(context.Context) error
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Options adjust how Open assembles the runtime.
type Options struct {
	Version string
	// SecretStore replaces the configured backend.
	SecretStore storage.SecretStore
	// Transport is the egress round tripper; nil uses the default transport.
	Transport http.RoundTripper
}

// Open builds every component described by cfg. Close releases them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	shutdown := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		var err error
		shutdown, err = telemetry.SetupProvider(ctx, telemetry.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: opts.Version,
			Endpoint:       cfg.Tracing.Endpoint,
			Environment:    cfg.Tracing.Environment,
			Insecure:       cfg.Tracing.Insecure,
			Headers:        cfg.Tracing.Headers,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
	}

	metrics := telemetry.NewMetrics()

	auditLog, err := audit.NewLog(cfg.DataDir, logger.With("component", "audit"))
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}

	store, err := storage.NewPolicyStore(cfg.DataDir,
		storage.WithAuditRecorder(auditLog),
		storage.WithLogger(logger.With("component", "store")),
		storage.WithPendingObserver(metrics.SetPendingRequests),
	)
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}
	metrics.SetPendingRequests(len(store.PendingRequests()))

	secrets := opts.SecretStore
	if secrets == nil {
		secrets, err = openSecretStore(cfg.Secrets)
		if err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
	}

	engineOpts := []proxy.Option{
		proxy.WithLogger(logger.With("component", "proxy")),
		proxy.WithDecisionObserver(metrics),
	}
	if cfg.Guard.Enabled {
		guard, mode, err := openGuard(ctx, cfg.Guard, logger.With("component", "guard"))
		if err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
		engineOpts = append(engineOpts, proxy.WithGuard(guard, mode))
	}
	engine := proxy.NewEngine(store, secrets, auditLog, engineOpts...)

	serverOpts := []mcp.ServerOption{
		mcp.WithLogger(logger.With("component", "rpc")),
		mcp.WithRPCObserver(metrics),
		mcp.WithVersion(opts.Version),
	}
	if cfg.Egress.Enabled {
		serverOpts = append(serverOpts, mcp.WithEgress(proxy.NewExecutor(proxy.ExecutorOptions{
			Timeout:      cfg.Egress.Timeout,
			MaxBodyBytes: cfg.Egress.MaxBodyBytes,
			Transport:    opts.Transport,
			Breaker: &proxy.BreakerConfig{
				MaxFailures: cfg.Egress.BreakerFailures,
				Cooldown:    cfg.Egress.BreakerCooldown,
			},
			Logger: logger.With("component", "egress"),
		})))
	}

	return &Runtime{
		cfg:      cfg,
		store:    store,
		audit:    auditLog,
		secrets:  secrets,
		engine:   engine,
		service:  NewService(store, secrets, auditLog, engine, logger),
		server:   mcp.NewServer(engine, store, serverOpts...),
		metrics:  metrics,
		shutdown: shutdown,
		logger:   logger,
	}, nil
}

func openSecretStore(cfg config.SecretsConfig) (storage.SecretStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemorySecretStore(), nil
	case config.BackendSealed:
		store, err := storage.NewSealedSecretStore(cfg.Dir, cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("open sealed secret store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown secret backend %q", cfg.Backend)
	}
}

func openGuard(ctx context.Context, cfg config.GuardConfig, logger *slog.Logger) (policy.Guard, policy.Mode, error) {
	mode, err := policy.ParseMode(cfg.OnError)
	if err != nil {
		return nil, "", err
	}

	modules, err := policy.LoadModules(cfg.Modules)
	if err != nil {
		return nil, "", err
	}
	if len(modules) == 0 {
		modules = map[string]string{"baseline.rego": policy.BaselineModule}
	}

	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint: cfg.Entrypoint,
		Modules:    modules,
		Logger:     logger,
	})
	if err != nil {
		return nil, "", fmt.Errorf("build guard: %w", err)
	}
	logger.Info("Guard enabled", "entrypoint", engine.Entrypoint(), "modules", len(modules), "on_error", mode)
	return engine, mode, nil
}

// Service returns the operator operations.
func (r *Runtime) Service() *Service { return r.service }

// Server returns the JSON-RPC processor.
func (r *Runtime) Server() *mcp.Server { return r.server }

// Redact masks every secret the runtime has released in text.
func (r *Runtime) Redact(text string) string { return r.engine.Redact(text) }

// Metrics returns the process metrics.
func (r *Runtime) Metrics() *telemetry.Metrics { return r.metrics }

// Handler returns the HTTP transport with metrics and middleware applied
// according to the configuration.
func (r *Runtime) Handler() http.Handler {
	opts := mcp.HTTPOptions{
		Middleware: []func(http.Handler) http.Handler{r.metrics.Middleware},
	}
	if r.cfg.Metrics.Enabled {
		opts.MetricsPath = r.cfg.Metrics.Path
		opts.MetricsHandler = r.metrics.Handler()
	}
	return r.server.Handler(opts)
}

// ServeStdio speaks newline-delimited JSON-RPC on in and out until in is
// exhausted or ctx is cancelled.
func (r *Runtime) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	r.logger.Info("Serving JSON-RPC on stdio")
	return r.server.Serve(ctx, in, out)
}

// ServeHTTP listens on the configured address and serves until ctx is
// cancelled, then drains in-flight requests within the shutdown timeout.
func (r *Runtime) ServeHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Server.ListenAddr, err)
	}
	return r.serveListener(ctx, ln)
}

func (r *Runtime) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: r.Handler()}

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("Serving JSON-RPC over HTTP", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := r.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	r.logger.Info("Shutting down HTTP transport")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http transport: %w", err)
	}
	return nil
}

// Addr returns the bound HTTP address, or nil before ServeHTTP listens.
func (r *Runtime) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Close flushes telemetry.
func (r *Runtime) Close(ctx context.Context) error {
	return r.shutdown(ctx)
}
