package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/config"
	"github.com/polisai/polis-dao/pkg/dao"
	"github.com/polisai/polis-dao/pkg/domain"
	"github.com/polisai/polis-dao/pkg/logging"
	"github.com/polisai/polis-dao/pkg/metrics"
	"github.com/polisai/polis-dao/pkg/policy"
	"github.com/polisai/polis-dao/pkg/sink"
	"github.com/polisai/polis-dao/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Provision the configured DAO and serve the admin API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("admin-addr", "", "Admin API listen address (overrides server.admin_address)")
	serveCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("pretty", false, "Enable pretty console logging")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("admin-addr"); addr != "" {
		cfg.Server.AdminAddress = addr
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.SetupLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry.Provider())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()

	listener, err := net.Listen("tcp", cfg.Server.AdminAddress)
	if err != nil {
		return fmt.Errorf("bind admin listener %s: %w", cfg.Server.AdminAddress, err)
	}
	tlsConfig, err := cfg.Server.TLS.Build()
	if err != nil {
		_ = listener.Close()
		return err
	}

	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}
	logger.Info("Admin API listening", "addr", listener.Addr().String(), "tls", tlsConfig != nil)

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- server.ServeTLS(listener, "", "")
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown error", "error", err)
	}
	return nil
}

// app holds the long-lived components of a running service.
type app struct {
	logger    *slog.Logger
	collector *metrics.Collector
	policy    *policy.Engine
	watcher   *config.PolicyWatcher
	factory   *dao.Factory
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		logger:    logger,
		collector: metrics.NewCollector(),
	}

	var modules map[string]string
	if cfg.Policy.Dir != "" {
		var err error
		modules, err = policy.LoadModules(cfg.Policy.Dir)
		if err != nil {
			return nil, err
		}
	}
	engine, err := policy.NewEngine(ctx, policy.Options{
		Entrypoint:      cfg.Policy.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.Policy.CacheSize,
		Mode:            policy.Mode(cfg.Policy.Mode),
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	a.policy = engine
	if cfg.Policy.Watch {
		a.watcher, err = config.NewPolicyWatcher(cfg.Policy.Dir, engine, logger)
		if err != nil {
			return nil, fmt.Errorf("policy watcher: %w", err)
		}
	}

	var external domain.ActionSink
	if cfg.Treasury.Sink.Endpoint != "" || len(cfg.Treasury.Sink.Targets) > 0 {
		httpSink, err := sink.NewHTTPSink(cfg.Treasury.Sink, sink.WithHTTPLogger(logger))
		if err != nil {
			a.closeWatcher()
			return nil, fmt.Errorf("treasury sink: %w", err)
		}
		external = httpSink
	}

	a.factory = dao.NewFactory(
		dao.WithExternalSink(external),
		dao.WithGuard(engine),
		dao.WithStoreOpener(func(instanceID string) (audit.Store, error) {
			return audit.OpenStore(cfg.Audit.Backend, cfg.Audit.Path, audit.WithStoreScope(instanceID))
		}),
		dao.WithAuditSinks(a.collector),
		dao.WithRegisterer(a.collector.Registry()),
		dao.WithLogger(logger),
	)

	if cfg.Bootstrap.Enabled() {
		dc, err := cfg.DAOConfig()
		if err == nil {
			_, err = a.factory.Create(ctx, cfg.Bootstrap.Template, dc)
		}
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	} else {
		logger.Warn("No bootstrap founder configured, serving without a DAO instance")
	}
	return a, nil
}

// Handler is the admin API wrapped with request metrics and tracing.
func (a *app) Handler() http.Handler {
	mux := newAdminMux(a.factory, a.collector, a.logger)
	return otelhttp.NewHandler(a.collector.Middleware(routePattern, mux), "polisdao.admin")
}

func (a *app) closeWatcher() {
	if a.watcher == nil {
		return
	}
	if err := a.watcher.Close(); err != nil {
		a.logger.Warn("Policy watcher close failed", "error", err)
	}
}

// Close stops the policy watcher and closes every instance.
func (a *app) Close() error {
	a.closeWatcher()
	if a.factory == nil {
		return nil
	}
	return a.factory.Close()
}
