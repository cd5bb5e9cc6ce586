package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/auditdiff/pkg/audit"
	"github.com/platinummonkey/auditdiff/pkg/config"
	"github.com/platinummonkey/auditdiff/pkg/httputil"
	"github.com/platinummonkey/auditdiff/pkg/observability"
	"github.com/platinummonkey/auditdiff/pkg/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("auditd exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return errors.Join(err, observability.ShutdownOTel(ctx, providers, logger))
	}
	logger.WithField("backend", backend.Name()).Info("Storage initialized")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if backend.DB != nil {
		registry.MustRegister(collectors.NewDBStatsCollector(backend.DB, backend.Name()))
	}

	var metrics *observability.Metrics
	serviceOpts := []audit.ServiceOption{audit.WithLogger(logger)}
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		serviceOpts = append(serviceOpts, audit.WithMetrics(metrics))
	}
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return errors.Join(err, backend.Close(), observability.ShutdownOTel(ctx, providers, logger))
		}
		serviceOpts = append(serviceOpts, audit.WithOTelMetrics(otelMetrics))
	}
	service := audit.NewService(backend.Store, serviceOpts...)

	router := mux.NewRouter()
	audit.NewHandlers(service).RegisterRoutes(router)

	middlewares := []func(http.Handler) http.Handler{
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
	}
	if metrics != nil {
		middlewares = append(middlewares, observability.HTTPMetricsMiddleware(metrics))
	}
	handler := httputil.Chain(middlewares...)(otelhttp.NewHandler(router, "auditd"))

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(version)
	switch {
	case backend.DB != nil:
		health.AddDatabase(backend.Name(), backend.DB)
	case backend.Redis != nil:
		health.AddRedis(backend.Name(), backend.Redis)
	default:
		health.AddPing(backend.Name(), backend.Ping)
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	observability.RegisterMetricsEndpoint(healthMux, registry)

	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return backend.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	serveErr := make(chan error, 2)
	for _, server := range []*http.Server{apiServer, healthServer} {
		go func(server *http.Server) {
			defer observability.RecoverPanic(logger, "http server "+server.Addr)
			logger.WithField("addr", server.Addr).Info("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("HTTP server %s failed: %w", server.Addr, err)
			}
		}(server)
	}

	logger.WithFields(map[string]interface{}{
		"version": version,
		"backend": backend.Name(),
	}).Info("auditd started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A server that fails to listen triggers the same shutdown as a signal
	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-serveErr:
			failed <- err
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-failed:
		return errors.Join(err, shutdownErr)
	default:
		return shutdownErr
	}
}
