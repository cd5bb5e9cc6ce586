package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditdiff/pkg/archive"
	"github.com/platinummonkey/auditdiff/pkg/config"
	"github.com/platinummonkey/auditdiff/pkg/observability"
	"github.com/platinummonkey/auditdiff/pkg/storage"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for snapshots (default: archive.schedule from config, 00:30 UTC daily)")
	runOnce  = flag.Bool("run-once", false, "Take a single snapshot and exit")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if *schedule != "" {
		cfg.Archive.Schedule = *schedule
	}
	if err := cfg.ValidateArchive(); err != nil {
		log.WithError(err).Fatal("Invalid archive configuration")
	}

	ctx := context.Background()

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("Failed to open storage")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.WithError(err).Warn("Failed to close storage")
		}
	}()

	client, err := archive.NewS3Client(ctx, cfg.Archive.S3())
	if err != nil {
		log.WithError(err).Fatal("Failed to create S3 client")
	}

	registry := prometheus.NewRegistry()
	archiver, err := archive.NewArchiver(backend.Store, client, cfg.Archive.S3Bucket,
		archive.WithPrefix(cfg.Archive.S3Prefix),
		archive.WithLogger(log),
		archive.WithMetrics(observability.NewMetrics(registry)),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create archiver")
	}

	if *runOnce {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Archive.Timeout)
		defer cancel()

		result, runErr := archiver.Run(runCtx)
		if cfg.Archive.PushgatewayURL != "" {
			if err := observability.PushMetrics(runCtx, cfg.Archive.PushgatewayURL, "auditd_archiver", registry); err != nil {
				log.WithError(err).Warn("Failed to push archive metrics")
			}
		}
		if runErr != nil {
			log.WithError(runErr).Error("Snapshot failed")
			os.Exit(1)
		}
		log.WithField("key", result.Key).Info("Snapshot completed")
		return
	}

	metricsMux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(metricsMux, registry)
	metricsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()

	scheduler, err := archive.NewScheduler(archiver, cfg.Archive.Schedule, cfg.Archive.Timeout, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to schedule snapshots")
	}
	scheduler.Start()

	log.WithFields(logrus.Fields{
		"backend":  backend.Name(),
		"bucket":   cfg.Archive.S3Bucket,
		"schedule": cfg.Archive.Schedule,
		"next_run": scheduler.Next().Format(time.RFC3339),
		"metrics":  metricsServer.Addr,
	}).Info("auditd-archiver started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(ctx, cfg.Archive.Timeout)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Archive job did not finish before shutdown")
	}
	if err := metricsServer.Shutdown(stopCtx); err != nil {
		log.WithError(err).Warn("Metrics server shutdown failed")
	}

	log.Info("Archiver stopped")
}
