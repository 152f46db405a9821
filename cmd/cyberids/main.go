package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cyberids/internal/api"
	"cyberids/internal/artifacts"
	"cyberids/internal/cfg"
	"cyberids/internal/metrics"
	"cyberids/internal/predict"
	"cyberids/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store := artifacts.NewStore(c.ArtifactsDir)
	bundle := loadArtifacts(ctx, c, store, m)

	audit := initializeAudit(c)
	if audit != nil {
		defer audit.Close()
	}

	svc := predict.New(store, predict.Config{
		DefaultVersion: bundle.Version,
		Threshold:      c.Threshold,
		MaxBatchSize:   c.MaxBatchSize,
		CacheSize:      1000,
		CacheTTL:       5 * time.Minute,
	}, m)

	apiServer := api.NewServer(svc, audit, c.ListenPort, c.RequestTimeout)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	metricsServer := startMetricsServer(c)

	waitForShutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown metrics server")
	}
	log.Info().Msg("shutdown complete")
}

// loadArtifacts warms the configured artifact version, pulling it from the
// registry first when one is configured and the set is absent locally.
// Load failures for the configured version abort startup.
func loadArtifacts(ctx context.Context, c cfg.Settings, store *artifacts.Store, m *metrics.Metrics) *artifacts.Bundle {
	if c.RegistryURL != "" && c.ModelVersion != cfg.VersionLatest && !artifactsPresent(store, c.ModelVersion) {
		fetcher := artifacts.NewFetcher(c.RegistryURL, c.ArtifactsDir, c.FetchTimeout)
		if err := fetcher.Fetch(ctx, c.ModelVersion); err != nil {
			log.Warn().Err(err).Str("version", c.ModelVersion).Msg("registry fetch failed, trying local artifacts")
		}
	}

	bundle, err := store.Load(c.ModelVersion)
	if err != nil {
		m.ArtifactFailuresInc()
		log.Fatal().Err(err).
			Str("version", c.ModelVersion).
			Str("dir", c.ArtifactsDir).
			Msg("artifact load failed, cannot serve")
	}
	m.ArtifactLoadsInc()

	// Model age from the model file's modification time.
	modelPath := store.Paths(bundle.Version)[3]
	if info, err := os.Stat(modelPath); err == nil {
		m.ModelAgeSet(time.Since(info.ModTime()).Seconds())
	}

	log.Info().
		Str("version", bundle.Version).
		Int("feature_count", len(bundle.Features)).
		Msg("serving model")

	return bundle
}

func artifactsPresent(store *artifacts.Store, version string) bool {
	for _, p := range store.Paths(version) {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// initializeAudit opens the audit store if DATA_PATH is configured
func initializeAudit(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	audit, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("audit store initialization failed, continuing without persistence")
		return nil
	}
	return audit
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(c cfg.Settings) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return server
}

// waitForShutdown blocks until a shutdown signal arrives or the context ends
func waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
}
