// mkviewer server
//
// Features:
// - Document listing, tree and preview over S3/MinIO or a local directory
// - Fingerprint-validated conversion cache (Markdown, DOCX, legacy DOC)
// - Full-text search with index reconciliation
// - SSE sync notifications, optional Kafka topic
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/api"
	"github.com/liuyunc/mkviewer/internal/app"
	"github.com/liuyunc/mkviewer/internal/config"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("mkviewer server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend),
		zap.String("search", cfg.SearchBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		logging.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()

	srv := api.NewServer(engine)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	if cfg.SyncInterval > 0 && engine.Search.Enabled() {
		go periodicSync(ctx, engine, cfg.SyncInterval)
	}

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// periodicSync reconciles the index every interval until ctx ends.
func periodicSync(ctx context.Context, engine *app.App, interval time.Duration) {
	logging.Info("periodic sync enabled", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := engine.Sync(ctx, false)
			if err != nil {
				logging.Warn("periodic sync failed", zap.Error(err))
				continue
			}
			logging.Info(out.Message())
		}
	}
}
