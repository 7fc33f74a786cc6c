package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/api"
	"github.com/dbstudio/engine/internal/app"
	"github.com/dbstudio/engine/pkg/config"
	"github.com/dbstudio/engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting database engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreDriver),
		zap.String("queue", cfg.QueueMode),
	)

	ctx := context.Background()
	engine, err := app.New(ctx, cfg, cfg.AutoMigrate)
	if err != nil {
		log.Fatal("failed to initialize engine", zap.Error(err))
	}
	defer engine.Close()

	dispatcher, drain, err := engine.Dispatcher(ctx)
	if err != nil {
		log.Fatal("failed to initialize dispatcher", zap.Error(err))
	}

	router := api.NewRouter(api.Dependencies{
		Instances:      engine.Service(dispatcher),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	// In local mode this waits for running tasks; those still running when
	// the timeout hits are left in their transitional status.
	if err := drain(shutdownCtx); err != nil {
		log.Warn("tasks still running at shutdown", zap.Error(err))
	}
	log.Info("server exited")
}
