package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/app"
	"github.com/dbstudio/engine/pkg/config"
	"github.com/dbstudio/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.QueueMode != config.QueueModeAsynq {
		log.Fatal("worker requires QUEUE_MODE=asynq", zap.String("queue", cfg.QueueMode))
	}

	ctx := context.Background()
	if err := app.PingRedis(ctx, cfg); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	engine, err := app.New(ctx, cfg, false)
	if err != nil {
		log.Fatal("failed to initialize engine", zap.Error(err))
	}
	defer engine.Close()

	srv := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
		Concurrency:     cfg.AsynqConcurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          zapAsynqLogger{log.Sugar().Named("asynq")},
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(engine.Mux()); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	srv.Shutdown()
}

// zapAsynqLogger routes asynq's own logging through zap.
type zapAsynqLogger struct {
	s *zap.SugaredLogger
}

func (l zapAsynqLogger) Debug(args ...any) { l.s.Debug(args...) }
func (l zapAsynqLogger) Info(args ...any)  { l.s.Info(args...) }
func (l zapAsynqLogger) Warn(args ...any)  { l.s.Warn(args...) }
func (l zapAsynqLogger) Error(args ...any) { l.s.Error(args...) }
func (l zapAsynqLogger) Fatal(args ...any) { l.s.Fatal(args...) }
