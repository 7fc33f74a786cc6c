// Package app wires the collaborators shared by cmd/api and cmd/worker.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/provisioner"
	"github.com/dbstudio/engine/internal/provisioner/compiler"
	"github.com/dbstudio/engine/internal/provisioner/terraform"
	"github.com/dbstudio/engine/internal/queue"
	"github.com/dbstudio/engine/internal/queue/tasks"
	"github.com/dbstudio/engine/internal/repository"
	"github.com/dbstudio/engine/internal/runtime"
	"github.com/dbstudio/engine/internal/services"
	"github.com/dbstudio/engine/internal/vault"
	"github.com/dbstudio/engine/pkg/config"
	"github.com/dbstudio/engine/pkg/database"
	"github.com/dbstudio/engine/pkg/logger"
)

type Engine struct {
	cfg         *config.Config
	Repo        repository.InstanceRepository
	Compiler    *compiler.Compiler
	Provisioner provisioner.Provisioner
	Runtime     runtime.Runtime
	Vault       *vault.Vault
	closers     []func() error
}

// New opens the store and builds the provisioning stack. migrate runs the
// schema migrations first when the store is Postgres.
func New(ctx context.Context, cfg *config.Config, migrate bool) (*Engine, error) {
	e := &Engine{cfg: cfg}

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	e.Vault = v

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.L().Warn("using in-memory store, state is lost on restart")
		e.Repo = repository.NewMemoryInstanceRepository()
	default:
		db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AppEnv)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			e.closers = append(e.closers, sqlDB.Close)
		}
		if migrate {
			if err := repository.Migrate(db); err != nil {
				e.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.L().Info("schema migrated")
		}
		e.Repo = repository.NewInstanceRepository(db)
	}

	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		e.Close()
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	e.Compiler = compiler.NewCompiler(cfg.DockerHost)
	e.Provisioner = provisioner.NewTerraformProvisioner(cfg.WorkingDir, e.Compiler, terraform.NewRunnerFactory(cfg.TerraformBin))

	rt, err := runtime.NewDockerRuntime(cfg.DockerHost)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Runtime = rt
	return e, nil
}

// Mux routes every lifecycle task type to its handler.
func (e *Engine) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	tasks.NewLifecycleHandler(e.Repo, e.Provisioner, e.Runtime, e.Vault, e.cfg.TaskTimeout).Register(mux)
	return mux
}

// Dispatcher builds the dispatcher selected by QUEUE_MODE. The returned
// func drains or closes it.
func (e *Engine) Dispatcher(ctx context.Context) (queue.Dispatcher, func(context.Context) error, error) {
	if e.cfg.QueueMode != config.QueueModeAsynq {
		local := queue.NewLocalDispatcher(e.Mux())
		return local, local.Shutdown, nil
	}

	if err := PingRedis(ctx, e.cfg); err != nil {
		return nil, nil, err
	}
	client := asynq.NewClient(RedisOpt(e.cfg))
	return queue.NewAsynqDispatcher(client, e.cfg.TaskTimeout), func(context.Context) error { return client.Close() }, nil
}

// Service builds the instance service on top of d.
func (e *Engine) Service(d queue.Dispatcher) services.InstanceService {
	return services.NewInstanceService(e.Repo, e.Compiler, e.Provisioner, e.Runtime, e.Vault, d)
}

func (e *Engine) Close() {
	for _, c := range e.closers {
		if err := c(); err != nil {
			logger.L().Warn("close failed", zap.Error(err))
		}
	}
	e.closers = nil
}

func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: 0}
}

// PingRedis fails fast when the broker is unreachable.
func PingRedis(ctx context.Context, cfg *config.Config) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}
