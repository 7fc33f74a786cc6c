package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/repository"
	"github.com/dbstudio/engine/pkg/config"
	"github.com/dbstudio/engine/pkg/database"
	"github.com/dbstudio/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.StoreDriver != config.StoreDriverPostgres {
		log.Fatal("migrations need STORE_DRIVER=postgres", zap.String("store", cfg.StoreDriver))
	}

	db, err := database.OpenPostgres(context.Background(), cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := repository.Migrate(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
