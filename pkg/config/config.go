package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	QueueModeLocal = "local"
	QueueModeAsynq = "asynq"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	StoreDriver string `mapstructure:"STORE_DRIVER" validate:"required,oneof=postgres memory"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"omitempty,url|uri"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	QueueMode        string        `mapstructure:"QUEUE_MODE" validate:"required,oneof=local asynq"`
	RedisAddr        string        `mapstructure:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	RedisPassword    string        `mapstructure:"REDIS_PASSWORD"`
	AsynqConcurrency int           `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`
	TaskTimeout      time.Duration `mapstructure:"TASK_TIMEOUT" validate:"required"`

	// WorkingDir is the parent of every per-instance Terraform working directory.
	WorkingDir   string `mapstructure:"WORKING_DIR" validate:"required"`
	TerraformBin string `mapstructure:"TERRAFORM_BIN"`
	DockerHost   string `mapstructure:"DOCKER_HOST"`

	EncryptionKey string `mapstructure:"ENCRYPTION_KEY" validate:"required,min=16"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("QUEUE_MODE", QueueModeLocal)
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("TASK_TIMEOUT", "15m")
	v.SetDefault("WORKING_DIR", "/tmp/terraform")
	v.SetDefault("GOMAXPROCS", 0)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	_ = v.ReadInConfig()

	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"STORE_DRIVER",
		"DATABASE_URL",
		"AUTO_MIGRATE",
		"QUEUE_MODE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"TASK_TIMEOUT",
		"WORKING_DIR",
		"TERRAFORM_BIN",
		"DOCKER_HOST",
		"ENCRYPTION_KEY",
		"RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	for key, dst := range map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
		"TASK_TIMEOUT":     &c.TaskTimeout,
	} {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.crossCheck(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

func (c *Config) crossCheck() error {
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if c.QueueMode == QueueModeAsynq && c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required when QUEUE_MODE=asynq")
	}
	// The worker runs in another process and must see the same rows.
	if c.QueueMode == QueueModeAsynq && c.StoreDriver == StoreDriverMemory {
		return errors.New("QUEUE_MODE=asynq requires STORE_DRIVER=postgres")
	}
	return nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
