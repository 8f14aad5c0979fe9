package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nucleus/lap-ingest/pkg/staging"
)

// EnvPrefix namespaces environment overrides, e.g. LAP_LOG_LEVEL.
const EnvPrefix = "LAP"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every scalar default. Keys need a default to be
// overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.compress", true)

	v.SetDefault("staging.provider", staging.ProviderMemory)
	v.SetDefault("staging.memory_cap_bytes", staging.DefaultMemoryCapBytes)
	v.SetDefault("staging.batch_size", staging.DefaultBatchSize)
	v.SetDefault("staging.object_root", "")

	v.SetDefault("orchestrator.max_parallel_sources", 4)
	v.SetDefault("orchestrator.handler_timeout", "0s")

	v.SetDefault("server.grpc_addr", ":50061")
	v.SetDefault("server.http_addr", ":8088")

	v.SetDefault("schedule.refresh_cron", "")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "lap-ingest")
}

// Load reads configuration from path (optional), .env files and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults with environment overrides applied.
func Default() *Config {
	var cfg Config
	_ = newViper().Unmarshal(&cfg)
	return &cfg
}
