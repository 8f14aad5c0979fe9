// Package config loads lap-ingest configuration from a YAML file, an optional
// .env file and LAP_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nucleus/lap-ingest/internal/collection"
)

// Config is the root configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Staging      StagingConfig      `mapstructure:"staging" yaml:"staging"`
	Sources      []Source           `mapstructure:"sources" yaml:"sources"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Schedule     ScheduleConfig     `mapstructure:"schedule" yaml:"schedule"`
	Temporal     TemporalConfig     `mapstructure:"temporal" yaml:"temporal"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// StagingConfig selects and configures the temporary store.
type StagingConfig struct {
	// Provider is one of memory, object, object.minio. Empty picks the first available.
	Provider       string         `mapstructure:"provider" yaml:"provider"`
	MemoryCapBytes int64          `mapstructure:"memory_cap_bytes" yaml:"memory_cap_bytes"`
	BatchSize      int            `mapstructure:"batch_size" yaml:"batch_size"`
	ObjectRoot     string         `mapstructure:"object_root" yaml:"object_root,omitempty"`
	MinIO          map[string]any `mapstructure:"minio" yaml:"minio,omitempty"`
}

// Source binds a set of collections to one handler configuration.
type Source struct {
	Name        string         `mapstructure:"name" yaml:"name"`
	Type        string         `mapstructure:"type" yaml:"type"`
	Collections []string       `mapstructure:"collections" yaml:"collections"`
	Settings    map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
}

type OrchestratorConfig struct {
	MaxParallelSources int `mapstructure:"max_parallel_sources" yaml:"max_parallel_sources"`
	// HandlerTimeout bounds a single handler dispatch. Zero disables the deadline.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
}

type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
}

type ScheduleConfig struct {
	// RefreshCron triggers a reload of every collection. Empty disables the scheduler.
	RefreshCron string `mapstructure:"refresh_cron" yaml:"refresh_cron"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port" yaml:"host_port"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	TaskQueue string `mapstructure:"task_queue" yaml:"task_queue"`
}

// DefaultSourceName is used for the implicit sample source.
const DefaultSourceName = "sample"

// EffectiveSources returns the configured sources, or a single SAMPLE_CSV
// source covering every collection when none are configured.
func (c *Config) EffectiveSources() []Source {
	if len(c.Sources) > 0 {
		return c.Sources
	}
	all := collection.All()
	labels := make([]string, len(all))
	for i, col := range all {
		labels[i] = col.String()
	}
	return []Source{{Name: DefaultSourceName, Type: string(collection.SourceSampleCSV), Collections: labels}}
}

// Validate rejects malformed sources and collections bound to more than one source.
func (c *Config) Validate() error {
	names := make(map[string]struct{})
	bound := make(map[collection.Collection]string)
	for i, src := range c.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return collection.InvalidArgument(fmt.Errorf("sources[%d]: name is required", i))
		}
		if _, dup := names[name]; dup {
			return collection.InvalidArgument(fmt.Errorf("sources[%d]: duplicate source name %q", i, name))
		}
		names[name] = struct{}{}
		if _, err := collection.ParseSourceType(src.Type); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		cols, err := collection.ParseAll(src.Collections)
		if err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		for _, col := range cols {
			if other, ok := bound[col]; ok {
				return collection.InvalidArgument(fmt.Errorf("collection %s is bound to both %s and %s", col, other, name))
			}
			bound[col] = name
		}
	}
	if c.Orchestrator.MaxParallelSources < 0 {
		return collection.InvalidArgument(fmt.Errorf("orchestrator.max_parallel_sources must be >= 0"))
	}
	if c.Orchestrator.HandlerTimeout < 0 {
		return collection.InvalidArgument(fmt.Errorf("orchestrator.handler_timeout must be >= 0"))
	}
	return nil
}

// Setting returns a string setting from a source's settings map.
func (s Source) Setting(key string) string {
	if s.Settings == nil {
		return ""
	}
	if v, ok := s.Settings[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}
