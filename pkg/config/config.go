package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/caseflow/caseflow/pkg/logger"
)

// Config carries the engine tuning knobs. Values come from defaults
// overridden by CASEFLOW_* environment variables.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Audit     AuditConfig     `koanf:"audit"     validate:"required"`
	Authz     AuthzConfig     `koanf:"authz"     validate:"required"`
	Scheduler SchedulerConfig `koanf:"scheduler" validate:"required"`
}

type LogConfig struct {
	Level logger.LogLevel `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool            `koanf:"json"`
}

type AuditConfig struct {
	// SpanBufferSize is the initial capacity of the per-workflow span buffer.
	SpanBufferSize int `koanf:"span_buffer_size" validate:"min=1"`
	// SnapshotCacheSize bounds the in-process LRU over reconstruction
	// snapshots. Snapshots are a performance aid only.
	SnapshotCacheSize int `koanf:"snapshot_cache_size" validate:"min=1"`
	// SnapshotIntervalMillis is the minimum trace age between persisted
	// snapshots. Zero disables automatic snapshotting.
	SnapshotIntervalMillis int64 `koanf:"snapshot_interval_millis" validate:"min=0"`
}

type AuthzConfig struct {
	// ScopeCacheSize bounds the LRU over per-user effective scope sets.
	ScopeCacheSize int `koanf:"scope_cache_size" validate:"min=1"`
}

type SchedulerConfig struct {
	// MaxFixpointIterations caps the enablement fixpoint loop; exceeding it
	// indicates a definition whose automated tasks never quiesce.
	MaxFixpointIterations int `koanf:"max_fixpoint_iterations" validate:"min=1"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: logger.InfoLevel},
		Audit: AuditConfig{
			SpanBufferSize:         64,
			SnapshotCacheSize:      256,
			SnapshotIntervalMillis: 60_000,
		},
		Authz:     AuthzConfig{ScopeCacheSize: 1024},
		Scheduler: SchedulerConfig{MaxFixpointIterations: 1000},
	}
}

const envPrefix = "CASEFLOW_"

// Load builds the configuration from defaults overridden by environment
// variables, e.g. CASEFLOW_AUDIT_SPAN_BUFFER_SIZE=128.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// First underscore separates the section from the field, e.g.
			// AUDIT_SPAN_BUFFER_SIZE -> audit.span_buffer_size.
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.Replace(key, "_", ".", 1), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
