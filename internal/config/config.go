// Package config loads the job orchestration core's settings from a YAML
// file with environment-variable overrides, the way
// ChuLiYu-raft-recovery/internal/cli.Config loads its scheduler/worker
// sections.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	MaxConcurrentJobs        int   `yaml:"max_concurrent_jobs"`
	DefaultJobTimeoutMS      int64 `yaml:"default_job_timeout_ms"`
	RetryDelayMS             int64 `yaml:"retry_delay_ms"`
	MaxRetries               int   `yaml:"max_retries"`
	QueueProcessingIntervalMS int64 `yaml:"queue_processing_interval_ms"`
	BacklogLimit              int   `yaml:"backlog_limit"`
	MaxJobHistory             int   `yaml:"max_job_history"`
	CleanupIntervalMS         int64 `yaml:"cleanup_interval_ms"`
	RetentionHours            int   `yaml:"retention_hours"`
	StarvationThresholdCycles int   `yaml:"starvation_threshold_cycles"`
	StopGraceMS               int64 `yaml:"stop_grace_ms"`
	MaxRetryBackoffMS         int64 `yaml:"max_retry_backoff_ms"`

	Resources ResourceTotals `yaml:"resources"`

	Persistence Persistence `yaml:"persistence"`
	Listen      string      `yaml:"listen"`
}

// ResourceTotals mirrors jobtypes/resources.Totals in YAML-friendly form.
type ResourceTotals struct {
	MemoryMB int64 `yaml:"memory_mb"`
	CPUSlots int64 `yaml:"cpu_slots"`
	DiskMB   int64 `yaml:"disk_mb"`
}

// Persistence configures the optional sqlite write-through hook.
type Persistence struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Encrypt    bool   `yaml:"encrypt"`
	KeyFile    string `yaml:"key_file"`
	Passphrase string `yaml:"-"` // always sourced from MODCONVERT_PERSISTENCE_PASSPHRASE, never from the file
}

// Default returns the documented defaults from spec.md §6.
func Default() Config {
	return Config{
		MaxConcurrentJobs:         4,
		DefaultJobTimeoutMS:       300_000,
		RetryDelayMS:              1_000,
		MaxRetries:                2,
		QueueProcessingIntervalMS: 100,
		BacklogLimit:              10_000,
		MaxJobHistory:             10_000,
		CleanupIntervalMS:         3_600_000,
		RetentionHours:            24,
		StarvationThresholdCycles: 50,
		StopGraceMS:               30_000,
		MaxRetryBackoffMS:         60_000,
		Resources: ResourceTotals{
			MemoryMB: 8192,
			CPUSlots: 4,
			DiskMB:   20480,
		},
		Listen: ":8080",
	}
}

// Load reads path (if it exists; a missing file is not an error — Default
// is used instead) and applies MODCONVERT_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if len(raw) > 0 {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	cfg.Persistence.Passphrase = os.Getenv("MODCONVERT_PERSISTENCE_PASSPHRASE")
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt("MODCONVERT_MAX_CONCURRENT_JOBS", &cfg.MaxConcurrentJobs)
	envInt64("MODCONVERT_DEFAULT_JOB_TIMEOUT_MS", &cfg.DefaultJobTimeoutMS)
	envInt64("MODCONVERT_RETRY_DELAY_MS", &cfg.RetryDelayMS)
	envInt("MODCONVERT_MAX_RETRIES", &cfg.MaxRetries)
	envInt64("MODCONVERT_QUEUE_PROCESSING_INTERVAL_MS", &cfg.QueueProcessingIntervalMS)
	envInt("MODCONVERT_BACKLOG_LIMIT", &cfg.BacklogLimit)
	envInt("MODCONVERT_MAX_JOB_HISTORY", &cfg.MaxJobHistory)
	envInt64("MODCONVERT_CLEANUP_INTERVAL_MS", &cfg.CleanupIntervalMS)
	envInt("MODCONVERT_RETENTION_HOURS", &cfg.RetentionHours)
	envInt("MODCONVERT_STARVATION_THRESHOLD_CYCLES", &cfg.StarvationThresholdCycles)
	envInt64("MODCONVERT_STOP_GRACE_MS", &cfg.StopGraceMS)
	envInt64("MODCONVERT_MAX_RETRY_BACKOFF_MS", &cfg.MaxRetryBackoffMS)
	envInt64("MODCONVERT_RESOURCES_MEMORY_MB", &cfg.Resources.MemoryMB)
	envInt64("MODCONVERT_RESOURCES_CPU_SLOTS", &cfg.Resources.CPUSlots)
	envInt64("MODCONVERT_RESOURCES_DISK_MB", &cfg.Resources.DiskMB)
	if v := os.Getenv("MODCONVERT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("MODCONVERT_PERSISTENCE_ENABLED"); v != "" {
		cfg.Persistence.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("MODCONVERT_PERSISTENCE_PATH"); v != "" {
		cfg.Persistence.Path = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
