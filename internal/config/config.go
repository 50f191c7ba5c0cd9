// Package config loads the YAML configuration shared by every viewpool command.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/postreach/viewpool/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when neither a flag nor VIEWPOOL_CONFIG is set.
	DefaultConfigPath = "config.yaml"
	// ConfigPathEnv overrides the config path.
	ConfigPathEnv = "VIEWPOOL_CONFIG"

	defaultDSN               = "file:data/viewpool.db"
	defaultRedisURL          = "redis://127.0.0.1:6379/0"
	defaultViewQueue         = "view-increment-queue"
	defaultImportQueue       = "account-import-queue"
	defaultDuplicationFactor = 2
	defaultPushTimeout       = 5 * time.Second
	defaultDispatchWorkers   = 8
	defaultImportWorkers     = 2
	defaultIDField           = "user_id"
	defaultStaleAfter        = 15 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultSettingsRefresh   = 30 * time.Second
)

// AppConfig carries process-level inputs resolved before the file is read.
type AppConfig struct {
	ConfigPath string
}

// Config is the on-disk configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Imports  ImportsConfig  `yaml:"imports"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
}

// RedisConfig points at the queue server.
type RedisConfig struct {
	URL         string `yaml:"url"`
	ViewQueue   string `yaml:"view_queue"`
	ImportQueue string `yaml:"import_queue"`
}

// DispatchConfig tunes task fan-out.
type DispatchConfig struct {
	DuplicationFactor int           `yaml:"duplication_factor"`
	PushTimeout       time.Duration `yaml:"push_timeout"`
	Concurrency       int           `yaml:"concurrency"`
	RateLimit         float64       `yaml:"rate_limit"`
}

// ImportsConfig tunes the bulk import worker.
type ImportsConfig struct {
	Workers         int           `yaml:"workers"`
	StorageDir      string        `yaml:"storage_dir"`
	IDField         string        `yaml:"id_field"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SettingsRefresh time.Duration `yaml:"settings_refresh"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ResolveConfigPath picks the config file path from the flag, env or default.
func ResolveConfigPath(flagValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(ConfigPathEnv)); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads the config file; a missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN")); dsn != "" {
		c.Database.DSN = dsn
	}
	if url := strings.TrimSpace(os.Getenv("REDIS_URL")); url != "" {
		c.Redis.URL = url
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = defaultDSN
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		c.Redis.URL = defaultRedisURL
	}
	if strings.TrimSpace(c.Redis.ViewQueue) == "" {
		c.Redis.ViewQueue = defaultViewQueue
	}
	if strings.TrimSpace(c.Redis.ImportQueue) == "" {
		c.Redis.ImportQueue = defaultImportQueue
	}
	if c.Dispatch.DuplicationFactor == 0 {
		c.Dispatch.DuplicationFactor = defaultDuplicationFactor
	}
	if c.Dispatch.PushTimeout <= 0 {
		c.Dispatch.PushTimeout = defaultPushTimeout
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = defaultDispatchWorkers
	}
	if c.Imports.Workers <= 0 {
		c.Imports.Workers = defaultImportWorkers
	}
	if strings.TrimSpace(c.Imports.StorageDir) == "" {
		base := util.WritablePath()
		if base == "" {
			base = "data"
		}
		c.Imports.StorageDir = filepath.Join(base, "imports")
	}
	if strings.TrimSpace(c.Imports.IDField) == "" {
		c.Imports.IDField = defaultIDField
	}
	if c.Imports.StaleAfter <= 0 {
		c.Imports.StaleAfter = defaultStaleAfter
	}
	if c.Imports.SweepInterval <= 0 {
		c.Imports.SweepInterval = defaultSweepInterval
	}
	if c.Imports.SettingsRefresh <= 0 {
		c.Imports.SettingsRefresh = defaultSettingsRefresh
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.DuplicationFactor < 1 {
		return fmt.Errorf("config: dispatch.duplication_factor must be >= 1, got %d", c.Dispatch.DuplicationFactor)
	}
	if c.Dispatch.RateLimit < 0 {
		return fmt.Errorf("config: dispatch.rate_limit must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
