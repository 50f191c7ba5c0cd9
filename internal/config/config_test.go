package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("REDIS_URL", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.DuplicationFactor != 2 {
		t.Fatalf("expected duplication factor 2, got %d", cfg.Dispatch.DuplicationFactor)
	}
	if cfg.Redis.ViewQueue != "view-increment-queue" {
		t.Fatalf("unexpected view queue %q", cfg.Redis.ViewQueue)
	}
	if cfg.Dispatch.PushTimeout != 5*time.Second {
		t.Fatalf("unexpected push timeout %s", cfg.Dispatch.PushTimeout)
	}
	if cfg.Imports.IDField != "user_id" {
		t.Fatalf("unexpected id field %q", cfg.Imports.IDField)
	}
}

func TestLoadParsesFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
database:
  dsn: "postgres://pool:pool@db:5432/pool"
redis:
  url: "redis://queue:6379/1"
dispatch:
  duplication_factor: 3
  push_timeout: 750ms
  rate_limit: 50
imports:
  workers: 4
  stale_after: 1h
logging:
  format: json
`)
	if errWrite := os.WriteFile(path, content, 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("REDIS_URL", "redis://override:6379/2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://pool:pool@db:5432/pool" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	if cfg.Redis.URL != "redis://override:6379/2" {
		t.Fatalf("expected env override, got %q", cfg.Redis.URL)
	}
	if cfg.Dispatch.DuplicationFactor != 3 || cfg.Dispatch.PushTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected dispatch config %+v", cfg.Dispatch)
	}
	if cfg.Imports.Workers != 4 || cfg.Imports.StaleAfter != time.Hour {
		t.Fatalf("unexpected imports config %+v", cfg.Imports)
	}
}

func TestLoadRejectsInvalidDuplicationFactor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte("dispatch:\n  duplication_factor: -1\n"), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Fatalf("expected default path, got %q", got)
	}
	t.Setenv(ConfigPathEnv, "/etc/viewpool.yaml")
	if got := ResolveConfigPath(""); got != "/etc/viewpool.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := ResolveConfigPath(" local.yaml "); got != "local.yaml" {
		t.Fatalf("expected flag path, got %q", got)
	}
}
