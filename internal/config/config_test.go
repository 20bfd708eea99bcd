package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" || cfg.Queue != "memory" || cfg.Objects != "none" {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
	if cfg.LockTTL != 30*time.Second {
		t.Fatalf("unexpected lock ttl default %v", cfg.LockTTL)
	}
	if cfg.Redis.KeyPrefix != "taskmesh:queue" {
		t.Fatalf("unexpected redis prefix %q", cfg.Redis.KeyPrefix)
	}
}

func TestYAMLOverlayAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	content := `
store: postgres
postgres_dsn: postgres://file-dsn
lock_ttl: 45s
redis:
  addr: redis-from-file:6379
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKMESH_POSTGRES_DSN", "postgres://env-dsn")
	t.Setenv("TASKMESH_MAX_PRIORITY", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "postgres" {
		t.Fatalf("file value must apply, got store %q", cfg.Store)
	}
	if cfg.LockTTL != 45*time.Second {
		t.Fatalf("file duration must apply, got %v", cfg.LockTTL)
	}
	if cfg.Redis.Addr != "redis-from-file:6379" {
		t.Fatalf("nested file value must apply, got %q", cfg.Redis.Addr)
	}
	// env wins over the file
	if cfg.PostgresDSN != "postgres://env-dsn" {
		t.Fatalf("env must override the file, got %q", cfg.PostgresDSN)
	}
	if cfg.MaxPriority != 5 {
		t.Fatalf("env int must apply, got %d", cfg.MaxPriority)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("TASKMESH_STORE", "etcd")
	if _, err := Load(""); err == nil {
		t.Fatalf("unknown store backend must be rejected")
	}
	t.Setenv("TASKMESH_STORE", "postgres")
	t.Setenv("TASKMESH_POSTGRES_DSN", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("postgres store without DSN must be rejected")
	}
	t.Setenv("TASKMESH_STORE", "memory")
	t.Setenv("TASKMESH_QUEUE", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatalf("postgres queue requires the postgres store")
	}
	t.Setenv("TASKMESH_QUEUE", "redis")
	t.Setenv("TASKMESH_PARTITION_ID", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("redis queue without a partition must be rejected")
	}
}

func TestExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("an explicitly named missing file must fail")
	}
}

func TestBadEnvValuesFallBack(t *testing.T) {
	t.Setenv("TASKMESH_LOCK_TTL", "not-a-duration")
	t.Setenv("TASKMESH_MAX_PRIORITY", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LockTTL != 30*time.Second || cfg.MaxPriority != 9 {
		t.Fatalf("unparseable env values must keep defaults, got %+v", cfg)
	}
}
