package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("STRATA_WORKERS", "3")
	t.Setenv("STRATA_POLL_INTERVAL", "250ms")
	t.Setenv("STRATA_DB_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("expected workers 3, got %d", cfg.Workers)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %s", cfg.PollInterval)
	}
	if cfg.DBDriver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.DBDriver)
	}
	if cfg.HTTPPort != "8080" || cfg.MaxPollErrors != 5 || cfg.LeaseTTL != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_InvalidLeaseTTL(t *testing.T) {
	t.Setenv("STRATA_DB_DRIVER", "memory")
	t.Setenv("STRATA_LEASE_TTL", "0s")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-positive lease ttl")
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	t.Setenv("STRATA_DB_DRIVER", "oracle")
	if _, err := Load(); err == nil {
		t.Error("expected error for unknown driver")
	}
}

// --- Flag Source Tests ---

func TestStaticFlags(t *testing.T) {
	flags := NewStaticFlags(map[string]string{"artificial_failure": "device.attach"})

	v, ok := flags.Lookup("artificial_failure")
	if !ok || v != "device.attach" {
		t.Errorf("unexpected lookup: %q %v", v, ok)
	}

	flags.Delete("artificial_failure")
	if _, ok := flags.Lookup("artificial_failure"); ok {
		t.Error("flag should be deleted")
	}
}

func TestFileFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(path, []byte("artificial_failure: device.create\n"), 0o600); err != nil {
		t.Fatalf("write flags: %v", err)
	}

	flags, err := NewFileFlags(path, nil)
	if err != nil {
		t.Fatalf("NewFileFlags failed: %v", err)
	}

	v, ok := flags.Lookup("artificial_failure")
	if !ok || v != "device.create" {
		t.Errorf("unexpected lookup: %q %v", v, ok)
	}
	if _, ok := flags.Lookup("missing"); ok {
		t.Error("missing flag must not be found")
	}
}

func TestRedisFlags(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	flags := NewRedisFlags(client, "", nil)
	if _, ok := flags.Lookup("artificial_failure"); ok {
		t.Error("flag should be absent")
	}

	if err := flags.Set(context.Background(), "artificial_failure", "rollback:device.attach"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok := flags.Lookup("artificial_failure")
	if !ok || v != "rollback:device.attach" {
		t.Errorf("unexpected lookup: %q %v", v, ok)
	}

	mr.Close()
	if _, ok := flags.Lookup("artificial_failure"); ok {
		t.Error("unreachable redis must be treated as absent flag")
	}
}

func TestChain(t *testing.T) {
	first := NewStaticFlags(nil)
	second := NewStaticFlags(map[string]string{"k": "second"})
	chain := Chain{first, nil, second}

	if v, _ := chain.Lookup("k"); v != "second" {
		t.Errorf("expected fallback value, got %q", v)
	}
	first.Set("k", "first")
	if v, _ := chain.Lookup("k"); v != "first" {
		t.Errorf("expected first source to win, got %q", v)
	}
}
