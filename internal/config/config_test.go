package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vango-dev/routeloader/internal/errors"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Cache.StaleTime.Std() != 0 {
		t.Errorf("Cache.StaleTime = %v, want 0", cfg.Cache.StaleTime.Std())
	}
	if cfg.Cache.PreloadStaleTime.Std() != 30*time.Second {
		t.Errorf("Cache.PreloadStaleTime = %v, want 30s", cfg.Cache.PreloadStaleTime.Std())
	}
	if cfg.Cache.GCTime.Std() != 30*time.Minute {
		t.Errorf("Cache.GCTime = %v, want 30m", cfg.Cache.GCTime.Std())
	}
	if cfg.NotFoundMode != NotFoundFuzzy {
		t.Errorf("NotFoundMode = %q, want %q", cfg.NotFoundMode, NotFoundFuzzy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	content := `{
  "cache": {
    "staleTime": "5s",
    "preloadStaleTime": "1m",
    "gcTime": "10m"
  },
  "notFoundMode": "root",
  "preload": {"rate": 10},
  "deferred": {"store": "redis", "redisUrl": "redis://localhost:6379/0", "ttl": "2m"}
}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"staleTime", cfg.Cache.StaleTime.Std(), 5 * time.Second},
		{"preloadStaleTime", cfg.Cache.PreloadStaleTime.Std(), time.Minute},
		{"gcTime", cfg.Cache.GCTime.Std(), 10 * time.Minute},
		{"sweepInterval default", cfg.Cache.SweepInterval.Std(), DefaultSweepInterval},
		{"notFoundMode", cfg.NotFoundMode, NotFoundRoot},
		{"maxRedirects default", cfg.MaxRedirects, DefaultMaxRedirects},
		{"preload rate", cfg.Preload.Rate, 10.0},
		{"preload burst default", cfg.Preload.Burst, 5},
		{"deferred store", cfg.Deferred.Store, StoreRedis},
		{"deferred ttl", cfg.Deferred.TTL.Std(), 2 * time.Minute},
		{"server addr default", cfg.Server.Addr, DefaultAddr},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if cfg.Path() != filepath.Join(dir, ConfigFileName) {
		t.Errorf("Path() = %q", cfg.Path())
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !stderrors.Is(err, errors.New("E161")) {
		t.Errorf("error = %v, want E161", err)
	}
}

func TestLoadFile_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"cache": {"gcTime": "forever"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	cfg := New()
	cfg.Cache.StaleTime = Duration(3 * time.Second)
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if loaded.Cache.StaleTime.Std() != 3*time.Second {
		t.Errorf("StaleTime = %v, want 3s", loaded.Cache.StaleTime.Std())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad notFoundMode", func(c *Config) { c.NotFoundMode = "nearest" }, true},
		{"negative gc", func(c *Config) { c.Cache.GCTime = Duration(-time.Second) }, true},
		{"negative stale", func(c *Config) { c.Cache.StaleTime = Duration(-1) }, true},
		{"unknown store", func(c *Config) { c.Deferred.Store = "s3" }, true},
		{"redis without url", func(c *Config) { c.Deferred.Store = StoreRedis }, true},
		{"redis with url", func(c *Config) {
			c.Deferred.Store = StoreRedis
			c.Deferred.RedisURL = "redis://localhost:6379"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationUnmarshalNumber(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte("1500000000")); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if d.Std() != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", d.Std())
	}
}
