package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Routing.ArrivalToleranceM != 50 {
		t.Errorf("expected default arrival tolerance 50, got %f", cfg.Routing.ArrivalToleranceM)
	}
	if cfg.Voice.Format != "mp3" {
		t.Errorf("expected default voice format mp3, got %s", cfg.Voice.Format)
	}
	if !cfg.Queue.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing packs root",
			modify:  func(c *Config) { c.Server.PacksRoot = "" },
			wantErr: true,
		},
		{
			name:    "missing routing base",
			modify:  func(c *Config) { c.Routing.Base = "" },
			wantErr: true,
		},
		{
			name:    "zero arrival tolerance",
			modify:  func(c *Config) { c.Routing.ArrivalToleranceM = 0 },
			wantErr: true,
		},
		{
			name:    "bad voice format",
			modify:  func(c *Config) { c.Voice.Format = "ogg" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  addr: ":9090"
  packs_root: "/var/lib/navpack/packs"
  pack_ttl: 48h
routing:
  base: "http://osrm:5000"
  arrival_tolerance_m: 75
narration:
  base: "http://narration:8001"
  timeout: 5m
queue:
  url: "nats://broker:4222"
  nav_concurrency: 4
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Server.PackTTL != 48*time.Hour {
		t.Errorf("expected pack_ttl 48h, got %v", cfg.Server.PackTTL)
	}
	if cfg.Routing.Base != "http://osrm:5000" {
		t.Errorf("expected routing base http://osrm:5000, got %s", cfg.Routing.Base)
	}
	if cfg.Routing.ArrivalToleranceM != 75 {
		t.Errorf("expected arrival tolerance 75, got %f", cfg.Routing.ArrivalToleranceM)
	}
	if cfg.Queue.URL != "nats://broker:4222" {
		t.Errorf("expected queue URL nats://broker:4222, got %s", cfg.Queue.URL)
	}
	if cfg.Queue.NavConcurrency != 4 {
		t.Errorf("expected nav concurrency 4, got %d", cfg.Queue.NavConcurrency)
	}
	// Untouched sections keep their defaults.
	if cfg.Voice.Format != "mp3" {
		t.Errorf("expected voice format to remain mp3, got %s", cfg.Voice.Format)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_NAVPACK_DB_PASSWORD", "s3cret")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
spatial:
  password: "${TEST_NAVPACK_DB_PASSWORD}"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Spatial.Password != "s3cret" {
		t.Errorf("expected expanded password, got %q", cfg.Spatial.Password)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Routing: RoutingConfig{
			Base: "http://override:5000",
		},
		Server: ServerConfig{
			PacksRoot: "/override/packs",
		},
	}

	base.Merge(override)

	if base.Routing.Base != "http://override:5000" {
		t.Errorf("expected routing base http://override:5000, got %s", base.Routing.Base)
	}
	// Addr should remain from base since override didn't set it
	if base.Server.Addr != ":8080" {
		t.Errorf("expected addr to remain default, got %s", base.Server.Addr)
	}
	if base.Server.PacksRoot != "/override/packs" {
		t.Errorf("expected packs root /override/packs, got %s", base.Server.PacksRoot)
	}
}

func TestConfigMergeExternalQueueDisablesEmbedded(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{Queue: QueueConfig{URL: "nats://broker:4222"}})

	if base.Queue.Embedded {
		t.Error("external queue URL must disable the embedded server")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ROUTING_BASE", "http://env-osrm:5000")
	t.Setenv("CAR_ARRIVAL_TOLERANCE_M", "120")
	t.Setenv("VOICE_BITRATE_KBPS", "128")
	t.Setenv("VOICE_SAVE_TEXT", "false")
	t.Setenv("QUEUE_BROKER_URL", "nats://env-broker:4222")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Routing.Base != "http://env-osrm:5000" {
		t.Errorf("expected env routing base, got %s", cfg.Routing.Base)
	}
	if cfg.Routing.ArrivalToleranceM != 120 {
		t.Errorf("expected arrival tolerance 120, got %f", cfg.Routing.ArrivalToleranceM)
	}
	if cfg.Voice.BitrateKbps != 128 {
		t.Errorf("expected bitrate 128, got %d", cfg.Voice.BitrateKbps)
	}
	if cfg.Voice.SaveText {
		t.Error("expected save_text disabled via env")
	}
	if cfg.Queue.Embedded {
		t.Error("expected embedded NATS disabled when broker URL set")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Routing.Base = "http://saved:5000"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Routing.Base != "http://saved:5000" {
		t.Errorf("expected routing base http://saved:5000, got %s", loaded.Routing.Base)
	}
}
