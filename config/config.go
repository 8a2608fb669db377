// Package config provides configuration loading and management for navpack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tourkit/navpack/plan"
)

// Config represents the complete navpack configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Routing   RoutingConfig   `yaml:"routing"`
	Spatial   SpatialConfig   `yaml:"spatial"`
	Along     AlongConfig     `yaml:"along"`
	Narration NarrationConfig `yaml:"narration"`
	Voice     VoiceConfig     `yaml:"voice"`
	Queue     QueueConfig     `yaml:"queue"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP facade and pack storage
type ServerConfig struct {
	// Addr is the listen address of the HTTP facade
	Addr string `yaml:"addr"`
	// Prefix is the path prefix of the nav endpoints (empty = none)
	Prefix string `yaml:"prefix"`
	// PacksRoot is the directory holding finished pack directories
	PacksRoot string `yaml:"packs_root"`
	// PackTTL is how long a finished pack lives before the reaper removes it
	// (0 = keep forever)
	PackTTL time.Duration `yaml:"pack_ttl"`
}

// RoutingConfig configures the routing engine connection
type RoutingConfig struct {
	// Base is the OSRM-compatible engine base URL
	Base string `yaml:"base"`
	// FootBase optionally points foot routing at a separate engine
	FootBase string `yaml:"foot_base"`
	// ArrivalToleranceM is how close a car route must end to the
	// destination before an access-point fallback kicks in
	ArrivalToleranceM float64 `yaml:"arrival_tolerance_m"`
}

// SpatialConfig configures the PostGIS connection
type SpatialConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN renders the pgx connection string.
func (s SpatialConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// AlongConfig configures along-route POI discovery
type AlongConfig struct {
	// BufferCarM is the default car corridor width in meters
	BufferCarM float64 `yaml:"buffer_car_m"`
	// BufferFootM is the default foot corridor width in meters
	BufferFootM float64 `yaml:"buffer_foot_m"`
	// ServiceBase optionally delegates discovery to an external POI
	// service instead of the spatial store
	ServiceBase string `yaml:"service_base"`
}

// NarrationConfig configures the narration engine connection
type NarrationConfig struct {
	// Base is the narration engine base URL
	Base string `yaml:"base"`
	// Timeout is the total narration budget per job
	Timeout time.Duration `yaml:"timeout"`
}

// VoiceConfig configures the speech synthesis engine
type VoiceConfig struct {
	// Base is the speech engine base URL
	Base string `yaml:"base"`
	// Format is the preferred audio container (mp3 or wav)
	Format string `yaml:"format"`
	// BitrateKbps is the assumed MP3 bitrate for duration estimates
	BitrateKbps int `yaml:"bitrate_kbps"`
	// SaveText asks the engine to persist narration text next to the audio
	SaveText bool `yaml:"save_text"`
	// SubBatchSize caps items per synthesis call
	SubBatchSize int `yaml:"sub_batch_size"`
	// MaxConcurrent caps in-flight synthesis calls
	MaxConcurrent int `yaml:"max_concurrent"`
}

// QueueConfig configures the NATS connection and worker pools
type QueueConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// NavConcurrency is the plan worker pool size
	NavConcurrency int `yaml:"nav_concurrency"`
	// LLMConcurrency is the narration worker pool size
	LLMConcurrency int `yaml:"llm_concurrency"`
	// DelegateNarration routes narration through the llm queue instead of
	// calling the engine inline from the plan worker
	DelegateNarration bool `yaml:"delegate_narration"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn, or error
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			PacksRoot: "./packs",
			PackTTL:   24 * time.Hour,
		},
		Routing: RoutingConfig{
			Base:              "http://localhost:5000",
			ArrivalToleranceM: 50,
		},
		Spatial: SpatialConfig{
			Host: "localhost",
			Port: 5432,
			User: "navpack",
			Name: "navpack",
		},
		Along: AlongConfig{
			BufferCarM:  plan.DefaultBufferCarM,
			BufferFootM: plan.DefaultBufferFootM,
		},
		Narration: NarrationConfig{
			Base:    "http://localhost:8001",
			Timeout: 3 * time.Minute,
		},
		Voice: VoiceConfig{
			Base:          "http://localhost:8002",
			Format:        "mp3",
			BitrateKbps:   64,
			SaveText:      true,
			SubBatchSize:  8,
			MaxConcurrent: 4,
		},
		Queue: QueueConfig{
			URL:            "",
			Embedded:       true,
			NavConcurrency: 2,
			LLMConcurrency: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.PacksRoot == "" {
		return fmt.Errorf("server.packs_root is required")
	}
	if c.Routing.Base == "" {
		return fmt.Errorf("routing.base is required")
	}
	if c.Routing.ArrivalToleranceM <= 0 {
		return fmt.Errorf("routing.arrival_tolerance_m must be positive")
	}
	if c.Voice.Format != "mp3" && c.Voice.Format != "wav" {
		return fmt.Errorf("voice.format must be mp3 or wav")
	}
	if c.Voice.BitrateKbps <= 0 {
		return fmt.Errorf("voice.bitrate_kbps must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} references in
// the file body expand from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.Prefix != "" {
		c.Server.Prefix = other.Server.Prefix
	}
	if other.Server.PacksRoot != "" {
		c.Server.PacksRoot = other.Server.PacksRoot
	}
	if other.Server.PackTTL != 0 {
		c.Server.PackTTL = other.Server.PackTTL
	}

	// Routing
	if other.Routing.Base != "" {
		c.Routing.Base = other.Routing.Base
	}
	if other.Routing.FootBase != "" {
		c.Routing.FootBase = other.Routing.FootBase
	}
	if other.Routing.ArrivalToleranceM != 0 {
		c.Routing.ArrivalToleranceM = other.Routing.ArrivalToleranceM
	}

	// Spatial
	if other.Spatial.Host != "" {
		c.Spatial.Host = other.Spatial.Host
	}
	if other.Spatial.Port != 0 {
		c.Spatial.Port = other.Spatial.Port
	}
	if other.Spatial.User != "" {
		c.Spatial.User = other.Spatial.User
	}
	if other.Spatial.Password != "" {
		c.Spatial.Password = other.Spatial.Password
	}
	if other.Spatial.Name != "" {
		c.Spatial.Name = other.Spatial.Name
	}

	// Along
	if other.Along.BufferCarM != 0 {
		c.Along.BufferCarM = other.Along.BufferCarM
	}
	if other.Along.BufferFootM != 0 {
		c.Along.BufferFootM = other.Along.BufferFootM
	}
	if other.Along.ServiceBase != "" {
		c.Along.ServiceBase = other.Along.ServiceBase
	}

	// Narration
	if other.Narration.Base != "" {
		c.Narration.Base = other.Narration.Base
	}
	if other.Narration.Timeout != 0 {
		c.Narration.Timeout = other.Narration.Timeout
	}

	// Voice
	if other.Voice.Base != "" {
		c.Voice.Base = other.Voice.Base
	}
	if other.Voice.Format != "" {
		c.Voice.Format = other.Voice.Format
	}
	if other.Voice.BitrateKbps != 0 {
		c.Voice.BitrateKbps = other.Voice.BitrateKbps
	}
	if other.Voice.SubBatchSize != 0 {
		c.Voice.SubBatchSize = other.Voice.SubBatchSize
	}
	if other.Voice.MaxConcurrent != 0 {
		c.Voice.MaxConcurrent = other.Voice.MaxConcurrent
	}

	// Queue
	if other.Queue.URL != "" {
		c.Queue.URL = other.Queue.URL
		c.Queue.Embedded = false
	}
	if other.Queue.NavConcurrency != 0 {
		c.Queue.NavConcurrency = other.Queue.NavConcurrency
	}
	if other.Queue.LLMConcurrency != 0 {
		c.Queue.LLMConcurrency = other.Queue.LLMConcurrency
	}
	if other.Queue.DelegateNarration {
		c.Queue.DelegateNarration = true
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

// ApplyEnv applies the enumerated environment overrides. Environment wins
// over every file layer.
func (c *Config) ApplyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("NAVPACK_ADDR", &c.Server.Addr)
	setString("PACKS_ROOT", &c.Server.PacksRoot)
	setString("ROUTING_BASE", &c.Routing.Base)
	setString("ROUTING_FOOT_BASE", &c.Routing.FootBase)
	setString("SPATIAL_DB_HOST", &c.Spatial.Host)
	setString("SPATIAL_DB_USER", &c.Spatial.User)
	setString("SPATIAL_DB_PASSWORD", &c.Spatial.Password)
	setString("SPATIAL_DB_NAME", &c.Spatial.Name)
	setString("POI_BASE", &c.Along.ServiceBase)
	setString("NARRATION_BASE", &c.Narration.Base)
	setString("SYNTH_BASE", &c.Voice.Base)
	setString("VOICE_FORMAT", &c.Voice.Format)
	setString("QUEUE_BROKER_URL", &c.Queue.URL)
	setString("NAVPACK_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("SPATIAL_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Spatial.Port = port
		}
	}
	if v := os.Getenv("CAR_ARRIVAL_TOLERANCE_M"); v != "" {
		if tol, err := strconv.ParseFloat(v, 64); err == nil {
			c.Routing.ArrivalToleranceM = tol
		}
	}
	if v := os.Getenv("VOICE_BITRATE_KBPS"); v != "" {
		if kbps, err := strconv.Atoi(v); err == nil {
			c.Voice.BitrateKbps = kbps
		}
	}
	if v := os.Getenv("VOICE_SAVE_TEXT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Voice.SaveText = b
		}
	}
	if c.Queue.URL != "" {
		c.Queue.Embedded = false
	}
}
