// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads and validates the daemon configuration from a YAML
// file with CLIPD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective daemon configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"dataDir"`
	StorageRoot string `yaml:"storageRoot"`
	FFmpegPath  string `yaml:"ffmpegPath"`
	FFprobePath string `yaml:"ffprobePath"`
	LogLevel    string `yaml:"logLevel"`
	// RateLimitRPS caps API requests per client IP per second. Zero disables.
	RateLimitRPS int `yaml:"rateLimitRPS"`

	Workers WorkerConfig  `yaml:"workers"`
	Relay   RelayConfig   `yaml:"relay"`
	Janitor JanitorConfig `yaml:"janitor"`

	// Costs maps operation kind to credit cost. Missing kinds cost 1.
	Costs map[string]int64 `yaml:"costs"`
	// Timeouts maps operation kind to a wall clock cap for the media tool.
	Timeouts map[string]time.Duration `yaml:"timeouts"`

	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffCap  time.Duration `yaml:"backoffCap"`
	PollEvery   time.Duration `yaml:"pollEvery"`
}

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	Tick        time.Duration `yaml:"tick"`
	BatchSize   int           `yaml:"batchSize"`
	MaxAttempts int           `yaml:"maxAttempts"`
	ClaimTTL    time.Duration `yaml:"claimTTL"`
	RateLimit   float64       `yaml:"rateLimit"` // deliveries per second, 0 = unlimited
}

// JanitorConfig controls the reservation janitor.
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
	Grace    time.Duration `yaml:"grace"`
	// OnSuspicious decides what to do with completed operations that never
	// captured: "release" favors the user, "capture" favors revenue.
	OnSuspicious string `yaml:"onSuspicious"`
}

// RedisConfig enables the redis-backed progress tracker when Addr is set.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig mirrors telemetry.Config in YAML form.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// Default returns the built-in defaults, before file and env merge.
func Default() Config {
	return Config{
		Listen:       ":8080",
		DataDir:      "./data",
		StorageRoot:  "./storage",
		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		LogLevel:     "info",
		RateLimitRPS: 50,
		Workers: WorkerConfig{
			Concurrency: 5,
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
			BackoffCap:  60 * time.Second,
			PollEvery:   250 * time.Millisecond,
		},
		Relay: RelayConfig{
			Tick:        500 * time.Millisecond,
			BatchSize:   100,
			MaxAttempts: 5,
			ClaimTTL:    60 * time.Second,
			RateLimit:   0,
		},
		Janitor: JanitorConfig{
			Interval:     5 * time.Minute,
			TTL:          30 * time.Minute,
			Grace:        60 * time.Minute,
			OnSuspicious: "release",
		},
		Costs: map[string]int64{
			"convert":   2,
			"watermark": 2,
			"gif":       2,
		},
		Timeouts: map[string]time.Duration{
			"resize":        5 * time.Minute,
			"crop":          5 * time.Minute,
			"convert":       10 * time.Minute,
			"gif":           10 * time.Minute,
			"watermark":     10 * time.Minute,
			"trim":          3 * time.Minute,
			"extract_audio": 3 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ExporterType: "grpc",
			SamplingRate: 1.0,
			Environment:  "development",
		},
	}
}

// Load reads the YAML file at path (if non-empty), merges env overrides on
// top of defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIPD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CLIPD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CLIPD_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("CLIPD_FFMPEG"); v != "" {
		cfg.FFmpegPath = v
	}
	if v := os.Getenv("CLIPD_FFPROBE"); v != "" {
		cfg.FFprobePath = v
	}
	if v := os.Getenv("CLIPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLIPD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Concurrency = n
		}
	}
	if v := os.Getenv("CLIPD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CLIPD_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
}

// Validate rejects configurations that cannot run safely.
func (c Config) Validate() error {
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("config: workers.concurrency must be > 0")
	}
	if c.Workers.MaxAttempts <= 0 {
		return fmt.Errorf("config: workers.maxAttempts must be > 0")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("config: relay.batchSize must be > 0")
	}
	if c.Relay.Tick <= 0 {
		return fmt.Errorf("config: relay.tick must be > 0")
	}
	if c.Janitor.TTL <= 0 {
		return fmt.Errorf("config: janitor.ttl must be > 0")
	}
	switch c.Janitor.OnSuspicious {
	case "release", "capture":
	default:
		return fmt.Errorf("config: janitor.onSuspicious must be release or capture, got %q", c.Janitor.OnSuspicious)
	}
	for kind, cost := range c.Costs {
		if cost <= 0 {
			return fmt.Errorf("config: cost for %s must be > 0", kind)
		}
	}
	return nil
}

// Cost returns the credit cost for an operation kind.
func (c Config) Cost(kind string) int64 {
	if cost, ok := c.Costs[kind]; ok {
		return cost
	}
	return 1
}

// Timeout returns the media tool wall clock cap for an operation kind.
func (c Config) Timeout(kind string) time.Duration {
	if d, ok := c.Timeouts[kind]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}
