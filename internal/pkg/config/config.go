// Package config loads coachd configuration from config.yaml and COACH_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   LoggingConfig    `koanf:"logging"`
	Storage   StorageConfig    `koanf:"storage"`
	Ledger    LedgerConfig     `koanf:"ledger"`
	Dispatch  DispatchConfig   `koanf:"dispatch"`
	Routing   RoutingConfig    `koanf:"routing"`
	Providers []ProviderConfig `koanf:"providers"`
	Local     LocalConfig      `koanf:"local"`
	Cache     CacheConfig      `koanf:"cache"`
	Auth      AuthConfig       `koanf:"auth"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	RequestTimeout time.Duration   `koanf:"request_timeout"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig throttles API callers. Zero requests_per_second disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

type LoggingConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type StorageConfig struct {
	// LocalPath is the on-device SQLite database.
	LocalPath string `koanf:"local_path"`
	// Remote is the relational store for mirrored audit events, community
	// trends and the content library.
	Remote DatabaseConfig `koanf:"remote"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`
}

type LedgerConfig struct {
	Mirror MirrorConfig `koanf:"mirror"`
}

type MirrorConfig struct {
	Enabled   bool          `koanf:"enabled"`
	QueuePath string        `koanf:"queue_path"`
	Interval  time.Duration `koanf:"interval"`
	BatchSize int           `koanf:"batch_size"`
	Kafka     KafkaConfig   `koanf:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type DispatchConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	QueueSize     int           `koanf:"queue_size"`
	FallbackModel string        `koanf:"fallback_model"`
}

type RoutingConfig struct {
	OptimizationLevel string        `koanf:"optimization_level"`
	FallbackToLocal   bool          `koanf:"fallback_to_local"`
	Models            []ModelConfig `koanf:"models"`
	// AllowPrivateEgress lets cloud providers reach loopback and private
	// addresses, for self-hosted gateways.
	AllowPrivateEgress bool `koanf:"allow_private_egress"`
}

// ModelConfig overrides or extends the built-in model catalog.
type ModelConfig struct {
	ID              string  `koanf:"id"`
	Tier            string  `koanf:"tier"`
	CostPer1KTokens float64 `koanf:"cost_per_1k_tokens"`
	Quality         float64 `koanf:"quality"`
	ContextWindow   int     `koanf:"context_window"`
}

type ProviderConfig struct {
	Name              string   `koanf:"name"`
	Type              string   `koanf:"type"` // openai, anthropic, local
	Enabled           bool     `koanf:"enabled"`
	Credential        string   `koanf:"credential"`
	BaseURL           string   `koanf:"base_url"`
	SupportedModels   []string `koanf:"supported_models"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// LocalConfig points at the on-device inference endpoint.
type LocalConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

type CacheConfig struct {
	Type     string        `koanf:"type"` // memory, redis, none
	Size     int           `koanf:"size"`
	RedisURL string        `koanf:"redis_url"`
	TTL      time.Duration `koanf:"ttl"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	UserID      string `koanf:"user_id"`
	Description string `koanf:"description"`
	Admin       bool   `koanf:"admin"`
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Environment string  `koanf:"environment"`
	Exporter    string  `koanf:"exporter"` // stdout, file or none
	OutputPath  string  `koanf:"output_path"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                8080,
	"server.request_timeout":     "75s",
	"logging.level":              "info",
	"storage.local_path":         "./data/coach.db",
	"ledger.mirror.queue_path":   "./data/mirror",
	"ledger.mirror.interval":     "30s",
	"ledger.mirror.batch_size":   100,
	"dispatch.timeout":           "30s",
	"dispatch.queue_size":        64,
	"routing.optimization_level": "balanced",
	"routing.fallback_to_local":  true,
	"cache.type":                 "memory",
	"cache.size":                 256,
	"cache.ttl":                  "24h",
	"telemetry.service_name":     "coachd",
	"telemetry.environment":      "development",
	"telemetry.exporter":         "stdout",
	"telemetry.sample_ratio":     1.0,
}

// Load reads path (DefaultPath when empty), overlays COACH_ environment
// variables and applies defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	for key, v := range defaults {
		k.Set(key, v)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment variables override file config; "__" separates nesting.
	if err := k.Load(env.Provider("COACH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "COACH_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in provider credentials
	for i := range cfg.Providers {
		cfg.Providers[i].Credential = substituteEnvVars(cfg.Providers[i].Credential)
	}
	cfg.Storage.Remote.DSN = substituteEnvVars(cfg.Storage.Remote.DSN)
	cfg.Cache.RedisURL = substituteEnvVars(cfg.Cache.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Routing.OptimizationLevel {
	case "aggressive", "balanced", "quality_first":
	default:
		return fmt.Errorf("routing.optimization_level: unknown level %q", c.Routing.OptimizationLevel)
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must not be negative")
	}
	if c.Dispatch.Timeout < 0 {
		return fmt.Errorf("dispatch.timeout must not be negative")
	}
	if c.Server.RequestTimeout > 0 && c.Dispatch.Timeout > 0 && c.Server.RequestTimeout <= 2*c.Dispatch.Timeout {
		return fmt.Errorf("server.request_timeout %s must exceed twice dispatch.timeout %s to cover a fallback attempt",
			c.Server.RequestTimeout, c.Dispatch.Timeout)
	}
	switch c.Telemetry.Exporter {
	case "", "stdout", "none":
	case "file":
		if c.Telemetry.OutputPath == "" {
			return fmt.Errorf("telemetry.output_path is required for the file exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter: unknown exporter %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers: name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("providers: duplicate name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic", "local":
		default:
			return fmt.Errorf("providers.%s: unknown type %q", p.Name, p.Type)
		}
	}
	switch c.Cache.Type {
	case "", "memory", "redis", "none":
	default:
		return fmt.Errorf("cache.type: unknown type %q", c.Cache.Type)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
