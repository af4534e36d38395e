// Package config loads and validates the service configuration from a YAML
// file with .env overlay and ${VAR} expansion. The resulting Config is
// immutable after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/ratelimit"
	"github.com/morphik-org/morphik-core/pkg/tools"
)

// Deployment modes. Cloud mode turns on quotas and the end-user access
// shortcut; self-hosted runs unrestricted.
const (
	ModeSelfHosted = "self_hosted"
	ModeCloud      = "cloud"
)

type Config struct {
	Mode       string           `yaml:"mode"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Completion CompletionConfig `yaml:"completion"`
	Agent      AgentConfig      `yaml:"agent"`
	Tools      ToolsConfig      `yaml:"tools"`
	Quotas     QuotasConfig     `yaml:"quotas"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL bounds tokens issued by the local developer endpoint.
	TokenTTL Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	TTL           Duration `yaml:"ttl"`
}

type CompletionConfig struct {
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	NumCtx      int      `yaml:"num_ctx"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
}

// Provider converts the section into the provider-agnostic model config.
func (c CompletionConfig) Provider() llms.Config {
	return llms.Config{
		Model:       c.Model,
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		NumCtx:      c.NumCtx,
		Timeout:     c.Timeout.Std(),
		MaxRetries:  c.MaxRetries,
	}
}

type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	DebugDir      string `yaml:"debug_dir"`
}

type ToolsConfig struct {
	// GraphMode is "local" or "api".
	GraphMode    string `yaml:"graph_mode"`
	GraphAPIBase string `yaml:"graph_api_base"`
}

type QuotasConfig struct {
	Enabled bool              `yaml:"enabled"`
	Limits  []ratelimit.Limit `yaml:"limits"`
}

// IsCloud reports whether the service runs in cloud mode.
func (c *Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

// Default returns the zero-config setup: self-hosted, in-memory storage and
// cache, local graph tools.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, overlays variables from an optional
// .env file in the working directory, expands ${VAR} references, applies
// defaults and validates.
func Load(path string) (*Config, error) {
	// A missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSelfHosted
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = Duration(30 * 24 * time.Hour)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(time.Hour)
	}
	if c.Completion.Model == "" {
		c.Completion.Model = "gpt-4o-mini"
	}
	if c.Completion.Timeout == 0 {
		c.Completion.Timeout = Duration(2 * time.Minute)
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Tools.GraphMode == "" {
		c.Tools.GraphMode = tools.GraphModeLocal
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSelfHosted, ModeCloud:
	default:
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeSelfHosted, ModeCloud)
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage driver %q requires a dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis cache requires redis_addr")
		}
	default:
		return fmt.Errorf("invalid cache backend %q", c.Cache.Backend)
	}

	switch c.Tools.GraphMode {
	case tools.GraphModeLocal:
	case tools.GraphModeAPI:
		if c.Tools.GraphAPIBase == "" {
			return fmt.Errorf("graph_mode api requires graph_api_base")
		}
	default:
		return fmt.Errorf("invalid graph_mode %q", c.Tools.GraphMode)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	for _, limit := range c.Quotas.Limits {
		switch limit.Window {
		case ratelimit.WindowMinute, ratelimit.WindowHour, ratelimit.WindowDay, ratelimit.WindowMonth:
		default:
			return fmt.Errorf("invalid quota window %q for operation %q", limit.Window, limit.Operation)
		}
	}
	return nil
}
