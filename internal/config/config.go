package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is the environment variable consulted when the configuration
// file does not carry a gateway API key.
const APIKeyEnv = "AI_GATEWAY_API_KEY"

const (
	defaultPort           = 3000
	defaultGatewayBaseURL = "https://ai-gateway.vercel.sh/v1"
	defaultMaxTokens      = 1000
	defaultTemperature    = 0.7
	defaultReadTimeoutMS  = 30000
	defaultCreditsBalance = 10.00
	defaultCurrency       = "USD"
	defaultRatePerMinute  = 100
	defaultKnowledgePath  = "braincolab.db"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Credits   CreditsConfig   `yaml:"credits"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Models    []ModelConfig   `yaml:"models"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GatewayConfig captures how the upstream AI Gateway is reached.
type GatewayConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	ReadTimeoutMS int     `yaml:"read_timeout_ms"`
}

// ReadTimeout returns the per-read watchdog duration for upstream streams.
func (g GatewayConfig) ReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeoutMS) * time.Millisecond
}

// CreditsConfig drives the mock credit-balance endpoint.
type CreditsConfig struct {
	Balance  float64 `yaml:"balance"`
	Currency string  `yaml:"currency"`
}

// RateLimitConfig bounds per-client request rates on the API routes.
type RateLimitConfig struct {
	Disabled          bool `yaml:"disabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// KnowledgeConfig locates the note store backing the knowledge graph.
type KnowledgeConfig struct {
	Path string `yaml:"db_path"`
}

// ModelConfig describes a catalog entry; prices are USD per 1K tokens.
type ModelConfig struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Provider    string  `yaml:"provider"`
	InputPrice  float64 `yaml:"input_price"`
	OutputPrice float64 `yaml:"output_price"`
}

// Default returns the configuration used when no file is supplied. The
// gateway API key still comes from the environment.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from disk, fills defaults and validates
// the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		c.Gateway.BaseURL = defaultGatewayBaseURL
	}
	if strings.TrimSpace(c.Gateway.APIKey) == "" {
		c.Gateway.APIKey = os.Getenv(APIKeyEnv)
	}
	if c.Gateway.MaxTokens == 0 {
		c.Gateway.MaxTokens = defaultMaxTokens
	}
	if c.Gateway.Temperature == 0 {
		c.Gateway.Temperature = defaultTemperature
	}
	if c.Gateway.ReadTimeoutMS == 0 {
		c.Gateway.ReadTimeoutMS = defaultReadTimeoutMS
	}
	if c.Credits.Balance == 0 {
		c.Credits.Balance = defaultCreditsBalance
	}
	if strings.TrimSpace(c.Credits.Currency) == "" {
		c.Credits.Currency = defaultCurrency
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = defaultRatePerMinute
	}
	if strings.TrimSpace(c.Knowledge.Path) == "" {
		c.Knowledge.Path = defaultKnowledgePath
	}
}

// Validate performs strict sanity checks on the configuration. A missing
// gateway API key is deliberately not an error here; the relay reports it
// per request so the rest of the service stays usable.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url must be provided")
	}
	if c.Gateway.MaxTokens < 0 {
		return fmt.Errorf("gateway.max_tokens must not be negative, got %d", c.Gateway.MaxTokens)
	}
	if c.Gateway.Temperature < 0 || c.Gateway.Temperature > 2 {
		return fmt.Errorf("gateway.temperature must be in [0, 2], got %g", c.Gateway.Temperature)
	}
	if c.Gateway.ReadTimeoutMS <= 0 {
		return fmt.Errorf("gateway.read_timeout_ms must be positive, got %d", c.Gateway.ReadTimeoutMS)
	}
	if c.Credits.Balance < 0 {
		return fmt.Errorf("credits.balance must not be negative, got %g", c.Credits.Balance)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}

	for i, model := range c.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("models[%d]: id must not be empty", i)
		}
		if model.InputPrice < 0 || model.OutputPrice < 0 {
			return fmt.Errorf("models[%d]: prices must not be negative", i)
		}
	}

	return nil
}
