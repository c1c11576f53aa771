// Package config loads the application configuration from environment
// variables layered over an optional YAML file. Environment takes
// precedence; defaults keep a bare checkout runnable in development mode.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Token    TokenConfig    `yaml:"token" envconfig:"TOKEN"`
	Webhook  WebhookConfig  `yaml:"webhook" envconfig:"WEBHOOK"`
	Payment  PaymentConfig  `yaml:"payment" envconfig:"PAYMENT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// Development enables detail-bearing error responses and the seeded
	// client below. Never enable in production.
	Development  bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"true"`
	DevClientID  string `yaml:"dev_client_id" envconfig:"DEV_CLIENT_ID" default:"dev-client"`
	DevClientKey string `yaml:"dev_client_key" envconfig:"DEV_CLIENT_KEY" default:"dev-secret"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/rsl-server.log"`
}

// TokenConfig contains token issuance configuration
type TokenConfig struct {
	Lifetime time.Duration `yaml:"lifetime" envconfig:"LIFETIME" default:"1h"`
	Issuer   string        `yaml:"issuer" envconfig:"ISSUER" default:"rsl-server"`
	KeyID    string        `yaml:"key_id" envconfig:"KEY_ID" default:"rsl-signing-1"`
}

// WebhookConfig contains webhook dispatcher configuration
type WebhookConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" envconfig:"DELIVERY_TIMEOUT" default:"10s"`
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"5"`
	BackoffBase     time.Duration `yaml:"backoff_base" envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax      time.Duration `yaml:"backoff_max" envconfig:"BACKOFF_MAX" default:"2m"`
	QueueSize       int           `yaml:"queue_size" envconfig:"QUEUE_SIZE" default:"256"`
}

// PaymentConfig contains payment processor configuration
type PaymentConfig struct {
	// Provider selects the processor implementation; only "memory" ships
	// with the server, real providers are wired by the embedding product.
	Provider string        `yaml:"provider" envconfig:"PROVIDER" default:"memory"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"15s"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	return LoadFrom(configFilePath())
}

// LoadFrom loads configuration from the given YAML file path, then
// applies environment overrides and validates the result.
func LoadFrom(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment overrides file values and fills defaults.
	if err := envconfig.Process("RSL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// configFilePath resolves the config file location
func configFilePath() string {
	if path := os.Getenv("RSL_CONFIG_FILE"); path != "" {
		return path
	}
	return "rsl-server.yaml"
}

// validate checks configuration invariants
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Token.Lifetime <= 0 {
		return fmt.Errorf("token lifetime must be positive, got %s", c.Token.Lifetime)
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Webhook.DeliveryTimeout <= 0 {
		return fmt.Errorf("webhook delivery timeout must be positive, got %s", c.Webhook.DeliveryTimeout)
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled, got %f", c.Security.RateLimit.RPS)
	}
	return nil
}
