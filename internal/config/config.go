package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the newsletter service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	SES        SESConfig        `yaml:"ses"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Turnstile  TurnstileConfig  `yaml:"turnstile"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Newsletter NewsletterConfig `yaml:"newsletter"`

	// Environment is the deployment tier: local, staging, or production.
	// Only production sends to recognized test addresses.
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseURL        string   `yaml:"base_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AdminAPIKey    string   `yaml:"admin_api_key"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the send rate limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TokenConfig holds the shared signing secret for both token protocols.
type TokenConfig struct {
	Secret string `yaml:"secret"`
}

// DeliveryConfig holds provider-independent email delivery settings.
type DeliveryConfig struct {
	Provider       string `yaml:"provider"` // "ses" or "smtp"
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	ReplyTo        string `yaml:"reply_to"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RatePerMinute  int    `yaml:"rate_per_minute"`
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// SMTPConfig holds SMTP relay credentials.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TurnstileConfig holds Cloudflare Turnstile bot-verification settings.
type TurnstileConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DispatchConfig holds verification email dispatch worker settings.
type DispatchConfig struct {
	ClaimSize           int `yaml:"claim_size"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
	StuckAfterMinutes   int `yaml:"stuck_after_minutes"`
}

// NewsletterConfig holds newsletter issue settings.
type NewsletterConfig struct {
	// FeedURL is the default feed for drafting issues when a request does
	// not name one.
	FeedURL string `yaml:"feed_url"`
}

// DeliveryTimeout returns the per-send provider timeout.
func (c DeliveryConfig) DeliveryTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CallTimeout returns the bot-verification call timeout.
func (c TurnstileConfig) CallTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the dispatch worker poll interval.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// IsProduction reports whether this deployment tier delivers to every
// address, including recognized test patterns.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Delivery.Provider == "" {
		cfg.Delivery.Provider = "ses"
	}
	if cfg.Delivery.TimeoutSeconds == 0 {
		cfg.Delivery.TimeoutSeconds = 30
	}
	if cfg.Delivery.RatePerMinute == 0 {
		cfg.Delivery.RatePerMinute = 60
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Turnstile.TimeoutSeconds == 0 {
		cfg.Turnstile.TimeoutSeconds = 10
	}
	if cfg.Dispatch.ClaimSize == 0 {
		cfg.Dispatch.ClaimSize = 50
	}
	if cfg.Dispatch.PollIntervalSeconds == 0 {
		cfg.Dispatch.PollIntervalSeconds = 5
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.BackoffBaseSeconds == 0 {
		cfg.Dispatch.BackoffBaseSeconds = 30
	}
	if cfg.Dispatch.StuckAfterMinutes == 0 {
		cfg.Dispatch.StuckAfterMinutes = 10
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		cfg.Server.AdminAPIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("HMAC_SECRET_KEY"); v != "" {
		cfg.Tokens.Secret = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SMTP_SERVER"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("FROM_EMAIL"); v != "" {
		cfg.Delivery.FromEmail = v
	}
	if v := os.Getenv("FROM_NAME"); v != "" {
		cfg.Delivery.FromName = v
	}
	if v := os.Getenv("TURNSTILE_SECRET_KEY"); v != "" {
		cfg.Turnstile.SecretKey = v
		cfg.Turnstile.Enabled = true
	}

	return cfg, nil
}

// Validate checks that the settings required to take live traffic are set.
func (c *Config) Validate() error {
	if c.Tokens.Secret == "" {
		return fmt.Errorf("tokens.secret (HMAC_SECRET_KEY) is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (DATABASE_URL) is required")
	}
	if c.Delivery.FromEmail == "" {
		return fmt.Errorf("delivery.from_email (FROM_EMAIL) is required")
	}
	switch c.Delivery.Provider {
	case "ses", "smtp":
	default:
		return fmt.Errorf("delivery.provider must be ses or smtp, got %q", c.Delivery.Provider)
	}
	return nil
}
