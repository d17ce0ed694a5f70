package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment    string               `mapstructure:"environment"`
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Vault          VaultConfig          `mapstructure:"vault"`
	Crypto         CryptoConfig         `mapstructure:"crypto"`
	Razorpay       RazorpayConfig       `mapstructure:"razorpay"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Log            LogConfig            `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration. Driver is postgres or sqlite;
// Path is only read for sqlite.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	Path     string `mapstructure:"path"`
}

// RedisConfig holds Redis configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VaultConfig holds Vault configuration. An empty URL disables Vault.
type VaultConfig struct {
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	KeyPath string `mapstructure:"key_path"`
}

// CryptoConfig holds the base64 process-wide credential encryption key.
type CryptoConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type RazorpayConfig struct {
	// WebhookSecret is the development-only fallback used when a school has
	// no webhook secret of its own.
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type ReconciliationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// IsProduction reports whether development fallbacks must be disabled.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"environment":                "ENVIRONMENT",
	"server.port":                "SERVER_PORT",
	"server.host":                "SERVER_HOST",
	"database.driver":            "DATABASE_DRIVER",
	"database.host":              "DATABASE_HOST",
	"database.port":              "DATABASE_PORT",
	"database.name":              "DATABASE_NAME",
	"database.user":              "DATABASE_USER",
	"database.password":          "DATABASE_PASSWORD",
	"database.ssl_mode":          "DATABASE_SSL_MODE",
	"database.path":              "DATABASE_PATH",
	"redis.addr":                 "REDIS_ADDR",
	"redis.password":             "REDIS_PASSWORD",
	"vault.url":                  "VAULT_ADDR",
	"vault.token":                "VAULT_TOKEN",
	"vault.key_path":             "VAULT_KEY_PATH",
	"crypto.encryption_key":      "ENCRYPTION_KEY",
	"razorpay.webhook_secret":    "RAZORPAY_WEBHOOK_SECRET",
	"razorpay.timeout":           "RAZORPAY_TIMEOUT",
	"reconciliation.enabled":     "RECONCILIATION_ENABLED",
	"reconciliation.interval":    "RECONCILIATION_INTERVAL",
	"reconciliation.stale_after": "RECONCILIATION_STALE_AFTER",
	"reconciliation.batch_size":  "RECONCILIATION_BATCH_SIZE",
	"auth.jwt_secret":            "JWT_SECRET",
	"log.level":                  "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "school_payments")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "school_payments.db")
	v.SetDefault("redis.db", 0)
	v.SetDefault("vault.key_path", "secret/data/school-payments")
	v.SetDefault("razorpay.timeout", 15*time.Second)
	v.SetDefault("webhook.rate_limit", 100)
	v.SetDefault("webhook.burst", 200)
	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval", 10*time.Minute)
	v.SetDefault("reconciliation.stale_after", time.Hour)
	v.SetDefault("reconciliation.batch_size", 100)
	v.SetDefault("reconciliation.lock_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional config.yaml, a .env file
// and the environment, in increasing order of precedence.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Reconciliation.BatchSize <= 0 {
		return fmt.Errorf("reconciliation.batch_size must be positive, got %d", c.Reconciliation.BatchSize)
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required in production")
	}
	return nil
}
