package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	PHIEncryptionKey string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIKeyVersion    int           `mapstructure:"PHI_KEY_VERSION"`
	PHIPreviousKeys  []string      `mapstructure:"PHI_PREVIOUS_KEYS"`
	AdminJWTSecret   string        `mapstructure:"ADMIN_JWT_SECRET"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	IntakeInboxEmail string        `mapstructure:"INTAKE_INBOX_EMAIL"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	OTelEndpoint     string        `mapstructure:"OTEL_ENDPOINT"`
	OTelInsecure     bool          `mapstructure:"OTEL_INSECURE"`
	SMTPAddr         string        `mapstructure:"SMTP_ADDR"`
	SMTPUsername     string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword     string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom         string        `mapstructure:"SMTP_FROM"`
	WebhookURL       string        `mapstructure:"INTAKE_WEBHOOK_URL"`
	WebhookSecret    string        `mapstructure:"INTAKE_WEBHOOK_SECRET"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "SESSION_TTL", "CORS_ORIGINS", "PHI_ENCRYPTION_KEY",
	"PHI_KEY_VERSION", "PHI_PREVIOUS_KEYS",
	"ADMIN_JWT_SECRET", "AUTH_ISSUER", "INTAKE_INBOX_EMAIL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OTEL_ENDPOINT", "OTEL_INSECURE",
	"SMTP_ADDR", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"INTAKE_WEBHOOK_URL", "INTAKE_WEBHOOK_SECRET",
}

// Load reads configuration from the environment and an optional .env file.
// DATABASE_URL is not required here because the offline CLI commands run
// without a database; see RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "mindwell-intake")
	v.SetDefault("INTAKE_INBOX_EMAIL", "intake@localhost")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("OTEL_INSECURE", true)
	v.SetDefault("SMTP_FROM", "no-reply@localhost")
	v.SetDefault("PHI_KEY_VERSION", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	if len(cfg.PHIPreviousKeys) == 1 && strings.Contains(cfg.PHIPreviousKeys[0], ",") {
		cfg.PHIPreviousKeys = strings.Split(cfg.PHIPreviousKeys[0], ",")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase reports a missing DATABASE_URL for commands that need
// Postgres.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks that the configuration is safe to serve. Outside
// development the admin routes need a signing secret, and in production
// PHI_ENCRYPTION_KEY is required and must be a 64-character hex string
// (32 bytes when decoded).
func (c *Config) Validate() error {
	if !c.IsDev() && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET must be set when ENV=%q", c.Env)
	}
	if c.AdminJWTSecret != "" && len(c.AdminJWTSecret) < 32 {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least 32 characters")
	}

	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PHIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.PHIKeyVersion < 1 {
		return fmt.Errorf("PHI_KEY_VERSION must be positive, got %d", c.PHIKeyVersion)
	}
	if len(c.PHIPreviousKeys) > 0 && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_PREVIOUS_KEYS requires PHI_ENCRYPTION_KEY")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.SMTPAddr != "" && !strings.Contains(c.SMTPAddr, ":") {
		return fmt.Errorf("SMTP_ADDR must be host:port, got %q", c.SMTPAddr)
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("INTAKE_WEBHOOK_SECRET is required when INTAKE_WEBHOOK_URL is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
