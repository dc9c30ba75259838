package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// MinSigningKeyLength is the shortest session signing key accepted in
// production.
const MinSigningKeyLength = 32

// devSigningKey signs development sessions when AUTH_SIGNING_KEY is unset.
const devSigningKey = "unihealth-development-signing-key"

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthTokenTTL   time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	TreeBodyLimit  string        `mapstructure:"TREE_BODY_LIMIT"`
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string        `mapstructure:"KAFKA_TOPIC"`
	WebhookURL     string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret  string        `mapstructure:"WEBHOOK_SECRET"`
	S3Bucket       string        `mapstructure:"S3_BUCKET"`
	S3Prefix       string        `mapstructure:"S3_PREFIX"`
	ServerURL      string        `mapstructure:"SERVER_URL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_TOKEN_TTL",
	"CORS_ORIGINS", "BODY_LIMIT", "TREE_BODY_LIMIT",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"S3_BUCKET", "S3_PREFIX",
	"SERVER_URL",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. An empty DATABASE_URL selects the in-memory tree.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_ISSUER", "unihealth")
	v.SetDefault("AUTH_TOKEN_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("TREE_BODY_LIMIT", "10M")
	v.SetDefault("KAFKA_TOPIC", "unihealth.changes")
	v.SetDefault("SERVER_URL", "http://localhost:8000")

	// Bind explicitly so Unmarshal sees variables without defaults.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	return cfg, nil
}

// splitList parses a comma-separated variable, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether the tree is backed by Postgres.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// SigningKey returns the session signing key, falling back to a fixed
// development key outside production.
func (c *Config) SigningKey() []byte {
	if c.AuthSigningKey == "" && !c.IsProduction() {
		return []byte(devSigningKey)
	}
	return []byte(c.AuthSigningKey)
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, test, staging or production, got %q", c.Env)
	}

	if c.IsProduction() && len(c.AuthSigningKey) < MinSigningKeyLength {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes in production, got %d",
			MinSigningKeyLength, len(c.AuthSigningKey))
	}
	if c.AuthTokenTTL <= 0 {
		return errors.New("AUTH_TOKEN_TTL must be positive")
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}
