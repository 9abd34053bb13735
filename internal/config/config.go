package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant         string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MinutesPerAppointment int           `mapstructure:"MINUTES_PER_APPOINTMENT"`
	BookingMaxRetries     uint64        `mapstructure:"BOOKING_MAX_RETRIES"`
	NotifyBackend         string        `mapstructure:"NOTIFY_BACKEND"`
	NotifyChannel         string        `mapstructure:"NOTIFY_CHANNEL"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	AMQPURL               string        `mapstructure:"AMQP_URL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"CORS_ORIGINS", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"MINUTES_PER_APPOINTMENT", "BOOKING_MAX_RETRIES",
	"NOTIFY_BACKEND", "NOTIFY_CHANNEL", "REDIS_URL", "AMQP_URL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MINUTES_PER_APPOINTMENT", 15)
	v.SetDefault("BOOKING_MAX_RETRIES", 2)
	v.SetDefault("NOTIFY_BACKEND", "log")
	v.SetDefault("NOTIFY_CHANNEL", "appointments")

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

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// Validate checks that the configuration is safe to run. Outside development
// a signing key is mandatory so bearer tokens are actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	if c.MinutesPerAppointment <= 0 {
		return fmt.Errorf("MINUTES_PER_APPOINTMENT must be positive, got %d", c.MinutesPerAppointment)
	}
	if c.BookingMaxRetries > 5 {
		return fmt.Errorf("BOOKING_MAX_RETRIES must be at most 5, got %d", c.BookingMaxRetries)
	}

	switch c.NotifyBackend {
	case "log":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when NOTIFY_BACKEND is \"redis\"")
		}
	case "amqp":
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when NOTIFY_BACKEND is \"amqp\"")
		}
	default:
		return fmt.Errorf("NOTIFY_BACKEND must be \"log\", \"redis\", or \"amqp\", got %q", c.NotifyBackend)
	}

	return nil
}
