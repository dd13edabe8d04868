package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration, loaded from environment
// variables with an optional .env file for local development.
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL string `mapstructure:"REDIS_URL"`

	JWTSecret        string `mapstructure:"JWT_SECRET"`
	JWTExpiryMinutes int    `mapstructure:"JWT_EXPIRY_MINUTES"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// SchedulerInterval is the number of seconds between scheduling passes
	// over the validated-scan queue.
	SchedulerInterval int `mapstructure:"SCHEDULER_INTERVAL_SECONDS"`

	// DashboardCacheTTL is the number of seconds dashboard metrics stay
	// cached in Redis before being recomputed.
	DashboardCacheTTL int `mapstructure:"DASHBOARD_CACHE_TTL_SECONDS"`
}

// Load reads configuration from the environment (and a .env file if one
// exists) and applies defaults suitable for local development.
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
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("JWT_EXPIRY_MINUTES", 1440)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SCHEDULER_INTERVAL_SECONDS", 30)
	v.SetDefault("DASHBOARD_CACHE_TTL_SECONDS", 30)

	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("JWT_EXPIRY_MINUTES")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("SCHEDULER_INTERVAL_SECONDS")
	v.BindEnv("DASHBOARD_CACHE_TTL_SECONDS")

	// The .env file is optional; environment variables alone are fine.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper does not split comma-separated env values into slices on its own.
	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = strings.Split(v.GetString("CORS_ORIGINS"), ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("JWT_SECRET is required when ENV=production")
		}
		log.Println("WARNING: JWT_SECRET not set; using an insecure development secret")
		cfg.JWTSecret = "dev-secret-do-not-use-in-production"
	}

	return &cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
