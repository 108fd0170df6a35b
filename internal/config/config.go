package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const devJWTSecret = "development-secret-change-in-production"

// Config holds process configuration. Values come from defaults, then an optional
// YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port             string         `yaml:"port"`
	Environment      string         `yaml:"environment"`
	JWTSecret        string         `yaml:"jwt_secret"`
	InternalAPIToken string         `yaml:"internal_api_token"`
	AllowedOrigins   []string       `yaml:"allowed_origins"`
	ClientSendBuffer int            `yaml:"client_send_buffer"`
	StatsSchedule    string         `yaml:"stats_schedule"`
	ShutdownGrace    time.Duration  `yaml:"shutdown_grace"`
	Redis            RedisConfig    `yaml:"redis"`
	Postgres         PostgresConfig `yaml:"postgres"`
	DirectoryBreaker BreakerConfig  `yaml:"directory_breaker"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		p.Host, p.User, p.Password, p.DB, p.Port, p.SSLMode)
}

type BreakerConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  int           `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		Environment:      "development",
		JWTSecret:        devJWTSecret,
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		ClientSendBuffer: 256,
		StatsSchedule:    "@every 1m",
		ShutdownGrace:    30 * time.Second,
		Redis: RedisConfig{
			Enabled:       true,
			Addr:          "redis:6379",
			ChannelPrefix: "realtime:",
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "imageflow_app",
			DB:      "imageflow",
			SSLMode: "disable",
		},
		DirectoryBreaker: BreakerConfig{
			Timeout:      30 * time.Second,
			MinRequests:  5,
			FailureRatio: 0.6,
		},
	}
}

// LoadConfig builds the configuration and validates it.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.Environment = getEnvOrDefault("APP_ENV", cfg.Environment)
	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.InternalAPIToken = getEnvOrDefault("INTERNAL_API_TOKEN", cfg.InternalAPIToken)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.ClientSendBuffer = getEnvInt("CLIENT_SEND_BUFFER", cfg.ClientSendBuffer)
	cfg.StatsSchedule = getEnvOrDefault("STATS_SCHEDULE", cfg.StatsSchedule)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.ChannelPrefix = getEnvOrDefault("REDIS_CHANNEL_PREFIX", cfg.Redis.ChannelPrefix)

	cfg.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvOrDefault("POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnvOrDefault("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.DB = getEnvOrDefault("POSTGRES_DB", cfg.Postgres.DB)
	cfg.Postgres.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", cfg.Postgres.SSLMode)

	cfg.DirectoryBreaker.Timeout = getEnvDuration("DIRECTORY_BREAKER_TIMEOUT", cfg.DirectoryBreaker.Timeout)
	cfg.DirectoryBreaker.MinRequests = getEnvInt("DIRECTORY_BREAKER_MIN_REQUESTS", cfg.DirectoryBreaker.MinRequests)
	cfg.DirectoryBreaker.FailureRatio = getEnvFloat("DIRECTORY_BREAKER_FAILURE_RATIO", cfg.DirectoryBreaker.FailureRatio)
}

func validateConfig(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.ClientSendBuffer <= 0 {
		return fmt.Errorf("client send buffer must be positive, got %d", cfg.ClientSendBuffer)
	}
	if n := cfg.DirectoryBreaker.MinRequests; n < 1 || int64(n) > math.MaxUint32 {
		return fmt.Errorf("directory breaker min requests must be in [1,%d], got %d", uint32(math.MaxUint32), n)
	}
	if r := cfg.DirectoryBreaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("directory breaker failure ratio must be in (0,1], got %v", r)
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Environment == "production" && cfg.JWTSecret == devJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("REDIS_ADDR must be set when redis is enabled")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
