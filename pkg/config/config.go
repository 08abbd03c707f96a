package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Auction  AuctionConfig
	Dispatch DispatchConfig
	Session  SessionConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	ListenAddress string
	Environment   string
	CORSOrigins   string // comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL      string // full pgx connection string; empty runs the in-memory store
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig holds the cross-server fan-out hook configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// AuctionConfig holds auction lifecycle tuning
type AuctionConfig struct {
	TTLSeconds    int
	RetentionDays int
}

// DispatchConfig holds candidate selection tuning
type DispatchConfig struct {
	DefaultRadiusKm     float64
	MaxRadiusKm         float64
	MaxCandidateDrivers int
	RetryDelaySeconds   int
}

// SessionConfig holds connection lifecycle tuning
type SessionConfig struct {
	HeartbeatIntervalSeconds int
	IdleSeconds              int
	DriverStaleSeconds       int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			ListenAddress: getEnv("LISTEN_ADDRESS", ":8080"),
			Environment:   getEnv("ENVIRONMENT", "development"),
			CORSOrigins:   getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", ""),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Auction: AuctionConfig{
			TTLSeconds:    getEnvAsInt("AUCTION_TTL_SECONDS", 120),
			RetentionDays: getEnvAsInt("RETENTION_DAYS", 30),
		},
		Dispatch: DispatchConfig{
			DefaultRadiusKm:     getEnvAsFloat("DEFAULT_DISPATCH_RADIUS_KM", 10),
			MaxRadiusKm:         getEnvAsFloat("MAX_DISPATCH_RADIUS_KM", 50),
			MaxCandidateDrivers: getEnvAsInt("MAX_CANDIDATE_DRIVERS", 10),
			RetryDelaySeconds:   getEnvAsInt("DISPATCH_RETRY_DELAY_SECONDS", 3),
		},
		Session: SessionConfig{
			HeartbeatIntervalSeconds: getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 30),
			IdleSeconds:              getEnvAsInt("SESSION_IDLE_SECONDS", 300),
			DriverStaleSeconds:       getEnvAsInt("DRIVER_STALE_SECONDS", 600),
		},
	}

	if cfg.Dispatch.DefaultRadiusKm <= 0 {
		cfg.Dispatch.DefaultRadiusKm = 10
	}
	if cfg.Dispatch.MaxRadiusKm <= 0 {
		cfg.Dispatch.MaxRadiusKm = 50
	}
	if cfg.Dispatch.DefaultRadiusKm > cfg.Dispatch.MaxRadiusKm {
		cfg.Dispatch.DefaultRadiusKm = cfg.Dispatch.MaxRadiusKm
	}
	if cfg.Auction.TTLSeconds <= 0 {
		cfg.Auction.TTLSeconds = 120
	}
	if cfg.Session.HeartbeatIntervalSeconds <= 0 {
		cfg.Session.HeartbeatIntervalSeconds = 30
	}

	return cfg, nil
}

// AuctionTTL returns the configured auction window duration
func (c AuctionConfig) AuctionTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Retention returns the terminal-request retention window
func (c AuctionConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// HeartbeatInterval returns the heartbeat emit period
func (c SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// IdleTimeout returns the session idle eviction window
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleSeconds) * time.Second
}

// DriverStaleAfter returns the stale-driver reap window
func (c SessionConfig) DriverStaleAfter() time.Duration {
	return time.Duration(c.DriverStaleSeconds) * time.Second
}

// RetryDelay returns the dispatcher retry delay
func (c DispatchConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
