// Package config provides configuration management for the PoDD daemon.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for PoDD services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// HTTP API
	ListenAddr   string
	ListenPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Telemetry feeds. Empty values disable the feed.
	KafkaBrokers []string
	KafkaGroupID string
	ZMQEndpoint  string

	// Database connections. Empty URLs disable the store.
	PostgresURL      string
	RedisURL         string
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	SnapshotInterval time.Duration

	// Owner addresses
	OwnerNetwork           string
	RequireOwnerSignatures bool

	// PoDD parameters
	MinSquadSize          int
	MaxSquadSize          int
	SimilarityThreshold   float64
	RewardCooldown        time.Duration
	MaxDevicesPerIP       int
	VerificationCacheSize int
	VerificationCacheTTL  time.Duration
	IdleDeviceExpiry      time.Duration
	ActiveWindow          time.Duration
	HashrateWindow        time.Duration
	MinShareDifficulty    float64
	MaxShareDifficulty    float64

	// Performance tuning
	WorkerPoolSize     int
	ShareQueueSize     int
	RateLimitPerMinute int

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "poddd"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// HTTP defaults
		ListenAddr:   getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:   getEnvInt("LISTEN_PORT", 8335),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 120*time.Second),

		// Feed defaults
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "poddd-telemetry"),
		ZMQEndpoint:  getEnv("ZMQ_ENDPOINT", ""),

		// Database defaults
		PostgresURL:      getEnv("POSTGRES_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		InfluxURL:        getEnv("INFLUX_URL", ""),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "sync"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "podd"),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", time.Minute),

		OwnerNetwork:           getEnv("OWNER_NETWORK", "mainnet"),
		RequireOwnerSignatures: getEnvBool("REQUIRE_OWNER_SIGNATURES", false),

		// PoDD defaults
		MinSquadSize:          getEnvInt("MIN_SQUAD_SIZE", 2),
		MaxSquadSize:          getEnvInt("MAX_SQUAD_SIZE", 10),
		SimilarityThreshold:   getEnvFloat("SIMILARITY_THRESHOLD", 0.9),
		RewardCooldown:        getEnvDuration("REWARD_COOLDOWN", 24*time.Hour),
		MaxDevicesPerIP:       getEnvInt("MAX_DEVICES_PER_IP", 5),
		VerificationCacheSize: getEnvInt("VERIFICATION_CACHE_SIZE", 1024),
		VerificationCacheTTL:  getEnvDuration("VERIFICATION_CACHE_TTL", 30*time.Second),
		IdleDeviceExpiry:      getEnvDuration("IDLE_DEVICE_EXPIRY", 0),
		ActiveWindow:          getEnvDuration("ACTIVE_WINDOW", 10*time.Minute),
		HashrateWindow:        getEnvDuration("HASHRATE_WINDOW", 10*time.Minute),
		MinShareDifficulty:    getEnvFloat("MIN_SHARE_DIFFICULTY", 0),
		MaxShareDifficulty:    getEnvFloat("MAX_SHARE_DIFFICULTY", 0),

		// Performance defaults
		WorkerPoolSize:     getEnvInt("WORKER_POOL_SIZE", 8),
		ShareQueueSize:     getEnvInt("SHARE_QUEUE_SIZE", 1024),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 0),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

var ownerNetworks = map[string]bool{
	"mainnet":  true,
	"testnet":  true,
	"testnet3": true,
	"regtest":  true,
	"signet":   true,
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.MinSquadSize < 2 {
		return fmt.Errorf("MIN_SQUAD_SIZE must be at least 2")
	}

	if c.MaxSquadSize < c.MinSquadSize {
		return fmt.Errorf("MAX_SQUAD_SIZE must not be less than MIN_SQUAD_SIZE")
	}

	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1]")
	}

	if c.RewardCooldown < 0 || c.IdleDeviceExpiry < 0 || c.VerificationCacheTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	if c.MaxDevicesPerIP < 0 || c.VerificationCacheSize < 0 || c.RateLimitPerMinute < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	if c.MinShareDifficulty < 0 {
		return fmt.Errorf("MIN_SHARE_DIFFICULTY must not be negative")
	}

	if c.MaxShareDifficulty != 0 && c.MaxShareDifficulty < c.MinShareDifficulty {
		return fmt.Errorf("MAX_SHARE_DIFFICULTY must be zero or at least MIN_SHARE_DIFFICULTY")
	}

	if c.WorkerPoolSize <= 0 || c.ShareQueueSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE and SHARE_QUEUE_SIZE must be positive")
	}

	if !ownerNetworks[c.OwnerNetwork] {
		return fmt.Errorf("OWNER_NETWORK %q is not one of mainnet, testnet, regtest, signet", c.OwnerNetwork)
	}

	return nil
}

// Malformed values fall back to the default rather than failing startup.
func envParse[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func getEnv(key, def string) string {
	return envParse(key, def, func(s string) (string, error) { return s, nil })
}

func getEnvInt(key string, def int) int {
	return envParse(key, def, strconv.Atoi)
}

func getEnvFloat(key string, def float64) float64 {
	return envParse(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func getEnvBool(key string, def bool) bool {
	return envParse(key, def, strconv.ParseBool)
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, time.ParseDuration)
}

// getEnvSlice splits a comma separated list, dropping blank entries.
func getEnvSlice(key string, def []string) []string {
	return envParse(key, def, func(s string) ([]string, error) {
		var out []string
		for part := range strings.SplitSeq(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	})
}
