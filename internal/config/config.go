// Package config handles application configuration from environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/preflight/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. DatabaseURL wins over SQLitePath; both empty means in-memory.
	DatabaseURL string
	SQLitePath  string
	AutoMigrate bool // apply embedded goose migrations at startup (Postgres only)

	// Solana RPC endpoints, tried in fallback order
	RPCPrimaryURL   string
	RPCFallbackURL  string
	RPCSecondaryURL string
	RPCTertiaryURL  string
	Network         string

	// Rule thresholds
	MinSOLBuffer        float64
	FeeSpikeMultiplier  float64
	RPCErrorRateMax     float64
	RPCP95MsMax         float64
	TrendRatioThreshold float64
	ProgramBlacklist    []string

	// Health worker
	WorkerInterval          time.Duration
	SnapshotStaleMultiplier float64

	// Security
	RateLimitRPM       int
	InternalSecret     string // enables /internal/tx/preflight when set
	CORSAllowedOrigins []string

	// Observability
	OTLPEndpoint string
}

// Devnet defaults
const (
	DefaultRPCURL                  = "https://api.devnet.solana.com"
	DefaultNetwork                 = "devnet"
	DefaultPort                    = "3000"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "json"
	DefaultMinSOLBuffer            = 0.01
	DefaultFeeSpikeMultiplier      = 3.0
	DefaultRPCErrorRateMax         = 0.03
	DefaultRPCP95MsMax             = 1200
	DefaultTrendRatioThreshold     = 3.0
	DefaultRateLimitRPM            = 60
	DefaultWorkerIntervalMs        = 60000
	DefaultSnapshotStaleMultiplier = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SQLitePath:              os.Getenv("SQLITE_PATH"),
		AutoMigrate:             getEnvBool("AUTO_MIGRATE", true),
		RPCPrimaryURL:           getEnv("RPC_PRIMARY_URL", DefaultRPCURL),
		RPCFallbackURL:          os.Getenv("RPC_FALLBACK_URL"),
		RPCSecondaryURL:         os.Getenv("RPC_SECONDARY_URL"),
		RPCTertiaryURL:          os.Getenv("RPC_TERTIARY_URL"),
		Network:                 getEnv("NETWORK", DefaultNetwork),
		MinSOLBuffer:            getEnvFloat("MIN_SOL_BUFFER", DefaultMinSOLBuffer),
		FeeSpikeMultiplier:      getEnvFloat("FEE_SPIKE_MULTIPLIER", DefaultFeeSpikeMultiplier),
		RPCErrorRateMax:         getEnvFloat("RPC_ERROR_RATE_MAX", DefaultRPCErrorRateMax),
		RPCP95MsMax:             getEnvFloat("RPC_P95_MS_MAX", DefaultRPCP95MsMax),
		TrendRatioThreshold:     getEnvFloat("TREND_RATIO_THRESHOLD", DefaultTrendRatioThreshold),
		ProgramBlacklist:        parseBlacklist(os.Getenv("PROGRAM_BLACKLIST_JSON")),
		WorkerInterval:          time.Duration(getEnvInt64("WORKER_INTERVAL_MS", DefaultWorkerIntervalMs)) * time.Millisecond,
		SnapshotStaleMultiplier: getEnvFloat("SNAPSHOT_STALE_MULTIPLIER", DefaultSnapshotStaleMultiplier),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		InternalSecret:          os.Getenv("INTERNAL_SECRET"),
		CORSAllowedOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.RPCURLs()) == 0 {
		return fmt.Errorf("RPC_PRIMARY_URL is required")
	}
	for _, u := range c.RPCURLs() {
		if err := security.ValidateRPCURL(u); err != nil {
			return fmt.Errorf("RPC endpoint %q: %w", u, err)
		}
	}
	if c.WorkerInterval <= 0 {
		return fmt.Errorf("WORKER_INTERVAL_MS must be positive")
	}
	if c.SnapshotStaleMultiplier <= 0 {
		return fmt.Errorf("SNAPSHOT_STALE_MULTIPLIER must be positive")
	}
	if c.RPCErrorRateMax < 0 || c.RPCErrorRateMax > 1 {
		return fmt.Errorf("RPC_ERROR_RATE_MAX must be between 0 and 1")
	}
	return nil
}

// RPCURLs returns the configured endpoints in fallback order:
// primary, fallback, secondary, tertiary. Unset entries are skipped.
func (c *Config) RPCURLs() []string {
	var urls []string
	for _, u := range []string{c.RPCPrimaryURL, c.RPCFallbackURL, c.RPCSecondaryURL, c.RPCTertiaryURL} {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// StaleAfter is the snapshot age beyond which health data is treated as stale.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(float64(c.WorkerInterval) * c.SnapshotStaleMultiplier)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBlacklist decodes a JSON array of program addresses.
// Malformed input yields an empty list rather than a startup failure.
func parseBlacklist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	out := list[:0]
	for _, p := range list {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
