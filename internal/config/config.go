// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL   string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate   bool   // apply goose migrations at startup
	MigrationsDir string

	// Price feed
	RPCURL              string
	PriceFeedAddress    string // Chainlink ETH/USD aggregator; empty selects the static feed
	StaticPrice         string // static answer, e.g. "200000000000" for $2000 at 8 decimals
	StaticPriceDecimals uint8
	MaxPriceAge         time.Duration
	PriceCacheTTL       time.Duration

	// Reservations
	ArbitratorAddress  string
	BillingUnit        time.Duration
	DurationPolicy     string // "truncate" or "reject"
	EnforceMaxDuration bool
	SettlementInterval time.Duration // 0 disables the sweeper

	// Security
	RateLimitRPM   int
	AllowedOrigins []string // CORS; empty allows any origin without credentials

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRPCURL              = "https://ethereum-rpc.publicnode.com"
	DefaultStaticPrice         = "200000000000" // $2000.00000000
	DefaultStaticPriceDecimals = 8
	DefaultMaxPriceAge         = time.Hour
	DefaultPriceCacheTTL       = 30 * time.Second
	DefaultBillingUnit         = 24 * time.Hour
	DefaultDurationPolicy      = "truncate"
	DefaultSettlementInterval  = time.Minute
	DefaultRateLimitRPM        = 100
	DefaultMigrationsDir       = "migrations"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		MigrationsDir:       getEnv("MIGRATIONS_DIR", DefaultMigrationsDir),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		PriceFeedAddress:    os.Getenv("PRICE_FEED_ADDRESS"),
		StaticPrice:         getEnv("STATIC_PRICE", DefaultStaticPrice),
		StaticPriceDecimals: uint8(getEnvInt64("STATIC_PRICE_DECIMALS", DefaultStaticPriceDecimals)),
		MaxPriceAge:         getEnvDuration("MAX_PRICE_AGE", DefaultMaxPriceAge),
		PriceCacheTTL:       getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL),
		ArbitratorAddress:   strings.ToLower(os.Getenv("ARBITRATOR_ADDRESS")),
		BillingUnit:         time.Duration(getEnvInt64("BILLING_UNIT_SECONDS", int64(DefaultBillingUnit/time.Second))) * time.Second,
		DurationPolicy:      getEnv("DURATION_POLICY", DefaultDurationPolicy),
		EnforceMaxDuration:  getEnvBool("ENFORCE_MAX_DURATION", false),
		SettlementInterval:  getEnvDuration("SETTLEMENT_INTERVAL", DefaultSettlementInterval),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AllowedOrigins:      getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.ArbitratorAddress == "" {
		return fmt.Errorf("ARBITRATOR_ADDRESS is required")
	}
	if !common.IsHexAddress(c.ArbitratorAddress) {
		return fmt.Errorf("ARBITRATOR_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}

	if c.PriceFeedAddress != "" {
		if !common.IsHexAddress(c.PriceFeedAddress) {
			return fmt.Errorf("PRICE_FEED_ADDRESS must be a 20-byte hex address")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRICE_FEED_ADDRESS is set")
		}
	} else if v, ok := new(big.Int).SetString(c.StaticPrice, 10); !ok || v.Sign() <= 0 {
		return fmt.Errorf("STATIC_PRICE must be a positive integer")
	}

	if c.BillingUnit < time.Second {
		return fmt.Errorf("BILLING_UNIT_SECONDS must be at least 1")
	}
	if c.DurationPolicy != "truncate" && c.DurationPolicy != "reject" {
		return fmt.Errorf("DURATION_POLICY must be \"truncate\" or \"reject\"")
	}
	if c.SettlementInterval < 0 {
		return fmt.Errorf("SETTLEMENT_INTERVAL must not be negative")
	}
	if c.AutoMigrate && c.DatabaseURL == "" {
		return fmt.Errorf("AUTO_MIGRATE requires DATABASE_URL")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	return nil
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

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("90s", "1h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
