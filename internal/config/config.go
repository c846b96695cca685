// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee schedule, all in basis points of the escrowed amount
	BurnFeeBps        int64
	ChainFeeBps       int64
	WarchestFeeBps    int64
	ConversionFeeBps  int64
	ArbitrationFeeBps int64
	MaxTotalFeeBps    int64

	// Fee recipient addresses
	BurnAddress       string
	ChainFeeAddress   string
	WarchestAddress   string
	ConversionAddress string

	// Trade timing
	TradeExpiry   time.Duration
	MinExpiry     time.Duration
	MaxExpiry     time.Duration
	DisputeWindow time.Duration
	QuoteMaxAge   time.Duration
	SweepInterval time.Duration

	// Arbitrator selection
	VRFPrivateKey string // Hex-encoded secp256k1 key; empty enables fallback-only selection

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector address (optional)
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 100
	DefaultTradeExpiry   = time.Hour
	DefaultMinExpiry     = 10 * time.Minute
	DefaultMaxExpiry     = 48 * time.Hour
	DefaultDisputeWindow = 72 * time.Hour
	DefaultQuoteMaxAge   = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Default fee schedule: 0.25% burn, 0.25% chain, 0.5% warchest, 1% arbitration.
const (
	DefaultBurnFeeBps        = 25
	DefaultChainFeeBps       = 25
	DefaultWarchestFeeBps    = 50
	DefaultConversionFeeBps  = 0
	DefaultArbitrationFeeBps = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BurnFeeBps:        getEnvInt64("BURN_FEE_BPS", DefaultBurnFeeBps),
		ChainFeeBps:       getEnvInt64("CHAIN_FEE_BPS", DefaultChainFeeBps),
		WarchestFeeBps:    getEnvInt64("WARCHEST_FEE_BPS", DefaultWarchestFeeBps),
		ConversionFeeBps:  getEnvInt64("CONVERSION_FEE_BPS", DefaultConversionFeeBps),
		ArbitrationFeeBps: getEnvInt64("ARBITRATION_FEE_BPS", DefaultArbitrationFeeBps),
		MaxTotalFeeBps:    getEnvInt64("MAX_TOTAL_FEE_BPS", 0), // 0 means the fee engine default

		BurnAddress:       os.Getenv("BURN_ADDRESS"),
		ChainFeeAddress:   os.Getenv("CHAIN_FEE_ADDRESS"),
		WarchestAddress:   os.Getenv("WARCHEST_ADDRESS"),
		ConversionAddress: os.Getenv("CONVERSION_ADDRESS"),

		TradeExpiry:   getEnvDuration("TRADE_EXPIRY", DefaultTradeExpiry),
		MinExpiry:     getEnvDuration("MIN_EXPIRY", DefaultMinExpiry),
		MaxExpiry:     getEnvDuration("MAX_EXPIRY", DefaultMaxExpiry),
		DisputeWindow: getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		QuoteMaxAge:   getEnvDuration("QUOTE_MAX_AGE", DefaultQuoteMaxAge),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),

		VRFPrivateKey: os.Getenv("VRF_PRIVATE_KEY"),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.VRFPrivateKey != "" {
		key := c.VRFPrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("VRF_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	for _, f := range []struct {
		name string
		bps  int64
	}{
		{"BURN_FEE_BPS", c.BurnFeeBps},
		{"CHAIN_FEE_BPS", c.ChainFeeBps},
		{"WARCHEST_FEE_BPS", c.WarchestFeeBps},
		{"CONVERSION_FEE_BPS", c.ConversionFeeBps},
		{"ARBITRATION_FEE_BPS", c.ArbitrationFeeBps},
	} {
		if f.bps < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}

	if c.MinExpiry > c.MaxExpiry {
		return fmt.Errorf("MIN_EXPIRY must not exceed MAX_EXPIRY")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
