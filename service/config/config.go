package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Default ERC-20 tokens tracked on Base.
const defaultSplitTokens = "USDC:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913:6," +
	"USDT:0xfde4c96c8593536e31f229ea8f37b2ada2699bb2:6," +
	"cbBTC:0xcbb7c0000ab88b473b1f5afd9ef808440eed33bf:8"

const defaultTokenPrices = "ETH=2500,USDC=1,USDT=1,cbBTC=65000,cbXRP=0.5"

var addressPattern = regexp.MustCompile(`^0x[a-f0-9]{40}$`)

// TokenConfig describes an ERC-20 contract whose transfers into a split count as payments.
type TokenConfig struct {
	Symbol   string
	Address  string // lowercased 0x-prefixed contract address
	Decimals int32
}

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Chain configuration
	ChainRPCURL    string
	ChainName      string
	PlatformWallet string
	Tokens         []TokenConfig
	TokenPricesUSD map[string]decimal.Decimal

	// Indexing configuration
	SplitStartBlock      uint64
	LogBlockRange        uint64
	ReindexOverlapBlocks uint64

	// Reconciliation configuration
	ReconcileWindow       time.Duration
	ReconcileTolerancePct decimal.Decimal

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Polling configuration
	DefaultPollInterval time.Duration
	MinPollInterval     time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Chain configuration
	cfg.ChainRPCURL = os.Getenv("CHAIN_RPC_URL")
	if cfg.ChainRPCURL == "" {
		errs = append(errs, fmt.Errorf("CHAIN_RPC_URL is required"))
	}
	cfg.ChainName = getEnvOrDefault("CHAIN_NAME", "base")

	cfg.PlatformWallet = strings.ToLower(strings.TrimSpace(os.Getenv("PLATFORM_WALLET")))
	if cfg.PlatformWallet != "" && !addressPattern.MatchString(cfg.PlatformWallet) {
		errs = append(errs, fmt.Errorf("PLATFORM_WALLET: invalid address %q", cfg.PlatformWallet))
	}

	tokens, err := ParseTokens(getEnvOrDefault("SPLIT_TOKENS", defaultSplitTokens))
	if err != nil {
		errs = append(errs, fmt.Errorf("SPLIT_TOKENS: %w", err))
	} else {
		cfg.Tokens = tokens
	}

	prices, err := ParsePrices(getEnvOrDefault("TOKEN_PRICES_USD", defaultTokenPrices))
	if err != nil {
		errs = append(errs, fmt.Errorf("TOKEN_PRICES_USD: %w", err))
	} else {
		cfg.TokenPricesUSD = prices
	}

	// Indexing configuration
	if cfg.SplitStartBlock, err = parseUint("SPLIT_START_BLOCK", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogBlockRange, err = parseUint("LOG_BLOCK_RANGE", 2000); err != nil {
		errs = append(errs, err)
	} else if cfg.LogBlockRange == 0 {
		errs = append(errs, fmt.Errorf("LOG_BLOCK_RANGE must be greater than zero"))
	}
	if cfg.ReindexOverlapBlocks, err = parseUint("REINDEX_OVERLAP_BLOCKS", 50); err != nil {
		errs = append(errs, err)
	}

	// Reconciliation configuration
	window, err := parseDuration("RECONCILE_WINDOW", "2h")
	if err != nil {
		errs = append(errs, err)
	} else if window < time.Minute {
		errs = append(errs, fmt.Errorf("RECONCILE_WINDOW must be at least 1m, got %v", window))
	} else {
		cfg.ReconcileWindow = window
	}

	tolerance, err := decimal.NewFromString(getEnvOrDefault("RECONCILE_TOLERANCE_PCT", "20"))
	if err != nil {
		errs = append(errs, fmt.Errorf("RECONCILE_TOLERANCE_PCT: invalid number: %w", err))
	} else if tolerance.IsNegative() || tolerance.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("RECONCILE_TOLERANCE_PCT must be between 0 and 100, got %s", tolerance))
	} else {
		cfg.ReconcileTolerancePct = tolerance
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "splitledger-sync")

	// Polling configuration
	defaultInterval, err := parseDuration("DEFAULT_POLL_INTERVAL", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultPollInterval = defaultInterval
	}

	minInterval, err := parseDuration("MIN_POLL_INTERVAL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinPollInterval = minInterval
	}

	if cfg.MinPollInterval > cfg.DefaultPollInterval {
		errs = append(errs, fmt.Errorf("MIN_POLL_INTERVAL (%v) cannot be greater than DEFAULT_POLL_INTERVAL (%v)",
			cfg.MinPollInterval, cfg.DefaultPollInterval))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.ChainRPCURL == "" {
		errs = append(errs, fmt.Errorf("ChainRPCURL is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.LogBlockRange == 0 {
		errs = append(errs, fmt.Errorf("LogBlockRange must be greater than zero"))
	}

	if c.ReconcileWindow < time.Minute {
		errs = append(errs, fmt.Errorf("ReconcileWindow must be at least 1 minute"))
	}

	if c.MinPollInterval > c.DefaultPollInterval {
		errs = append(errs, fmt.Errorf("MinPollInterval cannot be greater than DefaultPollInterval"))
	}

	if c.DefaultPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("DefaultPollInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// TokenBySymbol returns the configured token with the given symbol.
func (c *Config) TokenBySymbol(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// ParseTokens parses a comma separated list of SYMBOL:0xaddress:decimals entries.
func ParseTokens(raw string) ([]TokenConfig, error) {
	var tokens []TokenConfig
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid token entry %q: expected SYMBOL:ADDRESS:DECIMALS", entry)
		}
		symbol := strings.TrimSpace(parts[0])
		addr := strings.ToLower(strings.TrimSpace(parts[1]))
		if symbol == "" {
			return nil, fmt.Errorf("invalid token entry %q: empty symbol", entry)
		}
		if !addressPattern.MatchString(addr) {
			return nil, fmt.Errorf("invalid token entry %q: bad address", entry)
		}
		decimals, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 32)
		if err != nil || decimals < 0 || decimals > 36 {
			return nil, fmt.Errorf("invalid token entry %q: bad decimals", entry)
		}
		if seen[addr] {
			return nil, fmt.Errorf("duplicate token address %s", addr)
		}
		seen[addr] = true
		tokens = append(tokens, TokenConfig{Symbol: symbol, Address: addr, Decimals: int32(decimals)})
	}
	return tokens, nil
}

// ParsePrices parses a comma separated list of SYMBOL=price entries.
func ParsePrices(raw string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		symbol, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(symbol) == "" {
			return nil, fmt.Errorf("invalid price entry %q: expected SYMBOL=PRICE", entry)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid price entry %q: %w", entry, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("invalid price entry %q: negative price", entry)
		}
		prices[strings.TrimSpace(symbol)] = price
	}
	return prices, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseUint parses an unsigned integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
