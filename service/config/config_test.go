package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("CHAIN_RPC_URL", "https://mainnet.base.org")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "https://mainnet.base.org", cfg.ChainRPCURL)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Equal(t, "base", cfg.ChainName)
	assert.Equal(t, 2*time.Hour, cfg.ReconcileWindow)
	assert.True(t, cfg.ReconcileTolerancePct.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, uint64(2000), cfg.LogBlockRange)
	assert.Equal(t, uint64(50), cfg.ReindexOverlapBlocks)
	assert.Equal(t, 5*time.Minute, cfg.DefaultPollInterval)
	assert.Equal(t, 30*time.Second, cfg.MinPollInterval)

	require.Len(t, cfg.Tokens, 3)
	usdc, ok := cfg.TokenBySymbol("usdc")
	require.True(t, ok)
	assert.Equal(t, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", usdc.Address)
	assert.Equal(t, int32(6), usdc.Decimals)
	assert.True(t, cfg.TokenPricesUSD["ETH"].Equal(decimal.NewFromInt(2500)))
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	os.Setenv("CHAIN_RPC_URL", "https://mainnet.base.org")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_MissingChainRPCURL(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "CHAIN_RPC_URL is required")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad poll interval", "DEFAULT_POLL_INTERVAL", "invalid", "invalid duration"},
		{"window too short", "RECONCILE_WINDOW", "10s", "at least 1m"},
		{"tolerance above 100", "RECONCILE_TOLERANCE_PCT", "150", "between 0 and 100"},
		{"tolerance not a number", "RECONCILE_TOLERANCE_PCT", "abc", "invalid number"},
		{"zero block range", "LOG_BLOCK_RANGE", "0", "greater than zero"},
		{"negative start block", "SPLIT_START_BLOCK", "-1", "invalid integer"},
		{"bad platform wallet", "PLATFORM_WALLET", "0x123", "invalid address"},
		{"bad token list", "SPLIT_TOKENS", "USDC:0xnothex:6", "bad address"},
		{"bad price list", "TOKEN_PRICES_USD", "ETH", "expected SYMBOL=PRICE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("DATABASE_URL", "postgres://localhost/test")
			os.Setenv("CHAIN_RPC_URL", "https://mainnet.base.org")
			os.Setenv(tt.key, tt.value)
			defer cleanupEnv()

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MinIntervalGreaterThanDefault(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("CHAIN_RPC_URL", "https://mainnet.base.org")
	os.Setenv("DEFAULT_POLL_INTERVAL", "10s")
	os.Setenv("MIN_POLL_INTERVAL", "30s")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "cannot be greater than")
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("CHAIN_RPC_URL", "https://mainnet.base.org")
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("NATS_URL", "nats://nats.example.com:4222")
	os.Setenv("TEMPORAL_HOST", "temporal.example.com:7233")
	os.Setenv("PLATFORM_WALLET", " 0x00000000000000000000000000000000000000AA ")
	os.Setenv("SPLIT_START_BLOCK", "12000000")
	os.Setenv("RECONCILE_WINDOW", "30m")
	os.Setenv("RECONCILE_TOLERANCE_PCT", "2.5")
	os.Setenv("DEFAULT_POLL_INTERVAL", "1m")
	os.Setenv("MIN_POLL_INTERVAL", "15s")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalHost)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.PlatformWallet)
	assert.Equal(t, uint64(12000000), cfg.SplitStartBlock)
	assert.Equal(t, 30*time.Minute, cfg.ReconcileWindow)
	assert.Equal(t, "2.5", cfg.ReconcileTolerancePct.String())
	assert.Equal(t, time.Minute, cfg.DefaultPollInterval)
	assert.Equal(t, 15*time.Second, cfg.MinPollInterval)
}

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens("USDC:0x833589FCD6EDB6E08F4C7C32D4F71B54BDA02913:6, cbXRP:0xcb585250f852c6c6bf90434ab21a00f02833a4af:6,")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", tokens[0].Address)
	assert.Equal(t, "cbXRP", tokens[1].Symbol)

	_, err = ParseTokens("USDC:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913:6,USDC2:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913:6")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate token address")

	_, err = ParseTokens("USDC:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	require.Error(t, err)
}

func TestParsePrices(t *testing.T) {
	prices, err := ParsePrices("ETH=3100.50, USDC=1")
	require.NoError(t, err)
	assert.Equal(t, "3100.5", prices["ETH"].String())
	assert.True(t, prices["USDC"].Equal(decimal.NewFromInt(1)))

	_, err = ParsePrices("ETH=-1")
	require.Error(t, err)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()

	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL is required")
}

func TestValidate_InvalidIntervals(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultPollInterval = 10 * time.Second
	cfg.MinPollInterval = 30 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MinPollInterval cannot be greater than DefaultPollInterval")
}

func TestValidate_TooShortInterval(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultPollInterval = 500 * time.Millisecond
	cfg.MinPollInterval = 100 * time.Millisecond

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be at least 1 second")
}

func TestMustLoad_Panics(t *testing.T) {
	// Don't set required env vars
	defer cleanupEnv()

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("CHAIN_RPC_URL", "https://mainnet.base.org")
	defer cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

func validConfig() *Config {
	return &Config{
		DatabaseURL:         "postgres://localhost/test",
		ChainRPCURL:         "https://mainnet.base.org",
		TemporalHost:        "localhost:7233",
		TemporalNamespace:   "default",
		TemporalTaskQueue:   "splitledger-sync",
		LogBlockRange:       2000,
		ReconcileWindow:     2 * time.Hour,
		DefaultPollInterval: 30 * time.Second,
		MinPollInterval:     10 * time.Second,
	}
}

// cleanupEnv clears all environment variables used in tests
func cleanupEnv() {
	for _, key := range []string{
		"DATABASE_URL", "CHAIN_RPC_URL", "CHAIN_NAME", "PLATFORM_WALLET",
		"SPLIT_TOKENS", "TOKEN_PRICES_USD", "SPLIT_START_BLOCK", "LOG_BLOCK_RANGE",
		"REINDEX_OVERLAP_BLOCKS", "RECONCILE_WINDOW", "RECONCILE_TOLERANCE_PCT",
		"SERVER_ADDR", "METRICS_ADDR", "LOG_LEVEL", "NATS_URL", "TEMPORAL_HOST",
		"TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE", "DEFAULT_POLL_INTERVAL",
		"MIN_POLL_INTERVAL",
	} {
		os.Unsetenv(key)
	}
}
