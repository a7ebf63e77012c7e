// Package config handles application configuration from an optional TOML
// file overlaid with environment variables.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `toml:"port"`
	Env       string `toml:"env"` // "development", "staging", "production"
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "json" or "text"

	// Storage (both optional; in-memory / no replica feed when unset)
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`

	// Chain
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	PrivateKey    string `toml:"private_key"` // escrow hot wallet, hex
	EscrowAddress string `toml:"escrow_address"`
	TokenContract string `toml:"token_contract"` // ERC-20 used for query fees
	PlatformOwner string `toml:"platform_owner"`

	// How long a transfer waits for its receipt before it is reported pending
	ConfirmTimeout time.Duration `toml:"confirm_timeout"`

	// Escrow economics
	FeePercent    int64         `toml:"fee_percent"`
	QueryCost     string        `toml:"query_cost"` // token base units
	RequestExpiry time.Duration `toml:"request_expiry"`
	SweepInterval time.Duration `toml:"sweep_interval"`

	// Verification oracle
	OracleURL       string `toml:"oracle_url"` // empty selects the loopback oracle
	OracleAuthority string `toml:"oracle_authority"`
	OracleSecret    string `toml:"oracle_secret"`

	// Security
	AdminSecret string   `toml:"admin_secret"`
	CORSOrigins []string `toml:"cors_origins"` // empty allows any origin

	// Tracing
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

const (
	DefaultRPCURL          = "http://127.0.0.1:8545"
	DefaultChainID         = 1337
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultFeePercent      = 5
	DefaultQueryCost       = "1000000000000000000" // 1 token at 18 decimals
	DefaultRequestExpiry   = 300 * time.Second
	DefaultSweepInterval   = time.Minute
	DefaultOracleAuthority = "oracle"
	DefaultConfirmTimeout  = 2 * time.Minute
)

// Defaults returns a Config with every default applied.
func Defaults() Config {
	return Config{
		Port:            DefaultPort,
		Env:             DefaultEnv,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
		RPCURL:          DefaultRPCURL,
		ChainID:         DefaultChainID,
		FeePercent:      DefaultFeePercent,
		QueryCost:       DefaultQueryCost,
		RequestExpiry:   DefaultRequestExpiry,
		SweepInterval:   DefaultSweepInterval,
		OracleAuthority: DefaultOracleAuthority,
		ConfirmTimeout:  DefaultConfirmTimeout,
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// CONFIG_FILE (if any), then environment variables. A .env file is loaded
// first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	setStr(&cfg.Env, "ENV")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.LogFormat, "LOG_FORMAT")
	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.RedisURL, "REDIS_URL")
	setStr(&cfg.RPCURL, "RPC_URL")
	cfg.ChainID = getEnvInt64("CHAIN_ID", cfg.ChainID)
	setStr(&cfg.PrivateKey, "PRIVATE_KEY")
	setStr(&cfg.EscrowAddress, "ESCROW_ADDRESS")
	setStr(&cfg.TokenContract, "TOKEN_CONTRACT")
	setStr(&cfg.PlatformOwner, "PLATFORM_OWNER")
	cfg.ConfirmTimeout = getEnvDuration("CONFIRM_TIMEOUT", cfg.ConfirmTimeout)
	cfg.FeePercent = getEnvInt64("FEE_PERCENT", cfg.FeePercent)
	setStr(&cfg.QueryCost, "QUERY_COST")
	cfg.RequestExpiry = getEnvDuration("REQUEST_EXPIRY", cfg.RequestExpiry)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	setStr(&cfg.OracleURL, "ORACLE_URL")
	setStr(&cfg.OracleAuthority, "ORACLE_AUTHORITY")
	setStr(&cfg.OracleSecret, "ORACLE_SECRET")
	setStr(&cfg.AdminSecret, "ADMIN_SECRET")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	setStr(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate checks ranges and formats. Outside development the chain wallet,
// platform owner and oracle secret are mandatory.
func (c *Config) Validate() error {
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	if cost, ok := new(big.Int).SetString(c.QueryCost, 10); !ok || cost.Sign() < 0 {
		return fmt.Errorf("QUERY_COST must be a non-negative integer amount in base units")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	if c.RequestExpiry <= 0 {
		return fmt.Errorf("REQUEST_EXPIRY must be positive")
	}
	if c.OracleAuthority == "" {
		return fmt.Errorf("ORACLE_AUTHORITY is required")
	}

	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
	}
	for name, addr := range map[string]string{
		"ESCROW_ADDRESS": c.EscrowAddress,
		"TOKEN_CONTRACT": c.TokenContract,
		"PLATFORM_OWNER": c.PlatformOwner,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}

	if !c.IsDevelopment() {
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required")
		}
		if c.PlatformOwner == "" {
			return fmt.Errorf("PLATFORM_OWNER is required")
		}
		if c.OracleSecret == "" {
			return fmt.Errorf("ORACLE_SECRET is required")
		}
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

// ChainEnabled reports whether a signing wallet is configured.
func (c *Config) ChainEnabled() bool {
	return c.PrivateKey != ""
}

// Helper functions

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

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

// getEnvDuration accepts Go durations ("5m") or bare seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
