package main

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "VAULTNODE_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."

	// defaultTokenDecimals matches the reward token's on-chain precision.
	defaultTokenDecimals = 18

	// defaultConfirmTimeoutSec bounds how long an execution waits for
	// settlement confirmation before the outcome is recorded as ambiguous.
	defaultConfirmTimeoutSec = 120
)

// Config represents the overall application configuration
type Config struct {
	mode              Mode
	policy            PolicyConfig
	masterSecret      []byte
	dbConf            DatabaseConfig
	settlementRPC     string
	tokenAddress      string
	tokenDecimals     uint8
	chainID           uint64
	confirmTimeoutSec int
	eligibilityURL    string
	balanceLedgerURL  string
}

// LoadConfig builds configuration from environment variables
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	// Load .env files
	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	mode := Mode(os.Getenv("VAULTNODE_MODE"))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		logger.Fatal("invalid VAULTNODE_MODE value", "value", mode)
	}
	logger.Info("set mode", "value", mode)

	// Get database URL from environment variables
	var dbConf DatabaseConfig
	dbURL := os.Getenv("VAULTNODE_DATABASE_URL")

	// If DATABASE_URL is not empty, parse the connection string
	// Otherwise, read the envs in usual way
	if dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return nil, err
		}
	} else {
		// Read db config
		if err := cleanenv.ReadEnv(&dbConf); err != nil {
			logger.Error("failed to read env", "err", err)
			return nil, err
		}
	}

	// The master secret is the root of every derived signing key. Missing
	// secret is an operational misconfiguration, not a recoverable error.
	masterSecret := os.Getenv("VAULTNODE_MASTER_SECRET")
	if masterSecret == "" {
		logger.Fatal("VAULTNODE_MASTER_SECRET environment variable is required")
	}

	settlementRPC := os.Getenv("VAULTNODE_SETTLEMENT_RPC")
	tokenAddress := os.Getenv("VAULTNODE_TOKEN_ADDRESS")

	tokenDecimals := uint8(defaultTokenDecimals)
	if v := os.Getenv("VAULTNODE_TOKEN_DECIMALS"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 8); err == nil {
			tokenDecimals = uint8(parsed)
		} else {
			logger.Warn("invalid VAULTNODE_TOKEN_DECIMALS", "value", v)
		}
	}

	chainID := uint64(1)
	if v := os.Getenv("VAULTNODE_CHAIN_ID"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil && parsed > 0 {
			chainID = parsed
		} else {
			logger.Warn("invalid VAULTNODE_CHAIN_ID", "value", v)
		}
	}

	confirmTimeout := defaultConfirmTimeoutSec
	if v := os.Getenv("VAULTNODE_CONFIRM_TIMEOUT_SEC"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			confirmTimeout = parsed
		} else {
			logger.Warn("invalid VAULTNODE_CONFIRM_TIMEOUT_SEC", "value", v)
		}
	}
	logger.Info("set settlement confirmation timeout", "seconds", confirmTimeout)

	policy, err := LoadPolicy(configDirPath)
	if err != nil {
		logger.Fatal("failed to load approval policy", "error", err)
	}

	config := Config{
		mode:              mode,
		policy:            policy,
		masterSecret:      []byte(masterSecret),
		dbConf:            dbConf,
		settlementRPC:     settlementRPC,
		tokenAddress:      tokenAddress,
		tokenDecimals:     tokenDecimals,
		chainID:           chainID,
		confirmTimeoutSec: confirmTimeout,
		eligibilityURL:    os.Getenv("VAULTNODE_ELIGIBILITY_URL"),
		balanceLedgerURL:  os.Getenv("VAULTNODE_BALANCE_LEDGER_URL"),
	}

	return &config, nil
}
