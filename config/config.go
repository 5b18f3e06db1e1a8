package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	// Service
	ServiceName string
	Env         string
	ListenAddr  string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Ledger
	RPCURL                string
	ChainID               int64
	FacilitatorPrivateKey string
	DisperseContract      string
	Asset                 string
	ConfirmTimeout        time.Duration
	ReceiptPollInterval   time.Duration
	LookbackBlocks        uint64

	// Payload signing domain
	DomainName    string
	DomainVersion string

	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Auth
	StaticAPIKey  string
	APIKeysFromDB bool

	// HTTP
	RateLimitPerMinute float64
	RateLimitBurst     int

	// Watcher
	BeneficiariesFile  string
	PollInterval       time.Duration
	PageSize           int
	MaxPages           int
	CallTimeout        time.Duration
	NonceSweepInterval time.Duration

	Roster *Roster
}

// Load reads the configuration from the environment. It is called once at
// startup; components receive the result explicitly.
func Load() (*Config, error) {
	cfg := &Config{
		// Service
		ServiceName: getEnv("SERVICE_NAME", "split-facilitator"),
		Env:         getEnv("APP_ENV", ""),
		ListenAddr:  getEnv("LISTEN_ADDR", ":"+getEnv("PORT", "8080")),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),

		// Ledger
		RPCURL:                getEnv("RPC_URL", ""),
		ChainID:               getEnvInt64("CHAIN_ID", 0),
		FacilitatorPrivateKey: getEnv("FACILITATOR_PRIVATE_KEY", ""),
		DisperseContract:      getEnv("DISPERSE_CONTRACT", ""),
		Asset:                 getEnv("ASSET", ""),
		ConfirmTimeout:        getEnvDuration("CONFIRM_TIMEOUT", 60*time.Second),
		ReceiptPollInterval:   getEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		LookbackBlocks:        uint64(getEnvInt64("LOOKBACK_BLOCKS", 5000)),

		// Payload signing domain
		DomainName:    getEnv("DOMAIN_NAME", "SplitFacilitator"),
		DomainVersion: getEnv("DOMAIN_VERSION", "1"),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "./facilitator.db"),

		// Auth
		StaticAPIKey:  getEnv("STATIC_API_KEY", ""),
		APIKeysFromDB: getEnvBool("API_KEYS_FROM_DB", false),

		// HTTP
		RateLimitPerMinute: getEnvFloat("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 20),

		// Watcher
		BeneficiariesFile:  getEnv("BENEFICIARIES_FILE", ""),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 15*time.Second),
		PageSize:           getEnvInt("POLL_PAGE_SIZE", 20),
		MaxPages:           getEnvInt("POLL_MAX_PAGES", 5),
		CallTimeout:        getEnvDuration("CALL_TIMEOUT", 30*time.Second),
		NonceSweepInterval: getEnvDuration("NONCE_SWEEP_INTERVAL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Load the beneficiary roster
	if cfg.BeneficiariesFile != "" {
		roster, err := LoadRoster(cfg.BeneficiariesFile, os.Getenv)
		if err != nil {
			return nil, err
		}
		cfg.Roster = roster
	}

	return cfg, nil
}

// Validate checks settings that cannot be used together or are malformed.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}
	if c.StaticAPIKey != "" && c.APIKeysFromDB {
		return errors.New("both STATIC_API_KEY and API_KEYS_FROM_DB are set")
	}
	if c.DisperseContract != "" && !common.IsHexAddress(c.DisperseContract) {
		return fmt.Errorf("invalid DISPERSE_CONTRACT %q", c.DisperseContract)
	}
	if c.Asset != "" && !strings.EqualFold(c.Asset, "native") && !common.IsHexAddress(c.Asset) {
		return fmt.Errorf("invalid ASSET %q", c.Asset)
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
