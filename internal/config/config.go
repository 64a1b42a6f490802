package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vaultbridge/internal/models"
)

// Config holds all configuration for the service
type Config struct {
	Env        string
	Server     ServerConfig
	Database   DatabaseConfig
	EVM        EVMConfig
	XRPL       XRPLConfig
	FDC        FDCConfig
	Operator   OperatorConfig
	Bridge     BridgeConfig
	Workers    WorkerConfig
	Reconcile  ReconcileConfig
	Lock       LockConfig
	Alert      AlertConfig
	MonitorCfg string // path to the optional monitor YAML
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EVMConfig holds configuration for the smart-contract chain
type EVMConfig struct {
	RPCEndpoint         string
	ChainID             int64
	RequestsPerSecond   float64 // RPC throttle shared by every poller
	MaxBlockSpan        uint64  // provider limit for eth_getLogs ranges
	AssetManagerAddress string
	FXRPAddress         string
	VaultAddress        string
	AgentVaultAddress   string
	FdcHubAddress       string
	Confirmations       uint64
}

// XRPLConfig holds native ledger configuration
type XRPLConfig struct {
	WSEndpoint      string
	FinalityTimeout time.Duration
}

// FDCConfig holds attestation oracle endpoints
type FDCConfig struct {
	VerifierURL string
	DALayerURL  string
	APIKey      string
	SourceID    string // e.g. "testXRP"
	RequestFee  string // wei attached to FdcHub.requestAttestation

	// voting round clock of the data connector
	FirstRoundStart int64
	RoundDuration   time.Duration
}

// OperatorConfig holds operator credentials
type OperatorConfig struct {
	EVMPrivateKey string // For signing EVM transactions
	XRPLSecret    string // For signing escrow transactions
	XRPLAddress   string
}

// BridgeConfig holds deposit and redemption policy
type BridgeConfig struct {
	LotSizeXRP               decimal.Decimal
	LotRounding              models.LotRounding
	MintingFeeBps            int64
	ProofTimeout             time.Duration
	PaymentWindow            time.Duration
	MismatchSweepAfter       time.Duration // 0 disables the sweep
	PayoutTimeout            time.Duration
	MaxRetries               int
	BaseRetryDelay           time.Duration
	MaxRetryDelay            time.Duration
	BackendManualReviewAfter int
	BackendAbandonAfter      int
}

// WorkerConfig holds poll intervals
type WorkerConfig struct {
	DepositPollInterval    time.Duration
	RedemptionPollInterval time.Duration
	MonitorPollInterval    time.Duration
	BatchSize              int
}

// ReconcileConfig holds reconciliation settings
type ReconcileConfig struct {
	Schedule string // cron expression
	Epsilon  decimal.Decimal
}

// LockConfig selects the per-wallet lock backend
type LockConfig struct {
	Backend   string // postgres, redis or memory
	RedisAddr string
	TTL       time.Duration
}

// AlertConfig holds alert forwarding configuration
type AlertConfig struct {
	WebhookURLs []string
	MinSeverity models.Severity
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	lotSize, err := getEnvDecimal("LOT_SIZE_XRP", "10")
	if err != nil {
		return nil, err
	}
	epsilon, err := getEnvDecimal("RECONCILE_EPSILON", "0.000001")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "vaultbridge"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		EVM: EVMConfig{
			RPCEndpoint:         getEnv("EVM_RPC_ENDPOINT", ""),
			ChainID:             int64(getEnvInt("EVM_CHAIN_ID", 114)),
			RequestsPerSecond:   getEnvFloat("EVM_RPC_RPS", 5),
			MaxBlockSpan:        uint64(getEnvInt("EVM_MAX_BLOCK_SPAN", 30)),
			AssetManagerAddress: getEnv("ASSET_MANAGER_ADDRESS", ""),
			FXRPAddress:         getEnv("FXRP_ADDRESS", ""),
			VaultAddress:        getEnv("VAULT_ADDRESS", ""),
			AgentVaultAddress:   getEnv("AGENT_VAULT_ADDRESS", ""),
			FdcHubAddress:       getEnv("FDC_HUB_ADDRESS", ""),
			Confirmations:       uint64(getEnvInt("EVM_CONFIRMATIONS", 1)),
		},
		XRPL: XRPLConfig{
			WSEndpoint:      getEnv("XRPL_WS_ENDPOINT", "wss://s.altnet.rippletest.net:51233"),
			FinalityTimeout: getEnvDuration("XRPL_FINALITY_TIMEOUT", 60*time.Second),
		},
		FDC: FDCConfig{
			VerifierURL: getEnv("FDC_VERIFIER_URL", ""),
			DALayerURL:  getEnv("FDC_DA_LAYER_URL", ""),
			APIKey:      getEnv("FDC_API_KEY", ""),
			SourceID:    getEnv("FDC_SOURCE_ID", "testXRP"),
			RequestFee:  getEnv("FDC_REQUEST_FEE_WEI", "0"),

			FirstRoundStart: int64(getEnvInt("FDC_FIRST_ROUND_START", 1658430000)),
			RoundDuration:   getEnvDuration("FDC_ROUND_DURATION", 90*time.Second),
		},
		Operator: OperatorConfig{
			EVMPrivateKey: getEnv("OPERATOR_EVM_PRIVATE_KEY", ""),
			XRPLSecret:    getEnv("XRPL_OPERATOR_SECRET", ""),
			XRPLAddress:   getEnv("XRPL_OPERATOR_ADDRESS", ""),
		},
		Bridge: BridgeConfig{
			LotSizeXRP:               lotSize,
			LotRounding:              models.LotRounding(getEnv("LOT_ROUNDING", string(models.LotRoundingUp))),
			MintingFeeBps:            int64(getEnvInt("MINTING_FEE_BPS", 25)),
			ProofTimeout:             getEnvDuration("PROOF_TIMEOUT", 15*time.Minute),
			PaymentWindow:            getEnvDuration("PAYMENT_WINDOW", 30*time.Minute),
			MismatchSweepAfter:       getEnvDuration("MISMATCH_SWEEP_AFTER", 0),
			PayoutTimeout:            getEnvDuration("PAYOUT_TIMEOUT", 2*time.Hour),
			MaxRetries:               getEnvInt("MAX_RETRIES", 5),
			BaseRetryDelay:           getEnvDuration("BASE_RETRY_DELAY", 10*time.Second),
			MaxRetryDelay:            getEnvDuration("MAX_RETRY_DELAY", 10*time.Minute),
			BackendManualReviewAfter: getEnvInt("BACKEND_MANUAL_REVIEW_AFTER", 5),
			BackendAbandonAfter:      getEnvInt("BACKEND_ABANDON_AFTER", 10),
		},
		Workers: WorkerConfig{
			DepositPollInterval:    getEnvDuration("DEPOSIT_POLL_INTERVAL", 10*time.Second),
			RedemptionPollInterval: getEnvDuration("REDEMPTION_POLL_INTERVAL", 15*time.Second),
			MonitorPollInterval:    getEnvDuration("MONITOR_POLL_INTERVAL", 30*time.Second),
			BatchSize:              getEnvInt("WORKER_BATCH_SIZE", 50),
		},
		Reconcile: ReconcileConfig{
			Schedule: getEnv("RECONCILE_SCHEDULE", "@every 10m"),
			Epsilon:  epsilon,
		},
		Lock: LockConfig{
			Backend:   getEnv("LOCK_BACKEND", "postgres"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			TTL:       getEnvDuration("LOCK_TTL", 2*time.Minute),
		},
		Alert: AlertConfig{
			WebhookURLs: splitAndTrim(getEnv("ALERT_WEBHOOK_URL", ""), ","),
			MinSeverity: models.Severity(getEnv("ALERT_MIN_SEVERITY", string(models.SeverityWarning))),
		},
		MonitorCfg: getEnv("MONITOR_CONFIG", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.EVM.RPCEndpoint == "" {
		return fmt.Errorf("EVM_RPC_ENDPOINT is required")
	}

	if c.Operator.EVMPrivateKey == "" {
		return fmt.Errorf("operator EVM private key is required")
	}

	for name, addr := range map[string]string{
		"ASSET_MANAGER_ADDRESS": c.EVM.AssetManagerAddress,
		"VAULT_ADDRESS":         c.EVM.VaultAddress,
	} {
		if addr == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if c.EVM.MaxBlockSpan == 0 {
		return fmt.Errorf("EVM_MAX_BLOCK_SPAN must be positive")
	}

	if !c.Bridge.LotSizeXRP.IsPositive() {
		return fmt.Errorf("LOT_SIZE_XRP must be positive")
	}

	switch c.Bridge.LotRounding {
	case models.LotRoundingUp, models.LotRoundingDown, models.LotRoundingNearest:
	default:
		return fmt.Errorf("invalid LOT_ROUNDING %q", c.Bridge.LotRounding)
	}

	if c.Bridge.MintingFeeBps < 0 || c.Bridge.MintingFeeBps > 10000 {
		return fmt.Errorf("MINTING_FEE_BPS out of range: %d", c.Bridge.MintingFeeBps)
	}

	if c.Bridge.ProofTimeout <= 0 {
		return fmt.Errorf("PROOF_TIMEOUT must be positive")
	}

	if c.Bridge.MismatchSweepAfter < 0 {
		return fmt.Errorf("MISMATCH_SWEEP_AFTER must not be negative")
	}

	if c.Bridge.BackendManualReviewAfter <= 0 || c.Bridge.BackendAbandonAfter < c.Bridge.BackendManualReviewAfter {
		return fmt.Errorf("backend retry ceilings invalid: manual review after %d, abandon after %d",
			c.Bridge.BackendManualReviewAfter, c.Bridge.BackendAbandonAfter)
	}

	switch c.Lock.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("invalid LOCK_BACKEND %q", c.Lock.Backend)
	}

	return nil
}

// IsProduction reports whether the service runs with production logging
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// splitAndTrim splits a comma-separated string and trims whitespace
func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
