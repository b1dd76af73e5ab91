package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigPath names the environment variable that points at the TOML file.
const EnvConfigPath = "PARAPAY_CONFIG"

// DefaultPath is used when PARAPAY_CONFIG is unset.
const DefaultPath = "config.toml"

// Config is the fully-resolved runtime configuration for the gateway daemon.
// Values come from the TOML file first, then PARAPAY_* environment overrides.
type Config struct {
	Environment string `toml:"Environment"`

	// Chain.
	ChainRPCURLs    []string `toml:"ChainRPCURLs"`
	ContractAddress string   `toml:"ContractAddress"`
	ChainID         int64    `toml:"ChainID"`
	FinalityDepth   uint64   `toml:"FinalityDepth"`
	GasLimit        uint64   `toml:"GasLimit"`
	KeystorePath    string   `toml:"KeystorePath"`
	// SignerKeyEnv names an environment variable holding a raw hex key.
	// When set it takes precedence over the keystore; meant for dev rigs.
	SignerKeyEnv    string `toml:"SignerKeyEnv"`
	NonceLedgerPath string `toml:"NonceLedgerPath"`

	// Storage.
	DatabaseDSN  string `toml:"DatabaseDSN"`
	SnapshotPath string `toml:"SnapshotPath"`

	// HTTP surfaces.
	ListenAddress      string  `toml:"ListenAddress"`
	AdminListenAddress string  `toml:"AdminListenAddress"`
	JWTSecret          string  `toml:"JWTSecret"`
	RateLimitRPS       float64 `toml:"RateLimitRPS"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	// Prices.
	PriceEndpoint        string        `toml:"PriceEndpoint"`
	PriceRefreshInterval time.Duration `toml:"-"`
	PriceMaxAge          time.Duration `toml:"-"`

	// Intent lifecycle.
	HoldWindow time.Duration `toml:"-"`

	// Webhook delivery.
	WebhookWorkers     int           `toml:"WebhookWorkers"`
	WebhookMaxAttempts int           `toml:"WebhookMaxAttempts"`
	WebhookRetryBase   time.Duration `toml:"-"`
	WebhookRetryCap    time.Duration `toml:"-"`

	// Payouts and reconciliation.
	PayoutPolicyPath string `toml:"PayoutPolicyPath"`
	ReconOutputDir   string `toml:"ReconOutputDir"`

	// Observability.
	LogLevel     string `toml:"LogLevel"`
	LogFormat    string `toml:"LogFormat"`
	LogFile      string `toml:"LogFile"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
	OTLPHeaders  string `toml:"OTLPHeaders"`

	// Raw duration strings from the file; resolved into the typed fields
	// by Load.
	PriceRefreshIntervalRaw string `toml:"PriceRefreshInterval"`
	PriceMaxAgeRaw          string `toml:"PriceMaxAge"`
	HoldWindowRaw           string `toml:"HoldWindow"`
	WebhookRetryBaseRaw     string `toml:"WebhookRetryBase"`
	WebhookRetryCapRaw      string `toml:"WebhookRetryCap"`
}

// Path resolves the config file location from PARAPAY_CONFIG.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the TOML file at path (missing files yield pure-default
// config), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := resolveDurations(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment:          "dev",
		ChainID:              1,
		FinalityDepth:        6,
		NonceLedgerPath:      "parapay-nonces",
		SnapshotPath:         "parapay-rates.db",
		ListenAddress:        ":8080",
		AdminListenAddress:   ":9090",
		RateLimitRPS:         20,
		RateLimitBurst:       40,
		PriceRefreshInterval: 30 * time.Second,
		PriceMaxAge:          5 * time.Minute,
		HoldWindow:           5 * time.Minute,
		WebhookWorkers:       16,
		WebhookMaxAttempts:   5,
		WebhookRetryBase:     time.Second,
		WebhookRetryCap:      10 * time.Minute,
		ReconOutputDir:       "recon-out",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func applyEnv(cfg *Config) error {
	if raw := strings.TrimSpace(os.Getenv("PARAPAY_CHAIN_RPC_URLS")); raw != "" {
		cfg.ChainRPCURLs = splitList(raw)
	}
	setString(&cfg.Environment, "PARAPAY_ENV")
	setString(&cfg.ContractAddress, "PARAPAY_CONTRACT_ADDRESS")
	setString(&cfg.KeystorePath, "PARAPAY_KEYSTORE_PATH")
	setString(&cfg.SignerKeyEnv, "PARAPAY_SIGNER_KEY_ENV")
	setString(&cfg.NonceLedgerPath, "PARAPAY_NONCE_LEDGER_PATH")
	setString(&cfg.DatabaseDSN, "PARAPAY_DATABASE_DSN")
	setString(&cfg.SnapshotPath, "PARAPAY_SNAPSHOT_PATH")
	setString(&cfg.ListenAddress, "PARAPAY_LISTEN")
	setString(&cfg.AdminListenAddress, "PARAPAY_ADMIN_LISTEN")
	setString(&cfg.JWTSecret, "PARAPAY_JWT_SECRET")
	setString(&cfg.PriceEndpoint, "PARAPAY_PRICE_ENDPOINT")
	setString(&cfg.PayoutPolicyPath, "PARAPAY_PAYOUT_POLICY")
	setString(&cfg.ReconOutputDir, "PARAPAY_RECON_DIR")
	setString(&cfg.LogLevel, "PARAPAY_LOG_LEVEL")
	setString(&cfg.LogFormat, "PARAPAY_LOG_FORMAT")
	setString(&cfg.LogFile, "PARAPAY_LOG_FILE")
	setString(&cfg.OTLPEndpoint, "PARAPAY_OTLP_ENDPOINT")
	setString(&cfg.OTLPHeaders, "PARAPAY_OTLP_HEADERS")

	if err := setInt64(&cfg.ChainID, "PARAPAY_CHAIN_ID"); err != nil {
		return err
	}
	if err := setUint64(&cfg.FinalityDepth, "PARAPAY_FINALITY_DEPTH"); err != nil {
		return err
	}
	if err := setUint64(&cfg.GasLimit, "PARAPAY_GAS_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&cfg.WebhookWorkers, "PARAPAY_WEBHOOK_WORKERS"); err != nil {
		return err
	}
	if err := setInt(&cfg.WebhookMaxAttempts, "PARAPAY_WEBHOOK_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setInt(&cfg.RateLimitBurst, "PARAPAY_RATE_LIMIT_BURST"); err != nil {
		return err
	}
	if err := setFloat(&cfg.RateLimitRPS, "PARAPAY_RATE_LIMIT_RPS"); err != nil {
		return err
	}
	if err := setBool(&cfg.OTLPInsecure, "PARAPAY_OTLP_INSECURE"); err != nil {
		return err
	}

	for _, override := range []struct {
		raw *string
		env string
	}{
		{&cfg.PriceRefreshIntervalRaw, "PARAPAY_PRICE_REFRESH"},
		{&cfg.PriceMaxAgeRaw, "PARAPAY_PRICE_MAX_AGE"},
		{&cfg.HoldWindowRaw, "PARAPAY_HOLD_WINDOW"},
		{&cfg.WebhookRetryBaseRaw, "PARAPAY_WEBHOOK_RETRY_BASE"},
		{&cfg.WebhookRetryCapRaw, "PARAPAY_WEBHOOK_RETRY_CAP"},
	} {
		setString(override.raw, override.env)
	}
	return nil
}

func resolveDurations(cfg *Config) error {
	for _, field := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.PriceRefreshIntervalRaw, &cfg.PriceRefreshInterval, "PriceRefreshInterval"},
		{cfg.PriceMaxAgeRaw, &cfg.PriceMaxAge, "PriceMaxAge"},
		{cfg.HoldWindowRaw, &cfg.HoldWindow, "HoldWindow"},
		{cfg.WebhookRetryBaseRaw, &cfg.WebhookRetryBase, "WebhookRetryBase"},
		{cfg.WebhookRetryCapRaw, &cfg.WebhookRetryCap, "WebhookRetryCap"},
	} {
		raw := strings.TrimSpace(field.raw)
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", field.name, err)
		}
		if dur <= 0 {
			return fmt.Errorf("%s must be positive", field.name)
		}
		*field.dst = dur
	}
	return nil
}

// Validate enforces the invariants the daemon cannot start without.
func (c *Config) Validate() error {
	if len(c.ChainRPCURLs) == 0 {
		return errors.New("at least one chain RPC URL is required")
	}
	for _, url := range c.ChainRPCURLs {
		if strings.TrimSpace(url) == "" {
			return errors.New("chain RPC URLs must not be blank")
		}
	}
	if strings.TrimSpace(c.ContractAddress) == "" {
		return errors.New("ContractAddress is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return errors.New("DatabaseDSN is required")
	}
	if c.ChainID <= 0 {
		return errors.New("ChainID must be positive")
	}
	if c.FinalityDepth == 0 {
		return errors.New("FinalityDepth must be positive")
	}
	if strings.TrimSpace(c.KeystorePath) == "" && strings.TrimSpace(c.SignerKeyEnv) == "" {
		return errors.New("one of KeystorePath or SignerKeyEnv is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWTSecret is required (set PARAPAY_JWT_SECRET)")
	}
	if c.RateLimitRPS <= 0 {
		return errors.New("RateLimitRPS must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return errors.New("RateLimitBurst must be positive")
	}
	if c.WebhookMaxAttempts <= 0 {
		return errors.New("WebhookMaxAttempts must be positive")
	}
	if c.WebhookRetryBase > c.WebhookRetryCap {
		return errors.New("WebhookRetryBase must not exceed WebhookRetryCap")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, env string) {
	if val := strings.TrimSpace(os.Getenv(env)); val != "" {
		*dst = val
	}
}

func setInt(dst *int, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive", env)
	}
	*dst = val
	return nil
}

func setInt64(dst *int64, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive", env)
	}
	*dst = val
	return nil
}

func setUint64(dst *uint64, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	*dst = val
	return nil
}

func setFloat(dst *float64, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive", env)
	}
	*dst = val
	return nil
}

func setBool(dst *bool, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	*dst = val
	return nil
}
