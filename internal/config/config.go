// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration. The registry URL and demo
// switch are plain fields passed into constructors — never package-level
// state — so tests can point the engine at a fake registry.
type Config struct {
	// Registry settings.
	RegistryURL    string
	RequestTimeout time.Duration

	// Local profile settings. ProfileDir holds the credential records,
	// the spend ledger database, and the sealed secret files.
	ProfileDir        string
	SecretsPassphrase string

	// Spend limits, in minor units of the settlement currency.
	// A zero limit is rejected by Validate unless the matching
	// Unlimited flag is set explicitly — absent configuration must
	// never silently mean "no limit".
	MaxTransactionAmount    int64
	DailyLimit              int64
	AutoApproveUnder        int64
	UnlimitedPerTransaction bool
	UnlimitedDaily          bool

	// Demo mode swaps the settlement capability for an in-process fake.
	DemoMode bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with conservative defaults.
func Load() (Config, error) {
	cfg := Config{
		RegistryURL:             envStr("KESSAI_REGISTRY_URL", ""),
		RequestTimeout:          envDuration("KESSAI_REQUEST_TIMEOUT", 30*time.Second),
		ProfileDir:              envStr("KESSAI_PROFILE_DIR", defaultProfileDir()),
		SecretsPassphrase:       envStr("KESSAI_SECRETS_PASSPHRASE", ""),
		MaxTransactionAmount:    envInt64("KESSAI_MAX_TRANSACTION_AMOUNT", 5000),
		DailyLimit:              envInt64("KESSAI_DAILY_LIMIT", 20000),
		AutoApproveUnder:        envInt64("KESSAI_AUTO_APPROVE_UNDER", 100),
		UnlimitedPerTransaction: envBool("KESSAI_UNLIMITED_PER_TRANSACTION", false),
		UnlimitedDaily:          envBool("KESSAI_UNLIMITED_DAILY", false),
		DemoMode:                envBool("KESSAI_DEMO", false),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "kessai"),
		LogLevel:                envStr("KESSAI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and that spend
// limits are finite unless explicitly waived.
func (c Config) Validate() error {
	if c.ProfileDir == "" {
		return fmt.Errorf("config: KESSAI_PROFILE_DIR is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: KESSAI_REQUEST_TIMEOUT must be positive")
	}
	if c.MaxTransactionAmount <= 0 && !c.UnlimitedPerTransaction {
		return fmt.Errorf("config: KESSAI_MAX_TRANSACTION_AMOUNT must be positive (set KESSAI_UNLIMITED_PER_TRANSACTION=true to waive)")
	}
	if c.DailyLimit <= 0 && !c.UnlimitedDaily {
		return fmt.Errorf("config: KESSAI_DAILY_LIMIT must be positive (set KESSAI_UNLIMITED_DAILY=true to waive)")
	}
	if c.AutoApproveUnder < 0 {
		return fmt.Errorf("config: KESSAI_AUTO_APPROVE_UNDER must not be negative")
	}
	return nil
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kessai"
	}
	return filepath.Join(home, ".kessai")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
