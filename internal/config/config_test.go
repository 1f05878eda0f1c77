package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoha-ai/kessai/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KESSAI_PROFILE_DIR", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)

	// Defaults must be finite and conservative, never "no limit".
	assert.Equal(t, int64(5000), cfg.MaxTransactionAmount)
	assert.Equal(t, int64(20000), cfg.DailyLimit)
	assert.Equal(t, int64(100), cfg.AutoApproveUnder)
	assert.False(t, cfg.UnlimitedPerTransaction)
	assert.False(t, cfg.UnlimitedDaily)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.DemoMode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KESSAI_PROFILE_DIR", t.TempDir())
	t.Setenv("KESSAI_REGISTRY_URL", "http://127.0.0.1:9000")
	t.Setenv("KESSAI_MAX_TRANSACTION_AMOUNT", "1000")
	t.Setenv("KESSAI_DAILY_LIMIT", "2500")
	t.Setenv("KESSAI_REQUEST_TIMEOUT", "5s")
	t.Setenv("KESSAI_DEMO", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.RegistryURL)
	assert.Equal(t, int64(1000), cfg.MaxTransactionAmount)
	assert.Equal(t, int64(2500), cfg.DailyLimit)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.DemoMode)
}

func TestValidateRejectsZeroLimitWithoutWaiver(t *testing.T) {
	t.Setenv("KESSAI_PROFILE_DIR", t.TempDir())
	t.Setenv("KESSAI_MAX_TRANSACTION_AMOUNT", "0")

	_, err := config.Load()
	require.Error(t, err)

	// Explicit waiver makes the zero limit acceptable.
	t.Setenv("KESSAI_UNLIMITED_PER_TRANSACTION", "true")
	_, err = config.Load()
	require.NoError(t, err)
}

func TestValidateRejectsZeroDailyLimitWithoutWaiver(t *testing.T) {
	t.Setenv("KESSAI_PROFILE_DIR", t.TempDir())
	t.Setenv("KESSAI_DAILY_LIMIT", "-1")

	_, err := config.Load()
	require.Error(t, err)

	t.Setenv("KESSAI_UNLIMITED_DAILY", "true")
	_, err = config.Load()
	require.NoError(t, err)
}
