package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range append([]string{"PORT"}, envKeys...) {
		unsetEnvWithCleanup(t, key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8085", cfg.ServerPort)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, "rewards.events", cfg.EventsExchange)
	assert.Equal(t, "activity.events", cfg.StepsExchange)
	assert.Equal(t, 20, cfg.RedeemRateLimitPerMinute)
	assert.Equal(t, 3, cfg.LedgerMaxRetries)
	assert.False(t, cfg.LedgerVerifyOnWrite)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.VoucherValidity())
	assert.Equal(t, "WLK", cfg.VoucherPrefix)
	assert.Equal(t, "@every 15m", cfg.LedgerAuditSchedule)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Empty(t, cfg.InternalAPIKey)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	setEnvWithCleanup(t, "STORE_DRIVER", " Postgres ")
	setEnvWithCleanup(t, "DATABASE_URL", "postgres://localhost/rewards")
	setEnvWithCleanup(t, "LEDGER_VERIFY_ON_WRITE", "true")
	setEnvWithCleanup(t, "LOCK_TIMEOUT_MS", "250")
	setEnvWithCleanup(t, "INTERNAL_API_KEY", "  secret ")
	setEnvWithCleanup(t, "LOG_LEVEL", "debug")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://localhost/rewards", cfg.DatabaseURL)
	assert.True(t, cfg.LedgerVerifyOnWrite)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout())
	assert.Equal(t, "secret", cfg.InternalAPIKey)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadConfig_PortAliasWins(t *testing.T) {
	clearEnv(t)
	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.ServerPort)
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	content := "STORE_DRIVER=sqlite\nSQLITE_PATH=/tmp/rewards-test.db\nVOUCHER_PREFIX=step\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
	setEnvWithCleanup(t, "SQLITE_PATH", "/var/lib/rewards.db")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "/var/lib/rewards.db", cfg.SQLitePath)
	assert.Equal(t, "STEP", cfg.VoucherPrefix)
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	clearEnv(t)
	setEnvWithCleanup(t, "STORE_DRIVER", "mongodb")
	setEnvWithCleanup(t, "REDEEM_RATE_LIMIT_PER_MINUTE", "-4")
	setEnvWithCleanup(t, "LEDGER_MAX_RETRIES", "-1")
	setEnvWithCleanup(t, "LOCK_TIMEOUT_MS", "0")
	setEnvWithCleanup(t, "VOUCHER_VALIDITY_DAYS", "-30")
	setEnvWithCleanup(t, "LOG_LEVEL", "chatty")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Zero(t, cfg.RedeemRateLimitPerMinute)
	assert.Equal(t, 3, cfg.LedgerMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.VoucherValidity())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
