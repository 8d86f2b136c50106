package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/config"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"STORE_DRIVER", "RABBITMQ_URL", "REDIS_URL", "CATALOG_SEED_PATH", "PORT"} {
		t.Setenv(key, "")
	}
	t.Setenv("STORE_DRIVER", "memory")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["audit"])
}

func TestAuditCommandOnEmptyStore(t *testing.T) {
	isolateEnv(t)

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"audit", "--config-dir", t.TempDir(), "--log-format", "text"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "checked 0 wallets")
	assert.Contains(t, out.String(), "ok")
}

func TestAuditCommandDoesNotSeedCatalog(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CATALOG_SEED_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"audit", "--config-dir", t.TempDir()})

	require.NoError(t, root.Execute())
}

func TestSeedCatalogFailsOnMissingFile(t *testing.T) {
	err := seedCatalog(context.Background(), store.NewMemoryRepository(),
		filepath.Join(t.TempDir(), "missing.yaml"), discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog seed failed")
}

func TestRestartDoesNotRestoreRedeemedStock(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(
		"items:\n  - id: band\n    name: Fitness band\n    cost: 10\n    stock: 1\n    active: true\n"), 0o600))
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "rewards.db"))
	t.Setenv("CATALOG_SEED_PATH", seedPath)

	cfg, err := config.LoadConfig(dir)
	require.NoError(t, err)
	ctx := context.Background()

	start := func() *runtime {
		rt, err := bootstrap(ctx, cfg, discardLogger())
		require.NoError(t, err)
		require.NoError(t, seedCatalog(ctx, rt.repo, cfg.CatalogSeedPath, discardLogger()))
		return rt
	}

	rt := start()
	_, err = rt.service.CreditEarning(ctx, "u1", 1_000, "steps-u1")
	require.NoError(t, err)
	_, err = rt.service.CreditEarning(ctx, "u2", 1_000, "steps-u2")
	require.NoError(t, err)
	_, err = rt.service.Redeem(ctx, "band", "u1")
	require.NoError(t, err)
	rt.Close()

	rt = start()
	defer rt.Close()

	item, err := rt.repo.GetRewardItem(ctx, "band")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Stock)

	_, err = rt.service.Redeem(ctx, "band", "u2")
	assert.ErrorIs(t, err, domain.ErrOutOfStock)

	balance, err := rt.service.GetBalance(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance.TotalBalance)
}

func TestNewLoggerFormats(t *testing.T) {
	assert.NotNil(t, newLogger("text", 0))
	assert.NotNil(t, newLogger("json", 0))
}
