package config

import (
	"SettleLedger/internal/settlement"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SETTLE_HTTP_ADDR", ":18080")
	t.Setenv("SETTLE_IDEMPOTENCY_LRU_CAPACITY", "42")
	t.Setenv("SETTLE_FINALIZE_TIMEOUT", "90s")
	t.Setenv("SETTLE_RELAYER_RATE", "2.5")
	t.Setenv("SETTLE_AUTO_MIGRATE", "false")
	t.Setenv("SETTLE_EVENT_LOG_BATCH_SIZE", "not-a-number")

	cfg := DefaultConfig()
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, 42, cfg.IdempotencyLRUCapacity)
	assert.Equal(t, 90*time.Second, cfg.FinalizeTimeout)
	assert.Equal(t, 2.5, cfg.RelayerRate)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 100, cfg.EventLogBatchSize, "unparsable values fall back to the default")
}

func TestLoad_RequiresTreasury(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SETTLE_TREASURY_USER_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLE_TREASURY_USER_ID")
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"SETTLE_TREASURY_USER_ID=7d9f3c1e-0000-4000-8000-00000000000a\n"+
			"SETTLE_UNRESOLVED_POLICY=offchain_credit\n"+
			"SETTLE_ADMIN_KEY=from-dotenv\n"), 0o600))
	// godotenv does not override variables that are already set.
	for _, k := range []string{"SETTLE_ADMIN_KEY", "SETTLE_TREASURY_USER_ID", "SETTLE_UNRESOLVED_POLICY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7d9f3c1e-0000-4000-8000-00000000000a", cfg.TreasuryUserID.String())
	assert.Equal(t, settlement.UnresolvedOffchainCredit, cfg.UnresolvedPolicy)
	assert.Equal(t, "from-dotenv", cfg.AdminKey)
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SETTLE_TREASURY_USER_ID", "7d9f3c1e-0000-4000-8000-00000000000a")
	t.Setenv("SETTLE_UNRESOLVED_POLICY", "drop")

	_, err := Load()
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test, like
// testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
