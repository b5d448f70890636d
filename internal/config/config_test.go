package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 15*time.Second, cfg.LedgerTimeout)
	assert.False(t, cfg.LedgerDirectEnabled)
	assert.Empty(t, cfg.LedgerNodeURL)
	assert.False(t, cfg.LedgerOptional)
	assert.False(t, cfg.EventsEnabled())
	assert.Empty(t, cfg.APIKeyMap())
	assert.Equal(t, 8, cfg.ReconcilerWorkers)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://rx:rx@localhost:5432/rx")
	t.Setenv("KAFKA_BROKERS", "redpanda-0:9092, redpanda-1:9092")
	t.Setenv("LEDGER_TIMEOUT", "3s")
	t.Setenv("LEDGER_OPTIONAL", "true")
	t.Setenv("LOCK_TIMEZONE", "Asia/Kolkata")
	t.Setenv("API_KEYS", "pharmacy:k1,clinic:k2")
	t.Setenv("RATE_LIMIT_RPS", "12.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, []string{"redpanda-0:9092", "redpanda-1:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
	assert.Equal(t, 3*time.Second, cfg.LedgerTimeout)
	assert.True(t, cfg.LedgerOptional)
	assert.Equal(t, 12.5, cfg.RateLimitRPS)
	assert.Equal(t, map[string]string{"k1": "pharmacy", "k2": "clinic"}, cfg.APIKeyMap())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}

func TestLoadRejectsBadCombinations(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("STORE", "postgres")
		_, err := Load()
		assert.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("STORE", "redis")
		_, err := Load()
		assert.ErrorContains(t, err, "STORE")
	})

	t.Run("unknown timezone", func(t *testing.T) {
		t.Setenv("LOCK_TIMEZONE", "Mars/Olympus")
		_, err := Load()
		assert.ErrorContains(t, err, "LOCK_TIMEZONE")
	})

	t.Run("direct path without node", func(t *testing.T) {
		t.Setenv("LEDGER_DIRECT_ENABLED", "true")
		_, err := Load()
		assert.ErrorContains(t, err, "LEDGER_NODE_URL")
	})

	t.Run("in-process node beside a backend", func(t *testing.T) {
		t.Setenv("LEDGER_DIRECT_ENABLED", "true")
		t.Setenv("LEDGER_NODE_URL", LedgerNodeMemory)
		t.Setenv("LEDGER_BACKEND_URL", "http://ledger-gateway:8080")
		_, err := Load()
		assert.ErrorContains(t, err, "LEDGER_NODE_URL=memory")
	})

	t.Run("malformed keys", func(t *testing.T) {
		t.Setenv("API_KEYS", "just-a-key")
		_, err := Load()
		assert.ErrorContains(t, err, "API_KEYS")
	})
}

func TestParseAPIKeys(t *testing.T) {
	m, err := ParseAPIKeys("")
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = ParseAPIKeys(" a : 1 ,b:2,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "a", "2": "b"}, m)

	_, err = ParseAPIKeys("a:")
	assert.Error(t, err)
}
