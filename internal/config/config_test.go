package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/config"
	"TradeLedger/internal/futures"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: defaults and overrides
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 2*time.Second, cfg.Futures.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Futures.LiquidationMaxPriceAge)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 500, cfg.Journal.BatchSize)

	mm, err := cfg.MaintenanceFraction()
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), mm)

	assert.Equal(t, futures.LossPolicyIsolated, cfg.FuturesEngineConfig().LossPolicy)
	assert.Equal(t, 10*time.Second, cfg.SpotEngineConfig().MaxPriceAge)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRADE_STORE", "postgres")
	t.Setenv("TRADE_SYMBOLS", "BTCUSDT,SOLUSDC")
	t.Setenv("TRADE_FUTURES_SWEEP_INTERVAL", "500ms")
	t.Setenv("TRADE_FUTURES_LOSS_POLICY", "draw_available")
	t.Setenv("TRADE_POSTGRES_DSN", "postgres://example/db")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.StorePostgres, cfg.Store)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDC"}, cfg.Symbols)
	assert.Equal(t, 500*time.Millisecond, cfg.Futures.SweepInterval)
	assert.Equal(t, futures.LossPolicyDrawAvailable, cfg.FuturesEngineConfig().LossPolicy)
	assert.Equal(t, "postgres://example/db", cfg.Postgres.DSN)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradeledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: memory
futures:
  maintenance_fraction: "0.025"
  max_leverage: 50
server:
  tokens:
    devtoken: "6f1c2b9e-8d4a-4f7e-9a51-0c3b5d2e7f10"
`), 0o644))

	// Environment still wins over the file.
	t.Setenv("TRADE_FUTURES_MAX_LEVERAGE", "25")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.Futures.MaxLeverage)
	assert.Equal(t, "6f1c2b9e-8d4a-4f7e-9a51-0c3b5d2e7f10", cfg.Server.Tokens["devtoken"])

	fallback, err := cfg.RiskFallback()
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), fallback.MMFraction)
	assert.Equal(t, int64(25), fallback.MaxLeverage)
}

// ============================================================================
// Test: validation
// ============================================================================

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"TRADE_STORE": "sqlite"}},
		{"bad symbol", map[string]string{"TRADE_SYMBOLS": "BTCEUR"}},
		{"bad loss policy", map[string]string{"TRADE_FUTURES_LOSS_POLICY": "socialized"}},
		{"maintenance above one", map[string]string{"TRADE_FUTURES_MAINTENANCE_FRACTION": "1.5"}},
		{"maintenance zero", map[string]string{"TRADE_FUTURES_MAINTENANCE_FRACTION": "0"}},
		{"zero leverage", map[string]string{"TRADE_FUTURES_MAX_LEVERAGE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
