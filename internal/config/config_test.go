package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/market-engine/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, 15*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 10*time.Second, cfg.Trade.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, BackendFile, cfg.Watchlist.Backend)
	assert.True(t, cfg.Broker.Enabled)
	assert.Equal(t, "100000", cfg.Broker.StartingCashAmount().String())
	assert.Equal(t, []model.Symbol{"^NSEI", "^BSESN"}, cfg.Market.Indices())
	assert.Len(t, cfg.Market.Defaults(), 6)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("POLLER_INTERVAL", "12s")
	t.Setenv("UPSTREAM_BROKER_URL", "http://broker:8000")
	t.Setenv("BROKER_MAX_POSITION", "50000")
	t.Setenv("MARKET_INDEX_SYMBOLS", "^NSEI")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, 12*time.Second, cfg.Poller.Interval)
	assert.Equal(t, "http://broker:8000", cfg.Upstream.BrokerURL)
	perSymbol, perExchange := cfg.Broker.Limits()
	assert.Equal(t, "50000", perSymbol.String())
	assert.True(t, perExchange.IsZero())
	assert.Equal(t, []model.Symbol{"^NSEI"}, cfg.Market.Indices())
}

func TestLoad_ClampsPollInterval(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"too fast", "1s", MinPollInterval},
		{"too slow", "2m", MaxPollInterval},
		{"in range", "10s", 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POLLER_INTERVAL", tt.in)
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Poller.Interval)
		})
	}
}

func TestLoad_RejectsBadBackend(t *testing.T) {
	t.Setenv("WATCHLIST_BACKEND", "sqlite")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("WATCHLIST_BACKEND", BackendRedis)
	_, err = Load()
	assert.ErrorContains(t, err, "redis.url")
}

func TestLoad_RejectsBadAmount(t *testing.T) {
	t.Setenv("BROKER_STARTING_CASH", "lots")
	_, err := Load()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, AppConfig{LogLevel: "debug"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, AppConfig{LogLevel: "WARN"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, AppConfig{LogLevel: "verbose"}.SlogLevel())
}
