// Package config loads service configuration from an optional .env file,
// an optional config.yaml, environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/stockwise/market-engine/internal/model"
)

// Poll interval bounds. Configured values outside are clamped.
const (
	MinPollInterval = 8 * time.Second
	MaxPollInterval = 20 * time.Second
)

// Watchlist backends.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for the service.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Trade     TradeConfig     `mapstructure:"trade"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Session   SessionConfig   `mapstructure:"session"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Market    MarketConfig    `mapstructure:"market"`
}

type AppConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type PollerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type TradeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SignalConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LedgerConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// UpstreamConfig points at the external endpoints. An empty BrokerURL means
// the in-process paper broker serves portfolio reads and executions.
type UpstreamConfig struct {
	PriceURL   string `mapstructure:"price_url"`
	BrokerURL  string `mapstructure:"broker_url"`
	PredictURL string `mapstructure:"predict_url"`
}

type BrokerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	StartingCash        string `mapstructure:"starting_cash"`
	MaxPosition         string `mapstructure:"max_position"`
	MaxExchangeExposure string `mapstructure:"max_exchange_exposure"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type WatchlistConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type MarketConfig struct {
	IndexSymbols     []string `mapstructure:"index_symbols"`
	DefaultWatchlist []string `mapstructure:"default_watchlist"`
}

var keys = []string{
	"app.port", "app.log_level",
	"poller.interval", "poller.timeout",
	"trade.timeout", "signal.timeout", "ledger.timeout",
	"session.idle_timeout",
	"upstream.price_url", "upstream.broker_url", "upstream.predict_url",
	"broker.enabled", "broker.starting_cash", "broker.max_position", "broker.max_exchange_exposure",
	"database.url",
	"redis.url", "redis.ttl",
	"watchlist.backend", "watchlist.dir",
	"market.index_symbols", "market.default_watchlist",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("poller.interval", "15s")
	v.SetDefault("poller.timeout", "10s")
	v.SetDefault("trade.timeout", "10s")
	v.SetDefault("signal.timeout", "30s")
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("session.idle_timeout", "30m")

	v.SetDefault("upstream.price_url", "http://localhost:8000")
	v.SetDefault("upstream.broker_url", "")
	v.SetDefault("upstream.predict_url", "http://localhost:8000")

	v.SetDefault("broker.enabled", true)
	v.SetDefault("broker.starting_cash", "100000")
	v.SetDefault("broker.max_position", "0")
	v.SetDefault("broker.max_exchange_exposure", "0")

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("watchlist.backend", BackendFile)
	v.SetDefault("watchlist.dir", "data/watchlists")

	v.SetDefault("market.index_symbols", []string{"^NSEI", "^BSESN"})
	v.SetDefault("market.default_watchlist", []string{
		"RELIANCE.NS", "TCS.NS", "HDFCBANK.NS", "INFY.NS", "SBIN.NS", "ITC.NS",
	})
}

// Load reads configuration from .env, config.yaml (if present), environment
// variables and defaults, in increasing order of precedence for env vars.
func Load() (*Config, error) {
	// Load .env into the process environment so APP_PORT etc. are visible.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// "poller.interval" -> "POLLER_INTERVAL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			slog.Warn("could not bind env var", "key", key, "err", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values and clamps the poll interval into range.
func (c *Config) Validate() error {
	if c.Poller.Interval < MinPollInterval {
		slog.Warn("poller.interval below minimum, clamping", "configured", c.Poller.Interval, "min", MinPollInterval)
		c.Poller.Interval = MinPollInterval
	}
	if c.Poller.Interval > MaxPollInterval {
		slog.Warn("poller.interval above maximum, clamping", "configured", c.Poller.Interval, "max", MaxPollInterval)
		c.Poller.Interval = MaxPollInterval
	}
	if c.Poller.Timeout <= 0 || c.Trade.Timeout <= 0 {
		return errors.New("config: poller.timeout and trade.timeout must be positive")
	}

	switch c.Watchlist.Backend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("config: watchlist.backend=redis requires redis.url")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("config: watchlist.backend=postgres requires database.url")
		}
	default:
		return fmt.Errorf("config: unknown watchlist.backend %q", c.Watchlist.Backend)
	}

	if c.Upstream.BrokerURL == "" && !c.Broker.Enabled {
		return errors.New("config: either upstream.broker_url or broker.enabled is required")
	}
	if c.Upstream.PriceURL == "" {
		return errors.New("config: upstream.price_url is required")
	}
	for _, s := range []string{c.Broker.StartingCash, c.Broker.MaxPosition, c.Broker.MaxExchangeExposure} {
		if _, err := decimal.NewFromString(s); err != nil {
			return fmt.Errorf("config: invalid broker amount %q: %w", s, err)
		}
	}
	return nil
}

// StartingCashAmount returns the broker's opening balance.
func (b BrokerConfig) StartingCashAmount() decimal.Decimal {
	return decimal.RequireFromString(b.StartingCash)
}

// Limits returns the per-symbol and per-exchange position limits.
func (b BrokerConfig) Limits() (perSymbol, perExchange decimal.Decimal) {
	return decimal.RequireFromString(b.MaxPosition), decimal.RequireFromString(b.MaxExchangeExposure)
}

// Indices returns the configured index symbols.
func (m MarketConfig) Indices() []model.Symbol { return symbols(m.IndexSymbols) }

// Defaults returns the watchlist of a user with no saved list.
func (m MarketConfig) Defaults() []model.Symbol { return symbols(m.DefaultWatchlist) }

func symbols(in []string) []model.Symbol {
	out := make([]model.Symbol, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, model.Symbol(s))
		}
	}
	return out
}

// SlogLevel maps app.log_level onto a slog level; unknown values mean info.
func (a AppConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(a.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
