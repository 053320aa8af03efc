package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stockwise/market-engine/internal/api"
	"github.com/stockwise/market-engine/internal/broker"
	"github.com/stockwise/market-engine/internal/config"
	"github.com/stockwise/market-engine/internal/hub"
	"github.com/stockwise/market-engine/internal/ledger"
	"github.com/stockwise/market-engine/internal/metrics"
	"github.com/stockwise/market-engine/internal/session"
	"github.com/stockwise/market-engine/internal/store"
	"github.com/stockwise/market-engine/internal/trade"
	"github.com/stockwise/market-engine/internal/upstream"
	"github.com/stockwise/market-engine/internal/watchlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.App.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Backing services ---
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		slog.Info("connected to PostgreSQL")
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis.url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Paper broker ---
	var brk *broker.Broker
	if cfg.Broker.Enabled {
		st, err := brokerStore(ctx, pool, rdb, cfg.Redis.TTL)
		if err != nil {
			slog.Error("broker store init failed", "err", err)
			os.Exit(1)
		}
		perSymbol, perExchange := cfg.Broker.Limits()
		brk = broker.New(st, cfg.Broker.StartingCashAmount(), broker.NewPositionLimiter(perSymbol, perExchange), logger)
	}

	// Portfolio reads and executions go to the remote broker when one is
	// configured, otherwise straight to the in-process one.
	var (
		portfolio ledger.Reader
		executor  trade.Executor
	)
	if cfg.Upstream.BrokerURL != "" {
		client := upstream.NewBrokerClient(cfg.Upstream.BrokerURL, nil)
		portfolio, executor = client, client
		slog.Info("using remote broker", "url", cfg.Upstream.BrokerURL)
	} else {
		portfolio, executor = brk, brk
		slog.Info("using in-process paper broker")
	}

	watchlists, err := watchlistStore(ctx, cfg, pool, rdb)
	if err != nil {
		slog.Error("watchlist store init failed", "err", err)
		os.Exit(1)
	}

	// --- Sessions and push hub ---
	wsHub := hub.New(api.UserID)
	sessions := session.NewManager(ctx, session.Config{
		Indices:       cfg.Market.Indices(),
		PollInterval:  cfg.Poller.Interval,
		PollTimeout:   cfg.Poller.Timeout,
		LedgerTimeout: cfg.Ledger.Timeout,
		TradeTimeout:  cfg.Trade.Timeout,
		SignalTimeout: cfg.Signal.Timeout,
	}, session.Deps{
		Prices:     upstream.NewPriceClient(cfg.Upstream.PriceURL, nil),
		Portfolio:  portfolio,
		Executor:   executor,
		Predictor:  upstream.NewPredictClient(cfg.Upstream.PredictURL, nil),
		Watchlists: watchlists,
		Publisher:  wsHub,
		Logger:     logger,
	}, cfg.Session.IdleTimeout)
	sessions.SetConnected(wsHub.Connected)
	wsHub.SetGreeter(func(userID string) []hub.Message {
		s, err := sessions.Get(userID)
		if err != nil {
			return nil
		}
		return s.Greeting()
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+upstream.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"market-engine","sessions":%d}`, sessions.Len())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live dashboard updates. Kept outside the
		// request timeout so long-lived connections are not cut.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.NewHandler(sessions).Routes(r)
		})
	})

	// Paper broker, same wire format as a remote broker.
	if brk != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.NewBrokerHandler(brk).Routes(r)
		})
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx.Done())
		return nil
	})
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error {
		slog.Info("market-engine listening", "port", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown.
		<-gctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("market-engine exited with error", "err", err)
	}
	slog.Info("market-engine stopped")
}

// brokerStore picks Postgres (optionally behind a Redis read-through cache)
// or falls back to memory.
func brokerStore(ctx context.Context, pool *pgxpool.Pool, rdb *redis.Client, ttl time.Duration) (store.Store, error) {
	if pool == nil {
		slog.Warn("database.url not set, using in-memory broker store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if rdb == nil {
		return pg, nil
	}
	slog.Info("Redis ledger cache enabled", "ttl", ttl)
	return store.NewCachedStore(pg, rdb, ttl), nil
}

func watchlistStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client) (watchlist.Store, error) {
	defaults := cfg.Market.Defaults()
	switch cfg.Watchlist.Backend {
	case config.BackendRedis:
		return watchlist.NewRedisStore(rdb, defaults), nil
	case config.BackendPostgres:
		s := watchlist.NewPostgresStore(pool, defaults)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		return watchlist.NewMemoryStore(defaults), nil
	default:
		return watchlist.NewFileStore(cfg.Watchlist.Dir, defaults)
	}
}
