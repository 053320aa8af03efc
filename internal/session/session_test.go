package session

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/market-engine/internal/broker"
	"github.com/stockwise/market-engine/internal/hub"
	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/signal"
	"github.com/stockwise/market-engine/internal/store"
	"github.com/stockwise/market-engine/internal/trade"
	"github.com/stockwise/market-engine/internal/watchlist"
)

type quoteFetcher struct {
	mu     sync.Mutex
	prices map[model.Symbol]decimal.Decimal
	asked  [][]model.Symbol
}

func (f *quoteFetcher) FetchPrices(_ context.Context, symbols []model.Symbol) (map[model.Symbol]model.PriceDatum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, symbols)
	out := make(map[model.Symbol]model.PriceDatum)
	for _, sym := range symbols {
		if p, ok := f.prices[sym]; ok {
			out[sym] = model.PriceDatum{Symbol: sym, Price: p, AsOf: time.Now()}
		}
	}
	return out, nil
}

func (f *quoteFetcher) lastAsked() []model.Symbol {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.asked) == 0 {
		return nil
	}
	return f.asked[len(f.asked)-1]
}

type fixedPredictor struct{ rec signal.Recommendation }

func (p fixedPredictor) Predict(_ context.Context, sym model.Symbol) (signal.Prediction, error) {
	return signal.Prediction{Symbol: sym, Recommendation: p.rec, Confidence: "80.00%"}, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []hub.Message
}

func (r *recorder) Publish(_ string, msg hub.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) has(typ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Type == typ {
			return true
		}
	}
	return false
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testDeps(rec signal.Recommendation) (Deps, *quoteFetcher, *recorder) {
	f := &quoteFetcher{prices: map[model.Symbol]decimal.Decimal{
		"^NSEI":       d("24000"),
		"RELIANCE.NS": d("2600"),
		"TCS.NS":      d("4000"),
	}}
	b := broker.New(store.NewMemoryStore(), d("100000"), nil, nil)
	pub := &recorder{}
	return Deps{
		Prices:     f,
		Portfolio:  b,
		Executor:   b,
		Predictor:  fixedPredictor{rec: rec},
		Watchlists: watchlist.NewMemoryStore([]model.Symbol{"TCS.NS"}),
		Publisher:  pub,
	}, f, pub
}

func testConfig() Config {
	return Config{
		Indices:      []model.Symbol{"^NSEI"},
		PollInterval: time.Hour,
		PollTimeout:  time.Second,
	}
}

func TestSession_StartLoadsAndPolls(t *testing.T) {
	deps, _, pub := testDeps(signal.RecommendHold)
	s := New("u1", testConfig(), deps)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, ok := s.Prices.Get("TCS.NS")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	dash := s.Dashboard()
	assert.Equal(t, model.Symbol("TCS.NS"), dash.Selected.Symbol)
	require.Len(t, dash.Watchlist, 1)
	assert.Equal(t, "TCS", dash.Watchlist[0].Display)
	require.NotNil(t, dash.Watchlist[0].Price)
	assert.True(t, dash.Watchlist[0].Price.Price.Equal(d("4000")))
	require.Len(t, dash.Indices, 1)
	assert.True(t, dash.Valuation.TotalPortfolioValue.Equal(d("100000")))
	assert.True(t, pub.has(hub.TypeSnapshot))
}

func TestSession_TradeReloadsLedgerAndTracksPosition(t *testing.T) {
	deps, f, pub := testDeps(signal.RecommendHold)
	s := New("u1", testConfig(), deps)
	s.Start(context.Background())
	defer s.Stop()

	// Select and price a symbol that is not on the watchlist.
	s.Interest.Select("RELIANCE.NS")
	require.Eventually(t, func() bool {
		_, ok := s.Prices.Get("RELIANCE.NS")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	a, err := s.Submit(context.Background(), trade.Request{Symbol: "RELIANCE.NS", Side: model.Buy, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, trade.Committed, a.State)

	// Ledger reloaded synchronously; the position joins the interest set.
	h, ok := s.Ledger.Holding("RELIANCE.NS")
	require.True(t, ok)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, s.Ledger.Cash().Equal(d("74000")))

	s.Interest.Select("TCS.NS")
	assert.True(t, s.Interest.Contains("RELIANCE.NS"), "held symbol stays in the interest set")

	require.Eventually(t, func() bool {
		for _, sym := range f.lastAsked() {
			if sym == "RELIANCE.NS" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	v := s.Valuation.Current()
	require.Len(t, v.Rows, 1)
	assert.True(t, v.TotalPortfolioValue.Equal(d("100000")))
	assert.True(t, pub.has(hub.TypeTrade))
	assert.True(t, pub.has(hub.TypeLedger))
}

func TestSession_SellSignalOnWatchedSymbolRaisesAlert(t *testing.T) {
	deps, _, pub := testDeps(signal.RecommendSell)
	s := New("u1", testConfig(), deps)
	s.Start(context.Background())
	defer s.Stop()

	p, err := s.Signals.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Symbol("TCS.NS"), p.Symbol)
	require.Len(t, s.Signals.Alerts(), 1)
	assert.True(t, pub.has(hub.TypeAlert))

	dash := s.Dashboard()
	require.NotNil(t, dash.Prediction)
	assert.Equal(t, signal.RecommendSell, dash.Prediction.Recommendation)
}

func TestSession_StopIsIdempotent(t *testing.T) {
	deps, _, _ := testDeps(signal.RecommendHold)
	s := New("u1", testConfig(), deps)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestManager_GetSharesSessionAndSweeps(t *testing.T) {
	deps, _, _ := testDeps(signal.RecommendHold)
	m := NewManager(context.Background(), testConfig(), deps, time.Minute)
	defer m.Close()

	_, err := m.Get("")
	assert.ErrorIs(t, err, ErrNoUser)

	var wg sync.WaitGroup
	got := make([]*Session, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = m.Get("u1")
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, m.Len())

	// Connected clients keep a session alive.
	m.SetConnected(func(string) int { return 1 })
	assert.Equal(t, 0, m.Sweep(time.Now().Add(time.Hour)))

	m.SetConnected(func(string) int { return 0 })
	assert.Equal(t, 0, m.Sweep(time.Now()), "recently used")
	assert.Equal(t, 1, m.Sweep(time.Now().Add(time.Hour)))
	_, ok := m.Lookup("u1")
	assert.False(t, ok)
}

func TestSession_DashboardReadsOneSnapshot(t *testing.T) {
	deps, _, _ := testDeps(signal.RecommendHold)
	b := deps.Executor.(*broker.Broker)
	require.NoError(t, b.Execute(context.Background(), "u1",
		model.Order{Symbol: "TCS.NS", Side: model.Buy, Quantity: 2, Price: d("2000")}))

	s := New("u1", testConfig(), deps)
	s.Start(context.Background())
	defer s.Stop()
	require.Eventually(t, func() bool {
		_, ok := s.Ledger.Holding("TCS.NS")
		_, priced := s.Prices.Get("TCS.NS")
		return ok && priced
	}, 2*time.Second, 10*time.Millisecond)

	var (
		mu   sync.Mutex
		torn []string
	)
	cancel := s.Prices.Subscribe(func(_ model.Snapshot, _ uint64) {
		dash := s.Dashboard()
		require.Len(t, dash.Valuation.Rows, 1)
		quoted := dash.Watchlist[0].Price.Price
		valued := *dash.Valuation.Rows[0].CurrentPrice
		if !quoted.Equal(valued) {
			mu.Lock()
			torn = append(torn, quoted.String()+"/"+valued.String())
			mu.Unlock()
		}
	})
	defer cancel()

	for i := 0; i < 50; i++ {
		s.Prices.Publish(map[model.Symbol]model.PriceDatum{
			"TCS.NS": {Price: decimal.NewFromInt(int64(3000 + i)), AsOf: time.Now()},
		})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, torn)
}

// blockingFetcher holds every batch until its context ends.
type blockingFetcher struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	ended   chan error
}

func (f *blockingFetcher) FetchPrices(ctx context.Context, _ []model.Symbol) (map[model.Symbol]model.PriceDatum, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.started <- struct{}{}
	<-ctx.Done()
	f.ended <- ctx.Err()
	return nil, ctx.Err()
}

func TestSession_StopCancelsFirstBatch(t *testing.T) {
	deps, _, pub := testDeps(signal.RecommendHold)
	f := &blockingFetcher{started: make(chan struct{}, 4), ended: make(chan error, 4)}
	deps.Prices = f
	cfg := testConfig()
	cfg.PollTimeout = time.Minute

	s := New("u1", cfg, deps)
	s.Start(context.Background())
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch did not start")
	}

	s.Stop()

	select {
	case err := <-f.ended:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("first batch still in flight after Stop")
	}
	time.Sleep(50 * time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, 1, f.calls)
	f.mu.Unlock()
	assert.Zero(t, s.Prices.Version())
	assert.False(t, pub.has(hub.TypeFault))
}

func TestSession_LogLinesTagUserOnce(t *testing.T) {
	var buf bytes.Buffer
	deps, _, _ := testDeps(signal.RecommendHold)
	deps.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := New("u1", testConfig(), deps)
	s.Start(context.Background())
	_, err := s.Submit(context.Background(), trade.Request{Symbol: "TCS.NS", Side: model.Sell, Quantity: 5})
	require.Error(t, err)
	s.Stop()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"user":"u1"`), line)
	}
}
