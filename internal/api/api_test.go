package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/market-engine/internal/api"
	"github.com/stockwise/market-engine/internal/broker"
	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/session"
	"github.com/stockwise/market-engine/internal/signal"
	"github.com/stockwise/market-engine/internal/store"
	"github.com/stockwise/market-engine/internal/trade"
	"github.com/stockwise/market-engine/internal/upstream"
	"github.com/stockwise/market-engine/internal/watchlist"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticFetcher map[model.Symbol]decimal.Decimal

func (f staticFetcher) FetchPrices(_ context.Context, symbols []model.Symbol) (map[model.Symbol]model.PriceDatum, error) {
	out := make(map[model.Symbol]model.PriceDatum)
	for _, sym := range symbols {
		if p, ok := f[sym]; ok {
			out[sym] = model.PriceDatum{Symbol: sym, Price: p, AsOf: time.Now()}
		}
	}
	return out, nil
}

type holdPredictor struct{}

func (holdPredictor) Predict(_ context.Context, sym model.Symbol) (signal.Prediction, error) {
	return signal.Prediction{Symbol: sym, Recommendation: signal.RecommendHold, Confidence: "51.00%"}, nil
}

var prices = staticFetcher{
	"^NSEI":       d("24000"),
	"RELIANCE.NS": d("2500"),
	"TCS.NS":      d("4000"),
}

// newTestEnv wires the dashboard against an HTTP paper broker, the way a
// split deployment runs.
func newTestEnv(t *testing.T) (chi.Router, *session.Manager) {
	t.Helper()

	brk := broker.New(store.NewMemoryStore(), d("10000"), nil, nil)
	brokerRouter := chi.NewRouter()
	api.NewBrokerHandler(brk).Routes(brokerRouter)
	brokerSrv := httptest.NewServer(brokerRouter)
	t.Cleanup(brokerSrv.Close)

	client := upstream.NewBrokerClient(brokerSrv.URL, brokerSrv.Client())
	ctx, cancel := context.WithCancel(context.Background())
	mgr := session.NewManager(ctx, session.Config{
		Indices:      []model.Symbol{"^NSEI"},
		PollInterval: time.Hour,
		PollTimeout:  time.Second,
	}, session.Deps{
		Prices:     prices,
		Portfolio:  client,
		Executor:   client,
		Predictor:  holdPredictor{},
		Watchlists: watchlist.NewMemoryStore([]model.Symbol{"RELIANCE.NS"}),
	}, time.Hour)
	t.Cleanup(func() {
		cancel()
		mgr.Close()
	})

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(mgr).Routes)
	return r, mgr
}

func do(t *testing.T, router chi.Router, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(upstream.UserHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitPriced(t *testing.T, mgr *session.Manager, user string, sym model.Symbol) {
	t.Helper()
	s, err := mgr.Get(user)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := s.Prices.Get(sym)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	router, _ := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/v1/dashboard", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWatchlist_AddRemoveSelect(t *testing.T) {
	router, _ := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/v1/watchlist", "u1", api.SymbolRequest{Symbol: "TCS.NS"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Watchlist []model.Symbol `json:"watchlist"`
		Selected  model.Symbol   `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []model.Symbol{"RELIANCE.NS", "TCS.NS"}, resp.Watchlist)
	assert.Equal(t, model.Symbol("TCS.NS"), resp.Selected)

	w = do(t, router, http.MethodDelete, "/api/v1/watchlist/TCS.NS", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []model.Symbol{"RELIANCE.NS"}, resp.Watchlist)
	assert.Equal(t, model.Symbol("RELIANCE.NS"), resp.Selected)

	w = do(t, router, http.MethodPost, "/api/v1/watchlist", "u1", api.SymbolRequest{Symbol: "bad ticker"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPut, "/api/v1/selection", "u1", api.SymbolRequest{Symbol: "^NSEI"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.Symbol("^NSEI"), resp.Selected)
}

func TestDashboard_ShowsPricesAndValuation(t *testing.T) {
	router, mgr := newTestEnv(t)
	waitPriced(t, mgr, "u1", "RELIANCE.NS")

	w := do(t, router, http.MethodGet, "/api/v1/dashboard", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var dash session.Dashboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dash))
	require.Len(t, dash.Watchlist, 1)
	require.NotNil(t, dash.Watchlist[0].Price)
	assert.True(t, dash.Watchlist[0].Price.Price.Equal(d("2500")))
	assert.Equal(t, "RELIANCE", dash.Watchlist[0].Display)
	assert.True(t, dash.Valuation.Cash.Equal(d("10000")))
}

func TestSubmitTrade_CommitsThroughBroker(t *testing.T) {
	router, mgr := newTestEnv(t)
	waitPriced(t, mgr, "u1", "RELIANCE.NS")

	w := do(t, router, http.MethodPost, "/api/v1/trades", "u1",
		trade.Request{Symbol: "RELIANCE.NS", Side: model.Buy, Quantity: 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var a trade.Attempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, trade.Committed, a.State)
	assert.True(t, a.Price.Equal(d("2500")))

	w = do(t, router, http.MethodGet, "/api/v1/valuation", "u1", nil)
	var v model.Valuation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Len(t, v.Rows, 1)
	assert.True(t, v.Cash.Equal(d("5000")))
	assert.True(t, v.TotalPortfolioValue.Equal(d("10000")))

	w = do(t, router, http.MethodGet, "/api/v1/trades", "u1", nil)
	var history []trade.Attempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}

func TestSubmitTrade_LocalRejection(t *testing.T) {
	router, mgr := newTestEnv(t)
	waitPriced(t, mgr, "u1", "RELIANCE.NS")

	w := do(t, router, http.MethodPost, "/api/v1/trades", "u1",
		trade.Request{Symbol: "RELIANCE.NS", Side: model.Sell, Quantity: 15})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Error   string        `json:"error"`
		Attempt trade.Attempt `json:"attempt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "insufficient holdings")
	assert.Equal(t, trade.Rejected, resp.Attempt.State)
	assert.True(t, resp.Attempt.Local)
}

func TestSubmitTrade_InsufficientFunds(t *testing.T) {
	router, mgr := newTestEnv(t)
	waitPriced(t, mgr, "u1", "RELIANCE.NS")

	// 5 × 2500 = 12500 > 10000 cash.
	w := do(t, router, http.MethodPost, "/api/v1/trades", "u1",
		trade.Request{Symbol: "RELIANCE.NS", Side: model.Buy, Quantity: 5})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	s, _ := mgr.Get("u1")
	assert.True(t, s.Ledger.Cash().Equal(d("10000")))
}

func TestSignal_RequestAndLatest(t *testing.T) {
	router, _ := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/v1/signal", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/signal", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p signal.Prediction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, model.Symbol("RELIANCE.NS"), p.Symbol)
	assert.Equal(t, signal.RecommendHold, p.Recommendation)

	w = do(t, router, http.MethodGet, "/api/v1/signal", "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A new selection discards the previous prediction.
	do(t, router, http.MethodPut, "/api/v1/selection", "u1", api.SymbolRequest{Symbol: "TCS.NS"})
	w = do(t, router, http.MethodGet, "/api/v1/signal", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFeed_StatusAndRefresh(t *testing.T) {
	router, _ := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/v1/feed/refresh", "u1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/feed", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state"`)
}
