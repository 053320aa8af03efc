package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/signal"
	"github.com/stockwise/market-engine/internal/trade"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFetchPrices_SkipsMalformedEntries(t *testing.T) {
	var gotTickers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prices/batch", r.URL.Path)
		var body struct {
			Tickers []string `json:"tickers"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotTickers = body.Tickers
		w.Write([]byte(`{
			"RELIANCE.NS": {"price": 2600.5, "change": 12.25, "percent_change": 0.47},
			"TCS.NS": {"price": "bad"},
			"INFY.NS": {"change": 1}
		}`))
	}))
	defer srv.Close()

	c := NewPriceClient(srv.URL, srv.Client())
	fixed := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	got, err := c.FetchPrices(context.Background(), []model.Symbol{"RELIANCE.NS", "TCS.NS", "INFY.NS"})

	require.NoError(t, err)
	assert.Equal(t, []string{"RELIANCE.NS", "TCS.NS", "INFY.NS"}, gotTickers)
	require.Len(t, got, 1)
	rel := got["RELIANCE.NS"]
	assert.True(t, rel.Price.Equal(d("2600.5")))
	assert.True(t, rel.PercentChange.Equal(d("0.47")))
	assert.Equal(t, fixed, rel.AsOf)
}

func TestFetchPrices_ErrorBodyIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	_, err := NewPriceClient(srv.URL, nil).FetchPrices(context.Background(), []model.Symbol{"A"})
	assert.ErrorContains(t, err, "rate limited")
}

func TestFetchPrices_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewPriceClient(srv.URL, nil).FetchPrices(context.Background(), []model.Symbol{"A"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestPortfolio_DecodesLedger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u42", r.Header.Get(UserHeader))
		w.Write([]byte(`{"cashBalance": 10000, "holdings": {"RELIANCE.NS": {"quantity": 10, "averagePrice": 2500}}}`))
	}))
	defer srv.Close()

	l, err := NewBrokerClient(srv.URL, nil).Portfolio(context.Background(), "u42")

	require.NoError(t, err)
	assert.True(t, l.Cash.Equal(d("10000")))
	h := l.Holdings["RELIANCE.NS"]
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, h.AverageCost.Equal(d("2500")))
}

func TestExecute_RoutesBySideAndSurfacesDetail(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var o OrderDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&o))
		if r.URL.Path == "/portfolio/buy" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail": "Insufficient funds"}`))
			return
		}
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	c := NewBrokerClient(srv.URL, nil)
	err := c.Execute(context.Background(), "u1", model.Order{Symbol: "A", Side: model.Buy, Quantity: 1, Price: d("10")})

	var execErr *trade.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "Insufficient funds", execErr.Reason)
	assert.Equal(t, http.StatusBadRequest, execErr.Status)

	require.NoError(t, c.Execute(context.Background(), "u1", model.Order{Symbol: "A", Side: model.Sell, Quantity: 1, Price: d("10")}))
	assert.Equal(t, []string{"/portfolio/buy", "/portfolio/sell"}, paths)
}

func TestPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["ticker"] == "BAD.NS" {
			w.Write([]byte(`{"error": "Could not fetch data for 'BAD.NS'."}`))
			return
		}
		w.Write([]byte(`{"ticker": "TCS.NS", "recommendation": "Hold", "confidence_score": "55.10%"}`))
	}))
	defer srv.Close()

	c := NewPredictClient(srv.URL, nil)
	p, err := c.Predict(context.Background(), "TCS.NS")
	require.NoError(t, err)
	assert.Equal(t, signal.RecommendHold, p.Recommendation)
	assert.Equal(t, "55.10%", p.Confidence)

	_, err = c.Predict(context.Background(), "BAD.NS")
	assert.EqualError(t, err, "Could not fetch data for 'BAD.NS'.")
}
