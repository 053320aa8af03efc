package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
)

// PriceClient calls the batched price endpoint:
//
//	POST /prices/batch {"tickers": [...]}
//	→ {"RELIANCE.NS": {"price": 2600.5, "change": 12.1, "percent_change": 0.47}, ...}
//
// Symbols upstream cannot price are omitted from the response.
type PriceClient struct {
	base
	now func() time.Time
}

// NewPriceClient creates a client for baseURL. hc may be nil.
func NewPriceClient(baseURL string, hc *http.Client) *PriceClient {
	return &PriceClient{base: newBase(baseURL, hc), now: time.Now}
}

type quote struct {
	Price         *decimal.Decimal `json:"price"`
	Change        *decimal.Decimal `json:"change"`
	PercentChange *decimal.Decimal `json:"percent_change"`
}

// FetchPrices requests every symbol in one call. Entries that fail to decode
// or lack a price are skipped; the rest are returned.
func (c *PriceClient) FetchPrices(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.PriceDatum, error) {
	tickers := make([]string, len(symbols))
	for i, s := range symbols {
		tickers[i] = string(s)
	}

	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/prices/batch", "", map[string]any{"tickers": tickers}, &raw); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	if msg, ok := raw["error"]; ok {
		var s string
		if json.Unmarshal(msg, &s) == nil {
			return nil, fmt.Errorf("fetch prices: %w", errors.New(s))
		}
	}

	asOf := c.now().UTC()
	out := make(map[model.Symbol]model.PriceDatum, len(raw))
	for key, msg := range raw {
		var q quote
		if err := json.Unmarshal(msg, &q); err != nil || q.Price == nil {
			slog.Debug("skipping malformed quote", "symbol", key, "err", err)
			continue
		}
		d := model.PriceDatum{
			Symbol: model.Symbol(key),
			Price:  *q.Price,
			AsOf:   asOf,
		}
		if q.Change != nil {
			d.Change = *q.Change
		}
		if q.PercentChange != nil {
			d.PercentChange = *q.PercentChange
		}
		out[d.Symbol] = d
	}
	return out, nil
}
