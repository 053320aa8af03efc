package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/signal"
)

// PredictClient calls the prediction endpoint:
//
//	POST /predict {"ticker": "TCS.NS"}
//	→ {"ticker", "recommendation": "Buy|Sell|Hold", "confidence_score": "71.20%"} or {"error": msg}
type PredictClient struct {
	base
}

// NewPredictClient creates a client for baseURL. hc may be nil.
func NewPredictClient(baseURL string, hc *http.Client) *PredictClient {
	return &PredictClient{base: newBase(baseURL, hc)}
}

type predictResponse struct {
	Ticker         string `json:"ticker"`
	Recommendation string `json:"recommendation"`
	Confidence     string `json:"confidence_score"`
	Error          string `json:"error"`
}

// Predict asks for a signal on sym.
func (c *PredictClient) Predict(ctx context.Context, sym model.Symbol) (signal.Prediction, error) {
	var resp predictResponse
	if err := c.do(ctx, http.MethodPost, "/predict", "", map[string]string{"ticker": string(sym)}, &resp); err != nil {
		return signal.Prediction{}, fmt.Errorf("predict %s: %w", sym, err)
	}
	if resp.Error != "" {
		return signal.Prediction{}, errors.New(resp.Error)
	}

	rec := signal.Recommendation(resp.Recommendation)
	switch rec {
	case signal.RecommendBuy, signal.RecommendSell, signal.RecommendHold:
	default:
		return signal.Prediction{}, fmt.Errorf("predict %s: unknown recommendation %q", sym, resp.Recommendation)
	}
	return signal.Prediction{
		Symbol:         sym,
		Recommendation: rec,
		Confidence:     resp.Confidence,
		At:             time.Now().UTC(),
	}, nil
}
