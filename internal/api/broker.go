package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stockwise/market-engine/internal/broker"
	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/trade"
	"github.com/stockwise/market-engine/internal/upstream"
)

// BrokerHandler exposes the paper broker over the same wire format the
// upstream clients speak, so the engine can point at itself or at a remote
// broker interchangeably. Errors are returned as {"detail": reason}.
type BrokerHandler struct {
	broker *broker.Broker
}

// NewBrokerHandler creates a broker handler.
func NewBrokerHandler(b *broker.Broker) *BrokerHandler {
	return &BrokerHandler{broker: b}
}

// Routes registers the broker endpoints on r.
func (h *BrokerHandler) Routes(r chi.Router) {
	r.Get("/portfolio", h.GetPortfolio)
	r.Post("/portfolio/buy", h.execute(model.Buy))
	r.Post("/portfolio/sell", h.execute(model.Sell))
	r.Get("/portfolio/trades", h.GetTrades)
}

func writeDetail(w http.ResponseWriter, detail string, status int) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// GetPortfolio handles GET /portfolio
func (h *BrokerHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		writeDetail(w, "User ID is required", http.StatusUnauthorized)
		return
	}
	l, err := h.broker.Portfolio(r.Context(), userID)
	if err != nil {
		slog.Error("portfolio read failed", "user", userID, "err", err)
		writeDetail(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, upstream.PortfolioFromLedger(l))
}

// execute handles POST /portfolio/buy and /portfolio/sell
func (h *BrokerHandler) execute(side model.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req upstream.OrderDTO
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, "invalid request body", http.StatusBadRequest)
			return
		}
		userID := UserID(r)

		err := h.broker.Execute(r.Context(), userID, model.Order{
			Symbol:   model.Symbol(req.Symbol),
			Side:     side,
			Quantity: req.Quantity,
			Price:    req.Price,
		})
		var execErr *trade.ExecutionError
		switch {
		case errors.As(err, &execErr):
			writeDetail(w, execErr.Reason, execErr.Status)
			return
		case err != nil:
			slog.Error("paper trade failed", "user", userID, "err", err)
			writeDetail(w, "failed to execute trade", http.StatusInternalServerError)
			return
		}

		l, err := h.broker.Portfolio(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, http.StatusOK, upstream.PortfolioFromLedger(l))
	}
}

// GetTrades handles GET /portfolio/trades
func (h *BrokerHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		writeDetail(w, "User ID is required", http.StatusUnauthorized)
		return
	}
	trades, err := h.broker.Trades(r.Context(), userID)
	if err != nil {
		writeDetail(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}
