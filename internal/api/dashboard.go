// Package api provides the HTTP handlers for the dashboard and the paper
// broker.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/session"
	"github.com/stockwise/market-engine/internal/trade"
)

// Handler serves the per-user dashboard API.
type Handler struct {
	sessions *session.Manager
}

// NewHandler creates a dashboard handler.
func NewHandler(sessions *session.Manager) *Handler {
	return &Handler{sessions: sessions}
}

// Routes registers the dashboard endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/dashboard", h.GetDashboard)
	r.Get("/prices", h.GetPrices)
	r.Get("/feed", h.GetFeedStatus)
	r.Post("/feed/refresh", h.RefreshFeed)

	r.Get("/watchlist", h.GetWatchlist)
	r.Post("/watchlist", h.AddToWatchlist)
	r.Delete("/watchlist/{symbol}", h.RemoveFromWatchlist)
	r.Put("/selection", h.Select)

	r.Get("/valuation", h.GetValuation)
	r.Post("/ledger/reload", h.ReloadLedger)

	r.Post("/trades", h.SubmitTrade)
	r.Get("/trades", h.TradeHistory)
	r.Get("/trades/pending", h.PendingTrades)

	r.Post("/signal", h.RequestSignal)
	r.Get("/signal", h.LatestSignal)
	r.Get("/alerts", h.Alerts)
}

// SymbolRequest is the JSON body for watchlist and selection changes.
type SymbolRequest struct {
	Symbol string `json:"symbol"`
}

// session resolves the caller's session or writes the error.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(UserID(r))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return nil, false
	}
	return s, true
}

// GetDashboard handles GET /api/v1/dashboard
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Dashboard())
}

// GetPrices handles GET /api/v1/prices
// Returns the interest-set slice of the current snapshot and its version.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, version := s.Prices.View(s.Interest.Current())
	writeJSON(w, http.StatusOK, session.SnapshotMessage{Version: version, Prices: snap})
}

// GetFeedStatus handles GET /api/v1/feed
func (h *Handler) GetFeedStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Poller.Status())
}

// RefreshFeed handles POST /api/v1/feed/refresh
// Requests an out-of-cycle poll; coalesces with any batch in flight.
func (h *Handler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Poller.Trigger()
	writeJSON(w, http.StatusAccepted, s.Poller.Status())
}

type watchlistResponse struct {
	Watchlist []model.Symbol `json:"watchlist"`
	Selected  model.Symbol   `json:"selected"`
}

func watchlistOf(s *session.Session) watchlistResponse {
	return watchlistResponse{Watchlist: s.Interest.Watchlist(), Selected: s.Interest.Selected()}
}

// GetWatchlist handles GET /api/v1/watchlist
func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, watchlistOf(s))
}

// AddToWatchlist handles POST /api/v1/watchlist
func (h *Handler) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	var req SymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.Watchlist.Add(r.Context(), req.Symbol); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, watchlistOf(s))
}

// RemoveFromWatchlist handles DELETE /api/v1/watchlist/{symbol}
func (h *Handler) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Watchlist.Remove(r.Context(), symbolParam(r, "symbol")); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, watchlistOf(s))
}

// Select handles PUT /api/v1/selection
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	var req SymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.Watchlist.Select(req.Symbol); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, watchlistOf(s))
}

// GetValuation handles GET /api/v1/valuation
func (h *Handler) GetValuation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Valuation.Current())
}

// ReloadLedger handles POST /api/v1/ledger/reload
func (h *Handler) ReloadLedger(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Ledger.Reload(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, s.Ledger.Ledger())
}

type tradeErrorResponse struct {
	Error   string         `json:"error"`
	Attempt *trade.Attempt `json:"attempt"`
}

// SubmitTrade handles POST /api/v1/trades
// Returns the attempt with its final state; rejections carry the reason.
func (h *Handler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	a, err := s.Submit(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), tradeErrorResponse{Error: err.Error(), Attempt: a})
		return
	}

	slog.Info("trade submitted via api", "user", s.UserID, "attempt", a.ID, "state", a.State)
	writeJSON(w, http.StatusOK, a)
}

// TradeHistory handles GET /api/v1/trades
func (h *Handler) TradeHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Trades.History())
}

// PendingTrades handles GET /api/v1/trades/pending
func (h *Handler) PendingTrades(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Trades.Pending())
}

// RequestSignal handles POST /api/v1/signal
// Predicts the selected instrument. 409 when the selection moved on first.
func (h *Handler) RequestSignal(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, err := s.Signals.Request(r.Context())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LatestSignal handles GET /api/v1/signal
func (h *Handler) LatestSignal(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, found := s.Signals.Latest()
	if !found {
		writeError(w, "no prediction for the current selection", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Alerts handles GET /api/v1/alerts
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Signals.Alerts())
}
