package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/session"
	"github.com/stockwise/market-engine/internal/signal"
	"github.com/stockwise/market-engine/internal/ticker"
	"github.com/stockwise/market-engine/internal/trade"
	"github.com/stockwise/market-engine/internal/upstream"
	"github.com/stockwise/market-engine/internal/watchlist"
)

// UserID returns the caller's id from the X-User-ID header, falling back to
// the user query parameter for WebSocket upgrades, which cannot set headers.
func UserID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(upstream.UserHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}

// symbolParam reads and unescapes a symbol path parameter ("%5ENSEI" → "^NSEI").
func symbolParam(r *http.Request, name string) model.Symbol {
	raw := chi.URLParam(r, name)
	if s, err := url.PathUnescape(raw); err == nil {
		raw = s
	}
	return model.Symbol(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var execErr *trade.ExecutionError
	switch {
	case errors.Is(err, session.ErrNoUser), errors.Is(err, watchlist.ErrNoUser):
		return http.StatusUnauthorized
	case errors.Is(err, ticker.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, trade.ErrInvalidQuantity),
		errors.Is(err, trade.ErrInvalidSide),
		errors.Is(err, trade.ErrInvalidSymbol),
		errors.Is(err, trade.ErrPriceUnavailable),
		errors.Is(err, trade.ErrInsufficientHoldings),
		errors.Is(err, trade.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.As(err, &execErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, signal.ErrNoSelection), errors.Is(err, signal.ErrSelectionChanged):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
