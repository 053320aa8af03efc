package broker

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/ticker"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a buy would push a single
	// holding's cost basis beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("broker: per-symbol position limit exceeded")

	// ErrExchangeLimitExceeded is returned when a buy would push the aggregate
	// cost basis across one exchange beyond the exchange maximum.
	ErrExchangeLimitExceeded = errors.New("broker: exchange exposure limit exceeded")
)

// PositionLimiter enforces concentration limits on buys.
//
// Exposure is measured at cost (quantity × average cost). Holdings are
// grouped by exchange suffix, so RELIANCE.NS and TCS.NS share a group while
// RELIANCE.BO does not. A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum cost basis of any single holding.
	MaxPerSymbol decimal.Decimal

	// MaxPerExchange is the maximum aggregate cost basis across all holdings
	// listed on the same exchange.
	MaxPerExchange decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-symbol and
// per-exchange limits.
func NewPositionLimiter(maxPerSymbol, maxPerExchange decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSymbol:   maxPerSymbol,
		MaxPerExchange: maxPerExchange,
	}
}

// CheckLimit validates whether buying notional worth of target respects the
// limits given the user's existing holdings. A nil limiter allows everything.
func (l *PositionLimiter) CheckLimit(target model.Symbol, notional decimal.Decimal, holdings map[model.Symbol]model.Holding) error {
	if l == nil {
		return nil
	}

	// 1. Per-symbol limit.
	newPosition := exposure(holdings[target]).Add(notional)
	if l.MaxPerSymbol.IsPositive() && newPosition.GreaterThan(l.MaxPerSymbol) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Exchange exposure: sum across holdings sharing the suffix.
	if !l.MaxPerExchange.IsPositive() {
		return nil
	}
	group := exchangeOf(target)
	total := newPosition
	for sym, h := range holdings {
		if sym == target {
			continue // already counted via newPosition above
		}
		if exchangeOf(sym) == group {
			total = total.Add(exposure(h))
		}
	}
	if total.GreaterThan(l.MaxPerExchange) {
		return ErrExchangeLimitExceeded
	}
	return nil
}

func exposure(h model.Holding) decimal.Decimal {
	return h.AverageCost.Mul(decimal.NewFromInt(h.Quantity))
}

// exchangeOf returns the exchange suffix of sym, or "" when it has none.
func exchangeOf(sym model.Symbol) string {
	t, err := ticker.Parse(string(sym))
	if err != nil {
		return ""
	}
	return t.Exchange
}
