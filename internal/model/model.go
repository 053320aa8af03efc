// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies a security, e.g. "RELIANCE.NS". Comparison is exact:
// "RELIANCE.NS" and "RELIANCE.BO" are different instruments.
type Symbol string

// None is the selection sentinel used when nothing is selected.
const None Symbol = ""

// PriceDatum is one priced symbol inside a snapshot. Never patched in place;
// the next poll supersedes it wholesale.
type PriceDatum struct {
	Symbol        Symbol          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	PercentChange decimal.Decimal `json:"percent_change"`
	AsOf          time.Time       `json:"as_of"`
}

// Snapshot maps symbols to their latest price. Read-only once published.
type Snapshot map[Symbol]PriceDatum

// Symbols returns the snapshot keys in sorted order.
func (s Snapshot) Symbols() []Symbol {
	out := make([]Symbol, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Holding is a position in one symbol. A holding with zero quantity is
// removed from the ledger rather than kept as a zero row.
type Holding struct {
	Symbol      Symbol          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// Ledger is a user's authoritative holdings and cash balance.
// Schema: {holdings keyed by symbol, cash}; cash is never negative.
type Ledger struct {
	Holdings map[Symbol]Holding `json:"holdings"`
	Cash     decimal.Decimal    `json:"cash_balance"`
}

// Clone returns a deep copy so readers never share the holdings map.
func (l Ledger) Clone() Ledger {
	out := Ledger{
		Holdings: make(map[Symbol]Holding, len(l.Holdings)),
		Cash:     l.Cash,
	}
	for sym, h := range l.Holdings {
		out.Holdings[sym] = h
	}
	return out
}

// Symbols returns the symbols of open positions in sorted order.
func (l Ledger) Symbols() []Symbol {
	out := make([]Symbol, 0, len(l.Holdings))
	for sym, h := range l.Holdings {
		if h.Quantity > 0 {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Order is what gets sent to the execution endpoint.
type Order struct {
	Symbol   Symbol          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"` // live price at submission
}

// Trade is an immutable record of an executed order.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    Symbol          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cost      decimal.Decimal `json:"cost" db:"cost"` // signed: +buy, -sell
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ValuationRow is the derived valuation of one holding. CurrentPrice is nil
// while the symbol has not been priced yet.
type ValuationRow struct {
	Symbol        Symbol           `json:"symbol"`
	Quantity      int64            `json:"quantity"`
	AverageCost   decimal.Decimal  `json:"average_cost"`
	CurrentPrice  *decimal.Decimal `json:"current_price"`
	InvestedValue decimal.Decimal  `json:"invested_value"`
	CurrentValue  decimal.Decimal  `json:"current_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
}

// Valuation aggregates every row of a ledger against a snapshot.
type Valuation struct {
	Rows                []ValuationRow  `json:"rows"`
	Cash                decimal.Decimal `json:"cash_balance"`
	TotalInvested       decimal.Decimal `json:"total_invested"`
	TotalCurrentValue   decimal.Decimal `json:"total_current_value"`
	TotalPnL            decimal.Decimal `json:"total_pnl"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	PricedAll           bool            `json:"priced_all"`
}

// Account is a paper-trading account held by the broker.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Cash      decimal.Decimal `json:"cash_balance" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
