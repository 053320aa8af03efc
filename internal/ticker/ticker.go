// Package ticker handles security symbol parsing and validation.
//
// Symbols are exchange-qualified Yahoo-style tickers: a base plus an optional
// exchange suffix ("RELIANCE.NS", "TCS.BO"), or a caret-prefixed index
// ("^NSEI"). Comparison stays exact; parsing never rewrites a valid symbol.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/stockwise/market-engine/internal/model"
)

// Known exchange suffixes.
const (
	ExchangeNSE = "NS"
	ExchangeBSE = "BO"
)

var exchangeNames = map[string]string{
	ExchangeNSE: "NSE",
	ExchangeBSE: "BSE",
}

// symbolRegex matches: [^]{BASE}[.{EXCHANGE}]
// Examples: RELIANCE.NS, M&M.BO, ^NSEI, AAPL
var symbolRegex = regexp.MustCompile(`^(\^)?([A-Z0-9][A-Z0-9&_-]{0,19})(?:\.([A-Z]{1,4}))?$`)

var (
	ErrInvalidSymbol = errors.New("ticker: invalid symbol format")
)

// Ticker is a parsed symbol.
type Ticker struct {
	Symbol   model.Symbol `json:"symbol"`
	Base     string       `json:"base"`
	Exchange string       `json:"exchange,omitempty"` // suffix without the dot
	Index    bool         `json:"index"`
}

// Parse validates s and splits it into its parts. Surrounding whitespace is
// trimmed; case is preserved, so "reliance.ns" is rejected rather than
// silently becoming a different instrument.
func Parse(s string) (*Ticker, error) {
	s = strings.TrimSpace(s)
	m := symbolRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE.EXCHANGE or ^INDEX)", ErrInvalidSymbol, s)
	}
	return &Ticker{
		Symbol:   model.Symbol(s),
		Base:     m[2],
		Exchange: m[3],
		Index:    m[1] != "",
	}, nil
}

// Valid reports whether sym parses.
func Valid(sym model.Symbol) bool {
	_, err := Parse(string(sym))
	return err == nil
}

// Display returns the short name shown next to a price: the base without
// the NSE/BSE suffix. Other suffixes are kept.
func Display(sym model.Symbol) string {
	s := string(sym)
	for suffix := range exchangeNames {
		if strings.HasSuffix(s, "."+suffix) {
			return strings.TrimSuffix(s, "."+suffix)
		}
	}
	return s
}

// ExchangeName returns the human name for the symbol's exchange, or the raw
// suffix when unknown.
func (t *Ticker) ExchangeName() string {
	if name, ok := exchangeNames[t.Exchange]; ok {
		return name
	}
	return t.Exchange
}
