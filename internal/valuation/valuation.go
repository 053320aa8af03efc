// Package valuation derives per-holding and aggregate P&L from a ledger and a
// price snapshot.
package valuation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
)

// Valuate values ledger against snap. It is pure: identical inputs always
// produce identical outputs, and neither input is modified.
//
// For each holding:
//
//	invested = quantity × averageCost
//	priced:   current = quantity × price,  pnl = current − invested
//	unpriced: current = invested,          pnl = 0
//
// An unpriced holding never shows profit or loss. Rows are ordered by symbol.
func Valuate(ledger model.Ledger, snap model.Snapshot) model.Valuation {
	symbols := make([]model.Symbol, 0, len(ledger.Holdings))
	for sym, h := range ledger.Holdings {
		if h.Quantity > 0 {
			symbols = append(symbols, sym)
		}
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	v := model.Valuation{
		Rows:              make([]model.ValuationRow, 0, len(symbols)),
		Cash:              ledger.Cash,
		TotalInvested:     decimal.Zero,
		TotalCurrentValue: decimal.Zero,
		TotalPnL:          decimal.Zero,
		PricedAll:         true,
	}

	for _, sym := range symbols {
		row := valuateHolding(sym, ledger.Holdings[sym], snap)
		if row.CurrentPrice == nil {
			v.PricedAll = false
		}
		v.TotalInvested = v.TotalInvested.Add(row.InvestedValue)
		v.TotalCurrentValue = v.TotalCurrentValue.Add(row.CurrentValue)
		v.TotalPnL = v.TotalPnL.Add(row.UnrealizedPnL)
		v.Rows = append(v.Rows, row)
	}

	v.TotalPortfolioValue = v.TotalCurrentValue.Add(ledger.Cash)
	return v
}

func valuateHolding(sym model.Symbol, h model.Holding, snap model.Snapshot) model.ValuationRow {
	qty := decimal.NewFromInt(h.Quantity)
	invested := qty.Mul(h.AverageCost)

	row := model.ValuationRow{
		Symbol:        sym,
		Quantity:      h.Quantity,
		AverageCost:   h.AverageCost,
		InvestedValue: invested,
		CurrentValue:  invested,
		UnrealizedPnL: decimal.Zero,
	}

	if d, ok := snap[sym]; ok {
		price := d.Price
		current := qty.Mul(price)
		row.CurrentPrice = &price
		row.CurrentValue = current
		row.UnrealizedPnL = current.Sub(invested)
	}
	return row
}
