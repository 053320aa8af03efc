package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/trade"
)

// BrokerClient talks to the portfolio read and trade execution endpoints:
//
//	GET  /portfolio              → {"cashBalance": ..., "holdings": {"SYM": {"quantity": n, "averagePrice": p}}}
//	POST /portfolio/buy | /sell  {"symbol", "quantity", "price"}; errors as {"detail": reason}
type BrokerClient struct {
	base
}

// NewBrokerClient creates a client for baseURL. hc may be nil.
func NewBrokerClient(baseURL string, hc *http.Client) *BrokerClient {
	return &BrokerClient{base: newBase(baseURL, hc)}
}

// PortfolioDTO is the wire shape of a portfolio.
type PortfolioDTO struct {
	CashBalance decimal.Decimal       `json:"cashBalance"`
	Holdings    map[string]HoldingDTO `json:"holdings"`
}

// HoldingDTO is the wire shape of a holding.
type HoldingDTO struct {
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

// OrderDTO is the wire shape of an order.
type OrderDTO struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// ToLedger converts the wire shape into a ledger.
func (p PortfolioDTO) ToLedger() model.Ledger {
	l := model.Ledger{Holdings: make(map[model.Symbol]model.Holding, len(p.Holdings)), Cash: p.CashBalance}
	for sym, h := range p.Holdings {
		l.Holdings[model.Symbol(sym)] = model.Holding{
			Symbol:      model.Symbol(sym),
			Quantity:    h.Quantity,
			AverageCost: h.AveragePrice,
		}
	}
	return l
}

// PortfolioFromLedger converts a ledger into its wire shape.
func PortfolioFromLedger(l model.Ledger) PortfolioDTO {
	p := PortfolioDTO{CashBalance: l.Cash, Holdings: make(map[string]HoldingDTO, len(l.Holdings))}
	for sym, h := range l.Holdings {
		p.Holdings[string(sym)] = HoldingDTO{Quantity: h.Quantity, AveragePrice: h.AverageCost}
	}
	return p
}

// Portfolio reads the user's holdings and cash.
func (c *BrokerClient) Portfolio(ctx context.Context, userID string) (model.Ledger, error) {
	var dto PortfolioDTO
	if err := c.do(ctx, http.MethodGet, "/portfolio", userID, nil, &dto); err != nil {
		return model.Ledger{}, fmt.Errorf("read portfolio: %w", err)
	}
	return dto.ToLedger(), nil
}

// Execute submits an order. An HTTP rejection becomes *trade.ExecutionError
// carrying the endpoint's reason verbatim.
func (c *BrokerClient) Execute(ctx context.Context, userID string, o model.Order) error {
	path := "/portfolio/buy"
	if o.Side == model.Sell {
		path = "/portfolio/sell"
	}
	body := OrderDTO{Symbol: string(o.Symbol), Quantity: o.Quantity, Price: o.Price}

	err := c.do(ctx, http.MethodPost, path, userID, body, nil)
	var se *StatusError
	if errors.As(err, &se) {
		reason := se.Detail
		if reason == "" {
			reason = http.StatusText(se.Status)
		}
		return &trade.ExecutionError{Reason: reason, Status: se.Status}
	}
	return err
}
