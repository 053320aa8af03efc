// Package broker is an in-process paper broker: the reference implementation
// of the portfolio read and trade execution endpoints.
//
// Every account starts with a fixed virtual cash balance. Executions are
// serialized, update cash and the holding atomically in the store, and append
// an immutable trade record.
//
// All monetary values use shopspring/decimal, never float64.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/store"
	"github.com/stockwise/market-engine/internal/ticker"
	"github.com/stockwise/market-engine/internal/trade"
)

// DefaultStartingCash is the virtual balance of a new account.
var DefaultStartingCash = decimal.NewFromInt(100000)

// Rejection reasons returned to the caller verbatim.
const (
	ReasonInsufficientFunds    = "Insufficient funds"
	ReasonInsufficientHoldings = "Insufficient holdings"
	ReasonInvalidQuantity      = "Quantity must be a positive integer"
	ReasonInvalidPrice         = "Price must be positive"
)

// averageCostPlaces is the rounding applied to a blended average cost.
const averageCostPlaces = 4

// Broker executes paper trades against a Store. Uses a mutex for serialized
// execution (single-instance).
type Broker struct {
	store        store.Store
	startingCash decimal.Decimal
	limiter      *PositionLimiter
	logger       *slog.Logger
	now          func() time.Time

	mu sync.Mutex
}

// New creates a broker. limiter may be nil.
func New(st store.Store, startingCash decimal.Decimal, limiter *PositionLimiter, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if !startingCash.IsPositive() {
		startingCash = DefaultStartingCash
	}
	return &Broker{
		store:        st,
		startingCash: startingCash,
		limiter:      limiter,
		logger:       logger.With("component", "broker"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Portfolio returns the user's ledger, opening an account on first access.
func (b *Broker) Portfolio(ctx context.Context, userID string) (model.Ledger, error) {
	if err := b.ensureAccount(ctx, userID); err != nil {
		return model.Ledger{}, err
	}
	return b.store.GetLedger(ctx, userID)
}

// Trades returns the user's executed trades in order.
func (b *Broker) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	return b.store.GetTrades(ctx, userID)
}

// Execute applies o to the user's account. Business rejections are returned
// as *trade.ExecutionError; anything else is an infrastructure failure.
func (b *Broker) Execute(ctx context.Context, userID string, o model.Order) error {
	if userID == "" {
		return &trade.ExecutionError{Reason: "User ID is required", Status: http.StatusUnauthorized}
	}
	if o.Quantity <= 0 {
		return reject(ReasonInvalidQuantity)
	}
	if !o.Price.IsPositive() {
		return reject(ReasonInvalidPrice)
	}
	if !o.Side.Valid() {
		return reject(fmt.Sprintf("Unknown side %q", o.Side))
	}
	if _, err := ticker.Parse(string(o.Symbol)); err != nil {
		return reject(err.Error())
	}

	// Serialize execution so read-check-write sees a consistent account.
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureAccount(ctx, userID); err != nil {
		return err
	}
	l, err := b.store.GetLedger(ctx, userID)
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", userID, err)
	}

	qty := decimal.NewFromInt(o.Quantity)
	notional := o.Price.Mul(qty)
	held := l.Holdings[o.Symbol]

	var (
		cash decimal.Decimal
		next model.Holding
		cost decimal.Decimal
	)
	switch o.Side {
	case model.Buy:
		if notional.GreaterThan(l.Cash) {
			return reject(ReasonInsufficientFunds)
		}
		if err := b.limiter.CheckLimit(o.Symbol, notional, l.Holdings); err != nil {
			return reject(err.Error())
		}
		cash = l.Cash.Sub(notional)
		next = model.Holding{
			Symbol:      o.Symbol,
			Quantity:    held.Quantity + o.Quantity,
			AverageCost: blendedCost(held, o.Quantity, o.Price),
		}
		cost = notional
	case model.Sell:
		if o.Quantity > held.Quantity {
			return reject(ReasonInsufficientHoldings)
		}
		cash = l.Cash.Add(notional)
		next = model.Holding{
			Symbol:      o.Symbol,
			Quantity:    held.Quantity - o.Quantity,
			AverageCost: held.AverageCost,
		}
		cost = notional.Neg()
	}

	t := &model.Trade{
		ID:        uuid.New().String(),
		UserID:    userID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Cost:      cost,
		Timestamp: b.now(),
	}
	if err := b.store.ApplyTrade(ctx, t, cash, next); err != nil {
		return fmt.Errorf("apply trade: %w", err)
	}

	b.logger.Info("paper trade executed",
		"trade_id", t.ID,
		"user", userID,
		"symbol", o.Symbol,
		"side", o.Side,
		"qty", o.Quantity,
		"price", o.Price.String(),
		"cash", cash.String(),
	)
	return nil
}

func (b *Broker) ensureAccount(ctx context.Context, userID string) error {
	_, err := b.store.GetAccount(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	err = b.store.CreateAccount(ctx, &model.Account{
		UserID:    userID,
		Cash:      b.startingCash,
		CreatedAt: b.now(),
	})
	if err != nil && !errors.Is(err, store.ErrExists) {
		return fmt.Errorf("open account %s: %w", userID, err)
	}
	if err == nil {
		b.logger.Info("paper account opened", "user", userID, "cash", b.startingCash.String())
	}
	return nil
}

// blendedCost is (oldQty×oldAvg + qty×price) / (oldQty+qty).
func blendedCost(held model.Holding, qty int64, price decimal.Decimal) decimal.Decimal {
	total := held.Quantity + qty
	if total == 0 {
		return decimal.Zero
	}
	invested := held.AverageCost.Mul(decimal.NewFromInt(held.Quantity)).
		Add(price.Mul(decimal.NewFromInt(qty)))
	return invested.Div(decimal.NewFromInt(total)).Round(averageCostPlaces)
}

func reject(reason string) error {
	return &trade.ExecutionError{Reason: reason, Status: http.StatusBadRequest}
}
