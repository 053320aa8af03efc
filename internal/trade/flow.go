// Package trade implements the paper-trade submission flow.
//
// Each attempt moves Idle → Submitting → Committed | Rejected. Preconditions
// are checked locally against the live price and the ledger before anything
// reaches the execution endpoint. A committed trade never mutates the ledger
// locally; it triggers a reload from the authoritative source instead.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/metrics"
	"github.com/stockwise/market-engine/internal/model"
)

var (
	// ErrInvalidQuantity is returned when quantity is not a positive integer.
	ErrInvalidQuantity = errors.New("trade: quantity must be a positive integer")

	// ErrInvalidSide is returned for sides other than BUY and SELL.
	ErrInvalidSide = errors.New("trade: side must be BUY or SELL")

	// ErrInvalidSymbol is returned when no symbol is given.
	ErrInvalidSymbol = errors.New("trade: symbol is required")

	// ErrPriceUnavailable is returned when the symbol has no live price yet.
	ErrPriceUnavailable = errors.New("trade: price unavailable")

	// ErrInsufficientHoldings is returned when selling more than is held.
	ErrInsufficientHoldings = errors.New("trade: insufficient holdings")

	// ErrInsufficientFunds is returned when a buy costs more than available cash.
	ErrInsufficientFunds = errors.New("trade: insufficient funds")
)

// ExecutionError is a rejection reported by the execution endpoint. Reason is
// surfaced to the caller verbatim.
type ExecutionError struct {
	Reason string
	Status int // transport status, 0 when not applicable
}

func (e *ExecutionError) Error() string { return e.Reason }

// State is the lifecycle state of one attempt.
type State string

const (
	Idle       State = "IDLE"
	Submitting State = "SUBMITTING"
	Committed  State = "COMMITTED"
	Rejected   State = "REJECTED"
)

// Executor is the external trade execution endpoint.
type Executor interface {
	Execute(ctx context.Context, userID string, order model.Order) error
}

// Prices is the read side of the live price store.
type Prices interface {
	Get(sym model.Symbol) (model.PriceDatum, bool)
}

// Ledger is the read side of the ledger plus its reload trigger.
type Ledger interface {
	Holding(sym model.Symbol) (model.Holding, bool)
	Cash() decimal.Decimal
	Reload(ctx context.Context) error
}

// Request is a proposed order from the user.
type Request struct {
	Symbol   model.Symbol `json:"symbol"`
	Side     model.Side   `json:"side"`
	Quantity int64        `json:"quantity"`
}

// Attempt records one submission. Attempts are never retried automatically;
// a retry is a new attempt.
type Attempt struct {
	ID        string          `json:"id"`
	Symbol    model.Symbol    `json:"symbol"`
	Side      model.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	State     State           `json:"state"`
	Local     bool            `json:"local_rejection,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const historySize = 50

// Flow submits trades for one user.
type Flow struct {
	userID   string
	prices   Prices
	ledger   Ledger
	executor Executor
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*Attempt
	history []Attempt
}

// NewFlow creates a submission flow for userID.
func NewFlow(userID string, prices Prices, ledger Ledger, exec Executor, timeout time.Duration, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Flow{
		userID:   userID,
		prices:   prices,
		ledger:   ledger,
		executor: exec,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*Attempt),
	}
}

// Submit validates req, sends it to the execution endpoint and, on success,
// reloads the ledger. The returned attempt is always non-nil and carries the
// final state. Validation failures return one of the package's sentinel
// errors; endpoint rejections return an *ExecutionError.
func (f *Flow) Submit(ctx context.Context, req Request) (*Attempt, error) {
	now := time.Now().UTC()
	a := &Attempt{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		State:     Idle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	price, err := f.check(req)
	if err != nil {
		a.Local = true
		f.finish(a, Rejected, err.Error())
		metrics.TradeAttempts.WithLabelValues(string(req.Side), "invalid").Inc()
		f.logger.Info("trade rejected locally", "attempt", a.ID, "symbol", req.Symbol, "side", req.Side, "qty", req.Quantity, "err", err)
		return a, err
	}
	a.Price = price

	f.begin(a)

	order := model.Order{Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Price: price}
	execCtx, cancel := context.WithTimeout(ctx, f.timeout)
	start := time.Now()
	err = f.executor.Execute(execCtx, f.userID, order)
	cancel()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	if err != nil {
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			execErr = &ExecutionError{Reason: err.Error()}
		}
		f.finish(a, Rejected, execErr.Reason)
		metrics.TradeAttempts.WithLabelValues(string(req.Side), "rejected").Inc()
		f.logger.Warn("trade rejected", "attempt", a.ID, "symbol", req.Symbol, "side", req.Side, "reason", execErr.Reason)
		return a, execErr
	}

	f.finish(a, Committed, "")
	metrics.TradeAttempts.WithLabelValues(string(req.Side), "committed").Inc()
	f.logger.Info("trade committed",
		"attempt", a.ID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity,
		"price", price.String(),
	)

	if err := f.ledger.Reload(ctx); err != nil {
		// The trade stands; the ledger catches up on the next reload.
		f.logger.Warn("ledger reload after commit failed", "attempt", a.ID, "err", err)
	}
	return a, nil
}

// check runs the local preconditions and returns the live price to submit.
func (f *Flow) check(req Request) (decimal.Decimal, error) {
	if req.Quantity <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	if !req.Side.Valid() {
		return decimal.Zero, ErrInvalidSide
	}
	if req.Symbol == model.None {
		return decimal.Zero, ErrInvalidSymbol
	}
	if req.Side == model.Sell {
		h, _ := f.ledger.Holding(req.Symbol)
		if req.Quantity > h.Quantity {
			return decimal.Zero, fmt.Errorf("%w: have %d, selling %d", ErrInsufficientHoldings, h.Quantity, req.Quantity)
		}
	}

	d, ok := f.prices.Get(req.Symbol)
	if !ok || !d.Price.IsPositive() {
		return decimal.Zero, ErrPriceUnavailable
	}

	if req.Side == model.Buy {
		cost := d.Price.Mul(decimal.NewFromInt(req.Quantity))
		if cash := f.ledger.Cash(); cost.GreaterThan(cash) {
			return decimal.Zero, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), cash.StringFixed(2))
		}
	}
	return d.Price, nil
}

// Pending returns attempts currently in the Submitting state.
func (f *Flow) Pending() []Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Attempt, 0, len(f.pending))
	for _, a := range f.pending {
		out = append(out, *a)
	}
	return out
}

// History returns the most recent finished attempts, newest last.
func (f *Flow) History() []Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Attempt(nil), f.history...)
}

func (f *Flow) begin(a *Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.State = Submitting
	a.UpdatedAt = time.Now().UTC()
	f.pending[a.ID] = a
}

func (f *Flow) finish(a *Attempt, s State, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.State = s
	a.Reason = reason
	a.UpdatedAt = time.Now().UTC()
	delete(f.pending, a.ID)
	f.history = append(f.history, *a)
	if len(f.history) > historySize {
		f.history = f.history[len(f.history)-historySize:]
	}
}
