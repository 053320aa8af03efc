package valuation

import (
	"sync"

	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/pricestore"
)

// PriceFeed is the read side of the live price store.
type PriceFeed interface {
	Snapshot() model.Snapshot
	Subscribe(l pricestore.Listener) (cancel func())
}

// LedgerFeed is the read side of the portfolio ledger.
type LedgerFeed interface {
	Ledger() model.Ledger
	Subscribe(fn func(model.Ledger)) (cancel func())
}

// Engine recomputes the valuation whenever prices are published or the
// ledger changes. It has no timer of its own.
type Engine struct {
	prices PriceFeed
	ledger LedgerFeed

	mu        sync.Mutex
	snap      model.Snapshot
	book      model.Ledger
	current   model.Valuation
	listeners []func(model.Valuation)
}

// NewEngine creates an engine and computes the initial valuation.
func NewEngine(prices PriceFeed, ledger LedgerFeed) *Engine {
	e := &Engine{
		prices: prices,
		ledger: ledger,
		snap:   prices.Snapshot(),
		book:   ledger.Ledger(),
	}
	e.current = Valuate(e.book, e.snap)
	return e
}

// Start subscribes to both inputs and returns a function that unsubscribes.
func (e *Engine) Start() (stop func()) {
	cancelPrices := e.prices.Subscribe(func(snap model.Snapshot, _ uint64) {
		e.recompute(func() { e.snap = snap })
	})
	cancelLedger := e.ledger.Subscribe(func(l model.Ledger) {
		e.recompute(func() { e.book = l })
	})
	return func() {
		cancelPrices()
		cancelLedger()
	}
}

// OnValuation registers fn to receive every recomputed valuation.
func (e *Engine) OnValuation(fn func(model.Valuation)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Current returns the latest valuation.
func (e *Engine) Current() model.Valuation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// recompute applies set and revalues. Listeners run under the lock so they
// observe valuations in the order they were computed.
func (e *Engine) recompute(set func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set()
	e.current = Valuate(e.book, e.snap)
	for _, fn := range e.listeners {
		fn(e.current)
	}
}
