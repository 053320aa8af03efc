// Package ledger holds the local copy of a user's authoritative portfolio.
//
// The copy is only ever replaced by Reload, which reads the portfolio endpoint.
// Nothing mutates it speculatively; a committed trade triggers a reload.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/metrics"
	"github.com/stockwise/market-engine/internal/model"
)

// Reader is the portfolio read endpoint.
type Reader interface {
	Portfolio(ctx context.Context, userID string) (model.Ledger, error)
}

// Book is the single-writer holder of one user's ledger.
type Book struct {
	reader  Reader
	userID  string
	timeout time.Duration
	logger  *slog.Logger

	reloadMu sync.Mutex // one reload at a time

	mu         sync.RWMutex
	ledger     model.Ledger
	loaded     bool
	lastReload time.Time
	lastErr    error
	nextID     int
	listeners  map[int]func(model.Ledger)
}

// NewBook creates an empty book for userID. Call Reload to populate it.
func NewBook(r Reader, userID string, timeout time.Duration, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Book{
		reader:    r,
		userID:    userID,
		timeout:   timeout,
		logger:    logger,
		ledger:    model.Ledger{Holdings: map[model.Symbol]model.Holding{}, Cash: decimal.Zero},
		listeners: make(map[int]func(model.Ledger)),
	}
}

// Reload fetches the authoritative ledger and replaces the local copy. On
// failure the previous copy is kept and the error returned as a transient fault.
func (b *Book) Reload(ctx context.Context) error {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	l, err := b.reader.Portfolio(ctx, b.userID)
	if err == nil {
		err = validate(l)
	}
	if err != nil {
		metrics.LedgerReloads.WithLabelValues("error").Inc()
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		b.logger.Warn("ledger reload failed; keeping previous ledger", "err", err)
		return fmt.Errorf("reload ledger: %w", err)
	}

	l = normalize(l)

	b.mu.Lock()
	b.ledger = l
	b.loaded = true
	b.lastReload = time.Now()
	b.lastErr = nil
	listeners := make([]func(model.Ledger), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	metrics.LedgerReloads.WithLabelValues("ok").Inc()
	b.logger.Debug("ledger reloaded", "holdings", len(l.Holdings), "cash", l.Cash.String())

	for _, fn := range listeners {
		fn(l.Clone())
	}
	return nil
}

// Ledger returns a copy of the latest ledger.
func (b *Book) Ledger() model.Ledger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ledger.Clone()
}

// Holding returns the holding for sym, if any.
func (b *Book) Holding(sym model.Symbol) (model.Holding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.ledger.Holdings[sym]
	return h, ok
}

// Cash returns the latest cash balance.
func (b *Book) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ledger.Cash
}

// Loaded reports whether at least one reload succeeded.
func (b *Book) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// Stale reports whether the last reload failed.
func (b *Book) Stale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr != nil
}

// Subscribe registers fn to receive every reloaded ledger.
func (b *Book) Subscribe(fn func(model.Ledger)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func validate(l model.Ledger) error {
	if l.Cash.IsNegative() {
		return fmt.Errorf("negative cash balance %s", l.Cash)
	}
	for sym, h := range l.Holdings {
		if h.Quantity < 0 || h.AverageCost.IsNegative() {
			return fmt.Errorf("invalid holding %s: qty %d avg %s", sym, h.Quantity, h.AverageCost)
		}
	}
	return nil
}

// normalize drops zero-quantity rows and keys each holding by its symbol.
func normalize(l model.Ledger) model.Ledger {
	out := model.Ledger{Holdings: make(map[model.Symbol]model.Holding, len(l.Holdings)), Cash: l.Cash}
	for sym, h := range l.Holdings {
		if h.Quantity == 0 {
			continue
		}
		h.Symbol = sym
		out.Holdings[sym] = h
	}
	return out
}
