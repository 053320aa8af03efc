package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/stockwise/market-engine/internal/interest"
	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/ticker"
)

// Adapter couples one user's persisted watchlist with their interest set.
// Every change is persisted first; the interest set only changes once the
// store has accepted it.
type Adapter struct {
	store   Store
	manager *interest.Manager
	userID  string
	indices []model.Symbol
	logger  *slog.Logger
}

// NewAdapter creates an adapter. indices are the always-present symbols,
// which cannot be removed.
func NewAdapter(s Store, m *interest.Manager, userID string, indices []model.Symbol, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:   s,
		manager: m,
		userID:  userID,
		indices: slices.Clone(indices),
		logger:  logger,
	}
}

// Load reads the saved watchlist into the interest set.
func (a *Adapter) Load(ctx context.Context) ([]model.Symbol, error) {
	l, err := a.store.Load(ctx, a.userID)
	if err != nil {
		return nil, err
	}
	a.manager.SetWatchlist(l)
	a.logger.Info("watchlist loaded", "symbols", len(l))
	return a.manager.Watchlist(), nil
}

// Add validates and saves sym, then adds and selects it. Adding a symbol
// already on the list only selects it.
func (a *Adapter) Add(ctx context.Context, raw string) (model.Symbol, error) {
	t, err := ticker.Parse(raw)
	if err != nil {
		return model.None, err
	}
	if err := a.store.Add(ctx, a.userID, t.Symbol); err != nil {
		return model.None, fmt.Errorf("save watchlist: %w", err)
	}
	return a.manager.Add(t.Symbol), nil
}

// Remove deletes sym from the saved list and the interest set. Index
// symbols are ignored.
func (a *Adapter) Remove(ctx context.Context, sym model.Symbol) error {
	if slices.Contains(a.indices, sym) {
		return nil
	}
	if err := a.store.Remove(ctx, a.userID, sym); err != nil {
		return fmt.Errorf("save watchlist: %w", err)
	}
	a.manager.Remove(sym)
	return nil
}

// Select changes the current instrument. Selection is not persisted.
func (a *Adapter) Select(raw string) (model.Symbol, error) {
	t, err := ticker.Parse(raw)
	if err != nil {
		return model.None, err
	}
	a.manager.Select(t.Symbol)
	return t.Symbol, nil
}
