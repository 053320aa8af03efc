package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	holdings map[string]map[model.Symbol]model.Holding
	trades   []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		holdings: make(map[string]map[model.Symbol]model.Holding),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return fmt.Errorf("account %s: %w", a.UserID, ErrExists)
	}
	acct := *a
	s.accounts[a.UserID] = &acct
	s.holdings[a.UserID] = make(map[model.Symbol]model.Holding)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	acct := *a
	return &acct, nil
}

func (s *MemoryStore) GetLedger(_ context.Context, userID string) (model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return model.Ledger{}, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	l := model.Ledger{Cash: a.Cash, Holdings: make(map[model.Symbol]model.Holding, len(s.holdings[userID]))}
	for sym, h := range s.holdings[userID] {
		l.Holdings[sym] = h
	}
	return l, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, t *model.Trade, cash decimal.Decimal, h model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[t.UserID]
	if !ok {
		return fmt.Errorf("account %s: %w", t.UserID, ErrNotFound)
	}
	a.Cash = cash
	if h.Quantity == 0 {
		delete(s.holdings[t.UserID], t.Symbol)
	} else {
		h.Symbol = t.Symbol
		s.holdings[t.UserID][t.Symbol] = h
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) GetTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
