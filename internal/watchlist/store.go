// Package watchlist persists each user's ordered watchlist and keeps the
// interest set in step with it.
package watchlist

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/stockwise/market-engine/internal/model"
)

// ErrNoUser is returned when a call carries no user id.
var ErrNoUser = errors.New("watchlist: user id is required")

// DefaultSymbols is the watchlist of a user who has never saved one.
var DefaultSymbols = []model.Symbol{
	"RELIANCE.NS",
	"TCS.NS",
	"HDFCBANK.NS",
	"INFY.NS",
	"SBIN.NS",
	"ITC.NS",
}

// Store persists watchlists. Lists are ordered by insertion and hold each
// symbol at most once. A user with no saved list reads the defaults.
type Store interface {
	Load(ctx context.Context, userID string) ([]model.Symbol, error)
	Add(ctx context.Context, userID string, sym model.Symbol) error
	Remove(ctx context.Context, userID string, sym model.Symbol) error
}

// MemoryStore keeps watchlists in process memory. Used for testing and when
// no backend is configured.
type MemoryStore struct {
	defaults []model.Symbol

	mu    sync.Mutex
	lists map[string][]model.Symbol
}

// NewMemoryStore creates an empty store; nil defaults means DefaultSymbols.
func NewMemoryStore(defaults []model.Symbol) *MemoryStore {
	return &MemoryStore{defaults: orDefault(defaults), lists: make(map[string][]model.Symbol)}
}

func (s *MemoryStore) Load(_ context.Context, userID string) ([]model.Symbol, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.list(userID)), nil
}

func (s *MemoryStore) Add(_ context.Context, userID string, sym model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[userID] = appendUnique(s.list(userID), sym)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, userID string, sym model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[userID] = without(s.list(userID), sym)
	return nil
}

// list returns the stored list, seeding it with the defaults on first use.
func (s *MemoryStore) list(userID string) []model.Symbol {
	l, ok := s.lists[userID]
	if !ok {
		l = slices.Clone(s.defaults)
		s.lists[userID] = l
	}
	return l
}

func orDefault(defaults []model.Symbol) []model.Symbol {
	if defaults == nil {
		return slices.Clone(DefaultSymbols)
	}
	return slices.Clone(defaults)
}

func appendUnique(list []model.Symbol, sym model.Symbol) []model.Symbol {
	if slices.Contains(list, sym) {
		return list
	}
	return append(list, sym)
}

func without(list []model.Symbol, sym model.Symbol) []model.Symbol {
	return slices.DeleteFunc(slices.Clone(list), func(s model.Symbol) bool { return s == sym })
}
