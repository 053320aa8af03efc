package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey(a.UserID))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, t *model.Trade, cash decimal.Decimal, h model.Holding) error {
	if err := s.primary.ApplyTrade(ctx, t, cash, h); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, ledgerKey(t.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLedger(ctx context.Context, userID string) (model.Ledger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(userID)).Bytes()
	if err == nil {
		var l model.Ledger
		if json.Unmarshal(data, &l) == nil {
			return l, nil
		}
	}

	// Cache miss.
	l, err := s.primary.GetLedger(ctx, userID)
	if err != nil {
		return model.Ledger{}, err
	}

	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, ledgerKey(userID), data, s.ttl)
	}
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) GetTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.GetTrades(ctx, userID)
}

func ledgerKey(uid string) string { return fmt.Sprintf("ledger:%s", uid) }
