// Package store defines the persistence interface for paper-trading accounts.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned when creating an account that already exists.
	ErrExists = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Creating an existing account is an error.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account, or ErrNotFound.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Holdings ---

	// GetLedger returns the account's cash and holdings.
	GetLedger(ctx context.Context, userID string) (model.Ledger, error)

	// --- Immutable trade log ---

	// ApplyTrade atomically records t, sets the account's cash and replaces
	// the holding for t.Symbol (a zero-quantity holding is deleted).
	ApplyTrade(ctx context.Context, t *model.Trade, cash decimal.Decimal, holding model.Holding) error

	// GetTrades returns all trades for a user in execution order.
	GetTrades(ctx context.Context, userID string) ([]model.Trade, error)
}
