package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockwise/market-engine/internal/model"
)

// Schema is the DDL the PostgresStore expects. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	cash       NUMERIC NOT NULL CHECK (cash >= 0),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS holdings (
	user_id      TEXT NOT NULL REFERENCES accounts(user_id),
	symbol       TEXT NOT NULL,
	quantity     BIGINT NOT NULL CHECK (quantity > 0),
	average_cost NUMERIC NOT NULL CHECK (average_cost >= 0),
	PRIMARY KEY (user_id, symbol)
);
CREATE TABLE IF NOT EXISTS trades (
	id        UUID PRIMARY KEY,
	user_id   TEXT NOT NULL REFERENCES accounts(user_id),
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL,
	quantity  BIGINT NOT NULL,
	price     NUMERIC NOT NULL,
	cost      NUMERIC NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_user_ts ON trades (user_id, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the broker tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash, created_at) VALUES ($1, $2::NUMERIC, $3)`,
		a.UserID, a.Cash.String(), a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("account %s: %w", a.UserID, ErrExists)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var cash string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, created_at FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Cash, _ = decimal.NewFromString(cash)
	return &a, nil
}

func (s *PostgresStore) GetLedger(ctx context.Context, userID string) (model.Ledger, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return model.Ledger{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity, average_cost::TEXT
		 FROM holdings WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return model.Ledger{}, err
	}
	defer rows.Close()

	l := model.Ledger{Cash: acct.Cash, Holdings: make(map[model.Symbol]model.Holding)}
	for rows.Next() {
		var h model.Holding
		var avg string
		if err := rows.Scan(&h.Symbol, &h.Quantity, &avg); err != nil {
			return model.Ledger{}, err
		}
		h.AverageCost, _ = decimal.NewFromString(avg)
		l.Holdings[h.Symbol] = h
	}
	return l, rows.Err()
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, t *model.Trade, cash decimal.Decimal, h model.Holding) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET cash = $2::NUMERIC WHERE user_id = $1`,
			t.UserID, cash.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s: %w", t.UserID, ErrNotFound)
		}

		if h.Quantity == 0 {
			_, err = tx.Exec(ctx,
				`DELETE FROM holdings WHERE user_id = $1 AND symbol = $2`,
				t.UserID, string(t.Symbol))
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO holdings (user_id, symbol, quantity, average_cost)
				 VALUES ($1, $2, $3, $4::NUMERIC)
				 ON CONFLICT (user_id, symbol)
				 DO UPDATE SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost`,
				t.UserID, string(t.Symbol), h.Quantity, h.AverageCost.String())
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, symbol, side, quantity, price, cost, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			t.ID, t.UserID, string(t.Symbol), string(t.Side), t.Quantity,
			t.Price.String(), t.Cost.String(), t.Timestamp,
		)
		return err
	})
}

func (s *PostgresStore) GetTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, symbol, side, quantity, price::TEXT, cost::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanTrades reads pgx rows into a Trade slice.
func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS, costS string

		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Side,
			&t.Quantity, &priceS, &costS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(priceS)
		t.Cost, _ = decimal.NewFromString(costS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
