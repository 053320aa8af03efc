package watchlist

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockwise/market-engine/internal/model"
)

// Schema is the DDL the PostgresStore expects. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS watchlists (
	user_id    TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS watchlist_items (
	user_id  TEXT NOT NULL REFERENCES watchlists(user_id),
	symbol   TEXT NOT NULL,
	position BIGINT NOT NULL,
	PRIMARY KEY (user_id, symbol)
);
`

// PostgresStore keeps watchlists in the watchlist_items table, ordered by
// position. A row in watchlists marks a user whose list has been saved.
type PostgresStore struct {
	pool     *pgxpool.Pool
	defaults []model.Symbol
}

// NewPostgresStore creates a store. nil defaults means DefaultSymbols.
func NewPostgresStore(pool *pgxpool.Pool, defaults []model.Symbol) *PostgresStore {
	return &PostgresStore{pool: pool, defaults: orDefault(defaults)}
}

// EnsureSchema creates the watchlist tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, userID string) ([]model.Symbol, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if err := s.seed(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT symbol FROM watchlist_items WHERE user_id = $1 ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("load watchlist %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.Symbol
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, model.Symbol(sym))
	}
	return out, rows.Err()
}

func (s *PostgresStore) Add(ctx context.Context, userID string, sym model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	if err := s.seed(ctx, userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watchlist_items (user_id, symbol, position)
		 SELECT $1, $2, COALESCE(MAX(position), 0) + 1 FROM watchlist_items WHERE user_id = $1
		 ON CONFLICT (user_id, symbol) DO NOTHING`,
		userID, string(sym))
	return err
}

func (s *PostgresStore) Remove(ctx context.Context, userID string, sym model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	if err := s.seed(ctx, userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM watchlist_items WHERE user_id = $1 AND symbol = $2`, userID, string(sym))
	return err
}

// seed writes the defaults the first time a user is seen.
func (s *PostgresStore) seed(ctx context.Context, userID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO watchlists (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, userID)
		if err != nil {
			return fmt.Errorf("seed watchlist %s: %w", userID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for i, sym := range s.defaults {
			if _, err := tx.Exec(ctx,
				`INSERT INTO watchlist_items (user_id, symbol, position) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				userID, string(sym), i+1); err != nil {
				return err
			}
		}
		return nil
	})
}
