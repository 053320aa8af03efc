package watchlist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stockwise/market-engine/internal/model"
)

// RedisStore keeps each watchlist as a Redis list. A separate marker key
// records that the user has a saved list, so emptying the list does not
// bring the defaults back.
type RedisStore struct {
	rdb      *redis.Client
	defaults []model.Symbol
}

// NewRedisStore creates a Redis-backed store. nil defaults means DefaultSymbols.
func NewRedisStore(rdb *redis.Client, defaults []model.Symbol) *RedisStore {
	return &RedisStore{rdb: rdb, defaults: orDefault(defaults)}
}

func (s *RedisStore) Load(ctx context.Context, userID string) ([]model.Symbol, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if err := s.seed(ctx, userID); err != nil {
		return nil, err
	}
	vals, err := s.rdb.LRange(ctx, listKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load watchlist %s: %w", userID, err)
	}
	out := make([]model.Symbol, 0, len(vals))
	for _, v := range vals {
		out = appendUnique(out, model.Symbol(v))
	}
	return out, nil
}

func (s *RedisStore) Add(ctx context.Context, userID string, sym model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	if err := s.seed(ctx, userID); err != nil {
		return err
	}
	key := listKey(userID)
	// WATCH makes check-then-push atomic against concurrent adds.
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.LPos(ctx, key, string(sym), redis.LPosArgs{}).Result()
		if err == nil {
			return nil // already present
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, key, string(sym))
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Remove(ctx context.Context, userID string, sym model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	if err := s.seed(ctx, userID); err != nil {
		return err
	}
	return s.rdb.LRem(ctx, listKey(userID), 0, string(sym)).Err()
}

// seed writes the defaults the first time a user is seen.
func (s *RedisStore) seed(ctx context.Context, userID string) error {
	created, err := s.rdb.SetNX(ctx, markerKey(userID), 1, 0).Result()
	if err != nil {
		return fmt.Errorf("seed watchlist %s: %w", userID, err)
	}
	if !created || len(s.defaults) == 0 {
		return nil
	}
	vals := make([]interface{}, len(s.defaults))
	for i, sym := range s.defaults {
		vals[i] = string(sym)
	}
	return s.rdb.RPush(ctx, listKey(userID), vals...).Err()
}

func listKey(uid string) string   { return fmt.Sprintf("watchlist:%s", uid) }
func markerKey(uid string) string { return fmt.Sprintf("watchlist:%s:saved", uid) }
