package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/stockwise/market-engine/internal/model"
)

// FileStore keeps one JSON array per user under dir. Writes replace the file
// atomically through a temp file and rename.
type FileStore struct {
	dir      string
	defaults []model.Symbol

	mu sync.Mutex
}

// NewFileStore creates dir if needed. nil defaults means DefaultSymbols.
func NewFileStore(dir string, defaults []model.Symbol) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("watchlist dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, defaults: orDefault(defaults)}, nil
}

func (s *FileStore) Load(_ context.Context, userID string) ([]model.Symbol, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(userID)
}

func (s *FileStore) Add(_ context.Context, userID string, sym model.Symbol) error {
	return s.update(userID, func(l []model.Symbol) []model.Symbol { return appendUnique(l, sym) })
}

func (s *FileStore) Remove(_ context.Context, userID string, sym model.Symbol) error {
	return s.update(userID, func(l []model.Symbol) []model.Symbol { return without(l, sym) })
}

func (s *FileStore) update(userID string, fn func([]model.Symbol) []model.Symbol) error {
	if userID == "" {
		return ErrNoUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.read(userID)
	if err != nil {
		return err
	}
	return s.write(userID, fn(l))
}

func (s *FileStore) read(userID string) ([]model.Symbol, error) {
	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return slices.Clone(s.defaults), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watchlist %s: %w", userID, err)
	}
	var l []model.Symbol
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode watchlist %s: %w", userID, err)
	}
	return l, nil
}

func (s *FileStore) write(userID string, l []model.Symbol) error {
	if l == nil {
		l = []model.Symbol{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".watchlist-*")
	if err != nil {
		return fmt.Errorf("write watchlist %s: %w", userID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write watchlist %s: %w", userID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write watchlist %s: %w", userID, err)
	}
	return os.Rename(tmp.Name(), s.path(userID))
}

// path escapes userID so it can never leave dir.
func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, url.PathEscape(userID)+".json")
}
