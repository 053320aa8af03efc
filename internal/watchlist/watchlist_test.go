package watchlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockwise/market-engine/internal/interest"
	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/ticker"
)

// storeContract runs the behaviour every backend must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	l, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSymbols, l, "unsaved user reads the defaults")

	require.NoError(t, s.Add(ctx, "u1", "WIPRO.NS"))
	require.NoError(t, s.Add(ctx, "u1", "WIPRO.NS"))
	require.NoError(t, s.Remove(ctx, "u1", "TCS.NS"))

	l, err = s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{"RELIANCE.NS", "HDFCBANK.NS", "INFY.NS", "SBIN.NS", "ITC.NS", "WIPRO.NS"}, l)

	for _, sym := range l {
		require.NoError(t, s.Remove(ctx, "u1", sym))
	}
	l, err = s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, l, "emptied list stays empty")

	other, err := s.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, DefaultSymbols, other, "users are independent")

	_, err = s.Load(ctx, "")
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(nil))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	storeContract(t, s)
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, []model.Symbol{"TCS.NS"})
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "u1", "ITC.NS"))

	reopened, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	l, err := reopened.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{"TCS.NS", "ITC.NS"}, l)
}

func TestFileStore_EscapesUserID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Add(context.Background(), "../evil", "ITC.NS"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "evil.json"))
	assert.True(t, os.IsNotExist(err))
}

func newAdapter(t *testing.T) (*Adapter, *interest.Manager, Store) {
	t.Helper()
	indices := []model.Symbol{"^NSEI", "^BSESN"}
	m := interest.NewManager(indices...)
	s := NewMemoryStore([]model.Symbol{"RELIANCE.NS", "TCS.NS"})
	return NewAdapter(s, m, "u1", indices, nil), m, s
}

func TestAdapter_LoadSelectsFirst(t *testing.T) {
	a, m, _ := newAdapter(t)

	l, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{"RELIANCE.NS", "TCS.NS"}, l)
	assert.Equal(t, model.Symbol("RELIANCE.NS"), m.Selected())
	assert.Equal(t, []model.Symbol{"^NSEI", "^BSESN", "RELIANCE.NS", "TCS.NS"}, m.Current())
}

func TestAdapter_AddPersistsAndSelects(t *testing.T) {
	a, m, s := newAdapter(t)
	ctx := context.Background()
	_, err := a.Load(ctx)
	require.NoError(t, err)

	sym, err := a.Add(ctx, " INFY.NS ")
	require.NoError(t, err)
	assert.Equal(t, model.Symbol("INFY.NS"), sym)
	assert.Equal(t, sym, m.Selected())

	saved, _ := s.Load(ctx, "u1")
	assert.Equal(t, []model.Symbol{"RELIANCE.NS", "TCS.NS", "INFY.NS"}, saved)
}

func TestAdapter_AddRejectsInvalid(t *testing.T) {
	a, m, s := newAdapter(t)
	ctx := context.Background()
	_, _ = a.Load(ctx)

	_, err := a.Add(ctx, "not a ticker")
	assert.ErrorIs(t, err, ticker.ErrInvalidSymbol)

	saved, _ := s.Load(ctx, "u1")
	assert.Len(t, saved, 2)
	assert.Equal(t, model.Symbol("RELIANCE.NS"), m.Selected())
}

func TestAdapter_RemoveSelectedFallsBack(t *testing.T) {
	a, m, s := newAdapter(t)
	ctx := context.Background()
	_, _ = a.Load(ctx)

	require.NoError(t, a.Remove(ctx, "RELIANCE.NS"))
	assert.Equal(t, model.Symbol("TCS.NS"), m.Selected())

	require.NoError(t, a.Remove(ctx, "TCS.NS"))
	assert.Equal(t, model.None, m.Selected())

	saved, _ := s.Load(ctx, "u1")
	assert.Empty(t, saved)
}

func TestAdapter_IndicesCannotBeRemoved(t *testing.T) {
	a, m, _ := newAdapter(t)
	ctx := context.Background()
	_, _ = a.Load(ctx)

	require.NoError(t, a.Remove(ctx, "^NSEI"))
	assert.True(t, m.Contains("^NSEI"))
}

type failingStore struct{ Store }

func (failingStore) Add(context.Context, string, model.Symbol) error {
	return assert.AnError
}

func TestAdapter_StoreFailureLeavesInterestSet(t *testing.T) {
	m := interest.NewManager()
	a := NewAdapter(failingStore{NewMemoryStore(nil)}, m, "u1", nil, nil)

	_, err := a.Add(context.Background(), "ITC.NS")
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, m.Contains("ITC.NS"))
}
