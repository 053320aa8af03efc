// Package interest keeps the set of symbols that need live prices: the fixed
// index symbols, the user's watchlist, the selected instrument and any open
// positions. It does no I/O; the price poller subscribes to its changes.
package interest

import (
	"slices"
	"sync"

	"github.com/stockwise/market-engine/internal/model"
)

// Manager owns the interest set. Safe for concurrent use. Listeners are
// invoked after the lock is released, in registration order.
type Manager struct {
	mu        sync.Mutex
	indices   []model.Symbol
	watchlist []model.Symbol
	positions []model.Symbol
	selected  model.Symbol

	onChange []func()
	onSelect []func(model.Symbol)
}

// NewManager creates a manager with the given always-present index symbols.
func NewManager(indices ...model.Symbol) *Manager {
	return &Manager{indices: dedupe(indices)}
}

// OnChange registers fn to run whenever the interest set changes.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnSelect registers fn to run whenever the selected symbol changes.
func (m *Manager) OnSelect(fn func(model.Symbol)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSelect = append(m.onSelect, fn)
}

// Add appends sym to the watchlist unless already present, and selects it
// either way. It returns the selected symbol.
func (m *Manager) Add(sym model.Symbol) model.Symbol {
	if sym == model.None {
		return m.Selected()
	}
	m.mutate(func() {
		if !slices.Contains(m.watchlist, sym) {
			m.watchlist = append(m.watchlist, sym)
		}
		m.selected = sym
	})
	return sym
}

// Remove drops sym from the watchlist. If it was selected, the first
// remaining watchlist symbol becomes selected, or model.None when the
// watchlist is empty. Removing an index symbol does nothing.
func (m *Manager) Remove(sym model.Symbol) {
	if slices.Contains(m.indices, sym) {
		return
	}
	m.mutate(func() {
		m.watchlist = slices.DeleteFunc(m.watchlist, func(s model.Symbol) bool { return s == sym })
		if m.selected != sym {
			return
		}
		if len(m.watchlist) > 0 {
			m.selected = m.watchlist[0]
		} else {
			m.selected = model.None
		}
	})
}

// Select makes sym the current instrument without touching the watchlist.
func (m *Manager) Select(sym model.Symbol) {
	m.mutate(func() { m.selected = sym })
}

// SetWatchlist replaces the watchlist, e.g. after loading it from storage.
// With nothing selected yet, the first watchlist symbol becomes selected.
func (m *Manager) SetWatchlist(symbols []model.Symbol) {
	m.mutate(func() {
		m.watchlist = dedupe(symbols)
		if m.selected == model.None && len(m.watchlist) > 0 {
			m.selected = m.watchlist[0]
		}
	})
}

// SetPositions replaces the open-position symbols merged into the set.
func (m *Manager) SetPositions(symbols []model.Symbol) {
	m.mutate(func() { m.positions = dedupe(symbols) })
}

// Current returns the de-duplicated interest set: indices, watchlist,
// selection, then positions.
func (m *Manager) Current() []model.Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.union()
}

// Watchlist returns a copy of the watchlist in insertion order.
func (m *Manager) Watchlist() []model.Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.watchlist)
}

// Selected returns the selected symbol or model.None.
func (m *Manager) Selected() model.Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Contains reports whether sym is part of the interest set.
func (m *Manager) Contains(sym model.Symbol) bool {
	return slices.Contains(m.Current(), sym)
}

// mutate applies fn under the lock and fires listeners for whatever changed.
func (m *Manager) mutate(fn func()) {
	m.mu.Lock()
	before := m.union()
	prevSelected := m.selected
	fn()
	after := m.union()
	selected := m.selected
	changeFns := slices.Clone(m.onChange)
	selectFns := slices.Clone(m.onSelect)
	m.mu.Unlock()

	if selected != prevSelected {
		for _, f := range selectFns {
			f(selected)
		}
	}
	if !sameSet(before, after) {
		for _, f := range changeFns {
			f()
		}
	}
}

func (m *Manager) union() []model.Symbol {
	out := make([]model.Symbol, 0, len(m.indices)+len(m.watchlist)+len(m.positions)+1)
	seen := make(map[model.Symbol]bool, cap(out))
	add := func(s model.Symbol) {
		if s == model.None || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range m.indices {
		add(s)
	}
	for _, s := range m.watchlist {
		add(s)
	}
	add(m.selected)
	for _, s := range m.positions {
		add(s)
	}
	return out
}

func dedupe(in []model.Symbol) []model.Symbol {
	out := make([]model.Symbol, 0, len(in))
	for _, s := range in {
		if s != model.None && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func sameSet(a, b []model.Symbol) bool {
	if len(a) != len(b) {
		return false
	}
	for _, s := range a {
		if !slices.Contains(b, s) {
			return false
		}
	}
	return true
}
