// Package pricestore holds the latest published price snapshot.
//
// Publish merges an update into the current snapshot and swaps the result in
// under one lock, so every reader sees either the whole previous snapshot or
// the whole new one. Published maps are never mutated afterwards.
package pricestore

import (
	"maps"
	"sync"

	"github.com/stockwise/market-engine/internal/model"
)

// Listener receives each newly published snapshot together with its version.
// The snapshot must be treated as read-only.
type Listener func(snap model.Snapshot, version uint64)

// Store is the live price store. Only the poller writes; anyone may read.
type Store struct {
	mu        sync.RWMutex
	snap      model.Snapshot
	version   uint64
	nextID    int
	listeners map[int]Listener

	// notifyMu orders listener calls so consecutive publishes are observed
	// in version order.
	notifyMu sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		snap:      model.Snapshot{},
		listeners: make(map[int]Listener),
	}
}

// Publish merges update into the current snapshot: symbols in update
// overwrite their entries, every other symbol keeps its previous datum.
// Listeners are notified once per call. An empty update is ignored.
func (s *Store) Publish(update map[model.Symbol]model.PriceDatum) uint64 {
	if len(update) == 0 {
		return s.Version()
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next := make(model.Snapshot, len(s.snap)+len(update))
	maps.Copy(next, s.snap)
	for sym, d := range update {
		d.Symbol = sym
		next[sym] = d
	}
	s.snap = next
	s.version++
	version := s.version
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next, version)
	}
	return version
}

// Get returns the datum for sym, if it has been priced.
func (s *Store) Get(sym model.Symbol) (model.PriceDatum, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.snap[sym]
	return d, ok
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Current returns the whole current snapshot and its version, read together.
// Callers must not modify the map.
func (s *Store) Current() (model.Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.version
}

// View returns the subset of the current snapshot for symbols, all read from
// the same published version.
func (s *Store) View(symbols []model.Symbol) (model.Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(model.Snapshot, len(symbols))
	for _, sym := range symbols {
		if d, ok := s.snap[sym]; ok {
			out[sym] = d
		}
	}
	return out, s.version
}

// Version returns the number of publishes so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
