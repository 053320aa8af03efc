// Package session wires one user's dashboard together: interest set, price
// poller, live price store, ledger, valuation engine, trade flow, signal
// requester and watchlist persistence.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stockwise/market-engine/internal/hub"
	"github.com/stockwise/market-engine/internal/interest"
	"github.com/stockwise/market-engine/internal/ledger"
	"github.com/stockwise/market-engine/internal/model"
	"github.com/stockwise/market-engine/internal/poller"
	"github.com/stockwise/market-engine/internal/pricestore"
	"github.com/stockwise/market-engine/internal/signal"
	"github.com/stockwise/market-engine/internal/ticker"
	"github.com/stockwise/market-engine/internal/trade"
	"github.com/stockwise/market-engine/internal/valuation"
	"github.com/stockwise/market-engine/internal/watchlist"
)

// Publisher pushes messages to a user's connected clients.
type Publisher interface {
	Publish(userID string, msg hub.Message)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, hub.Message) {}

// Config holds the per-session tunables.
type Config struct {
	Indices       []model.Symbol
	PollInterval  time.Duration
	PollTimeout   time.Duration
	LedgerTimeout time.Duration
	TradeTimeout  time.Duration
	SignalTimeout time.Duration
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Prices     poller.Fetcher
	Portfolio  ledger.Reader
	Executor   trade.Executor
	Predictor  signal.Predictor
	Watchlists watchlist.Store
	Publisher  Publisher
	Logger     *slog.Logger
}

// Session is one user's live dashboard.
type Session struct {
	UserID    string
	Interest  *interest.Manager
	Prices    *pricestore.Store
	Poller    *poller.Poller
	Ledger    *ledger.Book
	Valuation *valuation.Engine
	Trades    *trade.Flow
	Signals   *signal.Requester
	Watchlist *watchlist.Adapter

	indices  []model.Symbol
	pub      Publisher
	logger   *slog.Logger
	lastSeen atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	stops  []func()
	done   chan struct{}
}

// New builds a session and wires its components. Nothing runs until Start.
func New(userID string, cfg Config, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", userID)
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}

	s := &Session{
		UserID:   userID,
		Interest: interest.NewManager(cfg.Indices...),
		Prices:   pricestore.New(),
		indices:  cfg.Indices,
		pub:      pub,
		logger:   logger,
	}
	s.Poller = poller.New(deps.Prices, s.Interest, s.Prices,
		poller.WithInterval(cfg.PollInterval),
		poller.WithTimeout(cfg.PollTimeout),
		poller.WithLogger(logger),
	)
	s.Ledger = ledger.NewBook(deps.Portfolio, userID, cfg.LedgerTimeout, logger)
	s.Valuation = valuation.NewEngine(s.Prices, s.Ledger)
	s.Trades = trade.NewFlow(userID, s.Prices, s.Ledger, deps.Executor, cfg.TradeTimeout, logger)
	s.Signals = signal.NewRequester(deps.Predictor, s.Interest, s.tracked, cfg.SignalTimeout, logger)
	s.Watchlist = watchlist.NewAdapter(deps.Watchlists, s.Interest, userID, cfg.Indices, logger)

	s.wire()
	s.Touch()
	return s
}

func (s *Session) wire() {
	s.Interest.OnChange(func() {
		s.Poller.Trigger()
		s.publish(hub.TypeWatchlist, s.Interest.Watchlist())
	})
	s.Interest.OnSelect(func(sym model.Symbol) {
		s.Signals.Reset(sym)
		s.publish(hub.TypeSelection, map[string]model.Symbol{"selected": sym})
	})
	s.Poller.OnFault(func(f poller.Fault) {
		s.publish(hub.TypeFault, f)
	})
	s.Signals.OnAlert(func(a signal.Alert) {
		s.publish(hub.TypeAlert, a)
	})
	s.Valuation.OnValuation(func(v model.Valuation) {
		s.publish(hub.TypeValuation, v)
	})
}

// tracked reports whether sym is watched or held.
func (s *Session) tracked(sym model.Symbol) bool {
	if _, ok := s.Ledger.Holding(sym); ok {
		return true
	}
	for _, w := range s.Interest.Watchlist() {
		if w == sym {
			return true
		}
	}
	return false
}

// Start loads the saved watchlist and the ledger, then starts polling.
// Load failures are logged and leave the session running with what it has;
// the poller and later reloads recover.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.stops = append(s.stops,
		s.Ledger.Subscribe(func(l model.Ledger) {
			s.Interest.SetPositions(l.Symbols())
			s.publish(hub.TypeLedger, l)
		}),
		s.Prices.Subscribe(func(snap model.Snapshot, version uint64) {
			s.publish(hub.TypeSnapshot, SnapshotMessage{Version: version, Prices: snap})
		}),
		s.Valuation.Start(),
	)

	// Batches triggered by the loads below must run under the session context.
	s.Poller.Bind(ctx)

	if _, err := s.Watchlist.Load(ctx); err != nil {
		s.logger.Warn("watchlist load failed", "err", err)
	}
	if err := s.Ledger.Reload(ctx); err != nil {
		s.logger.Warn("initial ledger load failed", "err", err)
	}

	go func() {
		defer close(s.done)
		s.Poller.Run(ctx)
	}()
	s.logger.Info("session started", "symbols", len(s.Interest.Current()))
}

// Stop cancels the poller and any pending signal request, and detaches
// listeners. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done, stops := s.cancel, s.done, s.stops
	s.cancel, s.stops = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	<-s.Poller.Idle()
	for _, stop := range stops {
		stop()
	}
	s.Signals.Reset(model.None)
	s.logger.Info("session stopped")
}

// Submit runs a trade attempt and pushes its outcome to the user's clients.
func (s *Session) Submit(ctx context.Context, req trade.Request) (*trade.Attempt, error) {
	a, err := s.Trades.Submit(ctx, req)
	if a != nil {
		s.publish(hub.TypeTrade, a)
	}
	return a, err
}

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) publish(typ string, data any) {
	s.pub.Publish(s.UserID, hub.Message{Type: typ, Data: data})
}

// SnapshotMessage is the push payload for a published snapshot.
type SnapshotMessage struct {
	Version uint64         `json:"version"`
	Prices  model.Snapshot `json:"prices"`
}

// Quote is one row of the watchlist or index strip. Price is nil until the
// symbol has been priced.
type Quote struct {
	Symbol  model.Symbol      `json:"symbol"`
	Display string            `json:"display"`
	Price   *model.PriceDatum `json:"price"`
}

// Dashboard is everything the dashboard view renders, read from one
// snapshot version.
type Dashboard struct {
	UserID      string             `json:"user_id"`
	Version     uint64             `json:"version"`
	Indices     []Quote            `json:"indices"`
	Watchlist   []Quote            `json:"watchlist"`
	Selected    *Quote             `json:"selected"`
	Valuation   model.Valuation    `json:"valuation"`
	Feed        poller.Status      `json:"feed"`
	LedgerStale bool               `json:"ledger_stale"`
	Prediction  *signal.Prediction `json:"prediction,omitempty"`
}

// Dashboard assembles the current view. Quotes and valuation are derived
// from the same snapshot version.
func (s *Session) Dashboard() Dashboard {
	snap, version := s.Prices.Current()
	d := Dashboard{
		UserID:      s.UserID,
		Version:     version,
		Indices:     quotes(s.indices, snap),
		Watchlist:   quotes(s.Interest.Watchlist(), snap),
		Valuation:   valuation.Valuate(s.Ledger.Ledger(), snap),
		Feed:        s.Poller.Status(),
		LedgerStale: s.Ledger.Stale(),
	}
	if sel := s.Interest.Selected(); sel != model.None {
		q := quote(sel, snap)
		d.Selected = &q
	}
	if p, ok := s.Signals.Latest(); ok {
		d.Prediction = &p
	}
	return d
}

// Greeting returns the messages a newly connected client starts from: the
// interest-set prices, the valuation of that same snapshot and the watchlist.
func (s *Session) Greeting() []hub.Message {
	snap, version := s.Prices.Current()
	view := make(model.Snapshot)
	for _, sym := range s.Interest.Current() {
		if d, ok := snap[sym]; ok {
			view[sym] = d
		}
	}
	return []hub.Message{
		{Type: hub.TypeSnapshot, Data: SnapshotMessage{Version: version, Prices: view}},
		{Type: hub.TypeValuation, Data: valuation.Valuate(s.Ledger.Ledger(), snap)},
		{Type: hub.TypeWatchlist, Data: s.Interest.Watchlist()},
	}
}

func quotes(symbols []model.Symbol, snap model.Snapshot) []Quote {
	out := make([]Quote, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, quote(sym, snap))
	}
	return out
}

func quote(sym model.Symbol, snap model.Snapshot) Quote {
	q := Quote{Symbol: sym, Display: ticker.Display(sym)}
	if d, ok := snap[sym]; ok {
		q.Price = &d
	}
	return q
}
