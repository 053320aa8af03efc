// Package poller refreshes prices for the whole interest set on a fixed
// cadence and on interest-set changes, issuing one batched request at a time.
//
// Triggers that arrive while a batch is in flight are coalesced into a single
// follow-up batch which reads the interest set when it starts, not when the
// trigger arrived.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stockwise/market-engine/internal/metrics"
	"github.com/stockwise/market-engine/internal/model"
)

const (
	// DefaultInterval is the refresh cadence used when none is configured.
	DefaultInterval = 15 * time.Second

	// DefaultTimeout bounds a single batched request.
	DefaultTimeout = 10 * time.Second
)

// Fetcher is the batched price endpoint.
type Fetcher interface {
	FetchPrices(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.PriceDatum, error)
}

// Source supplies the interest set at the moment a batch starts.
type Source interface {
	Current() []model.Symbol
}

// Sink receives each successful batch. Only the poller writes to it.
type Sink interface {
	Publish(update map[model.Symbol]model.PriceDatum) uint64
}

// State is the coalescing state of the poller.
type State int

const (
	Idle State = iota
	Fetching
	FetchingWithPendingRefresh
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case FetchingWithPendingRefresh:
		return "fetching_pending_refresh"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fault is a transient fetch failure. The previous snapshot stays published
// and the next tick retries.
type Fault struct {
	Err     error     `json:"-"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Symbols int       `json:"symbols"`
}

// Status is a point-in-time view of the poller, used for stale indicators.
type Status struct {
	State       string    `json:"state"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
	Stale       bool      `json:"stale"`
	Batches     uint64    `json:"batches"`
}

// Poller drives the refresh loop. Create with New, start with Run.
type Poller struct {
	fetcher  Fetcher
	source   Source
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	ctx         context.Context
	lastSuccess time.Time
	lastFault   *Fault
	batches     uint64
	onFault     []func(Fault)
	idle        chan struct{} // closed whenever state returns to Idle
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout sets the per-batch timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// New creates a poller that reads symbols from src, fetches through f and
// publishes into sink.
func New(f Fetcher, src Source, sink Sink, opts ...Option) *Poller {
	idle := make(chan struct{})
	close(idle)
	p := &Poller{
		fetcher:  f,
		source:   src,
		sink:     sink,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		ctx:      context.Background(),
		idle:     idle,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnFault registers fn to be called for every failed batch.
func (p *Poller) OnFault(fn func(Fault)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFault = append(p.onFault, fn)
}

// Bind sets the context batches run under until Run takes over. Triggers
// after ctx is done start nothing.
func (p *Poller) Bind(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
}

// Run fetches immediately, then on every tick until ctx is done. A failed
// batch never stops the ticker.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.Trigger()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Trigger()
		}
	}
}

// Trigger requests a refresh. It never blocks and never starts a second
// overlapping batch.
func (p *Poller) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Idle:
		if p.ctx.Err() != nil {
			return
		}
		p.state = Fetching
		p.idle = make(chan struct{})
		go p.loop(p.ctx)
	case Fetching:
		p.state = FetchingWithPendingRefresh
		metrics.PollTriggersCoalesced.Inc()
	case FetchingWithPendingRefresh:
		metrics.PollTriggersCoalesced.Inc()
	}
}

// State returns the current coalescing state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Idle returns a channel that is closed once no batch is in flight or pending.
func (p *Poller) Idle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Status reports the last outcome.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:       p.state.String(),
		LastSuccess: p.lastSuccess,
		Batches:     p.batches,
	}
	if p.lastFault != nil {
		st.LastError = p.lastFault.Message
		st.LastErrorAt = p.lastFault.At
		st.Stale = p.lastFault.At.After(p.lastSuccess)
	}
	return st
}

// loop runs batches until no refresh is pending.
func (p *Poller) loop(ctx context.Context) {
	for {
		p.fetchOnce(ctx)

		p.mu.Lock()
		if p.state == FetchingWithPendingRefresh && ctx.Err() == nil {
			p.state = Fetching
			p.mu.Unlock()
			continue
		}
		p.state = Idle
		close(p.idle)
		p.mu.Unlock()
		return
	}
}

func (p *Poller) fetchOnce(ctx context.Context) {
	symbols := p.source.Current()
	if len(symbols) == 0 {
		return
	}

	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.fetcher.FetchPrices(fctx, symbols)
	metrics.PollLatency.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// Stopped while in flight; nothing is published or reported.
		return
	}

	p.mu.Lock()
	p.batches++
	p.mu.Unlock()

	if err != nil {
		p.fault(err, len(symbols))
		return
	}

	resp = usable(symbols, resp)
	if len(resp) == 0 {
		// Omissions keep the previous prices; not a failure.
		p.mu.Lock()
		p.lastSuccess = time.Now()
		p.mu.Unlock()
		metrics.PollsTotal.WithLabelValues("empty").Inc()
		p.logger.Debug("batch priced no requested symbols", "requested", len(symbols))
		return
	}

	version := p.sink.Publish(resp)
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	metrics.SnapshotSymbols.Set(float64(len(resp)))

	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()

	if missing := len(symbols) - len(resp); missing > 0 {
		p.logger.Debug("batch omitted symbols", "requested", len(symbols), "missing", missing)
	}
	p.logger.Debug("prices published", "symbols", len(resp), "version", version)
}

func (p *Poller) fault(err error, n int) {
	f := Fault{Err: err, Message: err.Error(), At: time.Now(), Symbols: n}
	metrics.PollsTotal.WithLabelValues("error").Inc()

	p.mu.Lock()
	p.lastFault = &f
	listeners := append([]func(Fault){}, p.onFault...)
	p.mu.Unlock()

	p.logger.Warn("price batch failed; keeping previous snapshot", "symbols", n, "err", err)
	for _, fn := range listeners {
		fn(f)
	}
}

// usable keeps requested symbols that carry a fully formed datum. A bad entry
// for one symbol never blocks the others.
func usable(requested []model.Symbol, resp map[model.Symbol]model.PriceDatum) map[model.Symbol]model.PriceDatum {
	want := make(map[model.Symbol]bool, len(requested))
	for _, s := range requested {
		want[s] = true
	}
	out := make(map[model.Symbol]model.PriceDatum, len(resp))
	for sym, d := range resp {
		if !want[sym] || !d.Price.IsPositive() || d.AsOf.IsZero() {
			continue
		}
		out[sym] = d
	}
	return out
}
