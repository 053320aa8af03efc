// Package signal requests machine-generated trade signals for the selected
// instrument.
//
// A request belongs to the selection that was current when it started. When
// the selection changes, the pending request is cancelled and any result that
// still arrives is discarded.
package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stockwise/market-engine/internal/metrics"
	"github.com/stockwise/market-engine/internal/model"
)

var (
	// ErrNoSelection is returned when nothing is selected.
	ErrNoSelection = errors.New("signal: no instrument selected")

	// ErrSelectionChanged is returned when the selection moved on before the
	// prediction arrived. The result is discarded.
	ErrSelectionChanged = errors.New("signal: selection changed, result discarded")
)

// Recommendation is the predicted action.
type Recommendation string

const (
	RecommendBuy  Recommendation = "Buy"
	RecommendSell Recommendation = "Sell"
	RecommendHold Recommendation = "Hold"
)

// Prediction is one signal for one symbol.
type Prediction struct {
	Symbol         model.Symbol   `json:"symbol"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     string         `json:"confidence_score"`
	At             time.Time      `json:"at"`
}

// Predictor is the external prediction endpoint.
type Predictor interface {
	Predict(ctx context.Context, sym model.Symbol) (Prediction, error)
}

// Selection exposes the currently selected symbol.
type Selection interface {
	Selected() model.Symbol
}

// Tracked reports whether a symbol is watched or held, for sell alerts.
type Tracked func(sym model.Symbol) bool

// Alert is raised when a Sell signal arrives for a tracked symbol.
type Alert struct {
	Symbol  model.Symbol `json:"symbol"`
	Message string       `json:"message"`
	At      time.Time    `json:"at"`
}

// Requester issues at most one live prediction request, bound to the
// selection it was started for.
type Requester struct {
	predictor Predictor
	selection Selection
	tracked   Tracked
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	latest  *Prediction
	alerts  []Alert
	onAlert []func(Alert)
}

// NewRequester creates a requester. tracked may be nil.
func NewRequester(p Predictor, sel Selection, tracked Tracked, timeout time.Duration, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Requester{
		predictor: p,
		selection: sel,
		tracked:   tracked,
		timeout:   timeout,
		logger:    logger,
	}
}

// OnAlert registers fn for sell alerts.
func (r *Requester) OnAlert(fn func(Alert)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAlert = append(r.onAlert, fn)
}

// Request predicts the currently selected symbol. A newer request or a
// selection change supersedes this one.
func (r *Requester) Request(ctx context.Context) (Prediction, error) {
	sym := r.selection.Selected()
	if sym == model.None {
		return Prediction{}, ErrNoSelection
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	r.cancel = cancel
	r.latest = nil
	r.mu.Unlock()

	p, err := r.predictor.Predict(ctx, sym)

	r.mu.Lock()
	current := gen == r.gen && r.selection.Selected() == sym
	if current {
		r.cancel = nil
	}
	r.mu.Unlock()

	if !current {
		return Prediction{}, ErrSelectionChanged
	}
	if err != nil {
		return Prediction{}, err
	}

	p.Symbol = sym
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return Prediction{}, ErrSelectionChanged
	}
	r.latest = &p
	r.mu.Unlock()

	if p.Recommendation == RecommendSell && r.tracked != nil && r.tracked(sym) {
		r.raise(Alert{
			Symbol:  sym,
			Message: "A 'SELL' signal was predicted for " + string(sym) + ". You may want to review your position.",
			At:      p.At,
		})
	}
	return p, nil
}

// Reset cancels any pending request and clears the latest prediction. Wire
// it to selection changes.
func (r *Requester) Reset(model.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.gen++
	r.latest = nil
}

// Latest returns the last prediction for the current selection, if any.
func (r *Requester) Latest() (Prediction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return Prediction{}, false
	}
	return *r.latest, true
}

// Alerts returns the sell alerts raised so far.
func (r *Requester) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func (r *Requester) raise(a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	fns := append([]func(Alert){}, r.onAlert...)
	r.mu.Unlock()

	metrics.SellAlerts.Inc()
	r.logger.Info("sell alert", "symbol", a.Symbol)
	for _, fn := range fns {
		fn(a)
	}
}
