package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stockwise/market-engine/internal/metrics"
)

// ErrNoUser is returned when a request carries no user id.
var ErrNoUser = errors.New("session: user id is required")

// DefaultIdleTimeout is how long an unused session without connected
// clients is kept before it is stopped.
const DefaultIdleTimeout = 30 * time.Minute

// Manager owns the live sessions, one per user, created on first use.
type Manager struct {
	cfg         Config
	deps        Deps
	idleTimeout time.Duration
	logger      *slog.Logger
	connected   func(userID string) int

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*entry
}

type entry struct {
	s     *Session
	ready chan struct{}
}

// NewManager creates a manager. Sessions run under ctx.
func NewManager(ctx context.Context, cfg Config, deps Deps, idleTimeout time.Duration) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		cfg:         cfg,
		deps:        deps,
		idleTimeout: idleTimeout,
		logger:      logger,
		ctx:         ctx,
		sessions:    make(map[string]*entry),
	}
}

// SetConnected sets the function that reports live push clients per user;
// sessions with clients are never evicted.
func (m *Manager) SetConnected(fn func(userID string) int) { m.connected = fn }

// Get returns the user's session, creating and starting it if needed.
// Concurrent first calls for the same user share one session.
func (m *Manager) Get(userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrNoUser
	}

	m.mu.Lock()
	e, ok := m.sessions[userID]
	if !ok {
		e = &entry{s: New(userID, m.cfg, m.deps), ready: make(chan struct{})}
		m.sessions[userID] = e
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	ctx := m.ctx
	m.mu.Unlock()

	if !ok {
		e.s.Start(ctx)
		close(e.ready)
	}
	<-e.ready
	e.s.Touch()
	return e.s, nil
}

// Lookup returns the user's session without creating one.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-e.ready
	return e.s, true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run evicts idle sessions until ctx is done, then stops all sessions.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-t.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep stops sessions unused since now-idleTimeout that have no clients.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var idle []*Session
	for uid, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue // still starting
		}
		if now.Sub(e.s.LastSeen()) < m.idleTimeout {
			continue
		}
		if m.connected != nil && m.connected(uid) > 0 {
			continue
		}
		idle = append(idle, e.s)
		delete(m.sessions, uid)
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, s := range idle {
		s.Stop()
		m.logger.Info("idle session evicted", "user", s.UserID)
	}
	return len(idle)
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(0)

	for _, e := range all {
		<-e.ready
		e.s.Stop()
	}
}
