package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
)

// Transport opens push subscriptions keyed by scope.
type Transport interface {
	Subscribe(ctx context.Context, scopeKey string) (Subscription, error)
}

// Subscription delivers notifications until it drops. Events is closed on
// disconnect or Close; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan crm.Notification
	Err() error
	Close() error
}

// Handler consumes one table's notifications and performs its polls.
type Handler interface {
	Table() string
	Handle(ctx context.Context, n crm.Notification)
	Poll(ctx context.Context) error
}

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateSubscribed   ConnState = "subscribed"
	StateError        ConnState = "error"
	StateReconnecting ConnState = "reconnecting"
)

type ManagerConfig struct {
	PollInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	return c
}

// Manager owns the single push subscription for its current scope. Scope
// changes tear the old subscription down completely before the new one
// connects, so no event from a previous scope reaches the new handlers.
type Manager struct {
	transport Transport
	cfg       ManagerConfig
	log       *zap.Logger
	metrics   *metrics.Metrics

	switchMu sync.Mutex

	mu       sync.Mutex
	scope    string
	state    ConnState
	cancel   context.CancelFunc
	done     chan struct{}
	watchers []func(scope string, state ConnState)
}

func NewManager(transport Transport, cfg ManagerConfig, log *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		transport: transport,
		cfg:       cfg.withDefaults(),
		log:       logging.OrNop(log).Named("subscription"),
		metrics:   m,
		state:     StateDisconnected,
	}
}

// OnStateChange registers fn for every transition. fn runs on the manager's
// goroutine and must not call back into the manager.
func (m *Manager) OnStateChange(fn func(scope string, state ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// SetScope replaces the active subscription with one for scopeKey feeding
// handlers. It returns once the previous subscription is fully torn down.
func (m *Manager) SetScope(ctx context.Context, scopeKey string, handlers ...Handler) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.stopLocked()

	byTable := make(map[string][]Handler, len(handlers))
	for _, h := range handlers {
		byTable[h.Table()] = append(byTable[h.Table()], h)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.scope = scopeKey
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, scopeKey, byTable, done)
}

// Stop tears down the active subscription and waits for it to finish.
func (m *Manager) Stop() {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) run(ctx context.Context, scope string, handlers map[string][]Handler, done chan struct{}) {
	defer close(done)
	defer m.setState(scope, StateDisconnected)

	log := m.log.With(logging.Scope(scope))
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	backoff := m.cfg.ReconnectMin
	m.setState(scope, StateConnecting)
	for {
		sub, err := m.transport.Subscribe(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setState(scope, StateError)
			log.Warn("subscribe failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			m.setState(scope, StateSubscribed)
			backoff = m.cfg.ReconnectMin
			// Anything published while we were not listening is recovered here.
			m.pollAll(ctx, handlers)
			err = m.consume(ctx, scope, sub, handlers, ticker)
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			m.setState(scope, StateError)
			log.Warn("change stream dropped", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		if !m.wait(ctx, backoff, handlers, ticker) {
			return
		}
		backoff *= 2
		if backoff > m.cfg.ReconnectMax {
			backoff = m.cfg.ReconnectMax
		}
		m.setState(scope, StateReconnecting)
	}
}

func (m *Manager) consume(ctx context.Context, scope string, sub Subscription, handlers map[string][]Handler, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Events():
			if !ok {
				return errors.Join(ErrStreamDisconnected, sub.Err())
			}
			if n.ScopeKey != "" && n.ScopeKey != scope {
				continue
			}
			if n.ReceivedAt.IsZero() {
				n.ReceivedAt = time.Now()
			}
			for _, h := range handlers[n.Table] {
				h.Handle(ctx, n)
			}
		case <-ticker.C:
			m.pollAll(ctx, handlers)
		}
	}
}

// wait sleeps through a backoff delay, still polling so that staleness stays
// bounded while disconnected. It returns false when ctx ends.
func (m *Manager) wait(ctx context.Context, d time.Duration, handlers map[string][]Handler, ticker *time.Ticker) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			m.pollAll(ctx, handlers)
		}
	}
}

func (m *Manager) pollAll(ctx context.Context, handlers map[string][]Handler) {
	for _, group := range handlers {
		for _, h := range group {
			if ctx.Err() != nil {
				return
			}
			if err := h.Poll(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("poll failed", logging.Table(h.Table()), zap.Error(err))
			}
		}
	}
}

func (m *Manager) setState(scope string, state ConnState) {
	m.mu.Lock()
	m.state = state
	watchers := append([]func(string, ConnState){}, m.watchers...)
	m.mu.Unlock()

	m.metrics.Transition(string(state))
	for _, fn := range watchers {
		fn(scope, state)
	}
}
