package pubsub

import (
	"context"
	"errors"
	"sync"

	"crmsync/internal/crm"
	"crmsync/internal/reconcile"
)

// ErrSlowConsumer drops a subscription whose buffer is full. The subscriber
// reconnects and polls, which recovers whatever it missed.
var ErrSlowConsumer = errors.New("subscriber fell behind")

const memoryBuffer = 64

// Memory is an in-process Publisher and reconcile.Transport. It backs single
// node deployments without Redis and the tests.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (m *Memory) Publish(_ context.Context, n crm.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[n.ScopeKey] {
		select {
		case sub.events <- n:
		default:
			m.dropLocked(sub, ErrSlowConsumer)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, scopeKey string) (reconcile.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		hub:    m,
		scope:  scopeKey,
		events: make(chan crm.Notification, memoryBuffer),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[scopeKey] == nil {
		m.subs[scopeKey] = make(map[*memorySubscription]struct{})
	}
	m.subs[scopeKey][sub] = struct{}{}
	return sub, nil
}

// Disconnect drops every subscription of scopeKey with err, as a broken
// connection would.
func (m *Memory) Disconnect(scopeKey string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[scopeKey] {
		m.dropLocked(sub, err)
	}
}

// Subscribers reports how many live subscriptions scopeKey has.
func (m *Memory) Subscribers(scopeKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[scopeKey])
}

func (m *Memory) dropLocked(sub *memorySubscription, err error) {
	set := m.subs[sub.scope]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, sub.scope)
	}
	sub.err = err
	close(sub.events)
}

type memorySubscription struct {
	hub    *Memory
	scope  string
	events chan crm.Notification
	// err is written under hub.mu before events is closed.
	err error
}

func (s *memorySubscription) Events() <-chan crm.Notification { return s.events }

func (s *memorySubscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.dropLocked(s, nil)
	return nil
}
