// Package pubsub carries change notifications from the record store to the
// reconciliation layer, keyed by scope.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/reconcile"
)

const channelPrefix = "crm:"

// Publisher fans a notification out to every subscriber of its scope.
type Publisher interface {
	Publish(ctx context.Context, n crm.Notification) error
}

// Redis implements Publisher and reconcile.Transport over Redis pub/sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(redisURL string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, log), nil
}

func NewRedisWithClient(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: logging.OrNop(log).Named("pubsub")}
}

func channel(scopeKey string) string {
	return channelPrefix + scopeKey
}

func (r *Redis) Publish(ctx context.Context, n crm.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, channel(n.ScopeKey), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published after it returns is missed.
func (r *Redis) Subscribe(ctx context.Context, scopeKey string) (reconcile.Subscription, error) {
	ps := r.client.Subscribe(ctx, channel(scopeKey))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scopeKey, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan crm.Notification, 64),
		log:    r.log.With(logging.Scope(scopeKey)),
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	go sub.pump(pumpCtx)
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan crm.Notification
	cancel context.CancelFunc
	log    *zap.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.events)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed && ctx.Err() == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		var n crm.Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			s.log.Warn("dropping malformed notification", zap.Error(err))
			continue
		}
		select {
		case s.events <- n:
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan crm.Notification { return s.events }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.ps.Close()
}
