// Package reconcile keeps a client-side cache of server-owned entities correct
// while optimistic local mutations and a pushed change stream write to it
// concurrently.
//
// A Collection bundles the pieces for one table in one scope: the Cache, the
// mutation Journal, the Controller applying optimistic mutations, the Stream
// merging notifications and the Gate arbitrating between them. A Manager keeps
// the push subscription for a scope alive and feeds every Collection of that
// scope.
package reconcile

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
)

// Remote is the persistence API a Collection writes through and reads from.
type Remote[T Entity] interface {
	Mutator[T]
	Fetcher[T]
}

type Options struct {
	Filter  crm.Filter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// State is what a dashboard view renders.
type State[T Entity] struct {
	Entities []T
	Loading  bool
	Err      error
}

type Collection[T Entity] struct {
	schema     Schema
	queue      sync.Mutex
	cache      *Cache[T]
	journal    *Journal[T]
	gate       *Gate[T]
	controller *Controller[T]
	stream     *Stream[T]
	log        *zap.Logger
	metrics    *metrics.Metrics

	stateMu sync.RWMutex
	loading bool
	loaded  bool
	err     error
}

func NewCollection[T Entity](schema Schema, remote Remote[T], opts Options) *Collection[T] {
	log := logging.OrNop(opts.Logger)
	c := &Collection[T]{
		schema:  schema,
		cache:   NewCache[T](),
		journal: NewJournal[T](),
		log:     log.With(logging.Table(schema.Table)),
		metrics: opts.Metrics,
	}
	c.gate = NewGate(c.cache, c.journal)
	c.controller = NewController(schema, &c.queue, c.cache, c.journal, remote, log, opts.Metrics)
	c.stream = NewStream(schema.Table, opts.Filter, &c.queue, c.cache, c.journal, c.gate, remote, log, opts.Metrics)
	return c
}

func (c *Collection[T]) Table() string { return c.schema.Table }

func (c *Collection[T]) Cache() *Cache[T] { return c.cache }

func (c *Collection[T]) Snapshot() State[T] {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return State[T]{Entities: c.cache.List(), Loading: c.loading, Err: c.err}
}

// Watch signals after every cache change. See Cache.Watch.
func (c *Collection[T]) Watch() (<-chan struct{}, func()) {
	return c.cache.Watch()
}

func (c *Collection[T]) Create(ctx context.Context, draft T) (T, error) {
	return c.controller.Create(ctx, draft)
}

func (c *Collection[T]) Update(ctx context.Context, id string, patch crm.Patch) (T, error) {
	return c.controller.Update(ctx, id, patch)
}

func (c *Collection[T]) Move(ctx context.Context, id string, placement crm.Placement) (T, error) {
	return c.controller.Move(ctx, id, placement)
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.controller.Delete(ctx, id)
}

// Refetch reloads the full list and merges it. Loading is only reported until
// the first successful load.
func (c *Collection[T]) Refetch(ctx context.Context) error {
	c.stateMu.Lock()
	if !c.loaded {
		c.loading = true
	}
	c.stateMu.Unlock()

	stats, err := c.stream.Reconcile(ctx)

	c.stateMu.Lock()
	c.loading = false
	c.err = err
	if err == nil {
		c.loaded = true
	}
	c.stateMu.Unlock()

	if err != nil {
		c.metrics.Poll(c.schema.Table, "failed")
		return err
	}
	c.metrics.Poll(c.schema.Table, "ok")
	if stats.Inserted+stats.Updated+stats.Removed > 0 {
		c.log.Debug("refetch merged",
			zap.Int("inserted", stats.Inserted),
			zap.Int("updated", stats.Updated),
			zap.Int("removed", stats.Removed),
			zap.Int("gated", stats.Gated),
		)
	}
	return nil
}

// Handle implements Handler.
func (c *Collection[T]) Handle(ctx context.Context, n crm.Notification) {
	if _, err := c.stream.Handle(ctx, n); err != nil {
		c.log.Warn("change notification not merged", logging.EntityID(n.EntityID), zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

// Poll implements Handler.
func (c *Collection[T]) Poll(ctx context.Context) error {
	return c.Refetch(ctx)
}
