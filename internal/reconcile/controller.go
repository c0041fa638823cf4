package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
	"crmsync/internal/util"
)

// Mutator is the write half of the remote persistence API.
type Mutator[T Entity] interface {
	Create(ctx context.Context, draft T) (T, error)
	Update(ctx context.Context, id string, patch crm.Patch) (T, error)
	Delete(ctx context.Context, id string) error
}

// Schema describes how one table's entities are identified and ordered.
type Schema struct {
	Table    string
	IDPrefix string
	// GroupField is the JSON field a move writes the target group to. Empty
	// means the table cannot be moved.
	GroupField string
}

// Controller applies mutations to the cache before the remote call and then
// commits or rolls back. Cache sections run under queue; remote calls never do.
type Controller[T Entity] struct {
	schema  Schema
	queue   *sync.Mutex
	cache   *Cache[T]
	journal *Journal[T]
	remote  Mutator[T]
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewController[T Entity](schema Schema, queue *sync.Mutex, cache *Cache[T], journal *Journal[T], remote Mutator[T], log *zap.Logger, m *metrics.Metrics) *Controller[T] {
	return &Controller[T]{
		schema:  schema,
		queue:   queue,
		cache:   cache,
		journal: journal,
		remote:  remote,
		log:     logging.OrNop(log).Named("controller").With(logging.Table(schema.Table)),
		metrics: m,
	}
}

// Create inserts draft under a placeholder id, then swaps in the confirmed
// record. On failure the placeholder is removed and the error returned.
func (c *Controller[T]) Create(ctx context.Context, draft T) (T, error) {
	var zero T
	id := draft.EntityID()
	if id == "" {
		id = util.NewID(c.schema.IDPrefix)
		withID, err := crm.WithID(draft, id)
		if err != nil {
			return zero, fmt.Errorf("assign placeholder id: %w", err)
		}
		draft = withID
	}

	c.queue.Lock()
	if _, exists := c.cache.Get(id); exists {
		c.queue.Unlock()
		return zero, fmt.Errorf("create %s: %w", id, ErrDuplicateID)
	}
	entry := c.journal.Begin(id, KindCreate, zero, false, -1, nil)
	c.cache.Upsert(draft)
	c.cache.SetPending(id, true)
	c.queue.Unlock()

	confirmed, err := c.remote.Create(ctx, draft)

	c.queue.Lock()
	defer c.queue.Unlock()
	settlement, settleErr := c.journal.Settle(entry, statusFor(err), confirmed, err == nil)
	if settleErr != nil {
		c.log.Error("settle create", logging.EntityID(id), zap.Error(settleErr))
	}
	if err != nil {
		c.cache.Remove(id)
		c.observe(KindCreate, "failed")
		c.log.Info("create rejected, placeholder removed", logging.EntityID(id), zap.Error(err))
		return zero, &MutationError{Kind: KindCreate, Table: c.schema.Table, EntityID: id, Err: err}
	}

	realID := confirmed.EntityID()
	_, present := c.cache.Get(id)
	switch {
	case realID != id && present:
		c.cache.Rekey(id, confirmed)
	case settlement.Current && present:
		c.cache.Upsert(confirmed)
	case !present && settlement.Latest == StatusFailed:
		// A later mutation failed and dropped the placeholder, but the record
		// now exists remotely.
		c.cache.Upsert(confirmed)
	}
	if settlement.Drained {
		c.cache.SetPending(id, false)
	}
	if realID != id {
		c.cache.SetPending(realID, c.journal.Outstanding(realID))
	}
	c.observe(KindCreate, outcome(settlement))
	return confirmed, nil
}

// Update applies patch to id immediately and confirms it remotely.
func (c *Controller[T]) Update(ctx context.Context, id string, patch crm.Patch) (T, error) {
	var zero T
	c.queue.Lock()
	current, ok := c.cache.Get(id)
	if !ok {
		c.queue.Unlock()
		return zero, fmt.Errorf("update %s: %w", id, crm.ErrNotFound)
	}
	next, err := crm.ApplyPatch(current.Value, patch)
	if err != nil {
		c.queue.Unlock()
		return zero, err
	}
	entry := c.journal.Begin(id, KindUpdate, current.Value, true, c.cache.IndexOf(id), patch.Clone())
	c.cache.SetPending(id, true)
	c.cache.Upsert(next)
	c.queue.Unlock()

	return c.confirm(ctx, entry, patch)
}

// Move writes placement into the entity's position and group fields and
// repositions it among its group. Siblings keep their positions.
func (c *Controller[T]) Move(ctx context.Context, id string, placement crm.Placement) (T, error) {
	var zero T
	if c.schema.GroupField == "" {
		return zero, fmt.Errorf("move %s %s: %w", c.schema.Table, id, ErrNotMovable)
	}
	patch := crm.Patch{"position": placement.Position}
	if placement.Group != "" {
		patch[c.schema.GroupField] = placement.Group
	}

	c.queue.Lock()
	current, ok := c.cache.Get(id)
	if !ok {
		c.queue.Unlock()
		return zero, fmt.Errorf("move %s: %w", id, crm.ErrNotFound)
	}
	if _, positioned := any(current.Value).(crm.Positioned); !positioned {
		c.queue.Unlock()
		return zero, fmt.Errorf("move %s %s: %w", c.schema.Table, id, ErrNotMovable)
	}
	next, err := crm.ApplyPatch(current.Value, patch)
	if err != nil {
		c.queue.Unlock()
		return zero, err
	}
	entry := c.journal.Begin(id, KindMove, current.Value, true, c.cache.IndexOf(id), patch)
	c.cache.SetPending(id, true)
	c.cache.Upsert(next)
	c.cache.Move(id, c.targetIndex(id, next))
	c.queue.Unlock()

	return c.confirm(ctx, entry, patch)
}

// Delete removes id immediately. On failure the snapshot is re-inserted at
// its previous index when that index still exists.
func (c *Controller[T]) Delete(ctx context.Context, id string) error {
	c.queue.Lock()
	current, ok := c.cache.Get(id)
	if !ok {
		c.queue.Unlock()
		return fmt.Errorf("delete %s: %w", id, crm.ErrNotFound)
	}
	index := c.cache.IndexOf(id)
	entry := c.journal.Begin(id, KindDelete, current.Value, true, index, nil)
	c.cache.Remove(id)
	c.queue.Unlock()

	err := c.remote.Delete(ctx, id)
	if errors.Is(err, crm.ErrNotFound) {
		err = nil
	}

	c.queue.Lock()
	defer c.queue.Unlock()
	var zero T
	settlement, settleErr := c.journal.Settle(entry, statusFor(err), zero, false)
	if settleErr != nil {
		c.log.Error("settle delete", logging.EntityID(id), zap.Error(settleErr))
	}
	if err != nil {
		if settlement.Current {
			c.restore(id, settlement, true)
			c.cache.SetPending(id, !settlement.Drained)
		}
		c.observe(KindDelete, "failed")
		c.log.Info("delete rejected, entity restored", logging.EntityID(id), zap.Error(err))
		return &MutationError{Kind: KindDelete, Table: c.schema.Table, EntityID: id, Err: err}
	}
	c.observe(KindDelete, outcome(settlement))
	return nil
}

func (c *Controller[T]) confirm(ctx context.Context, entry *JournalEntry[T], patch crm.Patch) (T, error) {
	var zero T
	id := entry.EntityID
	confirmed, err := c.remote.Update(ctx, id, patch)

	c.queue.Lock()
	defer c.queue.Unlock()
	settlement, settleErr := c.journal.Settle(entry, statusFor(err), confirmed, err == nil)
	if settleErr != nil {
		c.log.Error("settle mutation", logging.EntityID(id), zap.Error(settleErr))
	}

	switch {
	case settlement.Current && err == nil:
		// A delete notification may have removed the entity meanwhile.
		if _, present := c.cache.Get(id); present {
			c.cache.Upsert(confirmed)
		}
	case settlement.Current:
		c.restore(id, settlement, false)
	case err == nil && settlement.Latest == StatusFailed:
		// The newer mutation already rolled back to a base this confirmation
		// has just advanced.
		c.restore(id, settlement, false)
	}
	if settlement.Drained {
		c.cache.SetPending(id, false)
	}

	if err != nil {
		c.observe(entry.Kind, "failed")
		c.log.Info("mutation rejected", logging.EntityID(id), zap.String("kind", string(entry.Kind)), zap.Bool("rolled_back", settlement.Current), zap.Error(err))
		return zero, &MutationError{Kind: entry.Kind, Table: c.schema.Table, EntityID: id, Err: err}
	}
	c.observe(entry.Kind, outcome(settlement))
	return confirmed, nil
}

// restore puts the journal's base back into the cache. Without a base the
// record does not exist remotely and the entry is dropped.
func (c *Controller[T]) restore(id string, settlement Settlement[T], allowInsert bool) {
	if !settlement.HasBase {
		c.cache.Remove(id)
		return
	}
	if _, present := c.cache.Get(id); present {
		c.cache.Upsert(settlement.Base)
		c.cache.Move(id, settlement.BaseIndex)
		return
	}
	if allowInsert {
		c.cache.UpsertAt(settlement.Base, settlement.BaseIndex)
	}
}

// targetIndex finds where a moved entity belongs: before the first sibling of
// its group with a greater position, else after the group's last member.
func (c *Controller[T]) targetIndex(id string, moved T) int {
	target := any(moved).(crm.Positioned).Placement()
	index, lastInGroup := 0, -1
	for _, entry := range c.cache.Entries() {
		if entry.ID == id {
			continue
		}
		if positioned, ok := any(entry.Value).(crm.Positioned); ok {
			p := positioned.Placement()
			if p.Group == target.Group {
				if p.Position > target.Position {
					return index
				}
				lastInGroup = index
			}
		}
		index++
	}
	if lastInGroup >= 0 {
		return lastInGroup + 1
	}
	return index
}

func (c *Controller[T]) observe(kind MutationKind, result string) {
	c.metrics.Mutation(c.schema.Table, string(kind), result)
}

// PositionBetween returns a position strictly between prev and next. Nil
// bounds mean the start or end of the group. It fails with ErrNoGap when no
// float lies between the bounds.
func PositionBetween(prev, next *float64) (float64, error) {
	switch {
	case prev == nil && next == nil:
		return 1024, nil
	case prev == nil:
		return *next - 1024, nil
	case next == nil:
		return *prev + 1024, nil
	}
	mid := *prev + (*next-*prev)/2
	if mid <= *prev || mid >= *next || math.IsNaN(mid) {
		return 0, fmt.Errorf("between %v and %v: %w", *prev, *next, ErrNoGap)
	}
	return mid, nil
}

func statusFor(err error) MutationStatus {
	if err != nil {
		return StatusFailed
	}
	return StatusConfirmed
}

func outcome[T Entity](s Settlement[T]) string {
	if s.Current {
		return "confirmed"
	}
	return "superseded"
}
