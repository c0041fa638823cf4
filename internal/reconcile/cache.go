package reconcile

import "sync"

// Entity is a server-owned record with a stable identifier.
type Entity interface {
	EntityID() string
}

type Entry[T Entity] struct {
	ID           string
	Value        T
	PendingLocal bool
}

// Cache is an ordered, id-keyed collection of entity snapshots for one table
// within one scope. It never talks to the network.
type Cache[T Entity] struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]*Entry[T]
	watchers map[chan struct{}]struct{}
}

func NewCache[T Entity]() *Cache[T] {
	return &Cache[T]{
		entries:  make(map[string]*Entry[T]),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (c *Cache[T]) Get(id string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return Entry[T]{}, false
	}
	return *entry, true
}

// List returns the values in display order. The slice is owned by the caller.
func (c *Cache[T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := make([]T, 0, len(c.order))
	for _, id := range c.order {
		items = append(items, c.entries[id].Value)
	}
	return items
}

func (c *Cache[T]) Entries() []Entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := make([]Entry[T], 0, len(c.order))
	for _, id := range c.order {
		items = append(items, *c.entries[id])
	}
	return items
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// IndexOf returns the display index of id, or -1.
func (c *Cache[T]) IndexOf(id string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexLocked(id)
}

// Upsert replaces an existing value in place or appends a new one.
func (c *Cache[T]) Upsert(value T) {
	c.UpsertAt(value, -1)
}

// UpsertAt behaves like Upsert, but a new id is inserted at index (clamped).
// A negative index appends. Existing ids keep their position and pending flag.
func (c *Cache[T]) UpsertAt(value T, index int) {
	id := value.EntityID()
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		entry.Value = value
		c.notifyLocked()
		return
	}
	c.entries[id] = &Entry[T]{ID: id, Value: value}
	c.insertLocked(id, index)
	c.notifyLocked()
}

// Remove deletes id and reports the entry and the index it occupied.
func (c *Cache[T]) Remove(id string) (Entry[T], int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return Entry[T]{}, -1, false
	}
	index := c.indexLocked(id)
	delete(c.entries, id)
	c.order = append(c.order[:index], c.order[index+1:]...)
	c.notifyLocked()
	return *entry, index, true
}

func (c *Cache[T]) SetPending(id string, pending bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return false
	}
	if entry.PendingLocal != pending {
		entry.PendingLocal = pending
		c.notifyLocked()
	}
	return true
}

// Rekey swaps a placeholder entry for its server-confirmed value. When the
// confirmed id is already cached the placeholder is dropped and the existing
// entry takes the value; otherwise the new id takes the placeholder's slot.
func (c *Cache[T]) Rekey(oldID string, value T) bool {
	newID := value.EntityID()
	if newID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.entries[oldID]
	if !ok {
		return false
	}
	index := c.indexLocked(oldID)
	if existing, dup := c.entries[newID]; dup && newID != oldID {
		delete(c.entries, oldID)
		c.order = append(c.order[:index], c.order[index+1:]...)
		existing.Value = value
		c.notifyLocked()
		return true
	}
	delete(c.entries, oldID)
	c.entries[newID] = &Entry[T]{ID: newID, Value: value, PendingLocal: old.PendingLocal}
	c.order[index] = newID
	c.notifyLocked()
	return true
}

// Move repositions id so that it ends up at index (clamped) in the list.
func (c *Cache[T]) Move(id string, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.indexLocked(id)
	if current < 0 {
		return false
	}
	c.order = append(c.order[:current], c.order[current+1:]...)
	c.insertLocked(id, index)
	if current != c.indexLocked(id) {
		c.notifyLocked()
	}
	return true
}

// Reset replaces the whole contents. Later duplicates overwrite earlier values
// but keep the first position.
func (c *Cache[T]) Reset(values []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	c.entries = make(map[string]*Entry[T], len(values))
	for _, value := range values {
		id := value.EntityID()
		if id == "" {
			continue
		}
		if entry, ok := c.entries[id]; ok {
			entry.Value = value
			continue
		}
		c.entries[id] = &Entry[T]{ID: id, Value: value}
		c.order = append(c.order, id)
	}
	c.notifyLocked()
}

// Watch returns a channel that receives a signal after changes. Signals
// coalesce; readers should re-read the list. Call cancel to stop watching.
func (c *Cache[T]) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			c.mu.Unlock()
		})
	}
}

func (c *Cache[T]) indexLocked(id string) int {
	for i, candidate := range c.order {
		if candidate == id {
			return i
		}
	}
	return -1
}

func (c *Cache[T]) insertLocked(id string, index int) {
	if index < 0 || index >= len(c.order) {
		c.order = append(c.order, id)
		return
	}
	c.order = append(c.order, "")
	copy(c.order[index+1:], c.order[index:])
	c.order[index] = id
}

func (c *Cache[T]) notifyLocked() {
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
