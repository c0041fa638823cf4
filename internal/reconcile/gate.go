package reconcile

// Gate decides whether an externally proposed merge may touch an entity. The
// last local intent for an entity wins until its own outcome is known.
type Gate[T Entity] struct {
	cache   *Cache[T]
	journal *Journal[T]
}

func NewGate[T Entity](cache *Cache[T], journal *Journal[T]) *Gate[T] {
	return &Gate[T]{cache: cache, journal: journal}
}

// ShouldApply is false while the entity has a local mutation in flight. The
// journal check also covers in-flight deletes, whose entry is no longer cached.
func (g *Gate[T]) ShouldApply(id string) bool {
	if entry, ok := g.cache.Get(id); ok && entry.PendingLocal {
		return false
	}
	return !g.journal.Outstanding(id)
}
