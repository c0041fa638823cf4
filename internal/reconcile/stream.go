package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
)

// Fetcher is the read half of the remote persistence API.
type Fetcher[T Entity] interface {
	FetchOne(ctx context.Context, id string) (T, error)
	FetchList(ctx context.Context, filter crm.Filter) ([]T, error)
}

type MergeResult string

const (
	MergeApplied   MergeResult = "applied"
	MergeUnchanged MergeResult = "unchanged"
	MergeDuplicate MergeResult = "duplicate"
	MergeGated     MergeResult = "gated"
	MergeMissing   MergeResult = "missing"
	MergeRemoved   MergeResult = "removed"
	MergeFailed    MergeResult = "failed"
	MergeIgnored   MergeResult = "ignored"
)

type ReconcileStats struct {
	Inserted int
	Updated  int
	Removed  int
	Gated    int
}

// Stream turns change notifications into cache merges. Canonical records are
// always re-fetched; notification payloads are never trusted.
type Stream[T Entity] struct {
	table   string
	filter  crm.Filter
	queue   *sync.Mutex
	cache   *Cache[T]
	journal *Journal[T]
	gate    *Gate[T]
	remote  Fetcher[T]
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewStream[T Entity](table string, filter crm.Filter, queue *sync.Mutex, cache *Cache[T], journal *Journal[T], gate *Gate[T], remote Fetcher[T], log *zap.Logger, m *metrics.Metrics) *Stream[T] {
	return &Stream[T]{
		table:   table,
		filter:  filter,
		queue:   queue,
		cache:   cache,
		journal: journal,
		gate:    gate,
		remote:  remote,
		log:     logging.OrNop(log).Named("stream").With(logging.Table(table)),
		metrics: m,
	}
}

// Handle merges one notification. The error is only for logging; stream
// failures never reach mutation callers.
func (s *Stream[T]) Handle(ctx context.Context, n crm.Notification) (MergeResult, error) {
	var (
		result MergeResult
		err    error
	)
	switch n.Kind {
	case crm.ChangeInsert:
		result, err = s.insert(ctx, n.EntityID)
	case crm.ChangeUpdate:
		result, err = s.update(ctx, n.EntityID)
	case crm.ChangeDelete:
		result = s.remove(n.EntityID)
	default:
		result = MergeIgnored
	}
	s.metrics.StreamEvent(s.table, string(n.Kind), string(result))
	if result == MergeGated {
		s.log.Debug("merge dropped by gate", logging.EntityID(n.EntityID), zap.String("kind", string(n.Kind)))
	}
	return result, err
}

func (s *Stream[T]) insert(ctx context.Context, id string) (MergeResult, error) {
	s.queue.Lock()
	_, present := s.cache.Get(id)
	inFlight := s.journal.Outstanding(id)
	mark := s.journal.Mark()
	s.queue.Unlock()
	if present {
		return MergeDuplicate, nil
	}
	if inFlight {
		return MergeGated, nil
	}

	value, err := s.remote.FetchOne(ctx, id)
	if errors.Is(err, crm.ErrNotFound) {
		return MergeMissing, nil
	}
	if err != nil {
		return MergeFailed, fmt.Errorf("fetch %s %s: %w", s.table, id, err)
	}

	s.queue.Lock()
	defer s.queue.Unlock()
	if _, present := s.cache.Get(id); present {
		return MergeDuplicate, nil
	}
	if !s.gate.ShouldApply(id) || s.journal.TouchedSince(id, mark) {
		return MergeGated, nil
	}
	s.cache.Upsert(value)
	s.journal.Touch(id, mark)
	return MergeApplied, nil
}

func (s *Stream[T]) update(ctx context.Context, id string) (MergeResult, error) {
	s.queue.Lock()
	_, present := s.cache.Get(id)
	mark := s.journal.Mark()
	s.queue.Unlock()
	if !present {
		return MergeMissing, nil
	}

	value, err := s.remote.FetchOne(ctx, id)
	if errors.Is(err, crm.ErrNotFound) {
		return MergeMissing, nil
	}
	if err != nil {
		return MergeFailed, fmt.Errorf("fetch %s %s: %w", s.table, id, err)
	}

	s.queue.Lock()
	defer s.queue.Unlock()
	entry, present := s.cache.Get(id)
	if !present {
		return MergeMissing, nil
	}
	if !s.gate.ShouldApply(id) || s.journal.TouchedSince(id, mark) {
		return MergeGated, nil
	}
	s.journal.Touch(id, mark)
	if reflect.DeepEqual(entry.Value, value) {
		return MergeUnchanged, nil
	}
	s.cache.Upsert(value)
	return MergeApplied, nil
}

// remove applies a delete unconditionally: the server is authoritative about
// whether a record still exists, pending local edits included. The id is
// touched even when it is not cached, so a fetch already in flight cannot
// bring it back.
func (s *Stream[T]) remove(id string) MergeResult {
	s.queue.Lock()
	defer s.queue.Unlock()
	s.journal.Touch(id, s.journal.Mark())
	if _, _, ok := s.cache.Remove(id); !ok {
		return MergeMissing
	}
	return MergeRemoved
}

// Reconcile fetches the full list and merges it through the same rules as
// single notifications: unknown ids are inserted, known ids updated when the
// gate allows, and cached ids absent from the list removed unless a local
// mutation could explain the absence. Ids merged from a fetch that started
// after the list request keep their newer value.
func (s *Stream[T]) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	s.queue.Lock()
	mark := s.journal.Mark()
	s.queue.Unlock()

	values, err := s.remote.FetchList(ctx, s.filter)
	if err != nil {
		return stats, fmt.Errorf("fetch %s list: %w", s.table, err)
	}

	s.queue.Lock()
	defer s.queue.Unlock()
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		id := value.EntityID()
		seen[id] = struct{}{}
		entry, present := s.cache.Get(id)
		if !s.gate.ShouldApply(id) || s.journal.TouchedSince(id, mark) {
			stats.Gated++
			continue
		}
		s.journal.Touch(id, mark)
		switch {
		case !present:
			s.cache.Upsert(value)
			stats.Inserted++
		case !reflect.DeepEqual(entry.Value, value):
			s.cache.Upsert(value)
			stats.Updated++
		}
	}
	for _, entry := range s.cache.Entries() {
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		if entry.PendingLocal || s.journal.Outstanding(entry.ID) || s.journal.TouchedSince(entry.ID, mark) {
			continue
		}
		s.cache.Remove(entry.ID)
		s.journal.Touch(entry.ID, mark)
		stats.Removed++
	}
	return stats, nil
}
