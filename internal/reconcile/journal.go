package reconcile

import (
	"errors"
	"sync"

	"crmsync/internal/crm"
)

type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindMove   MutationKind = "move"
	KindDelete MutationKind = "delete"
)

type MutationStatus string

const (
	StatusApplied   MutationStatus = "applied"
	StatusConfirmed MutationStatus = "confirmed"
	StatusFailed    MutationStatus = "failed"
)

var errAlreadySettled = errors.New("journal entry already settled")

type JournalEntry[T Entity] struct {
	EntityID      string
	Kind          MutationKind
	Epoch         uint64
	Previous      T
	HasPrevious   bool
	PreviousIndex int
	Patch         crm.Patch
	Status        MutationStatus
}

// Settlement tells the controller what the journal knows once an entry lands.
type Settlement[T Entity] struct {
	// Current is true when the settled entry is the latest issued for its id.
	Current bool
	// Drained is true when no entry for the id is outstanding any more.
	Drained bool
	// Latest is the status of the newest entry for the id at settle time.
	Latest MutationStatus
	// Base is the last value the server is known to hold for the id: the
	// snapshot before the first outstanding mutation, advanced by every
	// confirmation. HasBase is false when the record does not exist remotely.
	Base      T
	HasBase   bool
	BaseIndex int
}

type journalSlot[T Entity] struct {
	outstanding int
	latest      *JournalEntry[T]
	base        T
	hasBase     bool
	baseIndex   int
	baseEpoch   uint64
}

// Journal tracks outstanding mutations per id. Every Begin takes the next
// value of a sequence shared by all ids, which serves both as the entry's
// epoch and as the id's touch mark for staleness checks. Touch marks outlive
// the cache entry: a deleted id must keep rejecting older snapshots.
type Journal[T Entity] struct {
	mu      sync.Mutex
	seq     uint64
	slots   map[string]*journalSlot[T]
	touched map[string]uint64
}

func NewJournal[T Entity]() *Journal[T] {
	return &Journal[T]{
		slots:   make(map[string]*journalSlot[T]),
		touched: make(map[string]uint64),
	}
}

// Begin records a mutation that has just been applied optimistically.
func (j *Journal[T]) Begin(id string, kind MutationKind, previous T, hasPrevious bool, previousIndex int, patch crm.Patch) *JournalEntry[T] {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	slot, ok := j.slots[id]
	if !ok {
		slot = &journalSlot[T]{base: previous, hasBase: hasPrevious, baseIndex: previousIndex}
		j.slots[id] = slot
	}
	entry := &JournalEntry[T]{
		EntityID:      id,
		Kind:          kind,
		Epoch:         j.seq,
		Previous:      previous,
		HasPrevious:   hasPrevious,
		PreviousIndex: previousIndex,
		Patch:         patch,
		Status:        StatusApplied,
	}
	slot.outstanding++
	slot.latest = entry
	j.touched[id] = j.seq
	return entry
}

// Settle transitions entry out of applied exactly once. A confirmed value
// advances the id's rollback base unless a newer confirmation already did.
func (j *Journal[T]) Settle(entry *JournalEntry[T], status MutationStatus, confirmed T, hasConfirmed bool) (Settlement[T], error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if entry.Status != StatusApplied {
		return Settlement[T]{}, errAlreadySettled
	}
	entry.Status = status
	j.seq++
	j.touched[entry.EntityID] = j.seq

	slot, ok := j.slots[entry.EntityID]
	if !ok {
		return Settlement[T]{Current: true, Drained: true, Latest: status}, nil
	}
	slot.outstanding--
	if status == StatusConfirmed && entry.Epoch > slot.baseEpoch {
		slot.baseEpoch = entry.Epoch
		switch {
		case entry.Kind == KindDelete:
			var zero T
			slot.base, slot.hasBase = zero, false
		case hasConfirmed:
			slot.base, slot.hasBase = confirmed, true
		}
	}
	settlement := Settlement[T]{
		Current:   slot.latest == entry,
		Drained:   slot.outstanding <= 0,
		Latest:    slot.latest.Status,
		Base:      slot.base,
		HasBase:   slot.hasBase,
		BaseIndex: slot.baseIndex,
	}
	if settlement.Drained {
		delete(j.slots, entry.EntityID)
	}
	return settlement, nil
}

// Outstanding reports whether any mutation for id is still in flight.
func (j *Journal[T]) Outstanding(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.slots[id]
	return ok
}

// Mark stamps the start of a fetch. Stamps come from the same sequence as
// epochs and are unique, so a fetch can later ask whether anything newer
// than itself already reached an id.
func (j *Journal[T]) Mark() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	return j.seq
}

// Touch records that data as fresh as mark was merged for id.
func (j *Journal[T]) Touch(id string, mark uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if mark > j.touched[id] {
		j.touched[id] = mark
	}
}

// TouchedSince reports whether a mutation, or a merge newer than mark,
// reached id after mark was taken.
func (j *Journal[T]) TouchedSince(id string, mark uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.touched[id] > mark
}
