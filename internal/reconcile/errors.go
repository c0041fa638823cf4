package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrMutationRejected matches every error returned after a remote mutation
	// failed and the cache was rolled back.
	ErrMutationRejected = errors.New("mutation rejected")
	ErrNotMovable       = errors.New("entity is not movable")
	// ErrStreamDisconnected is reported when a push subscription drops.
	ErrStreamDisconnected = errors.New("change stream disconnected")
	ErrDuplicateID        = errors.New("entity id already cached")
	// ErrNoGap means two neighbours are too close to place anything between
	// them; the group needs its positions respread.
	ErrNoGap = errors.New("no position left between neighbours")
)

type MutationError struct {
	Kind     MutationKind
	Table    string
	EntityID string
	Err      error
}

func (e *MutationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %s %s rejected: %v", e.Kind, e.Table, e.EntityID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool { return target == ErrMutationRejected }
