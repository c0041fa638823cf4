package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crmsync/internal/crm"
	"crmsync/internal/util"
)

// serverOwned fields are stamped by the store and never taken from a patch.
var serverOwned = []string{"id", "tenantId", "updatedAt"}

// Repo is the typed persistence API for one table of one tenant.
type Repo[T crm.Record] struct {
	store    *RecordStore
	tenant   string
	table    string
	idPrefix string
	now      func() time.Time
}

func NewRepo[T crm.Record](s *RecordStore, tenant, table, idPrefix string) *Repo[T] {
	return &Repo[T]{
		store:    s,
		tenant:   tenant,
		table:    table,
		idPrefix: idPrefix,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (r *Repo[T]) Tenant() string { return r.tenant }
func (r *Repo[T]) Table() string  { return r.table }

// Create persists draft. A well-formed client-proposed id is kept so that an
// optimistic placeholder and the stored record share one identity.
func (r *Repo[T]) Create(ctx context.Context, draft T) (T, error) {
	var zero T
	id := draft.EntityID()
	if !util.ValidID(id) {
		id = util.NewID(r.idPrefix)
	}
	record, err := crm.WithFields(draft, map[string]any{
		"id":        id,
		"tenantId":  r.tenant,
		"updatedAt": r.now(),
	})
	if err != nil {
		return zero, err
	}
	encoded, err := encodeRow(record)
	if err != nil {
		return zero, err
	}
	if err := r.store.insert(ctx, r.tenant, r.table, encoded); err != nil {
		return zero, err
	}
	return record, nil
}

func (r *Repo[T]) Update(ctx context.Context, id string, patch crm.Patch) (T, error) {
	var zero T
	clean := patch.Clone()
	for _, field := range serverOwned {
		delete(clean, field)
	}

	var record T
	_, err := r.store.update(ctx, r.tenant, r.table, id, func(payload []byte) (row, error) {
		var current T
		if err := json.Unmarshal(payload, &current); err != nil {
			return row{}, fmt.Errorf("decode %s %s: %w", r.table, id, err)
		}
		next, err := crm.ApplyPatch(current, clean)
		if err != nil {
			return row{}, err
		}
		next, err = crm.WithFields(next, map[string]any{"updatedAt": r.now()})
		if err != nil {
			return row{}, err
		}
		record = next
		return encodeRow(next)
	})
	if err != nil {
		return zero, err
	}
	return record, nil
}

func (r *Repo[T]) Delete(ctx context.Context, id string) error {
	return r.store.delete(ctx, r.tenant, r.table, id)
}

func (r *Repo[T]) FetchOne(ctx context.Context, id string) (T, error) {
	var out T
	payload, err := r.store.get(ctx, r.tenant, r.table, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", r.table, id, err)
	}
	return out, nil
}

func (r *Repo[T]) FetchList(ctx context.Context, filter crm.Filter) ([]T, error) {
	payloads, err := r.store.list(ctx, r.tenant, r.table, filter)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(payloads))
	for _, payload := range payloads {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.table, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeRow[T crm.Record](record T) (row, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return row{}, fmt.Errorf("encode %s: %w", record.EntityID(), err)
	}
	r := row{id: record.EntityID(), payload: payload}
	if positioned, ok := any(record).(crm.Positioned); ok {
		p := positioned.Placement()
		r.group, r.position = p.Group, p.Position
	}
	return r, nil
}
