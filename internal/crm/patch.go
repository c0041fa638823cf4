package crm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPatch is returned when patch fields do not fit the record.
var ErrInvalidPatch = errors.New("invalid patch")

// Patch is a set of top-level JSON fields to overwrite on a record.
type Patch map[string]any

// Clone returns a shallow copy so callers can keep mutating their own map.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ApplyPatch returns a copy of value with the patch fields overlaid. The id
// field is never patched. Unknown fields are rejected.
func ApplyPatch[T any](value T, patch Patch) (T, error) {
	fields := make(map[string]any, len(patch))
	for k, v := range patch {
		if k == "id" {
			continue
		}
		fields[k] = v
	}
	return merge(value, fields)
}

// WithID returns a copy of value carrying the given identifier.
func WithID[T any](value T, id string) (T, error) {
	return merge(value, map[string]any{"id": id})
}

// WithFields overlays fields without the id guard. Used by the record store to
// stamp server-owned fields.
func WithFields[T any](value T, fields map[string]any) (T, error) {
	return merge(value, fields)
}

func merge[T any](value T, fields map[string]any) (T, error) {
	var out T
	base, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("encode record: %w", err)
	}
	current := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &current); err != nil {
		return out, fmt.Errorf("decode record fields: %w", err)
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("encode field %s: %w", k, err)
		}
		current[k] = raw
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return out, fmt.Errorf("encode merged record: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(merged))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return out, nil
}
