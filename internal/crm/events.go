package crm

import "time"

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Notification identifies a changed record. It never carries the record
// itself; consumers fetch the canonical value.
type Notification struct {
	Kind       ChangeKind `json:"kind"`
	Table      string     `json:"table"`
	EntityID   string     `json:"entityId"`
	ScopeKey   string     `json:"scopeKey"`
	ReceivedAt time.Time  `json:"-"`
}

// ScopeKey is the push channel scope for one tenant's records.
func ScopeKey(tenant string) string { return "tenant:" + tenant }
