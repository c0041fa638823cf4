package crm

import (
	"errors"
	"time"
)

const (
	TableDeals         = "deals"
	TableContacts      = "contacts"
	TableConversations = "conversations"
)

var ErrNotFound = errors.New("record not found")

// Record is anything the record store can persist. Implementations serialise
// their identifier under the JSON key "id".
type Record interface {
	EntityID() string
}

// Positioned records take part in board ordering: they belong to a group
// (pipeline stage, lifecycle status) and carry a sortable position inside it.
type Positioned interface {
	Record
	Placement() Placement
}

// Placement is the target of a move. Positions need not be contiguous.
type Placement struct {
	Group    string  `json:"group"`
	Position float64 `json:"position"`
}

type Filter struct {
	Group string
	Limit int
}

type Deal struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Title     string    `json:"title"`
	Stage     string    `json:"stage"`
	Value     float64   `json:"value"`
	Currency  string    `json:"currency,omitempty"`
	ContactID string    `json:"contactId,omitempty"`
	Position  float64   `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d Deal) EntityID() string { return d.ID }

func (d Deal) Placement() Placement {
	return Placement{Group: d.Stage, Position: d.Position}
}

type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Company   string    `json:"company,omitempty"`
	Status    string    `json:"status"`
	Position  float64   `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c Contact) EntityID() string { return c.ID }

func (c Contact) Placement() Placement {
	return Placement{Group: c.Status, Position: c.Position}
}

// Conversation is an inbox thread. It has no board position.
type Conversation struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	ContactID     string     `json:"contactId,omitempty"`
	Subject       string     `json:"subject"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	Unread        int        `json:"unread"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (c Conversation) EntityID() string { return c.ID }

// Searchable records expose the text the search index keeps for them.
type Searchable interface {
	Record
	SearchTitle() string
	SearchSnippet() string
}

func (d Deal) SearchTitle() string   { return d.Title }
func (d Deal) SearchSnippet() string { return d.Stage }

func (c Contact) SearchTitle() string { return c.Name }
func (c Contact) SearchSnippet() string {
	if c.Company != "" {
		return c.Company
	}
	return c.Email
}

func (c Conversation) SearchTitle() string   { return c.Subject }
func (c Conversation) SearchSnippet() string { return c.Channel }
