// Package search answers the dashboard's global search box. Meilisearch is
// used when configured and healthy; the record store's substring search is
// the fallback.
package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"crmsync/internal/crm"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request. Tenant is mandatory.
type Query struct {
	Tenant string
	Text   string
	Type   string // table name, empty = all
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the document kept in the index for one CRM record.
type Record struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Body     string `json:"body"`
}

func documentKey(tenant, table, id string) string {
	return tenant + "__" + table + "__" + id
}

// searchable tables and how their payloads decode.
var decoders = map[string]func([]byte) (crm.Searchable, error){
	crm.TableDeals:         decodeAs[crm.Deal],
	crm.TableContacts:      decodeAs[crm.Contact],
	crm.TableConversations: decodeAs[crm.Conversation],
}

func decodeAs[T crm.Searchable](payload []byte) (crm.Searchable, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewRecord builds the index document for a stored payload.
func NewRecord(tenant, table string, payload []byte) (Record, error) {
	decode, ok := decoders[table]
	if !ok {
		return Record{}, fmt.Errorf("table %q is not searchable", table)
	}
	v, err := decode(payload)
	if err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", table, err)
	}
	return Record{
		Key:      documentKey(tenant, table, v.EntityID()),
		ID:       v.EntityID(),
		TenantID: tenant,
		Type:     table,
		Title:    v.SearchTitle(),
		Snippet:  v.SearchSnippet(),
		Body:     textFields(payload),
	}, nil
}

// textFields joins the payload's string values, skipping identifiers.
func textFields(payload []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "id" || k == "tenantId" || strings.HasSuffix(k, "Id") || strings.HasSuffix(k, "At") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
