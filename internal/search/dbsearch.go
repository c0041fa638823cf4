package search

import (
	"context"
	"errors"
	"time"

	"crmsync/internal/store"
)

// DBSearch implements Searcher on the record store. It is always available.
type DBSearch struct {
	store   *store.RecordStore
	timeout time.Duration
}

func NewDBSearch(s *store.RecordStore) *DBSearch {
	return &DBSearch{store: s, timeout: 5 * time.Second}
}

// Healthy always returns true: without the database nothing else works either.
func (d *DBSearch) Healthy() bool {
	return true
}

func (d *DBSearch) Search(q Query) ([]Result, int, error) {
	if q.Tenant == "" {
		return nil, 0, errors.New("search without tenant")
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var tables []string
	if q.Type != "" {
		tables = []string{q.Type}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	hits, err := d.store.Search(ctx, q.Tenant, q.Text, tables, limit+offset)
	if err != nil {
		return nil, 0, err
	}
	if offset >= len(hits) {
		return nil, 0, nil
	}

	results := make([]Result, 0, len(hits)-offset)
	for _, hit := range hits[offset:] {
		record, err := NewRecord(q.Tenant, hit.Table, hit.Payload)
		if err != nil {
			continue
		}
		results = append(results, Result{Type: record.Type, ID: record.ID, Title: record.Title, Snippet: record.Snippet})
	}
	return results, len(results), nil
}
