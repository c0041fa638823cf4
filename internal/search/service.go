package search

import (
	"context"

	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// database.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, log *zap.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: logging.OrNop(log).Named("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to the database.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to database", zap.Error(err))
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Warn("database search failed", logging.Tenant(q.Tenant), zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Observe keeps the index in step with committed writes. Indexing is
// fire-and-forget; a missed update is repaired by the next ReindexAll.
func (s *Service) Observe(_ context.Context, change store.Change) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if _, ok := decoders[change.Table]; !ok {
		return
	}
	if change.Kind == crm.ChangeDelete {
		go func() {
			if err := s.meili.Delete(change.Tenant, change.Table, change.ID); err != nil {
				s.log.Warn("delete from index", logging.Table(change.Table), logging.EntityID(change.ID), zap.Error(err))
			}
		}()
		return
	}
	record, err := NewRecord(change.Tenant, change.Table, change.Payload)
	if err != nil {
		s.log.Warn("build index record", logging.Table(change.Table), logging.EntityID(change.ID), zap.Error(err))
		return
	}
	go func() {
		if err := s.meili.Index(record); err != nil {
			s.log.Warn("index record", logging.Table(change.Table), logging.EntityID(change.ID), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every stored record into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, records *store.RecordStore) {
	if s.meili == nil || !s.meili.Healthy() || records == nil {
		return
	}
	var batch []Record
	flush := func() {
		if err := s.meili.Index(batch...); err != nil {
			s.log.Warn("reindex batch", zap.Error(err))
		}
		batch = batch[:0]
	}
	err := records.Scan(ctx, func(tenant string, hit store.SearchHit) error {
		record, err := NewRecord(tenant, hit.Table, hit.Payload)
		if err != nil {
			return nil
		}
		batch = append(batch, record)
		if len(batch) >= 500 {
			flush()
		}
		return nil
	})
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	flush()
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
