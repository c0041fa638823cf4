package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"crmsync/internal/crm"
	"crmsync/internal/store"
)

// backendRoutes serves the persistence API the dashboard collections write
// through. Every write notifies subscribers of the tenant scope.
func backendRoutes[T crm.Record](s *HTTPServer, table, idPrefix string) http.Handler {
	repo := func(r *http.Request) *store.Repo[T] {
		return store.NewRepo[T](s.records, chi.URLParam(r, "tenant"), table, idPrefix)
	}

	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		items, err := repo(r).FetchList(r.Context(), crm.Filter{
			Group: r.URL.Query().Get("group"),
			Limit: queryInt(r, "limit"),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var draft T
		if err := decodeBody(r, &draft); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := repo(r).Create(r.Context(), draft)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})
	r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
		item, err := repo(r).FetchOne(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	})
	r.Patch("/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch crm.Patch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := repo(r).Update(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})
	r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := repo(r).Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
