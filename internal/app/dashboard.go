package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/reconcile"
	"crmsync/internal/workspace"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchPingEvery    = 30 * time.Second
)

// collectionView is what the dashboard renders for one table.
type collectionView[T reconcile.Entity] struct {
	Entities []T                 `json:"entities"`
	Pending  []string            `json:"pending"`
	Loading  bool                `json:"loading"`
	Error    string              `json:"error,omitempty"`
	State    reconcile.ConnState `json:"state"`
}

func viewOf[T reconcile.Entity](ws *workspace.Workspace, c *reconcile.Collection[T]) collectionView[T] {
	state := c.Snapshot()
	entries := c.Cache().Entries()
	view := collectionView[T]{
		Entities: make([]T, 0, len(entries)),
		Pending:  []string{},
		Loading:  state.Loading,
		State:    ws.State(),
	}
	for _, entry := range entries {
		view.Entities = append(view.Entities, entry.Value)
		if entry.PendingLocal {
			view.Pending = append(view.Pending, entry.ID)
		}
	}
	if state.Err != nil {
		view.Error = state.Err.Error()
	}
	return view
}

// collectionRoutes exposes one reconciled table of the tenant's workspace.
// Mutations go through the optimistic controller, so the cache reflects them
// before the backend answers.
func collectionRoutes[T reconcile.Entity](s *HTTPServer, pick func(*workspace.Workspace) *reconcile.Collection[T]) http.Handler {
	open := func(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, *reconcile.Collection[T], bool) {
		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "WORKSPACES_UNAVAILABLE", "Dashboard workspaces are not configured", nil)
			return nil, nil, false
		}
		ws, err := s.hub.Get(r.Context(), chi.URLParam(r, "tenant"))
		if err != nil {
			s.fail(w, r, err)
			return nil, nil, false
		}
		return ws, pick(ws), true
	}

	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		ws, c, ok := open(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(ws, c))
	})
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		_, c, ok := open(w, r)
		if !ok {
			return
		}
		var draft T
		if err := decodeBody(r, &draft); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := c.Create(r.Context(), draft)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})
	r.Post("/refetch", func(w http.ResponseWriter, r *http.Request) {
		ws, c, ok := open(w, r)
		if !ok {
			return
		}
		if err := c.Refetch(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(ws, c))
	})
	r.Get("/watch", func(w http.ResponseWriter, r *http.Request) {
		ws, c, ok := open(w, r)
		if !ok {
			return
		}
		s.watch(w, r, ws, func() any { return viewOf(ws, c) }, c.Watch)
	})
	r.Patch("/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, c, ok := open(w, r)
		if !ok {
			return
		}
		var patch crm.Patch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := c.Update(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})
	r.Post("/{id}/move", func(w http.ResponseWriter, r *http.Request) {
		_, c, ok := open(w, r)
		if !ok {
			return
		}
		var placement crm.Placement
		if err := decodeBody(r, &placement); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		moved, err := c.Move(r.Context(), chi.URLParam(r, "id"), placement)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, moved)
	})
	r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, c, ok := open(w, r)
		if !ok {
			return
		}
		if err := c.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// watch upgrades to a WebSocket and sends a fresh view after every cache
// change until the client goes away. Pings keep the workspace from idling out.
func (s *HTTPServer) watch(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, view func() any, subscribe func() (<-chan struct{}, func())) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}
	defer conn.Close()
	log := s.log.With(logging.RequestID(RequestID(r.Context())), logging.Tenant(ws.Tenant))

	changes, stop := subscribe()
	defer stop()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(view())
	}
	if err := send(); err != nil {
		return
	}
	lastState := ws.State()

	ping := time.NewTicker(watchPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-changes:
			s.hub.Touch(ws.Tenant)
			lastState = ws.State()
			if err := send(); err != nil {
				log.Debug("watch send failed", zap.Error(err))
				return
			}
		case <-ping.C:
			s.hub.Touch(ws.Tenant)
			// Subscription state changes do not touch the cache.
			if state := ws.State(); state != lastState {
				lastState = state
				if err := send(); err != nil {
					return
				}
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout)); err != nil {
				return
			}
		}
	}
}
