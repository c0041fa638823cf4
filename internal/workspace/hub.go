package workspace

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"crmsync/internal/logging"
)

// Hub hands out one Workspace per tenant and closes those left idle.
type Hub struct {
	deps    Deps
	items   *gocache.Cache
	loading singleflight.Group
	log     *zap.Logger
}

func NewHub(deps Deps, idle time.Duration) *Hub {
	if idle <= 0 {
		idle = 15 * time.Minute
	}
	cleanup := idle / 2
	if cleanup < 10*time.Millisecond {
		cleanup = 10 * time.Millisecond
	}
	return newHub(deps, idle, cleanup)
}

func newHub(deps Deps, idle, cleanup time.Duration) *Hub {
	h := &Hub{
		deps:  deps,
		items: gocache.New(idle, cleanup),
		log:   logging.OrNop(deps.Logger).Named("hub"),
	}
	h.items.OnEvicted(func(tenant string, v interface{}) {
		v.(*Workspace).Close()
		h.deps.Metrics.WorkspaceClosed()
		h.log.Info("workspace evicted", logging.Tenant(tenant))
	})
	return h
}

// Get returns the tenant's workspace, starting it on first use. Each call
// resets the idle timer.
func (h *Hub) Get(ctx context.Context, tenant string) (*Workspace, error) {
	if v, ok := h.items.Get(tenant); ok {
		h.items.SetDefault(tenant, v)
		return v.(*Workspace), nil
	}
	v, err, _ := h.loading.Do(tenant, func() (interface{}, error) {
		if v, ok := h.items.Get(tenant); ok {
			return v, nil
		}
		// An expired workspace stays stored until the janitor runs, and
		// SetDefault would replace it without eviction.
		h.items.Delete(tenant)
		ws := New(tenant, h.deps)
		if err := ws.Start(ctx); err != nil {
			ws.Close()
			return nil, err
		}
		h.items.SetDefault(tenant, ws)
		h.deps.Metrics.WorkspaceOpened()
		h.log.Info("workspace opened", logging.Tenant(tenant))
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

// Touch resets the idle timer of a live workspace.
func (h *Hub) Touch(tenant string) {
	if v, ok := h.items.Get(tenant); ok {
		h.items.SetDefault(tenant, v)
	}
}

func (h *Hub) Len() int {
	return h.items.ItemCount()
}

// Close evicts every workspace, expired ones included.
func (h *Hub) Close() {
	h.items.DeleteExpired()
	for tenant := range h.items.Items() {
		h.items.Delete(tenant)
	}
}
