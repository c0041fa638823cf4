// Package workspace assembles the reconciled collections for one tenant and
// keeps a bounded set of them alive for the HTTP layer.
package workspace

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
	"crmsync/internal/reconcile"
	"crmsync/internal/store"
)

var (
	DealSchema         = reconcile.Schema{Table: crm.TableDeals, IDPrefix: "deal", GroupField: "stage"}
	ContactSchema      = reconcile.Schema{Table: crm.TableContacts, IDPrefix: "contact", GroupField: "status"}
	ConversationSchema = reconcile.Schema{Table: crm.TableConversations, IDPrefix: "conv"}
)

// Deps are shared by every workspace.
type Deps struct {
	Records   *store.RecordStore
	Transport reconcile.Transport
	Manager   reconcile.ManagerConfig
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Workspace is one tenant's dashboard state: three collections fed by a single
// push subscription.
type Workspace struct {
	Tenant        string
	Deals         *reconcile.Collection[crm.Deal]
	Contacts      *reconcile.Collection[crm.Contact]
	Conversations *reconcile.Collection[crm.Conversation]

	manager *reconcile.Manager
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func New(tenant string, deps Deps) *Workspace {
	log := logging.OrNop(deps.Logger).With(logging.Tenant(tenant))
	opts := reconcile.Options{Logger: log, Metrics: deps.Metrics}
	ctx, cancel := context.WithCancel(context.Background())
	return &Workspace{
		Tenant:        tenant,
		Deals:         reconcile.NewCollection(DealSchema, store.NewRepo[crm.Deal](deps.Records, tenant, crm.TableDeals, DealSchema.IDPrefix), opts),
		Contacts:      reconcile.NewCollection(ContactSchema, store.NewRepo[crm.Contact](deps.Records, tenant, crm.TableContacts, ContactSchema.IDPrefix), opts),
		Conversations: reconcile.NewCollection(ConversationSchema, store.NewRepo[crm.Conversation](deps.Records, tenant, crm.TableConversations, ConversationSchema.IDPrefix), opts),
		manager:       reconcile.NewManager(deps.Transport, deps.Manager, log, deps.Metrics),
		log:           log.Named("workspace"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start loads every collection and then subscribes. The subscription outlives
// ctx; it ends with Close.
func (w *Workspace) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range w.handlers() {
		h := h
		g.Go(func() error { return h.Poll(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.manager.SetScope(w.ctx, crm.ScopeKey(w.Tenant), w.handlers()...)
	w.log.Debug("workspace started")
	return nil
}

func (w *Workspace) handlers() []reconcile.Handler {
	return []reconcile.Handler{w.Deals, w.Contacts, w.Conversations}
}

// Refetch reloads every collection now.
func (w *Workspace) Refetch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range w.handlers() {
		h := h
		g.Go(func() error { return h.Poll(gctx) })
	}
	return g.Wait()
}

// State reports the push subscription state.
func (w *Workspace) State() reconcile.ConnState {
	return w.manager.State()
}

// Close stops the subscription. It is safe to call more than once.
func (w *Workspace) Close() {
	w.once.Do(func() {
		w.manager.Stop()
		w.cancel()
		w.log.Debug("workspace closed")
	})
}
