package pubsub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/store"
)

// StoreObserver publishes a notification for every committed record change.
// Notifications carry only the id; subscribers fetch the record themselves.
func StoreObserver(pub Publisher, log *zap.Logger) store.Observer {
	log = logging.OrNop(log).Named("pubsub")
	return func(ctx context.Context, change store.Change) {
		n := crm.Notification{
			Kind:     change.Kind,
			Table:    change.Table,
			EntityID: change.ID,
			ScopeKey: crm.ScopeKey(change.Tenant),
		}
		// The write already committed; publishing must not inherit a request
		// context that is about to be cancelled.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := pub.Publish(pubCtx, n); err != nil {
			log.Warn("publish change", logging.Tenant(change.Tenant), logging.Table(change.Table), logging.EntityID(change.ID), zap.Error(err))
		}
	}
}
