package router

import (
	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/tenant"
	"github.com/dbgateway/dbgateway/internal/topology"
)

// Dynamic wraps the topology subscriber's live TenantBackends map. Select
// reads are served directly from TenantBackends; status changes forward
// from the subscriber's change feed to every registered listener.
type Dynamic struct {
	backends   *topology.TenantBackends
	subscriber *topology.Subscriber
}

// NewDynamic builds a Dynamic router over an already-running subscriber
// and the TenantBackends map it feeds.
func NewDynamic(backends *topology.TenantBackends, subscriber *topology.Subscriber) *Dynamic {
	return &Dynamic{backends: backends, subscriber: subscriber}
}

// Select ensures key is subscribed to (idempotent) and returns a live
// endpoint from its current snapshot.
func (d *Dynamic) Select(key tenant.Key, policy Policy) (backend.Endpoint, error) {
	d.subscriber.Subscribe(key)

	endpoints := d.backends.Snapshot(key)
	if len(endpoints) == 0 {
		return backend.Endpoint{}, ErrNotFound{Key: key}
	}
	return selectFrom(endpoints, policy), nil
}

// StatusChangeNotify subscribes f to every future topology change event.
func (d *Dynamic) StatusChangeNotify(f StatusListener) {
	d.subscriber.OnChange(func(_ tenant.Key, ep backend.Endpoint) {
		f(ep)
	})
}
