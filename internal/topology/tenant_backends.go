// Package topology maintains the proxy's live view of which backend
// endpoints serve which tenant, fed by a streaming subscription to the
// control plane.
package topology

import (
	"sync"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/tenant"
)

// TenantBackends is a concurrent map from TenantKey to the ordered list of
// backend endpoints currently known to serve it. Many readers (routers)
// run against a single writer (the subscriber); a new record for an addr
// that already exists replaces the old one in place rather than
// duplicating it.
type TenantBackends struct {
	mu   sync.RWMutex
	data map[tenant.Key][]backend.Endpoint
}

// NewTenantBackends creates an empty map.
func NewTenantBackends() *TenantBackends {
	return &TenantBackends{data: make(map[tenant.Key][]backend.Endpoint)}
}

// Upsert inserts or replaces ep within key's list, deduping on ep.Addr.
func (t *TenantBackends) Upsert(key tenant.Key, ep backend.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.data[key]
	for i, existing := range list {
		if existing.Key() == ep.Key() {
			list[i] = ep
			return
		}
	}
	t.data[key] = append(list, ep)
}

// Remove drops ep.Addr from key's list, if present.
func (t *TenantBackends) Remove(key tenant.Key, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.data[key]
	for i, existing := range list {
		if existing.Key() == addr {
			t.data[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of key's current endpoint list.
func (t *TenantBackends) Snapshot(key tenant.Key) []backend.Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.data[key]
	out := make([]backend.Endpoint, len(list))
	copy(out, list)
	return out
}

// Keys returns every tenant key currently tracked.
func (t *TenantBackends) Keys() []tenant.Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]tenant.Key, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	return keys
}
