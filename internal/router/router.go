// Package router resolves a tenant key to a live backend endpoint. Two
// implementations share one interface: a Static router backed by a fixed
// config-file list, and a Dynamic router backed by the topology
// subscriber's live TenantBackends map. The atomic.Value snapshot pattern
// used for the Static router's routing table traces back to the original
// single-table router this package grew from.
package router

import (
	"fmt"
	"math/rand"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/tenant"
)

// Policy selects among multiple live endpoints for the same tenant.
type Policy int

const (
	// PolicyRandom picks a uniformly random endpoint from the live list.
	PolicyRandom Policy = iota
	// PolicyP2C is reserved (power-of-two-choices load awareness); Select
	// falls back to PolicyRandom until per-endpoint load stats exist.
	PolicyP2C
)

// StatusListener is invoked once per topology change event so a caller
// (typically the pool manager) can construct or tear down pools as
// endpoints come and go.
type StatusListener func(ep backend.Endpoint)

// Router selects a backend endpoint for a tenant key under a policy.
type Router interface {
	// Select returns a live endpoint for key, or an error if none exist.
	Select(key tenant.Key, policy Policy) (backend.Endpoint, error)
	// StatusChangeNotify registers f to be called for every topology
	// change event this router observes (immediately for every current
	// endpoint and again on every Reload, for Static; on every future
	// subscriber event, for Dynamic).
	StatusChangeNotify(f StatusListener)
}

// ErrNotFound is returned by Select when a tenant key has no known
// endpoints, including tenants the router has never heard of.
type ErrNotFound struct {
	Key tenant.Key
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("no backend available for tenant %s", e.Key)
}

// selectFrom applies policy over a non-empty endpoint list. Callers must
// check for an empty list themselves and return ErrNotFound.
func selectFrom(endpoints []backend.Endpoint, policy Policy) backend.Endpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}
	switch policy {
	case PolicyP2C:
		// Reserved: no per-endpoint load signal is tracked yet, so P2C
		// degrades to uniform random selection.
		fallthrough
	default:
		return endpoints[rand.Intn(len(endpoints))]
	}
}
