// Package backend defines the BackendEndpoint record: an immutable
// description of one MySQL instance a tenant's traffic may be routed to.
package backend

import "fmt"

// Status is a backend's last-known availability as reported by the control
// plane.
type Status int

const (
	Available Status = iota
	Unavailable
)

func (s Status) String() string {
	if s == Available {
		return "available"
	}
	return "unavailable"
}

// Location is the region/availability-zone pair a backend runs in.
type Location struct {
	Region string
	AZ     string
}

// Endpoint is one routable MySQL instance: an address, the cluster it
// belongs to, where it runs, and its last-known status. Endpoints are
// treated as values — callers replace rather than mutate them when status
// changes, so a stale reference never silently changes underneath a reader.
type Endpoint struct {
	Addr     string // host:port of the instance's SQL port
	Cluster  string
	Location Location
	Status   Status
}

// Key identifies an endpoint for dedup purposes within a tenant's backend
// list: two endpoints at the same address are the same instance even if
// their reported status or cluster label differs across a refresh.
func (e Endpoint) Key() string { return e.Addr }

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (region=%s az=%s cluster=%s status=%s)",
		e.Addr, e.Location.Region, e.Location.AZ, e.Cluster, e.Status)
}
