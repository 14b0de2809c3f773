package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/config"
	"github.com/dbgateway/dbgateway/internal/tenant"
)

// staticSnapshot is an immutable point-in-time view of the fixed routing
// table, stored in atomic.Value for lock-free reads on the hot path.
type staticSnapshot struct {
	endpoints map[tenant.Key][]backend.Endpoint
}

// Static is a fixed endpoint list configured at startup, used for tests
// and single-backend deployments. Mutations (Reload) serialize on a write
// mutex and swap in a new snapshot; Select never blocks on it.
type Static struct {
	snap atomic.Value // holds *staticSnapshot
	wmu  sync.Mutex

	listenersMu sync.Mutex
	listeners   []StatusListener
}

// NewStatic builds a Static router from the tenant entries in cfg. Each
// entry's Region/AZ/Namespace/Cluster forms its tenant.Key; Host:Port
// becomes the (sole) BackendEndpoint for that key.
func NewStatic(cfg *config.Config) *Static {
	s := &Static{}
	s.snap.Store(buildStaticSnapshot(cfg))
	return s
}

func buildStaticSnapshot(cfg *config.Config) *staticSnapshot {
	endpoints := make(map[tenant.Key][]backend.Endpoint, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		key := tenant.Key{Region: tc.Region, AZ: tc.AZ, Namespace: tc.Namespace, Cluster: tc.Cluster}
		endpoints[key] = append(endpoints[key], backend.Endpoint{
			Addr:     fmt.Sprintf("%s:%d", tc.Host, tc.Port),
			Cluster:  tc.Cluster,
			Location: backend.Location{Region: tc.Region, AZ: tc.AZ},
			Status:   backend.Available,
		})
	}
	return &staticSnapshot{endpoints: endpoints}
}

func (s *Static) load() *staticSnapshot {
	return s.snap.Load().(*staticSnapshot)
}

// Select returns a live endpoint for key from the fixed list.
func (s *Static) Select(key tenant.Key, policy Policy) (backend.Endpoint, error) {
	endpoints := s.load().endpoints[key]
	if len(endpoints) == 0 {
		return backend.Endpoint{}, ErrNotFound{Key: key}
	}
	return selectFrom(endpoints, policy), nil
}

// StatusChangeNotify registers f and calls it once for every endpoint in
// the current static list, each with status Available; Reload later
// replays the new list to every registered listener.
func (s *Static) StatusChangeNotify(f StatusListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, f)
	s.listenersMu.Unlock()

	for _, list := range s.load().endpoints {
		for _, ep := range list {
			f(ep)
		}
	}
}

// Reload replaces the entire fixed routing table and replays every
// endpoint to registered listeners so a reconfigured pool manager can
// pick up new or changed backends.
func (s *Static) Reload(cfg *config.Config) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := buildStaticSnapshot(cfg)
	s.snap.Store(next)

	s.listenersMu.Lock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, list := range next.endpoints {
		for _, ep := range list {
			for _, l := range listeners {
				l(ep)
			}
		}
	}
}
