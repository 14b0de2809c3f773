package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ReplicaStatus is the health of one discovered control-plane replica.
type ReplicaStatus int

const (
	StatusAvailable ReplicaStatus = iota
	StatusUnavailable
)

func (s ReplicaStatus) String() string {
	if s == StatusAvailable {
		return "available"
	}
	return "unavailable"
}

// Replica is one control-plane instance the resolver has discovered, with
// a live gRPC channel to it. Generation is monotonic per name; a refresh
// replaces the channel when the new generation is strictly greater, or
// when the replica is marked Unavailable (whatever its generation).
type Replica struct {
	Name        string
	Generation  uint64
	Status      ReplicaStatus
	ServiceAddr string
	EndpointAddr string
	Conn        *grpc.ClientConn
}

// Resolver polls the control plane's cluster-members HTTP endpoint and
// maintains a set of gRPC channels to the Available replicas, handing out
// round-robin picks to callers that need a stream to the control plane
// (the topology subscriber).
type Resolver struct {
	membershipURL string
	dialTimeout   time.Duration
	httpClient    *http.Client

	mu       sync.RWMutex
	replicas map[string]*Replica
	order    []string // replica names, sorted; rebuilt only when membership changes
	rrIndex  atomic.Uint64

	readyOnce sync.Once
	readyCh   chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once

	onStatus func(replica string, available bool)
	onPick   func(replica string)
}

// SetOnStatusChange sets the callback invoked whenever a replica's
// availability is set or flips, covering both newly-discovered and
// re-dialed replicas as well as MarkUnavailable.
func (r *Resolver) SetOnStatusChange(cb func(replica string, available bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatus = cb
}

// SetOnPick sets the callback invoked every time GetReplica hands out a
// replica by round-robin.
func (r *Resolver) SetOnPick(cb func(replica string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPick = cb
}

// NewResolver creates a resolver that has not yet performed its first poll;
// call Start to begin the refresh loop.
func NewResolver(membershipURL string, dialTimeout time.Duration) *Resolver {
	return &Resolver{
		membershipURL: membershipURL,
		dialTimeout:   dialTimeout,
		httpClient:    &http.Client{Timeout: dialTimeout},
		replicas:      make(map[string]*Replica),
		readyCh:       make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the poll loop at the given interval. The first poll runs
// immediately rather than waiting for the first tick.
func (r *Resolver) Start(interval time.Duration) {
	go func() {
		r.refresh()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refresh()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Ready blocks until the first non-empty refresh has completed, or ctx is
// cancelled first.
func (r *Resolver) Ready(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) refresh() {
	members, err := r.fetchMembers()
	if err != nil {
		slog.Warn("control-plane membership refresh failed", "url", r.membershipURL, "err", err)
		return
	}
	if len(members) == 0 {
		return
	}

	r.mu.Lock()
	membershipChanged := false
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		seen[m.Name] = true
		existing, ok := r.replicas[m.Name]

		switch {
		case !ok:
			conn, err := r.dial(m.ServiceAddr)
			if err != nil {
				slog.Warn("dialing new replica failed", "name", m.Name, "addr", m.ServiceAddr, "err", err)
				continue
			}
			r.replicas[m.Name] = &Replica{
				Name: m.Name, Generation: m.Generation, Status: StatusAvailable,
				ServiceAddr: m.ServiceAddr, EndpointAddr: m.Address, Conn: conn,
			}
			membershipChanged = true
			r.reportStatus(m.Name, true)
		case existing.Status == StatusUnavailable:
			conn, err := r.dial(m.ServiceAddr)
			if err != nil {
				slog.Warn("re-dialing unavailable replica failed", "name", m.Name, "err", err)
				continue
			}
			existing.Conn.Close()
			existing.Conn = conn
			existing.Generation = m.Generation
			existing.ServiceAddr = m.ServiceAddr
			existing.Status = StatusAvailable
			r.reportStatus(m.Name, true)
		case m.Generation > existing.Generation:
			conn, err := r.dial(m.ServiceAddr)
			if err != nil {
				slog.Warn("re-dialing newer-generation replica failed", "name", m.Name, "err", err)
				continue
			}
			existing.Conn.Close()
			existing.Conn = conn
			existing.Generation = m.Generation
			existing.ServiceAddr = m.ServiceAddr
		}
	}

	for name, existing := range r.replicas {
		if !seen[name] {
			existing.Conn.Close()
			delete(r.replicas, name)
			membershipChanged = true
			r.reportStatus(name, false)
		}
	}

	if membershipChanged {
		order := make([]string, 0, len(r.replicas))
		for name := range r.replicas {
			order = append(order, name)
		}
		sort.Strings(order)
		r.order = order
	}
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.readyCh) })
}

// reportStatus invokes the status-change callback, if set. Callers must
// hold r.mu.
func (r *Resolver) reportStatus(replica string, available bool) {
	if r.onStatus != nil {
		r.onStatus(replica, available)
	}
}

func (r *Resolver) dial(addr string) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout)
	defer cancel()
	return grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
}

func (r *Resolver) fetchMembers() ([]ClusterMember, error) {
	req, err := http.NewRequest(http.MethodGet, r.membershipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching cluster members: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cluster-members returned status %d", resp.StatusCode)
	}

	var members []ClusterMember
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, fmt.Errorf("decoding cluster members: %w", err)
	}
	return members, nil
}

// GetReplica returns the next Available replica by round-robin. Candidates
// are drawn from r.order, a name-sorted slice rebuilt only when membership
// changes, so the position a replica occupies is stable across calls; Go's
// randomized map iteration would otherwise reshuffle it on every pick and
// defeat the round-robin counter below. Returns an error if none are
// currently available.
func (r *Resolver) GetReplica() (*Replica, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	available := make([]*Replica, 0, len(r.order))
	for _, name := range r.order {
		if rep := r.replicas[name]; rep != nil && rep.Status == StatusAvailable {
			available = append(available, rep)
		}
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no available control-plane replicas")
	}

	idx := r.rrIndex.Add(1) % uint64(len(available))
	picked := available[idx]
	if r.onPick != nil {
		r.onPick(picked.Name)
	}
	return picked, nil
}

// MarkUnavailable flips a replica's status so GetReplica stops handing it
// out, following a stream or connect failure against it.
func (r *Resolver) MarkUnavailable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.replicas[name]; ok {
		rep.Status = StatusUnavailable
		r.reportStatus(name, false)
	}
}

// Stop halts the refresh loop and closes every replica's channel.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.replicas {
		rep.Conn.Close()
	}
	r.replicas = make(map[string]*Replica)
	r.order = nil
}
