package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/controlplane"
	"github.com/dbgateway/dbgateway/internal/tenant"
)

const sqlPortName = "sql-port"

// ChangeListener is invoked whenever the subscriber records a new or
// updated endpoint for a tenant, letting callers (the dynamic router, the
// pool manager) react without polling TenantBackends themselves.
type ChangeListener func(key tenant.Key, ep backend.Endpoint)

// Subscriber maintains a single long-lived bidirectional stream to a
// chosen control-plane replica, mutating backends as change events arrive
// and resubscribing every known tenant after a failover.
type Subscriber struct {
	nodeID   string
	resolver *controlplane.Resolver
	backends *TenantBackends

	mu         sync.Mutex
	subscribed map[tenant.Key]struct{}
	listeners  []ChangeListener

	requestCh chan tenant.Key
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSubscriber creates a subscriber. Call Run to start the stream loop.
func NewSubscriber(nodeID string, resolver *controlplane.Resolver, backends *TenantBackends) *Subscriber {
	return &Subscriber{
		nodeID:     nodeID,
		resolver:   resolver,
		backends:   backends,
		subscribed: make(map[tenant.Key]struct{}),
		requestCh:  make(chan tenant.Key, 256),
		stopCh:     make(chan struct{}),
	}
}

// OnChange registers a listener invoked for every processed change event.
func (s *Subscriber) OnChange(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Subscribe requests the control plane start streaming updates for key. A
// key already tracked is a no-op; repeat calls across reconnects are
// expected and handled by the resubscribe path instead.
func (s *Subscriber) Subscribe(key tenant.Key) {
	s.mu.Lock()
	if _, ok := s.subscribed[key]; ok {
		s.mu.Unlock()
		return
	}
	s.subscribed[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.requestCh <- key:
	case <-s.stopCh:
	}
}

// Run drives the reconnect loop until ctx is cancelled or Stop is called.
// On any stream error it marks the current replica unavailable, obtains a
// new one from the resolver, and resubscribes every tenant already known.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		replica, err := s.resolver.GetReplica()
		if err != nil {
			slog.Warn("topology subscriber has no available replica", "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			continue
		}

		if err := s.runStream(ctx, replica); err != nil {
			slog.Warn("topology stream failed, failing over", "replica", replica.Name, "err", err)
			s.resolver.MarkUnavailable(replica.Name)
		}
	}
}

func (s *Subscriber) runStream(ctx context.Context, replica *controlplane.Replica) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := controlplane.SubscribeNamespace(streamCtx, replica.Conn)
	if err != nil {
		return fmt.Errorf("opening topology stream to %s: %w", replica.Name, err)
	}

	s.mu.Lock()
	known := make([]tenant.Key, 0, len(s.subscribed))
	for k := range s.subscribed {
		known = append(known, k)
	}
	s.mu.Unlock()
	for _, key := range known {
		if err := sendSubscribeRequest(stream, s.nodeID, key); err != nil {
			return fmt.Errorf("resubscribing %s: %w", key, err)
		}
	}

	sendErrCh := make(chan error, 1)
	go func() {
		for {
			select {
			case key := <-s.requestCh:
				if err := sendSubscribeRequest(stream, s.nodeID, key); err != nil {
					sendErrCh <- err
					return
				}
			case <-streamCtx.Done():
				return
			}
		}
	}()

	for {
		var resp controlplane.Response
		if err := stream.RecvMsg(&resp); err != nil {
			select {
			case sendErr := <-sendErrCh:
				return sendErr
			default:
			}
			return fmt.Errorf("receiving from topology stream: %w", err)
		}

		if resp.Status != 200 {
			return fmt.Errorf("topology stream error: status=%d message=%q", resp.Status, resp.Message)
		}
		if resp.Payload.ChangeEvent == nil {
			return fmt.Errorf("protocol violation: OK response carried no payload")
		}
		s.handleChangeEvent(resp.Payload.ChangeEvent)
	}
}

func sendSubscribeRequest(stream interface{ SendMsg(m interface{}) error }, nodeID string, key tenant.Key) error {
	req := controlplane.SubscribeNamespaceRequest{
		DBLocation: controlplane.Location{
			Region: key.Region, AZ: key.AZ, Namespace: key.Namespace,
		},
		SubscribeID: controlplane.SubscribeID{ID: nodeID, Namespace: key.Namespace, Name: key.Cluster},
		Force:       true,
	}
	return stream.SendMsg(req)
}

func (s *Subscriber) handleChangeEvent(event *controlplane.ChangeEvent) {
	svc := event.Service
	var sqlEndpoint *controlplane.Endpoint
	for i := range svc.Endpoints {
		if svc.Endpoints[i].PortName == sqlPortName {
			sqlEndpoint = &svc.Endpoints[i]
			break
		}
	}
	if sqlEndpoint == nil {
		slog.Warn("change event carried no sql-port endpoint", "cluster", svc.Cluster)
		return
	}

	key := tenant.Key{
		Region: svc.Location.Region, AZ: svc.Location.AZ,
		Namespace: svc.Location.Namespace, Cluster: svc.Cluster,
	}
	ep := backend.Endpoint{
		Addr:    fmt.Sprintf("%s:%d", sqlEndpoint.Address, sqlEndpoint.Port),
		Cluster: svc.Cluster,
		Location: backend.Location{
			Region: svc.Location.Region, AZ: svc.Location.AZ,
		},
		Status: parseStatus(svc.Status),
	}

	s.backends.Upsert(key, ep)

	s.mu.Lock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(key, ep)
	}
}

func parseStatus(s string) backend.Status {
	if s == "Ready" {
		return backend.Available
	}
	return backend.Unavailable
}

// Stop halts the reconnect loop.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
