package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
)

// fakeGRPCServer starts a bare grpc.Server (no services registered) so
// grpc.DialContext(..., grpc.WithBlock()) has something real to connect to.
func fakeGRPCServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	go srv.Serve(lis)
	return lis.Addr().String(), srv.Stop
}

func TestResolverRefreshDialsAndRoundRobins(t *testing.T) {
	addr1, stop1 := fakeGRPCServer(t)
	defer stop1()
	addr2, stop2 := fakeGRPCServer(t)
	defer stop2()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		members := []ClusterMember{
			{Name: "r1", Generation: 1, ServiceAddr: addr1, Ready: true},
			{Name: "r2", Generation: 1, ServiceAddr: addr2, Ready: true},
		}
		json.NewEncoder(w).Encode(members)
	}))
	defer ts.Close()

	r := NewResolver(ts.URL, 2*time.Second)
	defer r.Stop()
	r.refresh()

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		rep, err := r.GetReplica()
		if err != nil {
			t.Fatalf("GetReplica: %v", err)
		}
		seen[rep.Name] = true
	}
	if !seen["r1"] || !seen["r2"] {
		t.Fatalf("round robin never visited both replicas: %v", seen)
	}
}

// TestResolverRoundRobinDistributesEvenly drives GetReplica N*k times over
// k replicas and checks each one was picked N times, within one of an exact
// cycle. A resolver that rebuilds its candidate slice from map iteration
// order on every call would pass TestResolverRefreshDialsAndRoundRobins
// (which only checks both replicas were seen at all) but fail this: picks
// would scatter toward uniform-random instead of cycling.
func TestResolverRoundRobinDistributesEvenly(t *testing.T) {
	const replicaCount = 3
	const perReplica = 20

	addrs := make([]string, replicaCount)
	for i := range addrs {
		addr, stop := fakeGRPCServer(t)
		defer stop()
		addrs[i] = addr
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		members := make([]ClusterMember, replicaCount)
		for i, addr := range addrs {
			members[i] = ClusterMember{Name: string(rune('a' + i)), Generation: 1, ServiceAddr: addr, Ready: true}
		}
		json.NewEncoder(w).Encode(members)
	}))
	defer ts.Close()

	r := NewResolver(ts.URL, 2*time.Second)
	defer r.Stop()
	r.refresh()

	counts := map[string]int{}
	for i := 0; i < replicaCount*perReplica; i++ {
		rep, err := r.GetReplica()
		if err != nil {
			t.Fatalf("GetReplica #%d: %v", i, err)
		}
		counts[rep.Name]++
	}

	if len(counts) != replicaCount {
		t.Fatalf("expected picks spread across %d replicas, got %d: %v", replicaCount, len(counts), counts)
	}
	for name, n := range counts {
		if n < perReplica-1 || n > perReplica+1 {
			t.Fatalf("replica %q picked %d times, want %d (+/- 1)", name, n, perReplica)
		}
	}
}

func TestResolverMarkUnavailableExcludesFromRoundRobin(t *testing.T) {
	addr1, stop1 := fakeGRPCServer(t)
	defer stop1()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ClusterMember{{Name: "r1", Generation: 1, ServiceAddr: addr1, Ready: true}})
	}))
	defer ts.Close()

	r := NewResolver(ts.URL, 2*time.Second)
	defer r.Stop()
	r.refresh()

	r.MarkUnavailable("r1")
	if _, err := r.GetReplica(); err == nil {
		t.Fatal("expected error: only known replica was marked unavailable")
	}
}

func TestResolverKeepsReplicasOnEmptyMemberList(t *testing.T) {
	addr1, stop1 := fakeGRPCServer(t)
	defer stop1()

	var includeR1 bool = true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var members []ClusterMember
		if includeR1 {
			members = append(members, ClusterMember{Name: "r1", Generation: 1, ServiceAddr: addr1, Ready: true})
		}
		json.NewEncoder(w).Encode(members)
	}))
	defer ts.Close()

	r := NewResolver(ts.URL, 2*time.Second)
	defer r.Stop()
	r.refresh()
	if _, err := r.GetReplica(); err != nil {
		t.Fatalf("GetReplica before removal: %v", err)
	}

	includeR1 = false
	r.refresh()
	// an empty member list is a no-op in refresh(), so the replica
	// discovered earlier is still handed out.
	if _, err := r.GetReplica(); err != nil {
		t.Fatalf("GetReplica after empty-list refresh (no-op expected): %v", err)
	}
}

func TestResolverReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ClusterMember{})
	}))
	defer ts.Close()

	r := NewResolver(ts.URL, time.Second)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.Ready(ctx); err == nil {
		t.Fatal("expected Ready to time out: refresh never saw a non-empty list")
	}
}
