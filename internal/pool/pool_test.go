package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/config"
	"github.com/dbgateway/dbgateway/internal/wire"
)

// fakeMySQLBackend accepts connections, sends a minimal greeting, accepts
// any HandshakeResponse with an OK, and answers every command (including
// COM_RESET_CONNECTION) with an OK — enough for the pool's dial and
// recycle paths to exercise real wire I/O over a loopback socket.
func fakeMySQLBackend(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeConn(conn net.Conn) {
	defer conn.Close()
	scramble, _ := wire.NewScramble()
	greeting := wire.BuildGreeting(wire.Greeting{
		ConnectionID:   1,
		Scramble:       scramble,
		Capabilities:   wire.ServerCapabilities(false),
		Collation:      0x21,
		AuthPluginName: "mysql_native_password",
	})
	w := wire.NewWriter(conn)
	if err := w.WritePacket(0, greeting); err != nil {
		return
	}

	r := wire.NewReader(conn)
	if _, _, err := r.ReadPacket(); err != nil { // HandshakeResponse
		return
	}
	if err := w.WritePacket(2, wire.BuildOK(wire.StatusAutocommit)); err != nil {
		return
	}

	for {
		_, _, err := r.ReadPacket()
		if err != nil {
			return
		}
		w.SetSeq(1)
		w.WritePacket(1, wire.BuildOK(wire.StatusAutocommit))
	}
}

func testDefaults() config.PoolDefaults {
	return config.PoolDefaults{
		MinConnections: 0,
		MaxConnections: 2,
		IdleTimeout:    time.Minute,
		MaxLifetime:    time.Hour,
		AcquireTimeout: 2 * time.Second,
	}
}

func TestAcquireDialsFreshConnection(t *testing.T) {
	addr, stop := fakeMySQLBackend(t)
	defer stop()

	ep := backend.Endpoint{Addr: addr, Cluster: "primary"}
	p := New(ep, Credentials{Username: "appuser", Password: "s3cret", DBName: "orders"}, testDefaults())
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if pc.Phase() != PhaseNone {
		t.Fatalf("Phase = %v, want PhaseNone: a freshly dialed entry hasn't been spliced yet", pc.Phase())
	}
}

func TestAcquireLeavesReusedIdleEntryPhaseAlone(t *testing.T) {
	addr, stop := fakeMySQLBackend(t)
	defer stop()

	ep := backend.Endpoint{Addr: addr, Cluster: "primary"}
	p := New(ep, Credentials{Username: "appuser", Password: "s3cret", DBName: "orders"}, testDefaults())
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.SetPhase(PhaseCommand) // simulate a completed splice
	pc.Return()

	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if pc2 != pc {
		t.Fatalf("expected the recycled entry to be reused, got a different one")
	}
	if pc2.Phase() != PhaseCommand {
		t.Fatalf("Phase = %v, want PhaseCommand: Acquire must not reset a reused entry's phase", pc2.Phase())
	}
}

func TestReturnRecyclesCommandPhase(t *testing.T) {
	addr, stop := fakeMySQLBackend(t)
	defer stop()

	ep := backend.Endpoint{Addr: addr, Cluster: "primary"}
	p := New(ep, Credentials{Username: "appuser", Password: "s3cret", DBName: "orders"}, testDefaults())
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.SetPhase(PhaseCommand) // simulate a successful splice
	pc.Return()

	stats := p.Stats()
	if stats.Idle != 1 {
		t.Fatalf("Idle = %d, want 1 after recycling a PhaseCommand return", stats.Idle)
	}
	if stats.Active != 0 {
		t.Fatalf("Active = %d, want 0", stats.Active)
	}
}

func TestReturnDetachesNonCommandPhase(t *testing.T) {
	addr, stop := fakeMySQLBackend(t)
	defer stop()

	ep := backend.Endpoint{Addr: addr, Cluster: "primary"}
	p := New(ep, Credentials{Username: "appuser", Password: "s3cret", DBName: "orders"}, testDefaults())
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.SetPhase(PhaseConnection) // simulate a failed splice
	pc.Return()

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Fatalf("Idle = %d, want 0: a non-Command phase connection must not be recycled", stats.Idle)
	}
	if stats.Total != 0 {
		t.Fatalf("Total = %d, want 0: detached connection should be closed, not counted", stats.Total)
	}
}

func TestAcquireBlocksWhenExhaustedThenTimesOut(t *testing.T) {
	addr, stop := fakeMySQLBackend(t)
	defer stop()

	defaults := testDefaults()
	defaults.MaxConnections = 1
	defaults.AcquireTimeout = 100 * time.Millisecond

	ep := backend.Endpoint{Addr: addr, Cluster: "primary"}
	p := New(ep, Credentials{Username: "appuser", Password: "s3cret", DBName: "orders"}, defaults)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer pc.Return()

	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected acquire timeout error with pool exhausted")
	}
}

func TestInjectTestConn(t *testing.T) {
	ep := backend.Endpoint{Addr: "127.0.0.1:0", Cluster: "primary"}
	p := New(ep, Credentials{}, testDefaults())
	defer p.Close()

	server, client := net.Pipe()
	defer server.Close()
	pc := NewPooledConn(client, "appuser", p)
	p.InjectTestConn(pc)

	stats := p.Stats()
	if stats.Idle != 1 || stats.Total != 1 {
		t.Fatalf("stats = %+v, want Idle=1 Total=1", stats)
	}
}

func TestManagerGetOrCreateAndRemove(t *testing.T) {
	addr, stop := fakeMySQLBackend(t)
	defer stop()

	m := NewManager(testDefaults())
	defer m.Close()

	ep := backend.Endpoint{Addr: addr, Cluster: "primary"}
	p1 := m.GetOrCreate(ep, Credentials{Username: "appuser", Password: "pw", DBName: "orders"})
	p2 := m.GetOrCreate(ep, Credentials{Username: "appuser", Password: "pw", DBName: "orders"})
	if p1 != p2 {
		t.Fatal("GetOrCreate should return the same pool for the same endpoint")
	}

	if !m.Remove(ep) {
		t.Fatal("Remove should report true for an existing pool")
	}
	if _, ok := m.Get(ep); ok {
		t.Fatal("pool should be gone after Remove")
	}
}
