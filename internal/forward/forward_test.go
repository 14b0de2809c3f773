package forward

import (
	"net"
	"testing"
	"time"

	"github.com/dbgateway/dbgateway/internal/wire"
)

// loopbackConnPair returns both ends of a loopback TCP connection. Unlike
// net.Pipe, a write completes without a concurrent reader (up to the socket
// buffer), so a test can run a forwarder to completion and only then read
// what it relayed to the client.
func loopbackConnPair() (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		panic(err)
	}
	return dialed, <-accepted
}

func newExchange(opcode byte, deprecateEOF bool) (ex *Exchange, backendSide, clientSide net.Conn, cleanup func()) {
	backendSide, proxyBackendSide := net.Pipe()
	clientSide, proxyClientSide := loopbackConnPair()
	ex = &Exchange{
		ClientReader:  wire.NewReader(proxyClientSide),
		ClientWriter:  wire.NewWriter(proxyClientSide),
		BackendReader: wire.NewReader(proxyBackendSide),
		BackendWriter: wire.NewWriter(proxyBackendSide),
		Opcode:        opcode,
		DeprecateEOF:  deprecateEOF,
	}
	cleanup = func() {
		backendSide.Close()
		proxyBackendSide.Close()
		clientSide.Close()
		proxyClientSide.Close()
	}
	return ex, backendSide, clientSide, cleanup
}

func readPacketWithTimeout(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := wire.NewReader(conn)
	_, payload, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("reading packet: %v", err)
	}
	return payload
}

func TestGenericForwarderRelaysOnePacket(t *testing.T) {
	ex, backendSide, clientSide, cleanup := newExchange(wire.ComPing, false)
	defer cleanup()

	go func() {
		w := wire.NewWriter(backendSide)
		w.WritePacket(0, wire.BuildOK(wire.StatusAutocommit))
	}()

	if err := (GenericForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := readPacketWithTimeout(t, clientSide)
	if !wire.IsOK(got) {
		t.Fatalf("client did not receive OK packet: %x", got)
	}
}

func TestQueryForwarderSimpleOK(t *testing.T) {
	ex, backendSide, clientSide, cleanup := newExchange(wire.ComQuery, true)
	defer cleanup()

	go func() {
		w := wire.NewWriter(backendSide)
		w.WritePacket(0, wire.BuildOK(wire.StatusAutocommit))
	}()

	if err := (QueryForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := readPacketWithTimeout(t, clientSide)
	if !wire.IsOK(got) {
		t.Fatalf("expected OK relayed to client: %x", got)
	}
}

func TestQueryForwarderResultSetDeprecateEOF(t *testing.T) {
	ex, backendSide, clientSide, cleanup := newExchange(wire.ComQuery, true)
	defer cleanup()

	resultSetEOF := []byte{0xfe, 0, 0, 0, 0, 0, 0, 0}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w := wire.NewWriter(backendSide)
		w.WritePacket(0, []byte{0x02})       // column count header
		w.WritePacket(1, []byte{0x03, 'a'})  // column def
		w.WritePacket(2, []byte{0x03, 'b'})  // column def
		w.WritePacket(3, []byte{0x01, 'x'})  // row
		w.WritePacket(4, resultSetEOF)        // deprecate-EOF trailer
	}()

	if err := (QueryForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	<-done

	var packets [][]byte
	for i := 0; i < 5; i++ {
		packets = append(packets, readPacketWithTimeout(t, clientSide))
	}
	if !wire.IsResultSetEOF(packets[4]) {
		t.Fatalf("last forwarded packet should be the result-set EOF: %x", packets[4])
	}
}

func TestQueryForwarderLocalInfileRejected(t *testing.T) {
	ex, backendSide, _, cleanup := newExchange(wire.ComQuery, true)
	defer cleanup()

	go func() {
		w := wire.NewWriter(backendSide)
		w.WritePacket(0, []byte{0xfb, '/', 'e', 't', 'c'})
	}()

	err := (QueryForwarder{}).Forward(ex)
	if err == nil {
		t.Fatal("expected error for LOCAL INFILE reply")
	}
}

func TestChangeUserForwarderSuccessAfterSwitch(t *testing.T) {
	ex, backendSide, clientSide, cleanup := newExchange(wire.ComChangeUser, true)
	defer cleanup()

	go func() {
		w := wire.NewWriter(backendSide)
		switchPkt := wire.BuildAuthSwitchRequest("mysql_native_password", []byte("01234567890123456789"))
		w.WritePacket(0, switchPkt)
		r := wire.NewReader(backendSide)
		r.ReadPacket()
		w.WritePacket(2, wire.BuildOK(wire.StatusAutocommit))
	}()
	go func() {
		r := wire.NewReader(clientSide)
		r.ReadPacket()
		w := wire.NewWriter(clientSide)
		w.WritePacket(1, []byte{1, 2, 3, 4})
	}()

	if err := (ChangeUserForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestChangeUserForwarderFailsOnERR(t *testing.T) {
	ex, backendSide, _, cleanup := newExchange(wire.ComChangeUser, true)
	defer cleanup()

	go func() {
		w := wire.NewWriter(backendSide)
		w.WritePacket(0, wire.BuildERR(1045, "28000", "denied"))
	}()

	err := (ChangeUserForwarder{}).Forward(ex)
	if err == nil {
		t.Fatal("expected error on backend ERR")
	}
}

func TestPreparedStatementForwarderPrepare(t *testing.T) {
	ex, backendSide, clientSide, cleanup := newExchange(wire.ComStmtPrepare, true)
	defer cleanup()

	okPkt := make([]byte, 12)
	okPkt[5] = 1 // num_columns = 1
	okPkt[7] = 1 // num_params = 1

	done := make(chan struct{})
	go func() {
		defer close(done)
		w := wire.NewWriter(backendSide)
		w.WritePacket(0, okPkt)
		w.WritePacket(1, []byte{0x03, 'p'})
		w.WritePacket(2, []byte{0x03, 'c'})
	}()

	if err := (PreparedStatementForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	<-done
	for i := 0; i < 3; i++ {
		readPacketWithTimeout(t, clientSide)
	}
}

func TestPreparedStatementForwarderStmtCloseNoReply(t *testing.T) {
	ex, _, _, cleanup := newExchange(wire.ComStmtClose, true)
	defer cleanup()

	if err := (PreparedStatementForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestQuitForwarderIsNoOp(t *testing.T) {
	ex, _, _, cleanup := newExchange(wire.ComQuit, true)
	defer cleanup()

	if err := (QuitForwarder{}).Forward(ex); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestDispatchPicksExpectedForwarders(t *testing.T) {
	cases := []struct {
		opcode byte
		want   Forwarder
	}{
		{wire.ComStmtPrepare, PreparedStatementForwarder{}},
		{wire.ComStmtClose, PreparedStatementForwarder{}},
		{wire.ComQuery, QueryForwarder{}},
		{wire.ComStmtExecute, QueryForwarder{}},
		{wire.ComFieldList, QueryForwarder{}},
		{wire.ComQuit, QuitForwarder{}},
		{wire.ComChangeUser, ChangeUserForwarder{}},
		{wire.ComPing, GenericForwarder{}},
	}
	for _, c := range cases {
		if got := Dispatch(c.opcode); got != c.want {
			t.Errorf("Dispatch(0x%02x) = %T, want %T", c.opcode, got, c.want)
		}
	}
}
