package auth

import (
	"net"
	"testing"

	"github.com/dbgateway/dbgateway/internal/pool"
	"github.com/dbgateway/dbgateway/internal/wire"
)

// simClient drives the client half of the initial handshake over a
// net.Pipe: reads the greeting, sends a HandshakeResponse41 for the given
// username.
func simClient(t *testing.T, conn net.Conn, username string) {
	t.Helper()
	r := wire.NewReader(conn)
	if _, _, err := r.ReadPacket(); err != nil {
		t.Errorf("client: reading greeting: %v", err)
		return
	}

	resp := wire.HandshakeResponse{
		Capabilities:   wire.ClientProtocol41 | wire.ClientSecureConnection | wire.ClientPluginAuth,
		Collation:      0x21,
		Username:       username,
		AuthResponse:   []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		AuthPluginName: "mysql_native_password",
	}
	w := wire.NewWriter(conn)
	if err := w.WritePacket(1, wire.SerializeHandshakeResponse41(resp)); err != nil {
		t.Errorf("client: writing handshake response: %v", err)
	}
}

func TestHandshakeParsesUsername(t *testing.T) {
	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	defer proxySide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		simClient(t, clientSide, "746e6b31.appuser")
	}()

	a := New(false)
	resp, err := a.Handshake(proxySide)
	<-done
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	tenantHex, user, ok := resp.SplitTenant()
	if !ok {
		t.Fatalf("SplitTenant: ok = false for %q", resp.Username)
	}
	if user != "appuser" {
		t.Fatalf("user = %q, want appuser", user)
	}
	if tenantHex != "746e6b31" {
		t.Fatalf("tenantHex = %q", tenantHex)
	}
}

// fakeBackendForReplyHandshake accepts a HandshakeResponse41 (rewritten by
// replyHandshake), replies with an AuthSwitchRequest, reads the client's
// forwarded auth-switch response, and replies OK.
func fakeBackendForReplyHandshake(t *testing.T, conn net.Conn, wantSentinelPlugin bool) {
	t.Helper()
	r := wire.NewReader(conn)
	_, payload, err := r.ReadPacket()
	if err != nil {
		t.Errorf("backend: reading handshake response: %v", err)
		return
	}
	resp, err := wire.ParseHandshakeResponse(payload)
	if err != nil {
		t.Errorf("backend: parsing handshake response: %v", err)
		return
	}
	if wantSentinelPlugin && resp.AuthPluginName != authUnknownPlugin {
		t.Errorf("backend: plugin = %q, want sentinel %q", resp.AuthPluginName, authUnknownPlugin)
	}

	w := wire.NewWriter(conn)
	switchPkt := wire.BuildAuthSwitchRequest("mysql_native_password", []byte("01234567890123456789"))
	if err := w.WritePacket(1, switchPkt); err != nil {
		t.Errorf("backend: sending auth switch: %v", err)
		return
	}

	if _, _, err := r.ReadPacket(); err != nil {
		t.Errorf("backend: reading auth switch response: %v", err)
		return
	}
	if err := w.WritePacket(3, wire.BuildOK(wire.StatusAutocommit)); err != nil {
		t.Errorf("backend: sending final OK: %v", err)
	}
}

func TestSpliceReplyHandshakeSucceeds(t *testing.T) {
	clientSide, proxyClientSide := net.Pipe()
	defer clientSide.Close()
	defer proxyClientSide.Close()
	backendSide, proxyBackendSide := net.Pipe()
	defer backendSide.Close()
	defer proxyBackendSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeBackendForReplyHandshake(t, backendSide, true)
	}()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		r := wire.NewReader(clientSide)
		if _, _, err := r.ReadPacket(); err != nil { // AuthSwitchRequest
			t.Errorf("client: reading auth switch: %v", err)
			return
		}
		w := wire.NewWriter(clientSide)
		if err := w.WritePacket(2, []byte{1, 2, 3, 4}); err != nil {
			t.Errorf("client: sending auth switch response: %v", err)
			return
		}
		if _, _, err := r.ReadPacket(); err != nil { // final OK
			t.Errorf("client: reading final result: %v", err)
		}
	}()

	pc := pool.NewPooledConn(proxyBackendSide, "appuser", nil)
	pc.SetPhase(pool.PhaseNone)

	a := New(false)
	resp := wire.HandshakeResponse{Database: "orders", Collation: 0x21}
	err := a.Splice(proxyClientSide, 1, pc, resp, "appuser")
	<-done
	<-clientDone

	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if pc.Phase() != pool.PhaseCommand {
		t.Fatalf("Phase = %v, want PhaseCommand", pc.Phase())
	}
	if pc.BoundUser() != "appuser" {
		t.Fatalf("BoundUser = %q, want appuser", pc.BoundUser())
	}
}

func TestSpliceChangeUserSendsComChangeUser(t *testing.T) {
	backendSide, proxyBackendSide := net.Pipe()
	defer backendSide.Close()
	defer proxyBackendSide.Close()
	clientSide, proxyClientSide := net.Pipe()
	defer clientSide.Close()
	defer proxyClientSide.Close()

	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		r := wire.NewReader(backendSide)
		_, payload, err := r.ReadPacket()
		if err != nil {
			t.Errorf("backend: reading COM_CHANGE_USER: %v", err)
			return
		}
		if payload[0] != wire.ComChangeUser {
			t.Errorf("opcode = 0x%02x, want COM_CHANGE_USER", payload[0])
		}
		w := wire.NewWriter(backendSide)
		switchPkt := wire.BuildAuthSwitchRequest("mysql_native_password", []byte("01234567890123456789"))
		w.WritePacket(1, switchPkt)
		r.ReadPacket()
		w.WritePacket(3, wire.BuildOK(wire.StatusAutocommit))
	}()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		r := wire.NewReader(clientSide)
		r.ReadPacket()
		w := wire.NewWriter(clientSide)
		w.WritePacket(2, []byte{1, 2, 3, 4})
		r.ReadPacket()
	}()

	pc := pool.NewPooledConn(proxyBackendSide, "olduser", nil)
	pc.SetPhase(pool.PhaseCommand)

	a := New(false)
	resp := wire.HandshakeResponse{Database: "orders", Collation: 0x21}
	err := a.Splice(proxyClientSide, 1, pc, resp, "newuser")
	<-backendDone
	<-clientDone

	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if pc.BoundUser() != "newuser" {
		t.Fatalf("BoundUser = %q, want newuser", pc.BoundUser())
	}
}

func TestSpliceFailsOnBackendERR(t *testing.T) {
	backendSide, proxyBackendSide := net.Pipe()
	defer backendSide.Close()
	defer proxyBackendSide.Close()
	clientSide, proxyClientSide := net.Pipe()
	defer clientSide.Close()
	defer proxyClientSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := wire.NewReader(backendSide)
		r.ReadPacket()
		w := wire.NewWriter(backendSide)
		w.WritePacket(1, wire.BuildERR(1045, "28000", "Access denied"))
	}()
	go func() {
		clientSide.Close() // client side just needs to exist; an ERR before the auth switch is not relayed to it
	}()

	pc := pool.NewPooledConn(proxyBackendSide, "appuser", nil)
	pc.SetPhase(pool.PhaseNone)

	a := New(false)
	resp := wire.HandshakeResponse{Database: "orders", Collation: 0x21}
	err := a.Splice(proxyClientSide, 1, pc, resp, "appuser")
	<-done

	if err == nil {
		t.Fatal("expected Splice to fail on backend ERR")
	}
	if pc.Phase() != pool.PhaseConnection {
		t.Fatalf("Phase = %v, want PhaseConnection after failed splice", pc.Phase())
	}
}
