// Package auth orchestrates the MySQL connection phase with the client and
// the subsequent re-authentication splice against a borrowed pooled
// backend connection, adapted from the teacher's inline handshake code in
// proxy/mysql.go into the two explicit flows the session engine needs:
// change-user (a connection already bound to a different user) and
// reply-handshake (a fresh or previously-failed connection).
package auth

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/dbgateway/dbgateway/internal/pool"
	"github.com/dbgateway/dbgateway/internal/proxyerr"
	"github.com/dbgateway/dbgateway/internal/wire"
)

// authUnknownPlugin is the sentinel auth-plugin name the proxy forces the
// backend to see, in both the change-user and reply-handshake flows. Since
// the backend can never actually support a plugin by this name, it always
// responds with an AuthSwitchRequest, which carries its own fresh scramble
// the client can hash its password against — the proxy never needs to
// know the client's real password.
const authUnknownPlugin = "auth_unknown_plugin"

// Authenticator performs the initial client handshake and the backend
// re-authentication splice. Stateless beyond a connection-id counter.
type Authenticator struct {
	connIDCounter atomic.Uint32
	tlsEnabled    bool
}

// New creates an Authenticator. tlsEnabled controls whether CLIENT_SSL is
// advertised in the server capability set sent to clients.
func New(tlsEnabled bool) *Authenticator {
	return &Authenticator{tlsEnabled: tlsEnabled}
}

// Handshake sends the initial protocol-10 greeting to conn and parses the
// client's HandshakeResponse. Returns the parsed response; the caller
// derives the tenant key and real username from resp.SplitTenant().
func (a *Authenticator) Handshake(conn net.Conn) (wire.HandshakeResponse, error) {
	connID := a.connIDCounter.Add(1)
	scramble, err := wire.NewScramble()
	if err != nil {
		return wire.HandshakeResponse{}, proxyerr.New(proxyerr.ClientProtocol, "auth.Handshake", fmt.Errorf("generating scramble: %w", err))
	}

	greeting := wire.BuildGreeting(wire.Greeting{
		ConnectionID:   connID,
		Scramble:       scramble,
		Capabilities:   wire.ServerCapabilities(a.tlsEnabled),
		Collation:      0x21,
		StatusFlags:    wire.StatusAutocommit,
		AuthPluginName: "mysql_native_password",
	})

	w := wire.NewWriter(conn)
	if err := w.WritePacket(0, greeting); err != nil {
		return wire.HandshakeResponse{}, proxyerr.New(proxyerr.ClientProtocol, "auth.Handshake", fmt.Errorf("sending greeting: %w", err))
	}

	r := wire.NewReader(conn)
	_, payload, err := r.ReadPacket()
	if err != nil {
		return wire.HandshakeResponse{}, proxyerr.New(proxyerr.ClientProtocol, "auth.Handshake", fmt.Errorf("reading handshake response: %w", err))
	}

	resp, err := wire.ParseHandshakeResponse(payload)
	if err != nil {
		return wire.HandshakeResponse{}, proxyerr.New(proxyerr.ClientProtocol, "auth.Handshake", err)
	}
	if resp.SSLRequest {
		return wire.HandshakeResponse{}, proxyerr.New(proxyerr.ClientProtocol, "auth.Handshake",
			fmt.Errorf("client requested mid-protocol STARTTLS, which this proxy does not support (TLS is listener-level only)"))
	}
	return resp, nil
}

// SendError writes an ERR packet to conn at seq and returns the write
// error, if any; callers
// use this to report an authentication or routing failure to the client
// before closing.
func (a *Authenticator) SendError(conn net.Conn, seq byte, code uint16, sqlState, message string) error {
	w := wire.NewWriter(conn)
	return w.WritePacket(seq, wire.BuildERR(code, sqlState, message))
}

// Splice re-authenticates a borrowed pooled backend connection for the
// client identified by resp, using whichever flow matches the
// connection's current phase, and forwards the AuthSwitchRequest dance to
// the client so its password hash lands against the right scramble. On
// success pc's phase is set to PhaseCommand and its bound user updated; on
// failure pc's phase is set to PhaseConnection so the pool detaches it on
// return.
func (a *Authenticator) Splice(clientConn net.Conn, clientSeq byte, pc *pool.PooledConn, resp wire.HandshakeResponse, realUser string) error {
	var err error
	if pc.Phase() == pool.PhaseCommand {
		err = a.changeUser(clientConn, clientSeq, pc, resp, realUser)
	} else {
		err = a.replyHandshake(clientConn, clientSeq, pc, resp, realUser)
	}

	if err != nil {
		pc.SetPhase(pool.PhaseConnection)
		return err
	}
	pc.SetPhase(pool.PhaseCommand)
	pc.SetBoundUser(realUser)
	return nil
}

// changeUser re-authenticates an already-bound backend connection as a
// different user via COM_CHANGE_USER, forcing an AuthSwitchRequest by
// naming a plugin the backend cannot possibly support.
func (a *Authenticator) changeUser(clientConn net.Conn, clientSeq byte, pc *pool.PooledConn, resp wire.HandshakeResponse, realUser string) error {
	backendConn := pc.Conn()
	pc.ResetSeq()
	bw := wire.NewWriter(backendConn)

	payload := buildChangeUserPayload(realUser, resp.Database, resp.Collation)
	if err := bw.WritePacket(pc.NextSeq(), payload); err != nil {
		return proxyerr.New(proxyerr.BackendIO, "auth.changeUser", fmt.Errorf("sending COM_CHANGE_USER: %w", err))
	}
	return a.forwardAuthSwitch(clientConn, clientSeq, pc)
}

// replyHandshake re-authenticates a fresh or never-authenticated backend
// connection by rewriting the client's original HandshakeResponse (the
// backend's own greeting was already consumed and discarded by the pool
// on dial) with the sentinel plugin name, forcing the same
// AuthSwitchRequest dance as changeUser.
func (a *Authenticator) replyHandshake(clientConn net.Conn, clientSeq byte, pc *pool.PooledConn, resp wire.HandshakeResponse, realUser string) error {
	backendConn := pc.Conn()
	pc.ResetSeq()
	bw := wire.NewWriter(backendConn)

	rewritten := resp
	rewritten.Username = realUser
	rewritten.AuthPluginName = authUnknownPlugin
	rewritten.AuthResponse = nil

	if err := bw.WritePacket(pc.NextSeq(), wire.SerializeHandshakeResponse41(rewritten)); err != nil {
		return proxyerr.New(proxyerr.BackendIO, "auth.replyHandshake", fmt.Errorf("forwarding rewritten handshake response: %w", err))
	}
	return a.forwardAuthSwitch(clientConn, clientSeq, pc)
}

// forwardAuthSwitch reads the backend's AuthSwitchRequest, relays it to
// the client (renumbered onto the client's sequence), reads the client's
// auth-response packet, forwards it to the backend, and relays the
// backend's final OK/ERR back to the client.
func (a *Authenticator) forwardAuthSwitch(clientConn net.Conn, clientSeq byte, pc *pool.PooledConn) error {
	backendConn := pc.Conn()
	br := wire.NewReader(backendConn)
	bw := wire.NewWriter(backendConn)
	cr := wire.NewReader(clientConn)
	cw := wire.NewWriter(clientConn)

	_, switchPkt, err := br.ReadPacket()
	if err != nil {
		return proxyerr.New(proxyerr.BackendIO, "auth.forwardAuthSwitch", fmt.Errorf("reading AuthSwitchRequest: %w", err))
	}
	if wire.IsERR(switchPkt) {
		return proxyerr.New(proxyerr.AuthDenied, "auth.forwardAuthSwitch", fmt.Errorf("backend rejected change-user/handshake before auth switch"))
	}
	if _, _, ok := wire.ParseAuthSwitchRequest(switchPkt); !ok {
		return proxyerr.New(proxyerr.ClientProtocol, "auth.forwardAuthSwitch", fmt.Errorf("backend did not send AuthSwitchRequest as expected"))
	}

	nextClientSeq := clientSeq + 1
	if err := cw.WritePacket(nextClientSeq, switchPkt); err != nil {
		return proxyerr.New(proxyerr.ClientProtocol, "auth.forwardAuthSwitch", fmt.Errorf("forwarding AuthSwitchRequest to client: %w", err))
	}

	_, clientAuthResp, err := cr.ReadPacket()
	if err != nil {
		return proxyerr.New(proxyerr.ClientProtocol, "auth.forwardAuthSwitch", fmt.Errorf("reading client auth-switch response: %w", err))
	}
	if err := bw.WritePacket(pc.NextSeq(), clientAuthResp); err != nil {
		return proxyerr.New(proxyerr.BackendIO, "auth.forwardAuthSwitch", fmt.Errorf("forwarding client auth-switch response to backend: %w", err))
	}

	_, final, err := br.ReadPacket()
	if err != nil {
		return proxyerr.New(proxyerr.BackendIO, "auth.forwardAuthSwitch", fmt.Errorf("reading backend final auth result: %w", err))
	}
	if err := cw.WritePacket(nextClientSeq+1, final); err != nil {
		return proxyerr.New(proxyerr.ClientProtocol, "auth.forwardAuthSwitch", fmt.Errorf("forwarding final auth result to client: %w", err))
	}
	if wire.IsERR(final) {
		return proxyerr.New(proxyerr.AuthDenied, "auth.forwardAuthSwitch", fmt.Errorf("backend denied authentication"))
	}
	return nil
}

// ParseChangeUser decodes a client-issued COM_CHANGE_USER payload into its
// username, database, and collation fields, for the session engine to
// rewrite with the sentinel plugin before forwarding a mid-session
// change-user request.
func ParseChangeUser(payload []byte) (username, database string, collation uint16, err error) {
	if len(payload) < 1 || payload[0] != wire.ComChangeUser {
		return "", "", 0, fmt.Errorf("not a COM_CHANGE_USER payload")
	}
	pos := 1
	end := indexByte(payload, pos, 0)
	if end < 0 {
		return "", "", 0, fmt.Errorf("malformed COM_CHANGE_USER: no username terminator")
	}
	username = string(payload[pos:end])
	pos = end + 1

	if pos >= len(payload) {
		return "", "", 0, fmt.Errorf("malformed COM_CHANGE_USER: truncated after username")
	}
	authLen := int(payload[pos])
	pos++
	pos += authLen

	end = indexByte(payload, pos, 0)
	if end < 0 {
		return "", "", 0, fmt.Errorf("malformed COM_CHANGE_USER: no database terminator")
	}
	database = string(payload[pos:end])
	pos = end + 1

	if pos+2 > len(payload) {
		return "", "", 0, fmt.Errorf("malformed COM_CHANGE_USER: truncated collation")
	}
	collation = uint16(payload[pos]) | uint16(payload[pos+1])<<8
	return username, database, collation, nil
}

func indexByte(b []byte, from int, target byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == target {
			return i
		}
	}
	return -1
}

// RewriteChangeUserPlugin rebuilds a COM_CHANGE_USER payload for username
// and database under the sentinel auth plugin, for forwarding to the
// backend in place of the client's original request.
func RewriteChangeUserPlugin(username, database string, collation uint16) []byte {
	return buildChangeUserPayload(username, database, collation)
}

// buildChangeUserPayload encodes a COM_CHANGE_USER command body: opcode,
// C-string username, a zero-length auth-response (the real exchange
// happens over the forced AuthSwitchRequest), C-string database, 2-byte
// collation, then a C-string naming the sentinel plugin.
func buildChangeUserPayload(username, database string, collation uint16) []byte {
	buf := make([]byte, 0, len(username)+len(database)+len(authUnknownPlugin)+8)
	buf = append(buf, wire.ComChangeUser)
	buf = append(buf, username...)
	buf = append(buf, 0)
	buf = append(buf, 0) // auth-response length: 0
	buf = append(buf, database...)
	buf = append(buf, 0)
	buf = append(buf, byte(collation), byte(collation>>8))
	buf = append(buf, authUnknownPlugin...)
	buf = append(buf, 0)
	return buf
}
