// Package session drives one client connection end to end: the initial
// handshake, backend lease acquisition and splice, and the per-command
// relay loop, adapted from the teacher's relayMySQLTransactionMode into a
// session-held (rather than per-transaction) pooled lease, since this
// proxy's session engine keeps one backend connection bound to a client
// for the lifetime of its session instead of releasing it at each
// transaction boundary.
package session

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/dbgateway/dbgateway/internal/activity"
	"github.com/dbgateway/dbgateway/internal/auth"
	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/forward"
	"github.com/dbgateway/dbgateway/internal/metrics"
	"github.com/dbgateway/dbgateway/internal/pool"
	"github.com/dbgateway/dbgateway/internal/router"
	"github.com/dbgateway/dbgateway/internal/tenant"
	"github.com/dbgateway/dbgateway/internal/wire"
)

// CredentialResolver returns the backend dial credentials to use when a
// pool for key's cluster doesn't exist yet. Static routing resolves this
// from the matching tenant config entry; dynamic routing returns a shared
// bootstrap account, since the per-client identity is established later by
// the authenticator's splice rather than at dial time.
type CredentialResolver func(key tenant.Key) pool.Credentials

// Engine wires together the pieces a client connection needs: a router to
// resolve its tenant key to an endpoint, a pool manager to lease a backend
// connection, an authenticator to establish identity on that connection,
// and an optional activity window to record which users are active.
type Engine struct {
	Router      router.Router
	Pools       *pool.Manager
	Auth        *auth.Authenticator
	Credentials CredentialResolver
	Policy      router.Policy
	Activity    *activity.Window
	Metrics     *metrics.Collector
}

// Serve runs one client session to completion. It always closes conn
// before returning.
func (e *Engine) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	resp, err := e.Auth.Handshake(conn)
	if err != nil {
		e.authOutcome("", "client_protocol")
		slog.Warn("session: handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	key, user := resolveTenant(resp)
	tenantLabel := key.String()

	ep, err := e.Router.Select(key, e.Policy)
	if err != nil {
		e.Auth.SendError(conn, 2, 1040, "08004", "no backend available for this tenant")
		slog.Warn("session: no backend", "tenant", key, "err", err)
		return
	}

	pc, err := e.acquire(ctx, ep, key)
	if err != nil {
		e.Auth.SendError(conn, 2, 1040, "08004", "too many connections")
		slog.Warn("session: acquire failed", "endpoint", ep.Addr, "err", err)
		return
	}

	if err := e.Auth.Splice(conn, 1, pc, resp, user); err != nil {
		e.Auth.SendError(conn, 3, 1045, "28000", "access denied")
		pc.Return()
		e.authOutcome(tenantLabel, "auth_denied")
		slog.Warn("session: splice failed", "endpoint", ep.Addr, "user", user, "err", err)
		return
	}
	e.authOutcome(tenantLabel, "success")

	if e.Metrics != nil {
		e.Metrics.SessionStarted(tenantLabel)
		started := time.Now()
		defer func() { e.Metrics.SessionEnded(tenantLabel, time.Since(started)) }()
	}

	deprecateEOF := resp.Capabilities&wire.ClientDeprecateEOF != 0
	e.run(conn, pc, key, user, deprecateEOF)
}

func (e *Engine) authOutcome(tenantLabel, outcome string) {
	if e.Metrics != nil {
		e.Metrics.AuthOutcome(tenantLabel, outcome)
	}
}

func (e *Engine) acquire(ctx context.Context, ep backend.Endpoint, key tenant.Key) (*pool.PooledConn, error) {
	creds := e.Credentials(key)
	p := e.Pools.GetOrCreate(ep, creds)

	started := time.Now()
	pc, err := p.Acquire(ctx)
	if e.Metrics != nil {
		e.Metrics.AcquireDuration(ep.Addr, time.Since(started))
	}
	return pc, err
}

// resolveTenant splits the client's username into a tenant key and bare
// user. Clients that don't use the obfuscated-prefix encoding route under
// the zero-value key, which a single-tenant static configuration can use
// directly.
func resolveTenant(resp wire.HandshakeResponse) (tenant.Key, string) {
	tenantHex, user, ok := resp.SplitTenant()
	if !ok {
		return tenant.Key{}, resp.Username
	}
	key, err := tenant.Decode(tenantHex)
	if err != nil {
		return tenant.Key{}, resp.Username
	}
	return key, user
}

// run executes the per-command relay loop described by the session
// engine's dispatch table: read one client command, forward it to the
// backend (COM_QUIT and COM_CHANGE_USER get special handling), relay the
// reply via the matching forwarder, and repeat until the client quits or
// an I/O error ends the session.
func (e *Engine) run(clientConn net.Conn, pc *pool.PooledConn, key tenant.Key, user string, deprecateEOF bool) {
	backendConn := pc.Conn()
	cr := wire.NewReader(clientConn)
	cw := wire.NewWriter(clientConn)
	br := wire.NewReader(backendConn)
	bw := wire.NewWriter(backendConn)

	for {
		seq, payload, err := cr.ReadPacket()
		if err != nil {
			e.abort(pc)
			return
		}
		if len(payload) == 0 {
			continue
		}

		cmd := wire.ParseCommand(payload)
		e.recordActivity(key, user, cmd.Opcode)

		if cmd.Opcode == wire.ComQuit {
			pc.Return()
			return
		}

		var newUser string
		if cmd.Opcode == wire.ComChangeUser {
			var database string
			var collation uint16
			var parseErr error
			newUser, database, collation, parseErr = auth.ParseChangeUser(payload)
			if parseErr != nil {
				slog.Warn("session: malformed COM_CHANGE_USER", "err", parseErr)
				e.abort(pc)
				return
			}
			if err := bw.WritePacket(seq, auth.RewriteChangeUserPlugin(newUser, database, collation)); err != nil {
				slog.Warn("session: writing change-user to backend", "err", err)
				e.abort(pc)
				return
			}
		} else if err := bw.WritePacket(seq, payload); err != nil {
			slog.Warn("session: writing command to backend", "err", err)
			e.abort(pc)
			return
		}

		ex := &forward.Exchange{
			ClientReader:  cr,
			ClientWriter:  cw,
			BackendReader: br,
			BackendWriter: bw,
			Opcode:        cmd.Opcode,
			DeprecateEOF:  deprecateEOF,
		}
		fwd := forward.Dispatch(cmd.Opcode)
		if err := fwd.Forward(ex); err != nil {
			slog.Warn("session: forwarding reply", "err", err, "opcode", cmd.Opcode)
			e.abort(pc)
			return
		}

		if cmd.Opcode == wire.ComChangeUser {
			pc.SetBoundUser(newUser)
			user = newUser
		}
	}
}

func (e *Engine) recordActivity(key tenant.Key, user string, opcode byte) {
	if e.Activity == nil {
		return
	}
	e.Activity.Record(key, user, opcode, time.Now().Unix())
}

// abort detaches pc from the pool entirely: an I/O error on either side of
// the splice leaves backend-side state unknown, so it's never safe to
// reset-and-recycle.
func (e *Engine) abort(pc *pool.PooledConn) {
	pc.SetPhase(pool.PhaseConnection)
	pc.Return()
}
