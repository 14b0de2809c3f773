// Package pool manages bounded sets of backend MySQL connections, one set
// per backend.Endpoint, with phase-based recycling: a connection whose last
// borrower left it successfully authenticated (phase Command) is reset with
// COM_RESET_CONNECTION and returned to the idle list; one that never
// finished authenticating, or failed it, is detached and closed instead.
package pool

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Phase tracks how far a pooled connection's last borrower got through the
// MySQL connection lifecycle before returning it. Only a connection at
// phase Command has completed authentication for its bound user and can be
// trusted to unwind any session-local state with COM_RESET_CONNECTION; one
// at phase Connection or None never reached (or fell back out of) that
// state and must be detached and closed instead of recycled.
type Phase int

const (
	// PhaseNone: freshly dialed, no authentication attempted yet.
	PhaseNone Phase = iota
	// PhaseConnection: completed TCP setup but failed authentication.
	// Terminal; must be detached.
	PhaseConnection
	// PhaseCommand: successfully authenticated for the bound user. The
	// only phase eligible for recycle.
	PhaseCommand
)

// PooledConn wraps a raw backend network connection with pooling metadata.
type PooledConn struct {
	mu sync.Mutex

	conn      net.Conn
	phase     Phase
	boundUser string // bare user this conn is authenticated as
	seq       byte
	createdAt time.Time
	lastUsed  time.Time
	pool      *Pool // back-reference for Return
}

// NewPooledConn wraps a freshly dialed backend connection, not yet
// authenticated for any client. boundUser records the identity dial() used
// to reach the backend; the authenticator replaces it once it has spliced
// a real session onto the connection. Recycling does not consult it.
func NewPooledConn(conn net.Conn, boundUser string, p *Pool) *PooledConn {
	now := time.Now()
	return &PooledConn{
		conn:      conn,
		phase:     PhaseNone,
		boundUser: boundUser,
		createdAt: now,
		lastUsed:  now,
		pool:      p,
	}
}

// Conn returns the underlying net.Conn.
func (pc *PooledConn) Conn() net.Conn { return pc.conn }

// BoundUser returns the bare user (without tenant key) this connection is
// authenticated as on the backend.
func (pc *PooledConn) BoundUser() string { return pc.boundUser }

// SetBoundUser records which user this connection is now authenticated as,
// called by the authenticator after a successful change-user or
// reply-handshake splice.
func (pc *PooledConn) SetBoundUser(user string) {
	pc.mu.Lock()
	pc.boundUser = user
	pc.mu.Unlock()
}

// Phase returns the connection's current lifecycle phase.
func (pc *PooledConn) Phase() Phase {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.phase
}

// SetPhase transitions the connection's phase and bumps its last-used time.
func (pc *PooledConn) SetPhase(p Phase) {
	pc.mu.Lock()
	pc.phase = p
	pc.lastUsed = time.Now()
	pc.mu.Unlock()
}

// NextSeq returns the next MySQL sequence id to use when the authenticator
// writes to this connection during a splice, and advances the counter.
func (pc *PooledConn) NextSeq() byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	seq := pc.seq
	pc.seq++
	return seq
}

// ResetSeq zeroes the sequence counter, as required at the start of each
// new command cycle.
func (pc *PooledConn) ResetSeq() {
	pc.mu.Lock()
	pc.seq = 0
	pc.mu.Unlock()
}

// CreatedAt returns when this connection was dialed.
func (pc *PooledConn) CreatedAt() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.createdAt
}

// LastUsed returns when this connection last changed phase.
func (pc *PooledConn) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// IsExpired reports whether the connection has lived longer than
// maxLifetime since it was dialed.
func (pc *PooledConn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.CreatedAt()) > maxLifetime
}

// IsIdle reports whether the connection is at phase Command (the phase an
// entry sitting in the idle set carries) and has sat unused longer than
// idleTimeout.
func (pc *PooledConn) IsIdle(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.phase == PhaseCommand && time.Since(pc.lastUsed) > idleTimeout
}

// Close closes the underlying connection.
func (pc *PooledConn) Close() error {
	return pc.conn.Close()
}

// Ping performs a lightweight liveness check: a short-deadline 1-byte read
// that should time out on a healthy idle connection. Any other outcome
// (unsolicited data, a read error) means the connection can't be trusted
// for reuse.
func (pc *PooledConn) Ping() error {
	pc.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	defer pc.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	_, err := pc.conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return errors.New("unsolicited data on idle connection")
}

// Return releases this connection back to its pool, which decides whether
// to recycle or close it based on Phase.
func (pc *PooledConn) Return() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}
