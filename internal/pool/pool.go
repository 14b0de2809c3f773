package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/config"
	"github.com/dbgateway/dbgateway/internal/wire"
)

// Stats holds connection pool statistics for one backend endpoint.
type Stats struct {
	Endpoint  string `json:"endpoint"`
	Cluster   string `json:"cluster"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a
// goroutine must wait for one to free up.
type OnPoolExhausted func(endpoint string)

// OnRecycleOutcome is called after every Return of a connection, with "ok",
// "err", or "detached" (the connection never reached phase Command, or was
// expired/the pool was closing, so it was closed outright instead).
type OnRecycleOutcome func(endpoint, outcome string)

// Credentials are the tenant-scoped username/password a pool authenticates
// its dialed connections with, and the schema to select.
type Credentials struct {
	Username string
	Password string
	DBName   string
}

// Pool manages connections to a single BackendEndpoint.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	endpoint backend.Endpoint
	creds    Credentials

	minConns       int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration
	dialTimeout    time.Duration

	idle      []*PooledConn
	active    map[*PooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
	onRecycle       OnRecycleOutcome
}

// New creates a pool bound to a single backend endpoint.
func New(ep backend.Endpoint, creds Credentials, defaults config.PoolDefaults) *Pool {
	p := &Pool{
		endpoint:       ep,
		creds:          creds,
		minConns:       defaults.MinConnections,
		maxConns:       defaults.MaxConnections,
		idleTimeout:    defaults.IdleTimeout,
		maxLifetime:    defaults.MaxLifetime,
		acquireTimeout: defaults.AcquireTimeout,
		dialTimeout:    5 * time.Second,
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if p.minConns > 0 {
		go p.warmUp()
	}
	return p
}

func (p *Pool) warmUp() {
	for i := 0; i < p.minConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.minConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("warm-up connection failed", "endpoint", p.endpoint.Addr, "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.Close()
			return
		}
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "endpoint", p.endpoint.Addr, "count", p.minConns)
}

// Acquire gets a connection from the pool, dialing a new one if the pool is
// under its max and no idle connection is usable. ctx cancellation and the
// pool's own acquire timeout race; whichever fires first wins.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(p.acquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed for endpoint %s", p.endpoint.Addr)
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.IsExpired(p.maxLifetime) {
				pc.Close()
				p.total--
				continue
			}
			if err := pc.Ping(); err != nil {
				pc.Close()
				p.total--
				continue
			}

			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.maxConns {
			p.total++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s: %w", p.endpoint.Addr, err)
			}

			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()

		if cb != nil {
			cb(p.endpoint.Addr)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for endpoint %s: pool exhausted", p.acquireTimeout, p.endpoint.Addr)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closing for endpoint %s", p.endpoint.Addr)
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for endpoint %s: pool exhausted", p.acquireTimeout, p.endpoint.Addr)
		}
		// retry from the top (mu held)
	}
}

// InjectTestConn adds a pre-built PooledConn directly into the idle list as
// an already-spliced, recyclable entry, bypassing dial() and authentication.
// Only intended for testing.
func (p *Pool) InjectTestConn(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.SetPhase(PhaseCommand)
	p.idle = append(p.idle, pc)
	p.total++
	p.cond.Signal()
}

// Return releases pc back to the pool. A connection still at phase Command
// is reset and recycled; anything else (phase Connection after a failed
// splice, or a phase the caller never advanced past None) is detached and
// closed, since its backend-side state can't be trusted for a different
// borrower.
func (p *Pool) Return(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || pc.IsExpired(p.maxLifetime) || pc.Phase() != PhaseCommand {
		pc.Close()
		p.total--
		p.cond.Signal()
		p.reportRecycle("detached")
		return
	}

	if err := p.recycle(pc); err != nil {
		pc.Close()
		p.total--
		p.cond.Signal()
		p.reportRecycle("err")
		return
	}

	p.idle = append(p.idle, pc)
	p.cond.Signal()
	p.reportRecycle("ok")
}

func (p *Pool) reportRecycle(outcome string) {
	if p.onRecycle != nil {
		p.onRecycle(p.endpoint.Addr, outcome)
	}
}

// recycle issues COM_RESET_CONNECTION on pc and waits for the backend's OK,
// clearing any session-local state (temp tables, user variables, prepared
// statements) left over from the previous borrower before it re-enters the
// idle list.
func (p *Pool) recycle(pc *PooledConn) error {
	pc.ResetSeq()
	w := wire.NewWriter(pc.Conn())
	if err := w.WritePacket(0, []byte{wire.ComResetConnection}); err != nil {
		return fmt.Errorf("sending COM_RESET_CONNECTION: %w", err)
	}

	pc.Conn().SetReadDeadline(time.Now().Add(p.dialTimeout))
	defer pc.Conn().SetReadDeadline(time.Time{})

	r := wire.NewReader(pc.Conn())
	_, payload, err := r.ReadPacket()
	if err != nil {
		return fmt.Errorf("reading COM_RESET_CONNECTION reply: %w", err)
	}
	if wire.IsERR(payload) {
		return fmt.Errorf("backend refused COM_RESET_CONNECTION")
	}
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Endpoint:  p.endpoint.Addr,
		Cluster:   p.endpoint.Cluster,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.maxConns,
		MinConns:  p.minConns,
		Exhausted: p.exhausted,
	}
}

// Drain closes all idle connections and waits up to 30s for active ones to
// be returned, then force-closes whatever is left.
func (p *Pool) Drain() {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining active connections", "endpoint", p.endpoint.Addr, "count", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.Close()
				p.total--
			}
			p.active = make(map[*PooledConn]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active connections after drain timeout", "endpoint", p.endpoint.Addr)
			return
		}
	}
}

// Close shuts down the pool. Safe to call once; subsequent calls are no-ops.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	dialer := net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.endpoint.Addr)
	if err != nil {
		return nil, err
	}

	pc := NewPooledConn(conn, p.creds.Username, p)
	if err := p.authenticate(pc); err != nil {
		pc.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", p.endpoint.Addr, err)
	}
	return pc, nil
}

// authenticate performs the MySQL connection phase (HandshakeV10) on a
// freshly dialed backend connection, handling mysql_native_password and a
// single AuthSwitchRequest round trip. The connection is ready for queries
// when this returns nil.
func (p *Pool) authenticate(pc *PooledConn) error {
	conn := pc.Conn()
	r := wire.NewReader(conn)

	_, greetingPkt, err := r.ReadPacket()
	if err != nil {
		return fmt.Errorf("reading server greeting: %w", err)
	}
	if wire.IsERR(greetingPkt) {
		return fmt.Errorf("server sent error on connect")
	}
	greeting, err := wire.ParseGreeting(greetingPkt)
	if err != nil {
		return fmt.Errorf("parsing server greeting: %w", err)
	}

	authResp := wire.NativePasswordHash([]byte(p.creds.Password), greeting.AuthData)
	resp := wire.HandshakeResponse{
		Capabilities:   wire.ClientLongPassword | wire.ClientProtocol41 | wire.ClientSecureConnection | wire.ClientPluginAuth | wire.ClientConnectWithDB,
		MaxPacketSize:  0xffffff,
		Collation:      0x21, // utf8_general_ci
		Username:       p.creds.Username,
		AuthResponse:   authResp,
		Database:       p.creds.DBName,
		AuthPluginName: "mysql_native_password",
	}

	w := wire.NewWriter(conn)
	if err := w.WritePacket(1, wire.SerializeHandshakeResponse41(resp)); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	_, result, err := r.ReadPacket()
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if wire.IsOK(result) {
		return nil
	}
	if plugin, data, ok := wire.ParseAuthSwitchRequest(result); ok {
		var switchResp []byte
		switch plugin {
		case "mysql_native_password":
			switchResp = wire.NativePasswordHash([]byte(p.creds.Password), data)
		default:
			return fmt.Errorf("unsupported auth plugin switch: %s", plugin)
		}
		if err := w.WritePacket(3, switchResp); err != nil {
			return fmt.Errorf("sending auth switch response: %w", err)
		}
		_, final, err := r.ReadPacket()
		if err != nil {
			return fmt.Errorf("reading auth switch result: %w", err)
		}
		if !wire.IsOK(final) {
			return fmt.Errorf("auth failed after plugin switch")
		}
		return nil
	}
	if wire.IsERR(result) {
		return fmt.Errorf("auth failed: %s", string(result[9:]))
	}
	return fmt.Errorf("unexpected auth response byte: 0x%02x", result[0])
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.minConns {
		return
	}

	kept := make([]*PooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.minConns
	for i, pc := range p.idle {
		if i < excess && (pc.IsIdle(p.idleTimeout) || pc.IsExpired(p.maxLifetime)) {
			pc.Close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}
