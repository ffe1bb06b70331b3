// SPDX-License-Identifier: MIT
//
// Connection pool core: idle-socket set, generation counter, owning
// process id, and the GetSocket/MaybeReturnSocket/DiscardSocket/
// StartRequest/EndRequest/Reset operations from spec §4.5-§4.6.
//
// Adapted from kexuedns/dns/connpool.go's ConnPoolTCP/ConnPoolTLS, which
// already implements the idle-bound + health-check + discard/Put shape of
// this package for one fixed, unauthenticated, request-affinity-free
// resolver connection. This generalizes that to: any endpoint, request
// pinning via identity.Caller, generation-based invalidation, and fork
// safety.

package pool

import (
	"context"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/prometheus/client_golang/prometheus"

	"kexuepool/connect"
	"kexuepool/identity"
	"kexuepool/log"
	"kexuepool/wire"
)

// staleCheckGate is the "1 second" constant from spec §4.5: the
// readability probe (probeAlive) is only worth its cost when the socket has
// sat idle for at least this long.
const staleCheckGate = time.Second

// Config holds the construction parameters from spec §6.
type Config struct {
	Name            string // used only to label metrics/logs
	Endpoint        wire.Endpoint
	MaxIdle         int
	ConnectTimeout  time.Duration
	IOTimeout       time.Duration
	UseTLS          bool
	TLSConfig       connect.Options // only its TLSConfig field is read
	ConcurrencyMode identity.Mode
}

// Pool is a connection pool for a single remote database endpoint.
type Pool struct {
	endpoint       wire.Endpoint
	maxIdle        int
	connectTimeout time.Duration
	ioTimeout      time.Duration
	useTLS         bool
	connOpts       connect.Options

	provider identity.Provider

	generation atomic.Uint64
	ownerPID   atomic.Int32

	idleMu sync.Mutex
	idle   map[*wire.SocketInfo]struct{}

	metrics *metrics

	checkoutsN     atomic.Uint64
	returnsN       atomic.Uint64
	discardsN      atomic.Uint64
	resetsN        atomic.Uint64
	connectErrorsN atomic.Uint64
}

// New constructs a Pool. It fails with a ConfigError in two cases: TLS
// requested over a Unix-domain endpoint, which this port treats as the
// platform-support gap the spec anticipates (a .sock endpoint has no
// TLS-over-AF_UNIX convention this client assumes callers want), and a
// negative MaxIdle.
func New(cfg Config) (*Pool, error) {
	if cfg.UseTLS && cfg.Endpoint.IsUnix() {
		return nil, newConfigError("TLS requested over a Unix-domain endpoint")
	}
	if cfg.MaxIdle < 0 {
		return nil, newConfigError("max idle must be >= 0")
	}

	p := &Pool{
		endpoint:       cfg.Endpoint,
		maxIdle:        cfg.MaxIdle,
		connectTimeout: cfg.ConnectTimeout,
		ioTimeout:      cfg.IOTimeout,
		useTLS:         cfg.UseTLS,
		connOpts: connect.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			IOTimeout:      cfg.IOTimeout,
			UseTLS:         cfg.UseTLS,
			TLSConfig:      cfg.TLSConfig.TLSConfig,
		},
		provider: identity.NewProvider(cfg.ConcurrencyMode),
		idle:     make(map[*wire.SocketInfo]struct{}),
	}
	p.ownerPID.Store(int32(os.Getpid()))

	name := cfg.Name
	if name == "" {
		name = cfg.Endpoint.String()
	}
	p.metrics = newMetrics(name, p.idleLen)

	return p, nil
}

// Metrics returns the Prometheus collectors this pool maintains, for
// registration by the embedding application (see api.NewApiHandler).
func (p *Pool) Metrics() []prometheus.Collector {
	return p.metrics.Collectors()
}

func (p *Pool) idleLen() int {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	return len(p.idle)
}

// Stats returns a point-in-time snapshot for the api package's export
// endpoint.
func (p *Pool) Stats() Stats {
	return Stats{
		Endpoint:      p.endpoint.String(),
		Generation:    p.generation.Load(),
		OwnerPID:      p.ownerPID.Load(),
		IdleCount:     p.idleLen(),
		MaxIdle:       p.maxIdle,
		Checkouts:     p.checkoutsN.Load(),
		Returns:       p.returnsN.Load(),
		Discards:      p.discardsN.Load(),
		Resets:        p.resetsN.Load(),
		ConnectErrors: p.connectErrorsN.Load(),
	}
}

// Current returns the identity.Caller for ctx (ModeTask) or a fresh handle
// (ModeGoroutine), per identity.Provider.
func (p *Pool) Current(ctx context.Context) *identity.Caller {
	return p.provider.Current(ctx)
}

// StartRequest begins (or re-enters) a request scope for caller, per spec
// §4.4: OUTSIDE -> PENDING, PENDING/BOUND -> self, request_depth always
// incremented.
func (p *Pool) StartRequest(caller *identity.Caller) {
	if caller.Inc() == 1 {
		caller.SetPending()
		p.watch(caller)
	}
}

// EndRequest decrements the reentrancy counter; when it reaches zero the
// caller's pinned socket (if any) is released back to the idle set and the
// death callback is unregistered. EndRequest without a matching
// StartRequest is a no-op (spec §6).
func (p *Pool) EndRequest(caller *identity.Caller) {
	if caller.Get() == 0 {
		return
	}
	if caller.Dec() > 0 {
		return
	}

	if s, bound := caller.Bound(); bound {
		caller.ClearPin()
		p.returnSocket(s)
	} else {
		caller.ClearPin()
	}
	caller.Unwatch()
}

// InRequest reports whether caller currently holds request affinity.
func (p *Pool) InRequest(caller *identity.Caller) bool {
	return caller.InRequest()
}

// GetSocket implements spec §4.5.
func (p *Pool) GetSocket(ctx context.Context, caller *identity.Caller, ep *wire.Endpoint) (*wire.SocketInfo, error) {
	start := time.Now()
	p.guardFork()

	target := p.endpoint
	if ep != nil {
		target = *ep
	}

	var (
		s   *wire.SocketInfo
		err error
	)
	switch {
	case caller != nil:
		if bound, ok := caller.Bound(); ok {
			s, err = p.checkSocket(ctx, bound, target)
			if err != nil {
				return nil, err
			}
			caller.SetBound(s)
		} else {
			s, err = p.acquire(ctx, target)
			if err != nil {
				return nil, err
			}
			if caller.Pending() {
				caller.SetBound(s)
			}
		}
	default:
		s, err = p.acquire(ctx, target)
		if err != nil {
			return nil, err
		}
	}

	if p.ioTimeout > 0 {
		_ = s.Conn.SetDeadline(time.Now().Add(p.ioTimeout))
	}
	s.LastCheckout = time.Now()
	p.checkoutsN.Add(1)
	p.metrics.checkouts.Inc()
	p.metrics.checkoutTime.Observe(time.Since(start).Seconds())
	return s, nil
}

// acquire implements the idle path of spec §4.5 step 3: pop an idle
// socket and validate it, or connect a fresh one. Freshly connected
// sockets are not re-checked. A plain fresh-connect failure here (no idle
// socket existed to begin with) surfaces as a ConnectError without
// resetting the pool — only a reconnect *during* a health check
// (checkSocket) does that; see reconnect's doc.
func (p *Pool) acquire(ctx context.Context, ep wire.Endpoint) (*wire.SocketInfo, error) {
	s := p.popIdle()
	if s == nil {
		return p.dial(ctx, ep)
	}
	return p.checkSocket(ctx, s, ep)
}

func (p *Pool) popIdle() *wire.SocketInfo {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	for s := range p.idle {
		delete(p.idle, s)
		return s
	}
	return nil
}

// checkSocket implements spec §4.5's _check: returns s unchanged, a fresh
// replacement, or an error. Every replacement path here is a reconnect
// discovered during a health check, so it goes through reconnect, not dial,
// per spec §4.5/§4.3: the pymongo original resets in _check (pool.py:371-375)
// but not on a plain fresh-connect failure (pool.py:267).
func (p *Pool) checkSocket(ctx context.Context, s *wire.SocketInfo, ep wire.Endpoint) (*wire.SocketInfo, error) {
	switch {
	case s.Closed():
		return p.reconnect(ctx, ep)
	case s.Generation != p.generation.Load():
		s.Close()
		return p.reconnect(ctx, ep)
	case time.Since(s.LastCheckout) > staleCheckGate:
		if probeAlive(s.Conn) {
			return s, nil
		}
		s.Close()
		return p.reconnect(ctx, ep)
	default:
		return s, nil
	}
}

// dial connects a fresh socket. A failure here does not reset the pool:
// it says nothing about the health of sockets other concurrent callers may
// be holding on the default endpoint (see acquire's doc).
func (p *Pool) dial(ctx context.Context, ep wire.Endpoint) (*wire.SocketInfo, error) {
	s, err := connect.Connect(ctx, ep, p.connOpts, p.generation.Load())
	if err != nil {
		p.connectErrorsN.Add(1)
		p.metrics.connectErrors.Inc()
		return nil, newConnectError(err)
	}
	// Tag with the generation current when Connect returned, not when it
	// was called.
	s.Generation = p.generation.Load()
	return s, nil
}

// reconnect dials a replacement for a socket that checkSocket found dead,
// stale, or belonging to a superseded generation. A failure here resets the
// pool (spec §4.5): discovering the remote end unreachable while replacing
// one socket likely invalidates every other cached socket for this
// endpoint too, unlike a plain first-time connect failure (dial's doc).
func (p *Pool) reconnect(ctx context.Context, ep wire.Endpoint) (*wire.SocketInfo, error) {
	s, err := p.dial(ctx, ep)
	if err != nil {
		p.Reset()
		return nil, err
	}
	return s, nil
}

// MaybeReturnSocket implements spec §4.5.
func (p *Pool) MaybeReturnSocket(caller *identity.Caller, s *wire.SocketInfo) {
	if int32(os.Getpid()) != p.ownerPID.Load() {
		p.Reset()
		return
	}
	if s.Closed() {
		return
	}
	if caller != nil {
		if bound, ok := caller.Bound(); ok && bound == s {
			return // stays pinned
		}
	}
	p.returnSocket(s)
}

// DiscardSocket implements spec §4.5.
func (p *Pool) DiscardSocket(caller *identity.Caller, s *wire.SocketInfo) {
	s.Close()
	p.discardsN.Add(1)
	p.metrics.discards.Inc()
	if caller != nil {
		if bound, ok := caller.Bound(); ok && bound == s {
			caller.SetPending()
		}
	}
}

// returnSocket implements spec §4.5's _return_socket: insert into idle if
// there is room, else close.
func (p *Pool) returnSocket(s *wire.SocketInfo) {
	p.idleMu.Lock()
	if len(p.idle) < p.maxIdle {
		p.idle[s] = struct{}{}
		p.idleMu.Unlock()
		p.returnsN.Add(1)
		p.metrics.returns.Inc()
		return
	}
	p.idleMu.Unlock()

	s.Close()
	p.discardsN.Add(1)
	p.metrics.discards.Inc()
}

// Reset implements spec §4.6.
func (p *Pool) Reset() {
	p.generation.Add(1)
	p.ownerPID.Store(int32(os.Getpid()))

	p.idleMu.Lock()
	drained := p.idle
	p.idle = make(map[*wire.SocketInfo]struct{})
	p.idleMu.Unlock()

	for s := range drained {
		s.Close()
	}

	p.resetsN.Add(1)
	p.metrics.resets.Inc()
	log.Debugw("pool: reset", "endpoint", p.endpoint.String(), "generation", p.generation.Load())
}

// Close releases every idle socket. Per spec §5, errors during destruction
// are swallowed (SocketInfo.Close already swallows Conn.Close errors).
//
// A socket still pinned to a live caller is not reachable from here — pin
// state lives only on the *identity.Caller handle, not in any pool-owned
// set — so it leaks until that caller's StartRequest/EndRequest bracket
// ends or the caller itself dies and releaseOnDeath returns it to idle.
func (p *Pool) Close() {
	p.idleMu.Lock()
	drained := p.idle
	p.idle = make(map[*wire.SocketInfo]struct{})
	p.idleMu.Unlock()

	for s := range drained {
		s.Close()
	}
}

// guardFork implements spec §4.5 step 1: a process that inherited sockets
// across fork() must not hand them to its own callers.
func (p *Pool) guardFork() {
	if int32(os.Getpid()) != p.ownerPID.Load() {
		p.Reset()
	}
}

// deathArgs is the arg passed to runtime.AddCleanup for a caller's death
// callback. It must not reference the identity.Caller being watched (that
// would resurrect it and the cleanup would never fire) — only a weak
// pointer to the pool, and the caller's PinCell, which lives in an
// allocation separate from the Caller itself (see identity.PinCell's doc).
type deathArgs struct {
	pool weak.Pointer[Pool]
	cell *identity.PinCell
}

// releaseOnDeath is the caller-death callback from spec §4.1/§9: if the
// pool this caller belonged to still exists, whatever socket the caller
// had pinned is returned to the idle set.
func releaseOnDeath(args deathArgs) {
	pool := args.pool.Value()
	if pool == nil {
		return // pool already gone; no-op per spec §9
	}
	if s := args.cell.Socket(); s != nil {
		pool.returnSocket(s)
	}
}

// watch registers the caller-death callback. The callback captures only a
// weak reference to the pool so a forgotten caller handle never keeps the
// pool alive.
func (p *Pool) watch(caller *identity.Caller) {
	caller.Watch(func() func() {
		args := deathArgs{pool: weak.Make(p), cell: caller.Cell()}
		cleanup := runtime.AddCleanup(caller, releaseOnDeath, args)
		return cleanup.Stop
	})
}

// probeAlive performs the readability probe from spec §4.5: a 1-byte read
// under a 1 ms read deadline. It returns at once when the peer has closed
// (EOF/error, socket stale) and otherwise ends with a timeout after at most
// 1 ms (no data, socket alive). A deadline already in the past would not
// work: Go's net package then fails the read with a timeout before looking
// at the socket, so a closed peer would never be seen. Adapted from
// kexuedns/dns.ConnPoolTCP's isConnAlive, which instead does a zero-byte
// *write* probe.
func probeAlive(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := conn.Read(buf[:])
	if err == nil {
		// Unexpected pipelined byte: treat presence of data as alive, but
		// note this consumes it from the stream, same hazard the teacher's
		// isConnAlive write-probe comment warns about. Harmless here since
		// a socket is owned by exactly one holder at a time (spec §4.5's
		// liveness check runs only on a socket nobody else can be reading
		// from), but would corrupt the stream under concurrent readers.
		return true
	}
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}
