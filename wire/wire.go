// SPDX-License-Identifier: MIT
//
// Endpoints and pooled socket bookkeeping.
//
// Adapted from kexuedns/dns/connpool.go's pooledConn, generalized from a
// single fixed resolver address to an arbitrary TCP/Unix endpoint and from
// a bare timestamp to the full generation/closed/authset bookkeeping a
// database client pool needs.

package wire

import (
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// Endpoint names the remote the pool connects to: either a (host, port)
// pair dialed over TCP, or a filesystem path ending in ".sock" dialed over
// AF_UNIX.
type Endpoint struct {
	Host string
	Port uint16
	Path string // set instead of Host/Port for Unix-domain endpoints
}

// NewTCPEndpoint builds a TCP endpoint.
func NewTCPEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// NewUnixEndpoint builds a Unix-domain endpoint. path must end in ".sock";
// ParseEndpoint enforces this for string input, callers constructing an
// Endpoint directly are trusted.
func NewUnixEndpoint(path string) Endpoint {
	return Endpoint{Path: path}
}

// IsUnix reports whether this endpoint denotes a Unix-domain socket.
func (e Endpoint) IsUnix() bool {
	return e.Path != ""
}

// ParseEndpoint parses the external string form described in spec §6: a
// path ending in ".sock" is Unix-domain, otherwise "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	if strings.HasSuffix(s, ".sock") {
		return NewUnixEndpoint(s), nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Endpoint{}, err
	}
	return NewTCPEndpoint(host, port), nil
}

func parsePort(s string) (uint16, error) {
	var port uint16
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, &net.AddrError{Err: "invalid port", Addr: s}
		}
		port = port*10 + uint16(c-'0')
	}
	return port, nil
}

func (e Endpoint) String() string {
	if e.IsUnix() {
		return e.Path
	}
	return net.JoinHostPort(e.Host, portString(e.Port))
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// AuthSet is an opaque set of authentication markers a layer outside this
// pool attaches to a SocketInfo to record completed authentication
// handshakes. The pool never inspects membership; it only preserves the set
// across checkouts (spec §9). Not safe for concurrent use — a SocketInfo is
// owned by exactly one holder at a time, so none is needed.
type AuthSet struct {
	tokens map[any]struct{}
}

// Add records tok as present in the set.
func (a *AuthSet) Add(tok any) {
	if a.tokens == nil {
		a.tokens = make(map[any]struct{})
	}
	a.tokens[tok] = struct{}{}
}

// Has reports whether tok was previously added.
func (a *AuthSet) Has(tok any) bool {
	_, ok := a.tokens[tok]
	return ok
}

// SocketInfo wraps a connected socket with the bookkeeping the pool needs
// to decide whether it is safe to hand back out: the generation it was
// created under, when it was last checked out, and whether it has already
// been closed. Equality/hashing in pool's idle set is pointer identity, so
// SocketInfo is always handled through a *SocketInfo.
type SocketInfo struct {
	Conn net.Conn

	// Generation is the pool's pool_id observed at creation time (spec §3).
	Generation uint64

	// LastCheckout is the wall-clock time of the most recent handout.
	LastCheckout time.Time

	// AuthSet is opaque state attached by a layer outside this package.
	AuthSet AuthSet

	closed atomic.Bool
}

// NewSocketInfo wraps conn, tagging it with the given generation.
func NewSocketInfo(conn net.Conn, generation uint64) *SocketInfo {
	return &SocketInfo{
		Conn:         conn,
		Generation:   generation,
		LastCheckout: time.Now(),
	}
}

// Closed reports whether Close has already been called on this socket.
func (s *SocketInfo) Closed() bool {
	return s.closed.Load()
}

// Close closes the underlying connection. Idempotent: the second and later
// calls are no-ops. Errors from the underlying Close are swallowed per spec
// §7 — callers that care should close the conn themselves before handing it
// to this wrapper.
func (s *SocketInfo) Close() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.Conn.Close()
	}
}
