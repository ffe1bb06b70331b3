// SPDX-License-Identifier: MIT
//
// Connector: turns an Endpoint into a connected, optionally TLS-wrapped
// net.Conn.
//
// Adapted from kexuedns/dns/connpool.go's ConnPoolTCP.dial/ConnPoolTLS.Get,
// generalized from a single pre-resolved netip.AddrPort to an arbitrary
// host/port pair requiring its own candidate enumeration, and from a single
// hard-coded keepalive policy to the spec's connect/io timeout pair.

package connect

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"kexuepool/identity"
	"kexuepool/log"
	"kexuepool/wire"
)

// DefaultConnectTimeout is applied when Options.ConnectTimeout is zero,
// per spec §4.3.
const DefaultConnectTimeout = 20 * time.Second

// Options configures a single Connect call.
type Options struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	UseTLS         bool
	TLSConfig      *tls.Config
}

// Connect dials ep, applying the connect timeout, TCP_NODELAY, and (if
// configured) a TLS handshake, then stamps the resulting socket with
// generation. It never touches generation except to store it — the caller
// is responsible for reading the pool's current generation at the moment
// Connect returns, per spec §4.3's "tag ... with the pool's current pool_id
// at return time".
func Connect(ctx context.Context, ep wire.Endpoint, opts Options, generation uint64) (*wire.SocketInfo, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	var (
		conn net.Conn
		err  error
	)
	if ep.IsUnix() {
		conn, err = dialUnix(ctx, ep.Path, timeout)
	} else {
		conn, err = dialTCP(ctx, ep, timeout)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect: dial %s failed", ep)
	}

	if opts.UseTLS {
		conn, err = handshake(ctx, conn, opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.IOTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(opts.IOTimeout))
	}

	fields := []any{"endpoint", ep.String(), "tls", opts.UseTLS}
	if id, ok := identity.RequestID(ctx); ok {
		fields = append(fields, "request_id", id)
	}
	log.Debugw("connector: connected", fields...)
	return wire.NewSocketInfo(conn, generation), nil
}

func dialUnix(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "unix", path)
}

// dialTCP enumerates address candidates for ep and returns the first one
// that connects, per spec §4.3: prefer IPv4-only resolution for the
// literal host "localhost" or when no IPv6 candidates are available, else
// try both families in the order the resolver returned them.
func dialTCP(ctx context.Context, ep wire.Endpoint, timeout time.Duration) (net.Conn, error) {
	candidates, err := resolveCandidates(ctx, ep.Host)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New("address resolution returned no candidates")
	}

	d := net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1, // the pool's own health check governs reuse, not the kernel's keepalive
		Control:   setTCPNoDelay,
	}

	port := strconv.Itoa(int(ep.Port))
	var lastErr error
	for _, addr := range candidates {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func resolveCandidates(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	preferV4Only := host == "localhost"
	if !preferV4Only {
		hasV6 := false
		for _, ip := range ips {
			if ip.To4() == nil {
				hasV6 = true
				break
			}
		}
		if !hasV6 {
			preferV4Only = true
		}
	}
	if !preferV4Only {
		return ips, nil
	}

	v4 := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		}
	}
	return v4, nil
}

// setTCPNoDelay is a net.Dialer.Control callback enabling TCP_NODELAY on
// the about-to-connect socket, via golang.org/x/sys/unix since the net
// package exposes no portable API for it (spec §4.3).
func setTCPNoDelay(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func handshake(ctx context.Context, conn net.Conn, opts Options) (net.Conn, error) {
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	tlsConn := tls.Client(conn, cfg)

	hctx := ctx
	var cancel context.CancelFunc
	if opts.ConnectTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "connect: TLS handshake failed")
	}
	return tlsConn, nil
}
