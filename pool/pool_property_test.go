// SPDX-License-Identifier: MIT
//
// Connection pool core - property tests (spec §8 invariants 1-3, S2, S7)
//

package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"kexuepool/wire"
)

// TestConcurrentCheckoutsNeverShareASocket exercises invariant 1: for
// interleaved get_socket/maybe_return_socket without request pinning, no
// socket is ever held by two callers (goroutines) at once. Each goroutine
// that successfully checks out a socket records its pointer identity in a
// shared set guarded by a mutex; a collision while "holding" it fails the
// test.
func TestConcurrentCheckoutsNeverShareASocket(t *testing.T) {
	ep, cleanup := listenerFor(t)
	defer cleanup()

	p := newTestPool(t, ep, 4)
	defer p.Close()

	const workers = 8
	const rounds = 20

	var mu sync.Mutex
	held := map[any]int{} // socket identity -> count of concurrent holders

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				s, err := p.GetSocket(context.Background(), nil, nil)
				if err != nil {
					t.Errorf("GetSocket() error = %v", err)
					return
				}

				mu.Lock()
				held[s]++
				count := held[s]
				mu.Unlock()

				if count > 1 {
					t.Errorf("socket %p held by %d concurrent callers; want at most 1", s, count)
				}

				time.Sleep(time.Millisecond)

				mu.Lock()
				held[s]--
				mu.Unlock()

				p.MaybeReturnSocket(nil, s)
			}
		}()
	}
	wg.Wait()
}

// TestIdleBoundHoldsUnderConcurrency exercises invariant 2 and S2: with
// max_idle=1, obtaining and returning sockets from concurrent goroutines
// must never leave |idle| > max_idle.
func TestIdleBoundHoldsUnderConcurrency(t *testing.T) {
	ep, cleanup := listenerFor(t)
	defer cleanup()

	p := newTestPool(t, ep, 1)
	defer p.Close()

	const workers = 6
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			s, err := p.GetSocket(context.Background(), nil, nil)
			if err != nil {
				t.Errorf("GetSocket() error = %v", err)
				return
			}
			p.MaybeReturnSocket(nil, s)
		}()
	}
	wg.Wait()

	if got := p.idleLen(); got > p.maxIdle {
		t.Errorf("idleLen() = %d; want <= MaxIdle (%d)", got, p.maxIdle)
	}
}

// TestResetGenerationStrictlyIncreases exercises invariant 3: every socket
// obtained after a Reset carries a generation strictly greater than any
// generation observed before it.
func TestResetGenerationStrictlyIncreases(t *testing.T) {
	ep, cleanup := listenerFor(t)
	defer cleanup()

	p := newTestPool(t, ep, 2)
	defer p.Close()

	s1, err := p.GetSocket(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetSocket() error = %v", err)
	}
	before := s1.Generation

	p.Reset()

	s2, err := p.GetSocket(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetSocket() error = %v", err)
	}
	if s2.Generation <= before {
		t.Errorf("generation after Reset = %d; want > %d", s2.Generation, before)
	}
}

// oneShotListener opens a loopback listener; the test accepts from it
// itself and closes the accepted connection out-of-band to simulate the
// peer going away (S7).
func oneShotListener(t *testing.T) (net.Listener, *net.TCPAddr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr)
}

// TestStaleReconnectFailureResets exercises spec §4.5: unlike a plain
// fresh-connect failure (TestFreshConnectFailureDoesNotReset), a reconnect
// attempted *during a health check* (here: the stale-probe path finds the
// peer gone, then the replacement dial itself also fails because the
// listener is gone too) bumps the generation.
func TestStaleReconnectFailureResets(t *testing.T) {
	ln, addr := oneShotListener(t)

	var peerConn net.Conn
	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			peerConn = conn
			close(accepted)
		}
	}()

	ep := wire.NewTCPEndpoint("127.0.0.1", uint16(addr.Port))
	p := newTestPool(t, ep, 2)
	defer p.Close()

	s1, err := p.GetSocket(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetSocket() error = %v", err)
	}
	<-accepted
	peerConn.Close() // peer goes away
	ln.Close()        // and the listener too, so the replacement dial fails
	p.MaybeReturnSocket(nil, s1)

	s1.LastCheckout = time.Now().Add(-2 * staleCheckGate)
	before := p.Stats().Resets

	if _, err := p.GetSocket(context.Background(), nil, nil); err == nil {
		t.Fatalf("GetSocket() with listener closed error = nil; want non-nil")
	}
	if got := p.Stats().Resets; got <= before {
		t.Errorf("Stats().Resets = %d after a reconnect failure during a health check; want > %d", got, before)
	}
}

// TestStaleSocketReplacedOnCheckout exercises S7: a socket whose peer has
// closed its side is detected by the staleness probe on the next checkout
// past the gate, and GetSocket hands back a freshly connected replacement.
func TestStaleSocketReplacedOnCheckout(t *testing.T) {
	ln, addr := oneShotListener(t)
	defer ln.Close()

	var peerConn net.Conn
	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			peerConn = conn
			close(accepted)
			// Keep a second connection available for the replacement dial.
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}
	}()

	ep := wire.NewTCPEndpoint("127.0.0.1", uint16(addr.Port))
	p := newTestPool(t, ep, 2)
	defer p.Close()

	s1, err := p.GetSocket(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetSocket() error = %v", err)
	}
	<-accepted
	peerConn.Close() // peer goes away

	p.MaybeReturnSocket(nil, s1)

	// Force the staleness probe to trigger regardless of wall-clock timing.
	s1.LastCheckout = time.Now().Add(-2 * staleCheckGate)

	s2, err := p.GetSocket(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetSocket() error = %v", err)
	}
	if s2 == s1 {
		t.Errorf("GetSocket() returned the stale socket; want a freshly connected replacement")
	}
	if !s1.Closed() {
		t.Errorf("stale socket not closed after replacement")
	}
}
