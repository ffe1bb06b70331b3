// SPDX-License-Identifier: MIT
//
// Per-caller state: the request-affinity state machine (spec §4.4) and the
// reentrant request counter (spec §4.2), both folded onto one handle since
// in this port a "caller" already *is* an explicit Go object rather than an
// implicit thread/greenlet id (see identity.go's package doc).

package identity

import (
	"sync"
	"sync/atomic"

	"kexuepool/wire"
)

// PinCell holds a caller's affinity state (spec §4.4) in an allocation
// separate from the Caller handle itself. This separation matters: the
// pool's caller-death callback is registered via runtime.AddCleanup(caller,
// ...), whose cleanup function is forbidden from referencing caller itself
// (that would resurrect it and the cleanup would never fire). By reading
// the pinned socket through a *PinCell captured as the cleanup's arg
// instead, the pool can still recover "what was this dead caller pinning"
// without ever holding a strong reference to the Caller (spec §9).
type PinCell struct {
	pending atomic.Bool
	socket  atomic.Pointer[wire.SocketInfo]
}

// Socket returns the socket currently recorded as pinned, or nil.
func (c *PinCell) Socket() *wire.SocketInfo {
	return c.socket.Load()
}

// Caller is a handle identifying one logical caller (spec's "thread or
// user-space task"). It is comparable by pointer identity, which is what
// the pool uses whenever it needs to compare "is this the same caller that
// currently holds socket s".
type Caller struct {
	depth   int32 // guarded by depthMu; reentrant start/end_request counter
	depthMu sync.Mutex

	cell *PinCell

	watching    bool
	watchMu     sync.Mutex
	stopCleanup func()
}

func newCaller() *Caller {
	return &Caller{cell: &PinCell{}}
}

// Cell exposes the caller's PinCell so the pool can pass it (never the
// Caller itself) as the arg to runtime.AddCleanup.
func (c *Caller) Cell() *PinCell {
	return c.cell
}

// Inc increments the reentrancy counter and returns the new depth.
func (c *Caller) Inc() int32 {
	c.depthMu.Lock()
	defer c.depthMu.Unlock()
	c.depth++
	return c.depth
}

// Dec decrements the reentrancy counter and returns the new depth. Dec
// never goes below zero: an unmatched EndRequest is a no-op per spec §6.
func (c *Caller) Dec() int32 {
	c.depthMu.Lock()
	defer c.depthMu.Unlock()
	if c.depth > 0 {
		c.depth--
	}
	return c.depth
}

// Get returns the current reentrancy depth.
func (c *Caller) Get() int32 {
	c.depthMu.Lock()
	defer c.depthMu.Unlock()
	return c.depth
}

// InRequest reports request_depth > 0 (spec's in_request()).
func (c *Caller) InRequest() bool {
	return c.Get() > 0
}

// SetPending moves the caller to PENDING (OUTSIDE -> PENDING on
// StartRequest, per spec §4.4).
func (c *Caller) SetPending() {
	c.cell.socket.Store(nil)
	c.cell.pending.Store(true)
}

// SetBound moves the caller to BOUND(s).
func (c *Caller) SetBound(s *wire.SocketInfo) {
	c.cell.socket.Store(s)
	c.cell.pending.Store(false)
}

// ClearPin moves the caller back to OUTSIDE.
func (c *Caller) ClearPin() {
	c.cell.socket.Store(nil)
	c.cell.pending.Store(false)
}

// Bound returns the currently pinned socket and whether one is pinned.
func (c *Caller) Bound() (*wire.SocketInfo, bool) {
	s := c.cell.socket.Load()
	if s == nil {
		return nil, false
	}
	return s, true
}

// Pending reports whether the caller is in a request with no socket pinned
// yet.
func (c *Caller) Pending() bool {
	return c.cell.pending.Load() && c.cell.socket.Load() == nil
}

// IsWatching reports whether a termination callback is currently
// registered for this caller (spec §4.1).
func (c *Caller) IsWatching() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watching
}

// Watch registers a termination callback, idempotently: a second Watch
// while one is already registered has no effect (spec §4.1). register is
// invoked to perform the actual registration (runtime.AddCleanup plus a
// weak reference to whatever owns the callback — see pool.Pool.watch,
// which is where that machinery lives since it is specific to *what* gets
// released, not to caller bookkeeping) and must return a function that
// cancels it.
func (c *Caller) Watch(register func() (stop func())) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watching {
		return
	}
	c.watching = true
	c.stopCleanup = register()
}

// Unwatch cancels any registered termination callback.
func (c *Caller) Unwatch() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if !c.watching {
		return
	}
	c.watching = false
	if c.stopCleanup != nil {
		c.stopCleanup()
		c.stopCleanup = nil
	}
}
