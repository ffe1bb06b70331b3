// SPDX-License-Identifier: MIT
//
// Per-caller state - tests
//

package identity

import (
	"context"
	"testing"

	"kexuepool/wire"
)

func TestCallerReentrantDepth(t *testing.T) {
	c := newCaller()
	if c.InRequest() {
		t.Errorf("InRequest() = true on fresh caller; want false")
	}

	if got := c.Inc(); got != 1 {
		t.Errorf("Inc() = %d; want 1", got)
	}
	if got := c.Inc(); got != 2 {
		t.Errorf("Inc() = %d; want 2", got)
	}
	if !c.InRequest() {
		t.Errorf("InRequest() = false at depth 2; want true")
	}

	if got := c.Dec(); got != 1 {
		t.Errorf("Dec() = %d; want 1", got)
	}
	if !c.InRequest() {
		t.Errorf("InRequest() = false at depth 1; want true")
	}
	if got := c.Dec(); got != 0 {
		t.Errorf("Dec() = %d; want 0", got)
	}
	if c.InRequest() {
		t.Errorf("InRequest() = true at depth 0; want false")
	}

	// An unmatched Dec never goes negative.
	if got := c.Dec(); got != 0 {
		t.Errorf("Dec() on depth 0 = %d; want 0", got)
	}
}

func TestCallerPinStateMachine(t *testing.T) {
	c := newCaller()
	if _, bound := c.Bound(); bound {
		t.Errorf("Bound() = (_, true) on fresh caller; want false")
	}
	if c.Pending() {
		t.Errorf("Pending() = true on fresh caller; want false")
	}

	c.SetPending()
	if !c.Pending() {
		t.Errorf("Pending() = false after SetPending; want true")
	}
	if _, bound := c.Bound(); bound {
		t.Errorf("Bound() = (_, true) while pending; want false")
	}

	s := wire.NewSocketInfo(nil, 1)
	c.SetBound(s)
	if c.Pending() {
		t.Errorf("Pending() = true after SetBound; want false")
	}
	got, bound := c.Bound()
	if !bound || got != s {
		t.Errorf("Bound() = (%v, %t); want (%v, true)", got, bound, s)
	}

	c.ClearPin()
	if _, bound := c.Bound(); bound {
		t.Errorf("Bound() = (_, true) after ClearPin; want false")
	}
	if c.Pending() {
		t.Errorf("Pending() = true after ClearPin; want false")
	}
}

func TestCallerWatchIdempotent(t *testing.T) {
	c := newCaller()
	registrations := 0
	stops := 0

	register := func() func() {
		registrations++
		return func() { stops++ }
	}

	c.Watch(register)
	c.Watch(register) // second call must be a no-op
	if registrations != 1 {
		t.Errorf("registrations = %d; want 1", registrations)
	}
	if !c.IsWatching() {
		t.Errorf("IsWatching() = false after Watch; want true")
	}

	c.Unwatch()
	if c.IsWatching() {
		t.Errorf("IsWatching() = true after Unwatch; want false")
	}
	if stops != 1 {
		t.Errorf("stops = %d; want 1", stops)
	}

	c.Unwatch() // second call must be a no-op
	if stops != 1 {
		t.Errorf("stops = %d after second Unwatch; want 1", stops)
	}
}

func TestProviderModes(t *testing.T) {
	gp := NewProvider(ModeGoroutine)
	a := gp.Current(context.Background())
	b := gp.Current(context.Background())
	if a == b {
		t.Errorf("goroutine provider returned the same handle twice; want distinct handles")
	}

	tp := NewProvider(ModeTask)
	ctx := context.Background()
	first := tp.Current(ctx)
	second := tp.Current(ctx)
	if first == second {
		t.Errorf("task provider returned same handle for a ctx with none stored; want a fresh one each time until WithCaller is used")
	}

	ctx = WithCaller(ctx, first)
	if got := tp.Current(ctx); got != first {
		t.Errorf("task provider with WithCaller(ctx, first) returned %v; want %v", got, first)
	}
}
