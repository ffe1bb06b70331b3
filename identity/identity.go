// SPDX-License-Identifier: MIT
//
// Identity provider: who is "the current caller".
//
// Go has neither portable thread-local storage nor a "goroutine is about
// to exit" hook, unlike the pthread-id/greenlet-id the pool this module is
// modeled on (pymongo.pool) relies on. See SPEC_FULL.md §4.1 for the full
// rationale; in short, a logical caller is represented by an explicit
// *Caller handle (caller.go), and "the caller terminated" is realized as
// "nothing references the handle anymore", detected via runtime.AddCleanup
// rather than any notion of thread/goroutine death.

package identity

import (
	"context"

	"github.com/google/uuid"
)

// Mode selects how a Provider obtains the current caller's handle,
// matching the pool's concurrency_mode construction parameter.
type Mode int

const (
	// ModeGoroutine models "one caller per long-lived goroutine": the
	// caller is responsible for keeping the *Caller returned by the first
	// Current() call reachable for as long as it is logically "in
	// progress", e.g. as a local variable threaded through the rest of
	// that goroutine's call chain.
	ModeGoroutine Mode = iota

	// ModeTask models "one caller per user-space task": the caller handle
	// is stored in and retrieved from a context.Context, matching how the
	// teacher's own resolver threads ctx context.Context through Query.
	ModeTask
)

// Provider is the identity abstraction from spec §4.1.
type Provider interface {
	// Current returns the Caller handle for the logical caller associated
	// with ctx (ModeTask) or with a fresh handle (ModeGoroutine, where ctx
	// is ignored and the returned handle is the caller's to keep).
	Current(ctx context.Context) *Caller
}

// NewProvider constructs a Provider for the given concurrency mode.
func NewProvider(mode Mode) Provider {
	switch mode {
	case ModeTask:
		return taskProvider{}
	default:
		return goroutineProvider{}
	}
}

// goroutineProvider hands out a fresh Caller on every Current call; it is
// the caller's responsibility to retain and re-use the handle for the
// lifetime of their logical unit of work (spec's "thread" concurrency
// mode has no portable Go equivalent of implicit TLS — see package doc).
type goroutineProvider struct{}

func (goroutineProvider) Current(context.Context) *Caller {
	return newCaller()
}

// taskProvider returns the Caller stored in ctx by WithCaller, or a fresh
// Caller when ctx carries none (that fresh handle is not stored). The
// pool's own GetSocket/StartRequest/etc. all take an explicit *Caller
// rather than a context.Context for the ModeGoroutine case, so taskProvider
// exists for callers that prefer to thread identity through context values
// the way the teacher threads ctx through every resolver Query call.
type taskProvider struct{}

type callerCtxKey struct{}
type requestIDCtxKey struct{}

func (taskProvider) Current(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerCtxKey{}).(*Caller); ok {
		return c
	}
	return newCaller()
}

// WithCaller returns a copy of ctx carrying c as its current caller, for use
// with taskProvider. It also stamps ctx with a fresh request id: callers
// like connect.Connect that only have a context.Context in scope (not a
// *Caller) can still attach a stable correlation id to their log lines.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	ctx = context.WithValue(ctx, callerCtxKey{}, c)
	return context.WithValue(ctx, requestIDCtxKey{}, uuid.New())
}

// RequestID returns the request id stamped on ctx by WithCaller, if any.
func RequestID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(requestIDCtxKey{}).(uuid.UUID)
	return id, ok
}
