// SPDX-License-Identifier: MIT
//
// Error taxonomy (spec §7): ConfigError for construction-time
// misconfiguration, ConnectError for every runtime failure to produce a
// usable socket.

package pool

import "github.com/pkg/errors"

// ConfigError reports a construction-time misconfiguration: TLS requested
// over a Unix-domain endpoint, or any other invalid Config. Fatal to New.
type ConfigError struct {
	cause error
}

func newConfigError(msg string) error {
	return &ConfigError{cause: errors.New(msg)}
}

func (e *ConfigError) Error() string { return "pool: config error: " + e.cause.Error() }
func (e *ConfigError) Unwrap() error { return e.cause }

// ConnectError reports any runtime failure to produce a usable socket: DNS,
// TCP connect, TLS handshake, or a reconnect attempt made during a health
// check. Surfaced to the caller of GetSocket.
type ConnectError struct {
	cause error
}

func newConnectError(cause error) error {
	return &ConnectError{cause: cause}
}

func (e *ConnectError) Error() string { return "pool: connect error: " + e.cause.Error() }
func (e *ConnectError) Unwrap() error { return e.cause }
