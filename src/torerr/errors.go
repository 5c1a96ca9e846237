// SPDX-License-Identifier: MIT
// Package torerr enumerates the error kinds this library can raise, per the
// propagation policy in the control-protocol client specification.
package torerr

import "errors"

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", ErrX) and test
// with errors.Is; callers should never match on string content.
var (
	// ErrNotFound covers missing external resources, e.g. the tor binary.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument covers unknown option names, bad enum values, and
	// malformed user input such as build_circuit router lists.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProtocolViolation covers unexpected lines or replies from the
	// daemon that indicate the wire contract was broken.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDaemonRefused covers a non-2xx reply to a command the daemon
	// otherwise understood (SETCONF, ATTACHSTREAM, CLOSESTREAM, ...).
	ErrDaemonRefused = errors.New("daemon refused")

	// ErrBootstrapFailure covers supervisor timeout, stderr-triggered kill,
	// and premature child exit.
	ErrBootstrapFailure = errors.New("bootstrap failure")

	// ErrPrecondition covers an attacher returning an unknown or
	// not-BUILT circuit.
	ErrPrecondition = errors.New("precondition failed")
)
