// SPDX-License-Identifier: MIT
// Package launcher spawns a Tor binary from a generated configuration,
// watches its bootstrap progress, takes ownership of the daemon over the
// control port, and cleans up temporary artifacts on any exit path.
package launcher

import (
	"context"
	"io"
	"time"

	"github.com/apimgr/torctl/src/control"
)

// ProgressFunc receives one launch progress update: a tag, a human summary,
// and the percent complete.
type ProgressFunc func(tag, summary string, percent int)

// ConnFactory spawns the Tor binary described by binaryPath/dataDir/torrcPath and
// returns a live control connection plus the spawned process's pid once the
// daemon is reachable. The default, bineConnFactory, wraps
// github.com/cretz/bine.
type ConnFactory func(ctx context.Context, binaryPath, dataDir, torrcPath string, stderrSink io.Writer) (conn control.Conn, pid int, closeFn func() error, err error)

// Options configures a Supervisor. All fields are optional; zero values
// select the documented default behavior.
type Options struct {
	// BinaryPath is the tor executable. Empty discovers it via PATH
	// (delegated to ConnFactory).
	BinaryPath string

	// Progress, if set, is invoked twice by Launch: tag "spawn" at 0 percent
	// before the ConnFactory runs, and tag "done" at 100 percent once the
	// daemon is attached. STATUS_CLIENT BOOTSTRAP events are not forwarded.
	Progress ProgressFunc

	// ConnFactory overrides how the control connection is obtained; nil
	// selects bineConnFactory.
	ConnFactory ConnFactory

	// Timeout bounds the whole launch; zero means no timeout.
	Timeout time.Duration

	// KillOnStderr makes Launch close the daemon and fail if anything was
	// written to its stderr/debug stream by the time the ConnFactory returns;
	// output written after that point is not checked.
	KillOnStderr bool

	// Stderr, if set, additionally receives the daemon's debug/stderr output
	// (wired as bine's DebugWriter).
	Stderr io.Writer
}
