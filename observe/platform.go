// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"errors"
	"syscall"
)

// Read outcomes a [Child] reports besides data. Any other read error is
// an I/O fault that ends the reader loop.
var (
	// ErrNoData means the non-blocking master has nothing to read yet.
	ErrNoData = errors.New("no data available")

	// ErrExited means the slave side is closed: the process and every
	// descendant holding the terminal have gone.
	ErrExited = errors.New("terminal process exited")
)

// SpawnOptions describes a process to start on a fresh pseudo-terminal.
type SpawnOptions struct {
	// Command is the argv. Command[0] is resolved through PATH.
	Command []string

	// Dir is the working directory. Empty means the daemon's.
	Dir string

	// Env is the complete environment.
	Env []string

	Rows uint16
	Cols uint16
}

// Platform allocates pseudo-terminals and starts processes on them.
type Platform interface {
	// Spawn allocates a PTY pair, sets its size, marks the master
	// non-blocking, and starts the command as a session leader with the
	// slave as its controlling terminal.
	Spawn(options SpawnOptions) (Child, error)
}

// Child is a process attached to a pseudo-terminal, seen from the
// master side.
type Child interface {
	Pid() int

	// Read reads available output. It returns [ErrNoData] when nothing
	// is buffered and [ErrExited] once the slave side has closed.
	Read(buffer []byte) (int, error)

	Write(data []byte) (int, error)

	Resize(rows, cols uint16) error

	// Signal delivers sig to the child's process group.
	Signal(sig syscall.Signal) error

	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}

	// Close releases the master descriptor. Call only after the last
	// Read has returned.
	Close() error
}
