// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package observetest provides an in-memory [observe.Platform] for
// tests of code that runs workers through a relay.
package observetest

import (
	"slices"
	"sync"
	"syscall"

	"github.com/bureau-foundation/shepherd/observe"
)

// Platform is a fake [observe.Platform]. Spawned children do nothing
// until the test drives them with [Child.Emit] and [Child.Exit].
type Platform struct {
	mutex      sync.Mutex
	nextPid    int
	children   []*Child
	options    []observe.SpawnOptions
	fail       error
	ignoreTerm bool
	spawned    chan *Child
	hold       chan struct{}
	entered    chan struct{}
}

// NewPlatform returns a fake platform whose first child has pid 1000.
func NewPlatform() *Platform {
	return &Platform{
		nextPid: 1000,
		spawned: make(chan *Child, 64),
	}
}

// Spawn implements [observe.Platform].
func (platform *Platform) Spawn(options observe.SpawnOptions) (observe.Child, error) {
	platform.mutex.Lock()
	hold, entered := platform.hold, platform.entered
	platform.mutex.Unlock()
	if hold != nil {
		entered <- struct{}{}
		<-hold
	}

	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	if platform.fail != nil {
		return nil, platform.fail
	}
	child := newChild(platform.nextPid)
	child.ignoreTerm = platform.ignoreTerm
	child.rows, child.cols = options.Rows, options.Cols
	platform.nextPid++
	platform.children = append(platform.children, child)
	options.Command = slices.Clone(options.Command)
	options.Env = slices.Clone(options.Env)
	platform.options = append(platform.options, options)
	select {
	case platform.spawned <- child:
	default:
	}
	return child, nil
}

// SetFail makes every later Spawn return err. Pass nil to restore.
func (platform *Platform) SetFail(err error) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	platform.fail = err
}

// HoldSpawns makes later Spawn calls wait until release is called.
// entered receives once for each call that starts waiting.
func (platform *Platform) HoldSpawns() (entered <-chan struct{}, release func()) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	hold := make(chan struct{})
	platform.hold = hold
	platform.entered = make(chan struct{}, 16)
	var once sync.Once
	return platform.entered, func() {
		once.Do(func() {
			platform.mutex.Lock()
			platform.hold, platform.entered = nil, nil
			platform.mutex.Unlock()
			close(hold)
		})
	}
}

// SetIgnoreTerm makes later children survive SIGTERM.
func (platform *Platform) SetIgnoreTerm(ignore bool) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	platform.ignoreTerm = ignore
}

// Spawned delivers each child as it is spawned.
func (platform *Platform) Spawned() <-chan *Child { return platform.spawned }

// Children returns every child spawned so far, oldest first.
func (platform *Platform) Children() []*Child {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	return slices.Clone(platform.children)
}

// Options returns the options of every Spawn call so far.
func (platform *Platform) Options() []observe.SpawnOptions {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	return slices.Clone(platform.options)
}

// Child is a fake [observe.Child]. Read blocks until output is emitted
// or the child exits; buffered output is still returned after exit.
type Child struct {
	pid      int
	readable chan struct{}
	exited   chan struct{}
	exitOnce sync.Once

	mutex      sync.Mutex
	pending    [][]byte
	input      []byte
	signals    []syscall.Signal
	rows, cols uint16
	ignoreTerm bool
	closed     bool
}

func newChild(pid int) *Child {
	return &Child{
		pid:      pid,
		readable: make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
}

// Emit queues data as terminal output.
func (child *Child) Emit(data []byte) {
	child.mutex.Lock()
	child.pending = append(child.pending, slices.Clone(data))
	child.mutex.Unlock()
	select {
	case child.readable <- struct{}{}:
	default:
	}
}

// Exit makes the process exit.
func (child *Child) Exit() {
	child.exitOnce.Do(func() { close(child.exited) })
}

// Pid implements [observe.Child].
func (child *Child) Pid() int { return child.pid }

// Read implements [observe.Child].
func (child *Child) Read(buffer []byte) (int, error) {
	for {
		child.mutex.Lock()
		if len(child.pending) > 0 {
			count := copy(buffer, child.pending[0])
			child.pending[0] = child.pending[0][count:]
			if len(child.pending[0]) == 0 {
				child.pending = child.pending[1:]
			}
			child.mutex.Unlock()
			return count, nil
		}
		child.mutex.Unlock()

		select {
		case <-child.exited:
			child.mutex.Lock()
			empty := len(child.pending) == 0
			child.mutex.Unlock()
			if empty {
				return 0, observe.ErrExited
			}
		case <-child.readable:
		}
	}
}

// Write implements [observe.Child] by recording data.
func (child *Child) Write(data []byte) (int, error) {
	if !child.Alive() {
		return 0, observe.ErrExited
	}
	child.mutex.Lock()
	defer child.mutex.Unlock()
	child.input = append(child.input, data...)
	return len(data), nil
}

// Resize implements [observe.Child].
func (child *Child) Resize(rows, cols uint16) error {
	child.mutex.Lock()
	defer child.mutex.Unlock()
	child.rows, child.cols = rows, cols
	return nil
}

// Signal records sig. SIGKILL always ends the process, SIGTERM does
// unless the child ignores it, and anything else is only recorded.
func (child *Child) Signal(sig syscall.Signal) error {
	if !child.Alive() {
		return observe.ErrExited
	}
	child.mutex.Lock()
	child.signals = append(child.signals, sig)
	ignoreTerm := child.ignoreTerm
	child.mutex.Unlock()

	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !ignoreTerm) {
		child.Exit()
	}
	return nil
}

// Exited implements [observe.Child].
func (child *Child) Exited() <-chan struct{} { return child.exited }

// Close implements [observe.Child].
func (child *Child) Close() error {
	child.mutex.Lock()
	defer child.mutex.Unlock()
	child.closed = true
	return nil
}

// Alive reports whether the child has not exited.
func (child *Child) Alive() bool {
	select {
	case <-child.exited:
		return false
	default:
		return true
	}
}

// Input returns everything written to the child.
func (child *Child) Input() []byte {
	child.mutex.Lock()
	defer child.mutex.Unlock()
	return slices.Clone(child.input)
}

// Signals returns every signal delivered while the child was alive.
func (child *Child) Signals() []syscall.Signal {
	child.mutex.Lock()
	defer child.mutex.Unlock()
	return slices.Clone(child.signals)
}

// Size returns the current terminal size.
func (child *Child) Size() (rows, cols uint16) {
	child.mutex.Lock()
	defer child.mutex.Unlock()
	return child.rows, child.cols
}

// Closed reports whether the master side was closed.
func (child *Child) Closed() bool {
	child.mutex.Lock()
	defer child.mutex.Unlock()
	return child.closed
}
