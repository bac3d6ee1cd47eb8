// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import "sync"

// eventLoop runs tasks one at a time, in submission order, on a single
// goroutine. Reader goroutines hand notifications to it with schedule,
// which never blocks; the loop owns every subscriber set, so nothing
// it touches needs further locking.
type eventLoop struct {
	mutex   sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newEventLoop() *eventLoop {
	loop := &eventLoop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go loop.run()
	return loop
}

// schedule queues task. Returns false if the loop has been closed.
func (loop *eventLoop) schedule(task func()) bool {
	loop.mutex.Lock()
	if loop.closed {
		loop.mutex.Unlock()
		return false
	}
	loop.queue = append(loop.queue, task)
	loop.mutex.Unlock()

	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs task on the loop and waits for it. Must not be called from
// the loop itself.
func (loop *eventLoop) call(task func()) bool {
	done := make(chan struct{})
	if !loop.schedule(func() {
		defer close(done)
		task()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-loop.stopped:
		// Close drains the queue before stopping, so done is closed too.
		<-done
		return true
	}
}

// close stops accepting tasks, runs what is already queued, and waits
// for the loop goroutine to exit.
func (loop *eventLoop) close() {
	loop.mutex.Lock()
	if !loop.closed {
		loop.closed = true
		select {
		case loop.wake <- struct{}{}:
		default:
		}
	}
	loop.mutex.Unlock()
	<-loop.stopped
}

func (loop *eventLoop) run() {
	defer close(loop.stopped)
	for range loop.wake {
		for {
			loop.mutex.Lock()
			tasks := loop.queue
			loop.queue = nil
			closed := loop.closed
			loop.mutex.Unlock()

			if len(tasks) == 0 {
				if closed {
					return
				}
				break
			}
			for _, task := range tasks {
				task()
			}
		}
	}
}
