// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock that only moves when Advance is called. Safe
// for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance or Sleep on the same clock.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingWait
	changed *sync.Cond
}

// pendingWait is one registered After, Sleep, AfterFunc, or ticker.
type pendingWait struct {
	deadline time.Time

	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()

	// interval is non-zero for tickers, which are re-armed after
	// each firing instead of being dropped.
	interval time.Duration

	stopped bool
	fired   bool
}

// Fake returns a FakeClock that reads initial until advanced.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced
// by d. Non-positive durations fire immediately without registering.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&pendingWait{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run once the clock has advanced by d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	wait := &pendingWait{deadline: c.now.Add(d), callback: f}
	c.addLocked(wait)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if wait.stopped || wait.fired {
				return false
			}
			wait.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := !wait.stopped && !wait.fired
			c.removeLocked(wait)
			wait.deadline = c.now.Add(d)
			wait.stopped = false
			wait.fired = false
			c.addLocked(wait)
			return wasPending
		},
	}
}

// NewTicker returns a ticker that fires once per interval of
// advanced time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker called with non-positive interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	wait := &pendingWait{deadline: c.now.Add(d), channel: channel, interval: d}
	c.addLocked(wait)

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			wait.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(wait)
			wait.interval = d
			wait.deadline = c.now.Add(d)
			wait.stopped = false
			c.addLocked(wait)
		},
	}
}

// Sleep blocks until the clock has advanced by d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every wait whose
// deadline is now due, earliest first. Channel deliveries never
// block; a full channel drops the tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, wait := range due {
			if wait.callback != nil {
				wait.callback()
				continue
			}
			select {
			case wait.channel <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n waits are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.countLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of waits that have not fired or
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked()
}

func (c *FakeClock) addLocked(wait *pendingWait) {
	c.pending = append(c.pending, wait)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(wait *pendingWait) {
	for i, candidate := range c.pending {
		if candidate == wait {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *FakeClock) countLocked() int {
	count := 0
	for _, wait := range c.pending {
		if !wait.stopped {
			count++
		}
	}
	return count
}

// takeDue removes and returns the waits due at target. Tickers are
// re-armed one interval later and stay pending.
func (c *FakeClock) takeDue(target time.Time) []*pendingWait {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingWait
	for _, wait := range c.pending {
		switch {
		case wait.stopped:
		case wait.deadline.After(target):
			keep = append(keep, wait)
		default:
			due = append(due, wait)
		}
	}
	for _, wait := range due {
		if wait.interval > 0 {
			wait.deadline = wait.deadline.Add(wait.interval)
			keep = append(keep, wait)
		} else {
			wait.fired = true
		}
	}
	c.pending = keep
	return due
}
