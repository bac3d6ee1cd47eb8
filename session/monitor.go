// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"syscall"
	"time"
)

const (
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// startMonitor runs the heartbeat loop for a session whose worker has
// started. Nothing starts once the manager is closed.
func (m *Manager) startMonitor(e *entry) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.monitors.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.monitors.Done()
		for {
			select {
			case <-e.stop:
				return
			case <-m.clock.After(m.heartbeat):
			}
			if !m.check(e) {
				return
			}
		}
	}()
}

// check runs one heartbeat and reports whether monitoring continues.
//
// A worker that has gone completes the session. One past its role's
// timeout is stopped and fails the session. Otherwise output since the
// last heartbeat keeps the session running, and StuckHeartbeats
// consecutive quiet heartbeats mark it stuck.
func (m *Manager) check(e *entry) bool {
	e.mu.Lock()
	state := e.session.State
	w := e.worker
	startedAt := e.session.StartedAt
	timeout := e.session.Config.Timeout
	e.mu.Unlock()
	if !state.Active() || w == nil {
		return false
	}

	if !w.Alive() {
		m.complete(e, w)
		return false
	}

	now := m.clock.Now()
	if elapsed := now.Sub(startedAt); timeout > 0 && elapsed > timeout {
		m.expire(e, w, elapsed)
		return false
	}

	m.transition(e, func(session *Session) change {
		if session.State != Running && session.State != Stuck {
			return noChange
		}
		if e.outputBytes != e.lastOutputBytes {
			e.lastOutputBytes = e.outputBytes
			e.quietBeats = 0
			session.LastActivity = now
			if session.State == Stuck {
				session.State = Running
				return stateChange
			}
			return quietChange
		}
		e.quietBeats++
		if session.State == Running && e.quietBeats >= m.stuckHeartbeats {
			session.State = Stuck
			return stateChange
		}
		return noChange
	})
	return true
}

// complete records a worker that exited on its own and, when the
// session asks for it, closes the work item.
func (m *Manager) complete(e *entry, w worker) {
	now := m.clock.Now()
	snapshot, result := m.transition(e, func(session *Session) change {
		if !session.State.Active() {
			return noChange
		}
		session.State = Completed
		session.EndedAt = now
		return stateChange
	})
	if result != stateChange {
		return
	}
	w.Release()
	if snapshot.Config.AutoCloseOnComplete {
		m.closeWorkItem(snapshot.WorkItemID)
	}
}

// expire stops a worker that ran past its timeout and fails the
// session.
func (m *Manager) expire(e *entry, w worker, elapsed time.Duration) {
	workItemID := e.snapshot().WorkItemID
	m.logger.Warn("session timed out", "work_item_id", workItemID, "pid", w.Pid(), "elapsed", elapsed)
	m.stopWorker(workItemID, w, true)
	w.Release()

	message := fmt.Sprintf("session timed out after %ds", int(elapsed/time.Second))
	m.fail(e, message)
}
