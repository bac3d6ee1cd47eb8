// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/shepherd/lib/process"
	"github.com/bureau-foundation/shepherd/lib/statefile"
)

const descriptorSuffix = ".json"

func (m *Manager) descriptorPath(workItemID string) string {
	return filepath.Join(m.stateDirectory, workItemID+descriptorSuffix)
}

// persist writes the session's descriptor. Failures are logged: the
// in-memory session stays authoritative.
func (m *Manager) persist(session Session) {
	path := m.descriptorPath(session.WorkItemID)
	if err := statefile.Write(path, session.Descriptor(m.clock.Now())); err != nil {
		m.logger.Error("persisting session failed", "work_item_id", session.WorkItemID, "error", err)
	}
}

// Recover loads every session descriptor in the state directory.
// Sessions that were active are resumed if their worker is still
// alive and otherwise marked completed. Unreadable descriptors are
// logged and skipped. Sessions already known to the manager are left
// alone.
//
// Recovered workers were started by another process, so their output
// is not counted and a long-running one eventually shows as stuck.
func (m *Manager) Recover() error {
	paths, err := statefile.List(m.stateDirectory, descriptorSuffix)
	if err != nil {
		return err
	}

	recovered, resumed := 0, 0
	for _, path := range paths {
		var descriptor Descriptor
		if err := statefile.Read(path, &descriptor); err != nil {
			m.logger.Warn("skipping unreadable session descriptor", "path", path, "error", err)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), descriptorSuffix)
		if descriptor.WorkItemID == "" || descriptor.WorkItemID != name {
			m.logger.Warn("skipping session descriptor with mismatched id", "path", path, "work_item_id", descriptor.WorkItemID)
			continue
		}

		session := descriptor.Session()
		e := newEntry(session)
		alive := session.State.Active() && session.Pid > 0 && process.Alive(session.Pid)
		if alive {
			e.worker = pidWorker{pid: session.Pid}
			e.quietBeats = 0
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if _, exists := m.sessions[session.WorkItemID]; exists {
			m.mu.Unlock()
			continue
		}
		m.sessions[session.WorkItemID] = e
		m.mu.Unlock()
		recovered++

		switch {
		case alive:
			resumed++
			m.logger.Info("resuming session", "work_item_id", session.WorkItemID, "pid", session.Pid, "state", session.State)
			m.startMonitor(e)
		case session.State.Active():
			now := m.clock.Now()
			m.transition(e, func(session *Session) change {
				if !session.State.Active() {
					return noChange
				}
				session.State = Completed
				session.EndedAt = now
				return stateChange
			})
		}
	}
	m.logger.Info("sessions recovered", "count", recovered, "resumed", resumed)
	return nil
}
