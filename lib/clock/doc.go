// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by the session monitor,
// the terminal relay, and anything else in shepherd that waits.
//
// Components hold a Clock field instead of calling the time package.
// Binaries inject Real(). Tests inject Fake(), which only moves when
// the test calls Advance, so heartbeat counting, stuck detection,
// timeout enforcement, and kill escalation can be driven tick by tick:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := session.NewManager(session.ManagerConfig{Clock: fake, ...})
//	fake.WaitForTimers(1)       // monitor is parked on its heartbeat
//	fake.Advance(5 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// wait and the test moving time forward. A monitor that re-arms a
// one-shot After on every iteration is therefore observable: once
// its timer is pending again, the previous heartbeat has been fully
// evaluated.
package clock
