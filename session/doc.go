// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs one worker process per work item and tracks it
// from spawn to exit.
//
// [Manager.Spawn] admits a work item against a global ceiling and a
// per-role ceiling, reads the item from the tracker, resolves its role
// from labels, writes a task context file, and starts the worker on a
// relay pseudo-terminal (or as a plain subprocess when the manager has
// no relay). A monitor goroutine per session then checks the worker
// every heartbeat:
//
//   - a worker that has exited completes the session, closing the work
//     item when auto-close is on;
//   - a worker past its role's timeout is stopped and the session fails;
//   - a worker silent for enough heartbeats is marked stuck, and any
//     output puts it back to running.
//
// Every state change is written to <state>/<id>.json before observers
// registered with [Manager.OnStatusChange] hear about it, and
// [Manager.Recover] rebuilds the session table from those files after a
// restart.
//
// [Manager.RegisterActions] exposes spawn, terminate, list, get, and
// stats on the management socket.
package session
