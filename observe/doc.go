// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package observe runs worker processes on pseudo-terminals and gives
// remote observers live, bidirectional access to them.
//
// A [Relay] owns one [TerminalSession] per work item. Each session's
// reader goroutine drains the PTY master into a bounded [OutputBuffer]
// and an append-only log file (<dir>/<id>.log), and while the session
// lives a JSON descriptor (<dir>/<id>.json) describes it to outside
// tools. The log outlives the session: [Relay.GetBuffer] falls back to
// its tail, and [Relay.ArchiveLogs] later compresses it to
// <id>.log.zst with zstd.
//
// Delivery to subscribers runs on a single event loop. Readers only
// schedule work onto it, so a subscriber sees a session's output in
// read order, a late subscriber gets the buffered history followed by
// everything after it with no gap or overlap, and exactly one
// "terminated" message when the session ends.
//
// [Server] is the WebSocket transport: one JSON [Request] per inbound
// text frame, one JSON [Message] per outbound frame. Disconnecting
// never stops a worker.
//
// Process plumbing sits behind [Platform] and [Child]. [LinuxPlatform]
// is the real implementation; package observetest provides a fake for
// tests.
package observe
