// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the small OS-process helpers shared by the
// session manager, the terminal relay, and the binaries:
//
//   - [Fatal] reports an error from main() before or without the
//     structured logger and exits.
//   - [Alive] answers "does this PID still exist" for crash recovery,
//     where shepherd is no longer the parent and cannot wait(2).
//   - [ParseSignal] maps relay signal names ("SIGINT", "term", "9")
//     to signals.
package process
