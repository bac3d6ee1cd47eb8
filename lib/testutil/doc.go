// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by shepherd's tests.
//
// [RequireReceive] and [RequireClosed] are the only places tests wait
// on the wall clock; everything else advances a fake clock. [SocketDir]
// returns a short /tmp directory for unix sockets, whose paths are
// limited to 108 bytes. [UniqueID] hands out distinct work item IDs.
//
// Helpers call t.Fatalf on failure.
package testutil
